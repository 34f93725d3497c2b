package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/rescale/cloudstore/internal/constants"
)

// TransferBar renders one transfer as an mpb bar on stderr. When stderr is
// not a terminal it prints a start and a completion line instead.
type TransferBar struct {
	progress   *mpb.Progress
	bar        *mpb.Bar
	counter    *Counter
	isTerminal bool
	out        io.Writer

	label     string
	size      int64
	retries   int32
	startTime time.Time
}

// NewTransferBar creates a bar for size bytes. arrow is "→" for uploads and
// "←" for downloads.
func NewTransferBar(localPath, arrow, remote string, size int64) *TransferBar {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))
	return newTransferBar(os.Stderr, isTerminal, localPath, arrow, remote, size)
}

func newTransferBar(out io.Writer, isTerminal bool, localPath, arrow, remote string, size int64) *TransferBar {
	tb := &TransferBar{
		counter:    NewCounter(),
		isTerminal: isTerminal,
		out:        out,
		label:      fmt.Sprintf("%s %s %s", truncatePath(localPath, 2), arrow, remote),
		size:       size,
		startTime:  time.Now(),
	}

	if !isTerminal {
		fmt.Fprintf(out, "%s (%.1f MiB)\n", tb.label, float64(size)/(1024*1024))
		return tb
	}

	tb.progress = mpb.New(
		mpb.WithOutput(out),
		mpb.WithRefreshRate(constants.ProgressRefreshInterval),
		mpb.WithWidth(100),
	)
	tb.bar = tb.progress.New(size,
		mpb.BarStyle().
			Lbound("[").
			Filler("█").
			Tip("█").
			Padding("░").
			Rbound("]"),
		mpb.PrependDecorators(
			decor.Any(func(s decor.Statistics) string {
				if r := atomic.LoadInt32(&tb.retries); r > 0 {
					return fmt.Sprintf("%s (retry %d)", tb.label, r)
				}
				return tb.label
			}, decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
			decor.Name("  "),
			decor.Percentage(decor.WCSyncSpace),
			decor.Name("  "),
			decor.AverageSpeed(decor.SizeB1024(0), "% .1f", decor.WCSyncSpace),
		),
		mpb.BarRemoveOnComplete(),
	)
	return tb
}

// Transferred implements Sink.
func (tb *TransferBar) Transferred(partID string, cumulative int64) {
	delta := tb.counter.update(partID, cumulative)
	if tb.bar == nil {
		return
	}
	switch {
	case delta > 0:
		tb.bar.IncrInt64(delta)
	case delta < 0:
		// a retried part rewinds
		tb.bar.SetCurrent(tb.counter.Total())
	}
}

// OnRetry counts retries for the label. Its signature matches the retry
// listener so the CLI can pass it directly.
func (tb *TransferBar) OnRetry(op string, attempt int, err error) {
	atomic.AddInt32(&tb.retries, 1)
}

// Writer returns a writer that prints above the bar.
func (tb *TransferBar) Writer() io.Writer {
	if tb.progress != nil {
		return tb.progress
	}
	return tb.out
}

// Complete finishes the bar and prints a summary line.
func (tb *TransferBar) Complete(err error) {
	elapsed := time.Since(tb.startTime)

	var msg string
	if err == nil {
		if tb.bar != nil {
			tb.bar.SetTotal(tb.size, true)
		}
		speed := 0.0
		if elapsed > 0 {
			speed = float64(tb.size) / elapsed.Seconds() / (1024 * 1024)
		}
		msg = fmt.Sprintf("✓ %s (%.1f MiB, %s, %.1f MiB/s)\n",
			tb.label, float64(tb.size)/(1024*1024), elapsed.Round(time.Second), speed)
	} else {
		if tb.bar != nil {
			tb.bar.Abort(false)
		}
		msg = fmt.Sprintf("✗ %s: %v (after %d retries)\n", tb.label, err, atomic.LoadInt32(&tb.retries))
	}

	if tb.progress != nil {
		_, _ = tb.progress.Write([]byte(msg))
		tb.progress.Wait()
		return
	}
	fmt.Fprint(tb.out, msg)
}

// truncatePath keeps the last maxComponents path elements.
// Example: truncatePath("/a/b/c/d/file.txt", 3) → "…/c/d/file.txt"
func truncatePath(path string, maxComponents int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return filepath.Base(path)
	}
	return "…/" + strings.Join(parts[len(parts)-maxComponents:], "/")
}
