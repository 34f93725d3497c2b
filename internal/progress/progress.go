// Package progress reports transfer progress. The engine only knows the Sink
// interface; the CLI plugs in an mpb-backed TransferBar.
package progress

import (
	"sync"
)

// Sink receives the cumulative byte count of each part as it moves.
// Implementations must be safe for concurrent use. A part that is retried
// restarts from zero.
type Sink interface {
	Transferred(partID string, cumulative int64)
}

// Nop discards progress.
type Nop struct{}

// Transferred implements Sink.
func (Nop) Transferred(string, int64) {}

// Counter keeps the latest cumulative value per part and their sum.
type Counter struct {
	mu    sync.Mutex
	parts map[string]int64
	total int64
}

// NewCounter creates an empty Counter.
func NewCounter() *Counter {
	return &Counter{parts: make(map[string]int64)}
}

// Transferred implements Sink. It replaces the part's previous value and
// adjusts the total by the difference.
func (c *Counter) Transferred(partID string, cumulative int64) {
	c.update(partID, cumulative)
}

func (c *Counter) update(partID string, cumulative int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	delta := cumulative - c.parts[partID]
	c.parts[partID] = cumulative
	c.total += delta
	return delta
}

// Total returns the sum of the latest cumulative values.
func (c *Counter) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Part returns the latest cumulative value for partID.
func (c *Counter) Part(partID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parts[partID]
}
