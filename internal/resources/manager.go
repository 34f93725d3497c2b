// Package resources owns the worker pools shared by every transfer in a
// process: the API pool that bounds concurrent backend calls, the internal
// pool that bounds orchestration tasks, and the memory budget for part buffers.
package resources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rescale/cloudstore/internal/constants"
)

// fallbackMemory is assumed when the platform cannot report free memory (2 GiB).
const fallbackMemory = 2 * 1024 * 1024 * 1024

// minMemoryBudget keeps at least a few default-size parts in flight.
const minMemoryBudget = 4 * constants.DefaultChunkSize

// Config holds configuration for the resource manager
type Config struct {
	APIConcurrency      int   // concurrent backend calls (0 = default)
	InternalConcurrency int   // concurrent orchestration tasks (0 = default)
	MemoryBudget        int64 // bytes of part buffers in flight (0 = derive from free memory)
}

// Manager holds the pools. One Manager is shared by all transfers of a process
// so that concurrent uploads and downloads compete for the same slots.
type Manager struct {
	api      *semaphore.Weighted
	apiSize  int
	internal int

	memory       *semaphore.Weighted
	memoryBudget int64

	mu       sync.Mutex
	inflight int // API calls currently holding a slot

	monitor *ThroughputMonitor
}

// NewManager creates a new resource manager
func NewManager(cfg Config) *Manager {
	apiSize := cfg.APIConcurrency
	if apiSize <= 0 {
		apiSize = constants.DefaultAPIConcurrency
	}
	internal := cfg.InternalConcurrency
	if internal <= 0 {
		internal = constants.DefaultInternalConcurrency
	}

	budget := cfg.MemoryBudget
	if budget <= 0 {
		avail := availableMemory()
		if avail == 0 {
			avail = fallbackMemory
		}
		budget = int64(float64(avail) * constants.MemoryBudgetFraction)
	}
	if budget < minMemoryBudget {
		budget = minMemoryBudget
	}

	return &Manager{
		api:          semaphore.NewWeighted(int64(apiSize)),
		apiSize:      apiSize,
		internal:     internal,
		memory:       semaphore.NewWeighted(budget),
		memoryBudget: budget,
		monitor:      NewThroughputMonitor(),
	}
}

// API runs fn while holding one API slot. The slot is released when fn
// returns, so callers retrying fn must wait between attempts outside of API.
func (m *Manager) API(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := m.api.Acquire(ctx, 1); err != nil {
		return err
	}
	m.mu.Lock()
	m.inflight++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
		m.api.Release(1)
	}()
	return fn(ctx)
}

// ReserveMemory blocks until n bytes of buffer budget are available. Requests
// larger than the whole budget are clamped so a single huge part can still run.
func (m *Manager) ReserveMemory(ctx context.Context, n int64) (release func(), err error) {
	if n > m.memoryBudget {
		n = m.memoryBudget
	}
	if n <= 0 {
		return func() {}, nil
	}
	if err := m.memory.Acquire(ctx, n); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { m.memory.Release(n) }) }, nil
}

// APILimit returns the API pool size.
func (m *Manager) APILimit() int {
	return m.apiSize
}

// InternalLimit returns the internal pool size; orchestrators pass it to
// errgroup.SetLimit.
func (m *Manager) InternalLimit() int {
	return m.internal
}

// MemoryBudget returns the part buffer budget in bytes.
func (m *Manager) MemoryBudget() int64 {
	return m.memoryBudget
}

// InFlight returns the number of API calls currently running.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight
}

// Monitor returns the shared throughput monitor.
func (m *Manager) Monitor() *ThroughputMonitor {
	return m.monitor
}

// String returns a human-readable representation of the manager state
func (m *Manager) String() string {
	return fmt.Sprintf("ResourceManager[api=%d internal=%d memory=%dMiB inflight=%d]",
		m.apiSize, m.internal, m.memoryBudget>>20, m.InFlight())
}

// ThroughputMonitor accumulates bytes moved per transfer.
type ThroughputMonitor struct {
	mu      sync.Mutex
	samples map[string]*throughput
}

type throughput struct {
	start time.Time
	bytes int64
	parts int
}

// NewThroughputMonitor creates a new throughput monitor
func NewThroughputMonitor() *ThroughputMonitor {
	return &ThroughputMonitor{samples: make(map[string]*throughput)}
}

// Record adds a completed part of n bytes to transferID.
func (tm *ThroughputMonitor) Record(transferID string, n int64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	s, ok := tm.samples[transferID]
	if !ok {
		s = &throughput{start: time.Now()}
		tm.samples[transferID] = s
	}
	s.bytes += n
	s.parts++
}

// Summary returns totals and the average rate in bytes per second since the
// first Record for transferID.
func (tm *ThroughputMonitor) Summary(transferID string) (bytes int64, parts int, bytesPerSec float64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	s, ok := tm.samples[transferID]
	if !ok {
		return 0, 0, 0
	}
	elapsed := time.Since(s.start).Seconds()
	if elapsed > 0 {
		bytesPerSec = float64(s.bytes) / elapsed
	}
	return s.bytes, s.parts, bytesPerSec
}

// Cleanup removes samples for a completed transfer
func (tm *ThroughputMonitor) Cleanup(transferID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.samples, transferID)
}
