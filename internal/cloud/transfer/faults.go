package transfer

import (
	"sync"

	"github.com/rescale/cloudstore/internal/cloud/storage"
)

// Faults forces failures at controlled points of a transfer. Each transfer id
// has a countdown: every Hit decrements it, and the Hit that brings it to zero
// fails with a FaultInjectionError. A nil *Faults never fails.
type Faults struct {
	mu       sync.Mutex
	counters map[string]int
}

// NewFaults creates an empty fault-injection context.
func NewFaults() *Faults {
	return &Faults{counters: make(map[string]int)}
}

// Set arms the countdown for id. n <= 0 disarms it.
func (f *Faults) Set(id string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= 0 {
		delete(f.counters, id)
		return
	}
	f.counters[id] = n
}

// Hit is called by sessions before each part attempt.
func (f *Faults) Hit(id string) error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.counters[id]
	if !ok {
		return nil
	}
	n--
	if n > 0 {
		f.counters[id] = n
		return nil
	}
	delete(f.counters, id)
	return &storage.FaultInjectionError{ID: id}
}

// Pending returns the remaining countdown for id, 0 when disarmed.
func (f *Faults) Pending(id string) int {
	if f == nil {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[id]
}
