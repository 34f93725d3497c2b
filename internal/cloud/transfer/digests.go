package transfer

import (
	"fmt"
	"sync"

	"github.com/rescale/cloudstore/internal/cloud/storage"
)

// Digests collects one digest per part number. Safe for concurrent use.
// A part's digest is written once and never replaced.
type Digests[T any] struct {
	mu sync.Mutex
	m  map[int]T
}

// NewDigests creates an empty digest map.
func NewDigests[T any]() *Digests[T] {
	return &Digests[T]{m: make(map[int]T)}
}

// Put records the digest for part. Recording a part twice is an error.
func (d *Digests[T]) Put(part int, v T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.m[part]; ok {
		return fmt.Errorf("digest for part %d already recorded", part)
	}
	d.m[part] = v
	return nil
}

// Len returns the number of recorded parts.
func (d *Digests[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.m)
}

// Ordered returns the digests in part order. Every part of plan must be
// present and nothing else; partial coverage is never finalized.
func (d *Digests[T]) Ordered(plan PartPlan) ([]T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.m) != plan.Count() {
		return nil, fmt.Errorf("%w: %d of %d part digests recorded", storage.ErrIncompleteTransfer, len(d.m), plan.Count())
	}
	out := make([]T, plan.Count())
	for _, p := range plan.Parts {
		v, ok := d.m[p.Number]
		if !ok {
			return nil, fmt.Errorf("%w: missing digest for part %d", storage.ErrIncompleteTransfer, p.Number)
		}
		out[p.Number] = v
	}
	return out, nil
}
