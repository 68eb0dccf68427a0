// Package vlan allocates OVS VLAN access tags to isolate container
// interfaces on a lab bridge into broadcast domains (spec §4.1).
package vlan

import (
	"fmt"
	"sync"

	"github.com/ovlab/ovlab/pkg/util"
)

// ErrNoTagsAvailable is returned when the full configured range is occupied.
var ErrNoTagsAvailable = fmt.Errorf("no VLAN tags available in range")

// Allocator issues and releases VLAN tags in [start, end] for a single lab
// bridge. Safe for concurrent use; every operation is serialised by mu,
// matching the requirement that allocation be serialised per bridge.
type Allocator struct {
	mu       sync.Mutex
	start    int
	end      int
	nextTag  int
	byKey    map[string]int
	inUse    map[int]bool
}

// NewAllocator creates an Allocator over the inclusive range [start, end].
func NewAllocator(start, end int) (*Allocator, error) {
	if err := util.ValidateVLANID(start); err != nil {
		return nil, fmt.Errorf("invalid range start: %w", err)
	}
	if err := util.ValidateVLANID(end); err != nil {
		return nil, fmt.Errorf("invalid range end: %w", err)
	}
	if start > end {
		return nil, fmt.Errorf("range start %d is greater than end %d", start, end)
	}
	return &Allocator{
		start:   start,
		end:     end,
		nextTag: start,
		byKey:   make(map[string]int),
		inUse:   make(map[int]bool),
	}, nil
}

// Allocate returns the cached tag for key if present; otherwise it advances
// the cursor over [start, end], skipping tags currently in use, wrapping at
// end, and fails with ErrNoTagsAvailable only once every tag is occupied.
func (a *Allocator) Allocate(key string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if tag, ok := a.byKey[key]; ok {
		return tag, nil
	}

	span := a.end - a.start + 1
	for i := 0; i < span; i++ {
		tag := a.nextTag
		a.nextTag++
		if a.nextTag > a.end {
			a.nextTag = a.start
		}
		if !a.inUse[tag] {
			a.inUse[tag] = true
			a.byKey[key] = tag
			return tag, nil
		}
	}
	return 0, ErrNoTagsAvailable
}

// Release drops key's tag, making it immediately reusable.
func (a *Allocator) Release(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tag, ok := a.byKey[key]; ok {
		delete(a.byKey, key)
		delete(a.inUse, tag)
	}
}

// Get is a pure lookup; it returns false if key has no allocated tag.
func (a *Allocator) Get(key string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tag, ok := a.byKey[key]
	return tag, ok
}

// ReleaseTag releases whichever key currently holds tag, if any. Used by
// the Link Manager when it needs to free a specific tag value rather than
// look it up by key (e.g. reconciliation against live OVS state).
func (a *Allocator) ReleaseTag(tag int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, t := range a.byKey {
		if t == tag {
			delete(a.byKey, key)
			delete(a.inUse, tag)
			return
		}
	}
}

// Adopt marks tag as allocated to key without consuming a cursor step,
// used to rebuild allocator state from reconciled OVS port tags on restart.
func (a *Allocator) Adopt(key string, tag int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byKey[key] = tag
	a.inUse[tag] = true
}

// InUse reports how many tags are currently allocated.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
