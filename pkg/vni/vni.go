// Package vni allocates VXLAN Network Identifiers for cross-host links and
// for the plugin's own per-lab VXLAN ports (spec §4.2). Same cursor + map
// shape as pkg/vlan, over a disjoint, much larger range.
package vni

import (
	"fmt"
	"sync"

	"github.com/ovlab/ovlab/pkg/util"
)

// ErrNoVNIsAvailable is returned when the full configured range is occupied.
var ErrNoVNIsAvailable = fmt.Errorf("no VNIs available in range")

// Allocator issues and releases VNIs in [start, end]. The same (lab_id,
// link_id) key always maps to the same VNI until explicitly released.
type Allocator struct {
	mu      sync.Mutex
	start   int
	end     int
	nextVNI int
	byKey   map[string]int
	inUse   map[int]bool
}

// NewAllocator creates an Allocator over the inclusive range [start, end].
func NewAllocator(start, end int) (*Allocator, error) {
	if err := util.ValidateVNI(start); err != nil {
		return nil, fmt.Errorf("invalid range start: %w", err)
	}
	if err := util.ValidateVNI(end); err != nil {
		return nil, fmt.Errorf("invalid range end: %w", err)
	}
	if start > end {
		return nil, fmt.Errorf("range start %d is greater than end %d", start, end)
	}
	return &Allocator{
		start:   start,
		end:     end,
		nextVNI: start,
		byKey:   make(map[string]int),
		inUse:   make(map[int]bool),
	}, nil
}

// Allocate returns the cached VNI for key if present; otherwise advances the
// cursor over [start, end], skipping VNIs in use, wrapping at end.
func (a *Allocator) Allocate(key string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if vni, ok := a.byKey[key]; ok {
		return vni, nil
	}

	span := a.end - a.start + 1
	for i := 0; i < span; i++ {
		vni := a.nextVNI
		a.nextVNI++
		if a.nextVNI > a.end {
			a.nextVNI = a.start
		}
		if !a.inUse[vni] {
			a.inUse[vni] = true
			a.byKey[key] = vni
			return vni, nil
		}
	}
	return 0, ErrNoVNIsAvailable
}

// Release drops key's VNI, making it immediately reusable: the cursor is
// moved back to it, so the next Allocate hands that VNI out first.
func (a *Allocator) Release(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if vni, ok := a.byKey[key]; ok {
		delete(a.byKey, key)
		delete(a.inUse, vni)
		a.nextVNI = vni
	}
}

// Get is a pure lookup; it returns false if key has no allocated VNI.
func (a *Allocator) Get(key string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	vni, ok := a.byKey[key]
	return vni, ok
}

// Adopt marks vni as allocated to key without consuming a cursor step, used
// to rebuild allocator state on agent restart from persisted tunnel records.
func (a *Allocator) Adopt(key string, vni int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byKey[key] = vni
	a.inUse[vni] = true
}
