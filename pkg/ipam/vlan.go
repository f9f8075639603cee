package ipam

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	MinVLANID = 1
	MaxVLANID = 4094

	DefaultVLANRangeStart = 2
	DefaultVLANRangeEnd   = 4094
)

var (
	ErrInvalidVLAN      = errors.New("invalid VLAN id")
	ErrVLANInUse        = errors.New("VLAN id already in use")
	ErrVLANNotAllocated = errors.New("VLAN id is not allocated")
	ErrVLANExhausted    = errors.New("no free VLAN ids left in range")
)

// ValidateVLANID accepts 1..4094. 0 and 4095 are reserved by 802.1Q.
func ValidateVLANID(id int) error {
	if id < MinVLANID || id > MaxVLANID {
		return fmt.Errorf("%w: %d must be between %d and %d", ErrInvalidVLAN, id, MinVLANID, MaxVLANID)
	}
	return nil
}

// VLANAssignment is one allocated id
type VLANAssignment struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// VLANAllocator tracks VLAN ids within one design
type VLANAllocator struct {
	mu    sync.Mutex
	start int
	end   int
	used  map[int]string
}

// NewVLANAllocator creates an allocator for ids start..end inclusive
func NewVLANAllocator(start, end int) (*VLANAllocator, error) {
	if err := ValidateVLANID(start); err != nil {
		return nil, err
	}
	if err := ValidateVLANID(end); err != nil {
		return nil, err
	}
	if start > end {
		return nil, fmt.Errorf("%w: range %d-%d is empty", ErrInvalidVLAN, start, end)
	}
	return &VLANAllocator{start: start, end: end, used: make(map[int]string)}, nil
}

// DefaultVLANAllocator allocates from 2..4094
func DefaultVLANAllocator() *VLANAllocator {
	a, _ := NewVLANAllocator(DefaultVLANRangeStart, DefaultVLANRangeEnd)
	return a
}

// Allocate assigns the lowest free id in range to name
func (a *VLANAllocator) Allocate(name string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id := a.start; id <= a.end; id++ {
		if _, taken := a.used[id]; !taken {
			a.used[id] = name
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %d-%d", ErrVLANExhausted, a.start, a.end)
}

// Reserve marks a specific id as used. Ids outside the allocation range are
// accepted when they are valid VLAN ids, so existing designs that use VLAN 1
// can still be loaded.
func (a *VLANAllocator) Reserve(id int, name string) error {
	if err := ValidateVLANID(id); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if owner, taken := a.used[id]; taken {
		return fmt.Errorf("%w: %d (%s)", ErrVLANInUse, id, owner)
	}
	a.used[id] = name
	return nil
}

// Release frees an id
func (a *VLANAllocator) Release(id int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.used[id]; !taken {
		return fmt.Errorf("%w: %d", ErrVLANNotAllocated, id)
	}
	delete(a.used, id)
	return nil
}

// InUse reports whether id is allocated
func (a *VLANAllocator) InUse(id int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, taken := a.used[id]
	return taken
}

// Assignments returns every allocated id in ascending order
func (a *VLANAllocator) Assignments() []VLANAssignment {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]VLANAssignment, 0, len(a.used))
	for id, name := range a.used {
		out = append(out, VLANAssignment{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Free returns how many ids in range remain unallocated
func (a *VLANAllocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.end - a.start + 1
	for id := range a.used {
		if id >= a.start && id <= a.end {
			n--
		}
	}
	return n
}
