// Package idm allocates small non-negative integer ids and recycles freed ones.
//
// An Allocator hands out ids from a free-list first (most recently freed id
// first), and otherwise from a monotonically increasing counter. The counter
// doubles as a high-water mark: every id below Last has been issued at some
// point, and no id at or above Last has.
//
// The zero Allocator is ready to use. Allocators are not safe for concurrent use.
package idm

import "slices"

type Allocator struct {
	last uint32
	free []uint32
}

// New returns a free id.
func (a *Allocator) New() uint32 {
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id
	}
	id := a.last
	a.last++
	return id
}

// Del returns id to the allocator. The id must be live; freeing an id twice
// corrupts the allocator.
func (a *Allocator) Del(id uint32) {
	a.free = append(a.free, id)
}

// Reserve marks id as live without going through New. Ids skipped over
// between the old high-water mark and id become free.
func (a *Allocator) Reserve(id uint32) {
	if id >= a.last {
		for gap := a.last; gap < id; gap++ {
			a.free = append(a.free, gap)
		}
		a.last = id + 1
		return
	}
	if i := slices.Index(a.free, id); i >= 0 {
		a.free = slices.Delete(a.free, i, i+1)
	}
}

func (a *Allocator) Last() uint32 {
	return a.last
}

// Free returns the free ids in the order New would hand them out.
func (a *Allocator) Free() []uint32 {
	out := slices.Clone(a.free)
	slices.Reverse(out)
	return out
}

func (a *Allocator) FreeCount() int {
	return len(a.free)
}

// Live returns the number of ids currently issued.
func (a *Allocator) Live() int {
	return int(a.last) - len(a.free)
}

func (a *Allocator) Reset() {
	a.last = 0
	a.free = a.free[:0]
}

// Rebuild reconstructs allocator state after a reopen: every id below last
// for which exists reports false becomes free. Ids are probed in ascending
// order, so the highest missing id is handed out first.
func Rebuild(last uint32, exists func(id uint32) (bool, error)) (Allocator, error) {
	a := Allocator{last: last}
	for id := uint32(0); id < last; id++ {
		ok, err := exists(id)
		if err != nil {
			return Allocator{}, err
		}
		if !ok {
			a.free = append(a.free, id)
		}
	}
	return a, nil
}
