// Package dirty tracks which fields of an update holder changed since
// the last publish. A holder owns one Group; each tracked field claims
// a bit in the group's 64-bit bitmap. ConsumeAny atomically reads and
// clears the whole bitmap, so a collector observes every change exactly
// once.
package dirty

import (
	"sync"
	"sync/atomic"
)

type Group struct {
	bits atomic.Uint64
	next uint32
}

// Bit claims the next free bit of the group. Called once per field at
// holder construction; panics when more than 64 fields are claimed.
func (g *Group) Bit() uint {
	n := atomic.AddUint32(&g.next, 1) - 1
	if n >= 64 {
		panic("dirty: group exhausted")
	}
	return uint(n)
}

func (g *Group) mark(bit uint) {
	for {
		old := g.bits.Load()
		if g.bits.CompareAndSwap(old, old|(1<<bit)) {
			return
		}
	}
}

// ConsumeAny returns the bitmap of dirty fields and clears it.
func (g *Group) ConsumeAny() uint64 {
	return g.bits.Swap(0)
}

// Dirty reports whether any field is dirty without clearing.
func (g *Group) Dirty() bool {
	return g.bits.Load() != 0
}

// Has reports whether the given bit is set in a consumed bitmap.
func Has(mask uint64, bit uint) bool {
	return mask&(1<<bit) != 0
}

// Field is a value bound to one bit of a Group. Set marks the bit only
// when the value actually changed.
type Field[T comparable] struct {
	group *Group
	bit   uint

	mu      sync.RWMutex
	value   T
	present bool
}

func NewField[T comparable](g *Group) *Field[T] {
	return &Field[T]{group: g, bit: g.Bit()}
}

func (f *Field[T]) Bit() uint {
	return f.bit
}

// Set stores v and marks the field dirty if it differs from the
// current value (or if no value was present yet).
func (f *Field[T]) Set(v T) {
	f.mu.Lock()
	changed := !f.present || f.value != v
	f.value = v
	f.present = true
	f.mu.Unlock()
	if changed {
		f.group.mark(f.bit)
	}
}

func (f *Field[T]) Get() (T, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.value, f.present
}
