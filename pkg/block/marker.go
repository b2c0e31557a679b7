package block

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Marker keeps a block-granular record of which parts of a device hold data.
// It answers in O(1) and is the fast path in front of the range tracker,
// which is consulted only for bytes the marker has not seen yet.
type Marker struct {
	bitset *bitset.BitSet
	mu     sync.RWMutex
}

func NewMarker(blocks uint) *Marker {
	return &Marker{
		bitset: bitset.New(blocks),
	}
}

func (m *Marker) Mark(idx int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bitset.Set(uint(idx))
}

// MarkRange marks every block that lies entirely inside [start, end).
func (m *Marker) MarkRange(start, end int64) {
	first := Idx(start + Size - 1)
	last := Idx(end)

	m.mu.Lock()
	defer m.mu.Unlock()

	for idx := first; idx < last; idx++ {
		m.bitset.Set(uint(idx))
	}
}

func (m *Marker) IsMarked(idx int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.bitset.Test(uint(idx))
}

// IsRangeMarked reports whether every block overlapping [start, end) is
// marked.
func (m *Marker) IsRangeMarked(start, end int64) bool {
	if end <= start {
		return true
	}

	first := Idx(start)
	last := Idx(end - 1)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for idx := first; idx <= last; idx++ {
		if !m.bitset.Test(uint(idx)) {
			return false
		}
	}

	return true
}
