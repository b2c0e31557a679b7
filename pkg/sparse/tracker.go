package sparse

import (
	"sort"
	"sync"
)

// Listener is notified exactly once when the range it was registered for
// either becomes fully available (nil) or a filler covering it fails (the
// filler's error, unchanged). Listeners are always invoked after the tracker
// mutex has been released, so they may call back into the tracker.
type Listener func(error)

type segmentState uint8

const (
	statePending segmentState = iota
	stateComplete
)

// segment is a half-open byte range recorded by the tracker. A pending
// segment is owned by exactly one gap; its start advances as the filler
// reports progress. A complete segment holds no listeners.
type segment struct {
	start int64
	end   int64
	state segmentState

	listeners []*listenerEntry

	// removed is set once the segment left the tracker's segment list.
	removed bool
}

func (s *segment) overlaps(r Range) bool {
	return NewRange(s.start, s.end).Overlaps(r)
}

// listenerEntry is shared between all pending segments that intersect the
// registered range. It fires once remaining drops to zero, or immediately
// when any of the covering fillers fails.
type listenerEntry struct {
	inner     Range
	remaining int
	fired     bool
	notify    Listener
}

// Tracker records which byte ranges of a fixed-length file have been
// materialized, hands out gaps for the absent parts and wakes up listeners
// the moment a range they are interested in becomes fully available.
//
// A single mutex guards the segment list and all listener bookkeeping.
// Pending segments never overlap, so no byte is ever produced by two
// concurrent fillers.
type Tracker struct {
	name   string
	length int64

	mu sync.Mutex
	// Ordered by start, non-overlapping, never empty. Touching complete
	// segments are merged eagerly; complete and pending segments may abut.
	segments []*segment
}

// NewTracker creates an empty tracker for a file of the given length.
func NewTracker(name string, length int64) (*Tracker, error) {
	if length < 0 {
		return nil, &InvalidLengthError{Name: name, Length: length}
	}

	return &Tracker{
		name:   name,
		length: length,
	}, nil
}

// NewSeededTracker creates a tracker with the given ranges already complete.
// The seed must be sorted in ascending order with a strictly positive gap
// between consecutive ranges.
func NewSeededTracker(name string, length int64, completed []Range) (*Tracker, error) {
	t, err := NewTracker(name, length)
	if err != nil {
		return nil, err
	}

	prevEnd := int64(-1)
	for _, r := range completed {
		if r.Start < 0 || r.End > length || r.Start >= r.End || r.Start <= prevEnd {
			return nil, &InvalidRangeError{Name: name, Range: r, Length: length}
		}

		t.segments = append(t.segments, &segment{start: r.Start, end: r.End, state: stateComplete})
		prevEnd = r.End
	}

	return t, nil
}

func (t *Tracker) Name() string {
	return t.name
}

func (t *Tracker) Length() int64 {
	return t.length
}

// WaitForRange commits this caller to produce the bytes of outer that are
// neither complete nor already owned by another filler, and registers a
// listener for inner.
//
// It returns one gap per maximal absent sub-range of outer, in ascending
// order. Sub-ranges of outer that are already pending stay with the filler
// that first introduced them and contribute no gap here. The listener fires
// once every byte of inner is complete, which may be before any of the
// returned gaps are processed, or with the filler's error if any filler
// covering inner fails.
func (t *Tracker) WaitForRange(outer, inner Range, notify Listener) ([]*Gap, error) {
	if err := t.checkRange(outer); err != nil {
		return nil, err
	}

	if inner.Start < 0 || inner.End > t.length || inner.Start >= inner.End {
		return nil, &InvalidRangeError{Name: t.name, Range: inner, Length: t.length}
	}

	if !outer.Contains(inner) {
		return nil, &InvalidListenerRangeError{Name: t.name, Inner: inner, Outer: outer}
	}

	t.mu.Lock()

	var gaps []*Gap
	for _, r := range t.uncovered(outer, false) {
		seg := &segment{start: r.Start, end: r.End, state: statePending}
		t.insertSegment(seg)

		gaps = append(gaps, &Gap{tracker: t, seg: seg, start: r.Start, end: r.End})
	}

	covering := t.pendingOverlapping(inner)
	if len(covering) == 0 {
		// Every byte of inner is already complete.
		t.mu.Unlock()
		notify(nil)

		return gaps, nil
	}

	entry := &listenerEntry{inner: inner, remaining: len(covering), notify: notify}
	for _, seg := range covering {
		seg.listeners = append(seg.listeners, entry)
	}

	t.mu.Unlock()

	return gaps, nil
}

// WaitForRangeIfPending registers a listener for inner only if inner is fully
// covered by complete and pending segments, with at least one byte pending.
// It returns false without invoking the listener when any byte of inner is
// absent (the caller should follow up with WaitForRange to start fillers) and
// when inner is already entirely complete.
func (t *Tracker) WaitForRangeIfPending(inner Range, notify Listener) (bool, error) {
	if err := t.checkRange(inner); err != nil {
		return false, err
	}

	t.mu.Lock()

	if len(t.uncovered(inner, false)) > 0 {
		t.mu.Unlock()

		return false, nil
	}

	covering := t.pendingOverlapping(inner)
	if len(covering) == 0 {
		t.mu.Unlock()

		return false, nil
	}

	entry := &listenerEntry{inner: inner, remaining: len(covering), notify: notify}
	for _, seg := range covering {
		seg.listeners = append(seg.listeners, entry)
	}

	t.mu.Unlock()

	return true, nil
}

// AbsentRangeWithin returns the first maximal sub-range of [start, end) that
// is not yet complete. Pending bytes count as absent, so the result tells the
// caller which region still needs fetching. The second return value is false
// iff every byte of [start, end) is complete.
func (t *Tracker) AbsentRangeWithin(start, end int64) (Range, bool) {
	query := NewRange(max(start, 0), min(end, t.length))
	if query.IsEmpty() {
		return Range{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	absent := t.uncovered(query, true)
	if len(absent) == 0 {
		return Range{}, false
	}

	return absent[0], true
}

// CompletedRanges returns all complete ranges in ascending order. Touching
// completions are merged, so no two returned ranges are adjacent.
func (t *Tracker) CompletedRanges() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Range
	for _, seg := range t.segments {
		if seg.state == stateComplete {
			out = append(out, NewRange(seg.start, seg.end))
		}
	}

	return out
}

func (t *Tracker) checkRange(r Range) error {
	if r.Start < 0 || r.End > t.length || r.Start >= r.End {
		return &InvalidRangeError{Name: t.name, Range: r, Length: t.length}
	}

	return nil
}

// firstReaching returns the index of the first segment whose end lies past
// pos, the leftmost segment that can overlap a range starting at pos.
func (t *Tracker) firstReaching(pos int64) int {
	return sort.Search(len(t.segments), func(i int) bool {
		return t.segments[i].end > pos
	})
}

// uncovered returns the maximal sub-ranges of query not covered by any
// segment. With completeOnly set, pending segments do not count as coverage.
// Callers must hold the tracker mutex.
func (t *Tracker) uncovered(query Range, completeOnly bool) []Range {
	var out []Range

	pos := query.Start
	for i := t.firstReaching(query.Start); i < len(t.segments) && pos < query.End; i++ {
		seg := t.segments[i]
		if seg.start >= query.End {
			break
		}

		if completeOnly && seg.state != stateComplete {
			continue
		}

		if seg.end <= pos {
			continue
		}

		if seg.start > pos {
			out = append(out, NewRange(pos, min(seg.start, query.End)))
		}

		pos = seg.end
	}

	if pos < query.End {
		out = append(out, NewRange(pos, query.End))
	}

	return out
}

// pendingOverlapping returns the pending segments intersecting r in ascending
// order. Callers must hold the tracker mutex.
func (t *Tracker) pendingOverlapping(r Range) []*segment {
	var out []*segment

	for i := t.firstReaching(r.Start); i < len(t.segments); i++ {
		seg := t.segments[i]
		if seg.start >= r.End {
			break
		}

		if seg.state == statePending && seg.overlaps(r) {
			out = append(out, seg)
		}
	}

	return out
}

// insertSegment places seg into the segment list, keeping it ordered by
// start. Callers must hold the tracker mutex.
func (t *Tracker) insertSegment(seg *segment) {
	i := sort.Search(len(t.segments), func(i int) bool {
		return t.segments[i].start > seg.start
	})

	t.segments = append(t.segments, nil)
	copy(t.segments[i+1:], t.segments[i:])
	t.segments[i] = seg
}

// detachSegment removes seg from the segment list without merging neighbors.
// Callers must hold the tracker mutex.
func (t *Tracker) detachSegment(seg *segment) {
	i := sort.Search(len(t.segments), func(i int) bool {
		return t.segments[i].start >= seg.start
	})

	for ; i < len(t.segments); i++ {
		if t.segments[i] == seg {
			t.segments = append(t.segments[:i], t.segments[i+1:]...)

			return
		}
	}
}

// addComplete records r as complete, merging it with any touching complete
// neighbor so that complete segments never abut. Callers must hold the
// tracker mutex.
func (t *Tracker) addComplete(r Range) {
	if r.IsEmpty() {
		return
	}

	i := sort.Search(len(t.segments), func(i int) bool {
		return t.segments[i].start >= r.Start
	})

	if i > 0 {
		left := t.segments[i-1]
		if left.state == stateComplete && left.end == r.Start {
			left.end = r.End

			if i < len(t.segments) {
				right := t.segments[i]
				if right.state == stateComplete && right.start == left.end {
					left.end = right.end
					t.segments = append(t.segments[:i], t.segments[i+1:]...)
				}
			}

			return
		}
	}

	if i < len(t.segments) {
		right := t.segments[i]
		if right.state == stateComplete && right.start == r.End {
			right.start = r.Start

			return
		}
	}

	t.insertSegment(&segment{start: r.Start, end: r.End, state: stateComplete})
}
