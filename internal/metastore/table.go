package metastore

import (
	"container/list"
	"sort"
)

// table is an ordered map from log sequence to *Entry paired with an LRU
// list, grounded on the sorted-slice-plus-map idiom (no pack repo imports a
// direct ordered-map/btree library; google/btree appears only as an
// indirect dependency nobody in the retrieval pack imports directly, so we
// build the predecessor lookup spec.md §4.1 requires on top of sort.Search
// instead — see DESIGN.md) combined with the container/list LRU idiom the
// teacher uses in pkg/content/fs/fdcache.go.
type table struct {
	keys    []int64 // sorted ascending, kept in sync with entries
	entries map[int64]*Entry
	lru     *list.List
}

func newTable() *table {
	return &table{
		entries: make(map[int64]*Entry),
		lru:     list.New(),
	}
}

func (t *table) len() int { return len(t.entries) }

// openCount returns how many entries currently hold an open descriptor, for
// the per-table open-fd gauge.
func (t *table) openCount() int {
	n := 0
	for _, e := range t.entries {
		if e.Open() {
			n++
		}
	}
	return n
}

func (t *table) get(key int64) (*Entry, bool) {
	e, ok := t.entries[key]
	return e, ok
}

// insert adds a new entry. Callers must have already verified key uniqueness.
func (t *table) insert(e *Entry) {
	idx := sort.Search(len(t.keys), func(i int) bool { return t.keys[i] >= e.LogSeq })
	t.keys = append(t.keys, 0)
	copy(t.keys[idx+1:], t.keys[idx:])
	t.keys[idx] = e.LogSeq
	t.entries[e.LogSeq] = e
}

// erase removes key from the table and its LRU list.
func (t *table) erase(key int64) {
	e, ok := t.entries[key]
	if !ok {
		return
	}
	if e.elem != nil {
		t.lru.Remove(e.elem)
		e.elem = nil
	}
	delete(t.entries, key)

	idx := sort.Search(len(t.keys), func(i int) bool { return t.keys[i] >= key })
	if idx < len(t.keys) && t.keys[idx] == key {
		t.keys = append(t.keys[:idx], t.keys[idx+1:]...)
	}
}

// lowerBound returns the index into t.keys of the first key >= seq, and
// len(t.keys) if none exists.
func (t *table) lowerBound(seq int64) int {
	return sort.Search(len(t.keys), func(i int) bool { return t.keys[i] >= seq })
}

// maxKey returns the largest registered key. ok is false if the table is empty.
func (t *table) maxKey() (int64, bool) {
	if len(t.keys) == 0 {
		return 0, false
	}
	return t.keys[len(t.keys)-1], true
}

// minKey returns the smallest registered key. ok is false if the table is empty.
func (t *table) minKey() (int64, bool) {
	if len(t.keys) == 0 {
		return 0, false
	}
	return t.keys[0], true
}

// findBySeq resolves a requested log sequence against a log-segment table:
// an exact start-key match, or (when exact lookup fails) the predecessor
// segment whose [startSeq,endSeq] range covers seq.
func (t *table) findBySeq(seq int64) (*Entry, bool) {
	if e, ok := t.entries[seq]; ok {
		return e, true
	}

	idx := t.lowerBound(seq)
	if idx == 0 {
		return nil, false // seq before the oldest segment
	}

	predKey := t.keys[idx-1]
	pred := t.entries[predKey]
	if seq <= pred.LogEndSeq {
		return pred, true
	}

	return nil, false // gap between contiguous segments
}

// lruTouch implements the LRU update rule of spec.md §4.1 exactly:
//
//   - useCount<=0 && fd<0: if PendingDelete, park at the list tail (the
//     pruner will find it); otherwise drop it from the list entirely.
//   - otherwise: insert just before the tail ("in-use, recently touched")
//     and refresh AccessTime.
func (t *table) lruTouch(e *Entry, now int64) {
	if e.elem != nil {
		t.lru.Remove(e.elem)
		e.elem = nil
	}

	if e.UseCount <= 0 && !e.Open() {
		if e.PendingDelete {
			e.elem = t.lru.PushBack(e)
		}
		return
	}

	if back := t.lru.Back(); back != nil {
		e.elem = t.lru.InsertBefore(e, back)
	} else {
		e.elem = t.lru.PushBack(e)
	}
	e.AccessTime = now
}

// lruHead returns the least-recently-used entry (the eviction candidate),
// or nil if the list is empty.
func (t *table) lruHead() *Entry {
	front := t.lru.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*Entry)
}

// popLRUHead removes and returns the LRU head.
func (t *table) popLRUHead() *Entry {
	front := t.lru.Front()
	if front == nil {
		return nil
	}
	t.lru.Remove(front)
	e := front.Value.(*Entry)
	e.elem = nil
	return e
}

// ascendingFrom returns keys >= from in ascending order.
func (t *table) ascendingFrom(from int64) []int64 {
	idx := t.lowerBound(from)
	out := make([]int64, len(t.keys)-idx)
	copy(out, t.keys[idx:])
	return out
}
