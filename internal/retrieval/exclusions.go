package retrieval

import (
	"sort"
	"sync"
)

// Exclusions is the set of shot ids committed to one candidate edit. Ids are only ever added, so
// a shot that has been claimed is never returned by a later query for the same edit.
type Exclusions struct {
	mu  sync.RWMutex
	ids map[int64]struct{}
}

func NewExclusions(ids ...int64) *Exclusions {
	e := &Exclusions{ids: make(map[int64]struct{}, len(ids))}
	for _, id := range ids {
		e.ids[id] = struct{}{}
	}
	return e
}

func (e *Exclusions) Add(ids ...int64) {
	e.mu.Lock()
	for _, id := range ids {
		e.ids[id] = struct{}{}
	}
	e.mu.Unlock()
}

// Claim adds id and reports whether it was absent before the call.
func (e *Exclusions) Claim(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.ids[id]; ok {
		return false
	}
	e.ids[id] = struct{}{}
	return true
}

func (e *Exclusions) Contains(id int64) bool {
	if e == nil {
		return false
	}
	e.mu.RLock()
	_, ok := e.ids[id]
	e.mu.RUnlock()
	return ok
}

func (e *Exclusions) Len() int {
	if e == nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.ids)
}

// IDs returns the excluded ids in ascending order.
func (e *Exclusions) IDs() []int64 {
	if e == nil {
		return nil
	}
	e.mu.RLock()
	out := make([]int64, 0, len(e.ids))
	for id := range e.ids {
		out = append(out, id)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
