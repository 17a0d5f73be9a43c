package inventory

import (
	"sort"
	"sync"

	"github.com/chazu/capstan/pkg/resource"
)

// ItemStatus represents the status of an inventory item
type ItemStatus string

const (
	// ItemStatusCreated means the owning step applied the resource in this run
	ItemStatusCreated ItemStatus = "Created"

	// ItemStatusFound means the resource already existed and was left in place
	ItemStatusFound ItemStatus = "Found"

	// ItemStatusFailed means the owning step failed before the resource converged
	ItemStatusFailed ItemStatus = "Failed"
)

// Item is one resource owned by a step
type Item struct {
	Step   string
	Handle resource.Handle
	Status ItemStatus

	// seq preserves recording order across steps
	seq int
}

// Tracker records step-owned resources for the duration of a run
type Tracker struct {
	mu    sync.RWMutex
	items map[string][]Item
	seq   int
}

// NewTracker creates a new inventory tracker
func NewTracker() *Tracker {
	return &Tracker{
		items: make(map[string][]Item),
	}
}

// Record replaces the handles owned by step with handles in the given status
func (t *Tracker) Record(step string, status ItemStatus, handles ...resource.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	items := make([]Item, 0, len(handles))
	for _, h := range handles {
		t.seq++
		items = append(items, Item{Step: step, Handle: h, Status: status, seq: t.seq})
	}
	t.items[step] = items
}

// Owned returns the handles recorded for step
func (t *Tracker) Owned(step string) []resource.Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	handles := make([]resource.Handle, 0, len(t.items[step]))
	for _, item := range t.items[step] {
		handles = append(handles, item.Handle)
	}
	return handles
}

// All returns every item in recording order
func (t *Tracker) All() []Item {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var all []Item
	for _, items := range t.items {
		all = append(all, items...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	return all
}

// Count returns the number of items in status
func (t *Tracker) Count(status ItemStatus) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, items := range t.items {
		for _, item := range items {
			if item.Status == status {
				n++
			}
		}
	}
	return n
}

// Size returns the number of tracked items
func (t *Tracker) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, items := range t.items {
		n += len(items)
	}
	return n
}
