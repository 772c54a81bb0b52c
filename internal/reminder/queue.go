package reminder

import (
	"sort"
	"time"

	"taskbot/internal/storage"
)

// Entry is the in-memory projection of an unsent reminder inside the horizon.
type Entry struct {
	ID         int64
	TaskID     int64
	OwnerID    int64
	FireTime   time.Time
	Kind       storage.Kind
	Title      string
	Conditions []string

	// Attempt counts failed deliveries of this entry since it was loaded.
	Attempt int
}

func entryFromPending(p storage.PendingReminder) Entry {
	return Entry{
		ID:         p.ID,
		TaskID:     p.TaskID,
		OwnerID:    p.OwnerID,
		FireTime:   p.FireTime,
		Kind:       p.Kind,
		Title:      p.Title,
		Conditions: p.Conditions,
	}
}

// Queue is a horizon queue ordered by fire time, ties by insertion order.
// It holds each reminder id at most once. Queue is not safe for concurrent
// use; the engine guards it with its own mutex.
type Queue struct {
	items []Entry
	ids   map[int64]struct{}
}

func NewQueue() *Queue {
	return &Queue{ids: map[int64]struct{}{}}
}

func (q *Queue) Len() int { return len(q.items) }

func (q *Queue) Contains(id int64) bool {
	_, ok := q.ids[id]
	return ok
}

// Load replaces the contents with entries, sorted by fire time. Duplicate ids
// keep the first occurrence.
func (q *Queue) Load(entries []Entry) {
	q.items = q.items[:0]
	q.ids = make(map[int64]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := q.ids[e.ID]; dup {
			continue
		}
		q.items = append(q.items, e)
		q.ids[e.ID] = struct{}{}
	}
	sort.SliceStable(q.items, func(i, j int) bool { return q.items[i].FireTime.Before(q.items[j].FireTime) })
}

// Merge inserts entries whose id is not already queued and returns how many were added.
func (q *Queue) Merge(entries []Entry) int {
	added := 0
	for _, e := range entries {
		if q.Contains(e.ID) {
			continue
		}
		q.Insert(e)
		added++
	}
	return added
}

// Insert adds e after every entry with the same or earlier fire time.
// An entry with an id already queued replaces the old one. becameHead reports
// whether e is now the earliest entry.
func (q *Queue) Insert(e Entry) (becameHead bool) {
	if q.Contains(e.ID) {
		q.remove(func(x Entry) bool { return x.ID == e.ID })
	}
	i := sort.Search(len(q.items), func(i int) bool { return q.items[i].FireTime.After(e.FireTime) })
	q.items = append(q.items, Entry{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = e
	q.ids[e.ID] = struct{}{}
	return i == 0
}

// PopAllDue removes and returns the prefix of entries with FireTime <= now.
func (q *Queue) PopAllDue(now time.Time) []Entry {
	n := sort.Search(len(q.items), func(i int) bool { return q.items[i].FireTime.After(now) })
	if n == 0 {
		return nil
	}
	out := make([]Entry, n)
	copy(out, q.items[:n])
	for _, e := range out {
		delete(q.ids, e.ID)
	}
	rest := copy(q.items, q.items[n:])
	clear(q.items[rest:])
	q.items = q.items[:rest]
	return out
}

func (q *Queue) PeekEarliest() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].FireTime, true
}

// RemoveTask drops every entry of taskID and returns how many were removed.
func (q *Queue) RemoveTask(taskID int64) int {
	return q.remove(func(e Entry) bool { return e.TaskID == taskID })
}

func (q *Queue) remove(match func(Entry) bool) int {
	kept := q.items[:0]
	removed := 0
	for _, e := range q.items {
		if match(e) {
			delete(q.ids, e.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clear(q.items[len(kept):])
	q.items = kept
	return removed
}

// Entries returns a copy of the queue in order.
func (q *Queue) Entries() []Entry {
	out := make([]Entry, len(q.items))
	copy(out, q.items)
	return out
}
