// Package schedule is the re-crawl plan: a min-heap of sites ordered by next
// crawl time, higher priority first on ties.
package schedule

import (
	"container/heap"
	"sync"
)

// Entry is one scheduled site.
type Entry struct {
	SiteID   string `json:"site_id"`
	URL      string `json:"url"`
	NextAt   int64  `json:"next_at"`
	Priority int    `json:"priority"`

	index int
}

type entries []*Entry

func (h entries) Len() int { return len(h) }

func (h entries) Less(i, j int) bool {
	if h[i].NextAt != h[j].NextAt {
		return h[i].NextAt < h[j].NextAt
	}
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].SiteID < h[j].SiteID
}

func (h entries) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entries) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entries) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is a concurrency-safe schedule with at most one entry per site.
type Queue struct {
	mu     sync.Mutex
	h      entries
	bySite map[string]*Entry
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{bySite: make(map[string]*Entry)}
}

// Set schedules site at nextAt, replacing any previous entry.
func (q *Queue) Set(siteID, url string, nextAt int64, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.bySite[siteID]; ok {
		e.URL, e.NextAt, e.Priority = url, nextAt, priority
		heap.Fix(&q.h, e.index)
		return
	}
	e := &Entry{SiteID: siteID, URL: url, NextAt: nextAt, Priority: priority}
	heap.Push(&q.h, e)
	q.bySite[siteID] = e
}

// Remove drops the entry of site, if any.
func (q *Queue) Remove(siteID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.bySite[siteID]; ok {
		heap.Remove(&q.h, e.index)
		delete(q.bySite, siteID)
	}
}

// PopDue removes and returns, in order, up to limit entries due at now
// (limit <= 0 means all of them).
func (q *Queue) PopDue(now int64, limit int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for q.h.Len() > 0 && q.h[0].NextAt <= now {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := heap.Pop(&q.h).(*Entry)
		delete(q.bySite, e.SiteID)
		out = append(out, *e)
	}
	return out
}

// Peek returns the next entry without removing it.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return Entry{}, false
	}
	return *q.h[0], true
}

// Len returns the number of scheduled sites.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Snapshot returns up to limit entries in pop order without modifying the
// queue.
func (q *Queue) Snapshot(limit int) []Entry {
	q.mu.Lock()
	cp := make(entries, len(q.h))
	for i, e := range q.h {
		c := *e
		c.index = i
		cp[i] = &c
	}
	q.mu.Unlock()

	if limit <= 0 || limit > len(cp) {
		limit = len(cp)
	}
	out := make([]Entry, 0, limit)
	for len(out) < limit {
		out = append(out, *heap.Pop(&cp).(*Entry))
	}
	return out
}
