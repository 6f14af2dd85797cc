package scheduler

import (
	"container/list"
	"fmt"
)

// RequestQueue holds pending requests ordered by priority, FIFO within a
// priority level. Insert and Erase are O(1); iteration runs from the highest
// priority to the lowest.
type RequestQueue struct {
	levels [NumPriorities]list.List
	size   int
}

// Insert queues r at priority p. Inserting a request that is already queued
// is a caller bug and panics.
func (q *RequestQueue) Insert(r *Request, p Priority) {
	if r.elem != nil {
		panic(fmt.Errorf("request %d already queued", r.id))
	}
	if !p.Valid() {
		panic(fmt.Errorf("request %d queued with invalid %s", r.id, p))
	}
	r.elem = q.levels[p].PushBack(r)
	r.queue = q
	r.queuedAt = p
	q.size++
}

// Erase removes r from the queue and reports whether it was queued here.
// Erasing an absent request leaves the queue untouched.
func (q *RequestQueue) Erase(r *Request) bool {
	if !q.IsQueued(r) {
		return false
	}
	q.levels[r.queuedAt].Remove(r.elem)
	r.elem = nil
	r.queue = nil
	q.size--
	return true
}

// FirstMax returns the oldest request at the highest non-empty priority, or
// nil when the queue is empty.
func (q *RequestQueue) FirstMax() *Request {
	return q.firstBelow(NumPriorities)
}

// Next returns the request that follows r in iteration order, or nil at the
// end. r must still be queued; callers that remove r re-acquire a cursor
// with FirstMax.
func (q *RequestQueue) Next(r *Request) *Request {
	if !q.IsQueued(r) {
		return nil
	}
	if e := r.elem.Next(); e != nil {
		return e.Value.(*Request)
	}
	return q.firstBelow(int(r.queuedAt))
}

func (q *RequestQueue) firstBelow(level int) *Request {
	for p := level - 1; p >= 0; p-- {
		if e := q.levels[p].Front(); e != nil {
			return e.Value.(*Request)
		}
	}
	return nil
}

// IsQueued reports whether r is held by this queue.
func (q *RequestQueue) IsQueued(r *Request) bool {
	return r != nil && r.elem != nil && r.queue == q
}

func (q *RequestQueue) IsEmpty() bool { return q.size == 0 }

func (q *RequestQueue) Len() int { return q.size }

// Requests returns the queued requests in iteration order.
func (q *RequestQueue) Requests() []*Request {
	out := make([]*Request, 0, q.size)
	for r := q.FirstMax(); r != nil; r = q.Next(r) {
		out = append(out, r)
	}
	return out
}
