package scheduler

import (
	"github.com/sf7293/servicehub-agents/internal/domain"
)

// taskQueue is one worker's queue: total-ordered by priority tier with FIFO
// within a tier. Insertion scans from the head and places the task before the
// first entry of strictly lower urgency, which keeps arrival order stable.
// O(n) per insert, acceptable at the expected queue sizes.
type taskQueue struct {
	items []*domain.Task
}

func (q *taskQueue) push(t *domain.Task) {
	idx := len(q.items)
	for i, existing := range q.items {
		if existing.Priority.Rank() > t.Priority.Rank() {
			idx = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = t
}

func (q *taskQueue) pop() *domain.Task {
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return head
}

func (q *taskQueue) len() int {
	return len(q.items)
}

func (q *taskQueue) find(taskID string) *domain.Task {
	for _, t := range q.items {
		if t.ID == taskID {
			return t
		}
	}
	return nil
}

// taskRing keeps the most recent terminal tasks for audit and status polling,
// older entries are overwritten in place.
type taskRing struct {
	buf  []*domain.Task
	next int
}

func newTaskRing(capacity int) *taskRing {
	return &taskRing{buf: make([]*domain.Task, capacity)}
}

func (r *taskRing) add(t *domain.Task) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.next] = t
	r.next = (r.next + 1) % len(r.buf)
}

func (r *taskRing) find(taskID string) *domain.Task {
	for _, t := range r.buf {
		if t != nil && t.ID == taskID {
			return t
		}
	}
	return nil
}
