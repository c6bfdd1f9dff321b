package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueFull is returned when the queue cannot accept more items.
var ErrQueueFull = errors.New("queue: full")

// Config bounds the queue and the dispatcher.
type Config struct {
	MaxConcurrent      int           // execution slots, default 8
	MaxQueueSize       int           // queued item cap, default 1000
	RetryAttempts      int           // default max attempts when the caller passes 0
	RetryDelay         time.Duration // base delay before a retry, default 1s
	ProcessingInterval time.Duration // scheduler tick, default 100ms
	EnablePriority     bool
	EnableRetry        bool
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.ProcessingInterval <= 0 {
		c.ProcessingInterval = 100 * time.Millisecond
	}
	return c
}

// Queue is an in-process priority queue. Items wait in per-priority
// FIFO buckets; the dispatcher drains them through execution slots.
type Queue struct {
	cfg Config

	mu      sync.Mutex
	buckets map[Priority][]*Item
	items   map[uuid.UUID]*Item // every item ever enqueued, by id
	queued  int
}

// New creates a queue.
func New(cfg Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:     cfg,
		buckets: make(map[Priority][]*Item),
		items:   make(map[uuid.UUID]*Item),
	}
}

// Enqueue adds work to the queue and returns the item id. Rejects with
// ErrQueueFull when the queued backlog is at capacity.
func (q *Queue) Enqueue(request interface{}, itemCtx Context, priority Priority, itemType string, maxAttempts int) (uuid.UUID, error) {
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.RetryAttempts
	}
	if !q.cfg.EnablePriority {
		priority = PriorityNormal
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queued >= q.cfg.MaxQueueSize {
		return uuid.Nil, ErrQueueFull
	}

	now := time.Now().UTC()
	item := &Item{
		ID:          uuid.New(),
		Priority:    priority,
		Type:        itemType,
		Request:     request,
		Context:     itemCtx,
		Status:      StatusQueued,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		ScheduledAt: now,
	}
	q.buckets[priority] = append(q.buckets[priority], item)
	q.items[item.ID] = item
	q.queued++
	return item.ID, nil
}

// dequeue pops the highest-priority queued item that is due, ties
// broken by oldest CreatedAt. Returns nil when nothing is runnable.
func (q *Queue) dequeue(now time.Time) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, priority := range priorities {
		bucket := q.buckets[priority]
		for i, item := range bucket {
			if item.ScheduledAt.After(now) {
				continue
			}
			q.buckets[priority] = append(bucket[:i], bucket[i+1:]...)
			q.queued--
			item.Status = StatusProcessing
			started := now
			item.StartedAt = &started
			item.Attempts++
			return item
		}
	}
	return nil
}

// requeue returns a failed item to the tail of its priority bucket for
// a retry after the given delay.
func (q *Queue) requeue(item *Item, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item.Status = StatusRetrying
	item.ScheduledAt = time.Now().UTC().Add(delay)
	q.buckets[item.Priority] = append(q.buckets[item.Priority], item)
	q.queued++
}

// Cancel cancels one item. Queued and retrying items transition to
// cancelled immediately; processing items are marked and stop at their
// next boundary. Idempotent; unknown ids and finished items return
// false.
func (q *Queue) Cancel(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelLocked(id)
}

// CancelBatch cancels every non-terminal item tagged with the batch id
// and returns how many items it touched.
func (q *Queue) CancelBatch(batchID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var cancelled int
	for id, item := range q.items {
		if item.Context.BatchID != batchID {
			continue
		}
		if q.cancelLocked(id) {
			cancelled++
		}
	}
	return cancelled
}

func (q *Queue) cancelLocked(id uuid.UUID) bool {
	item, ok := q.items[id]
	if !ok {
		return false
	}
	switch item.Status {
	case StatusQueued, StatusRetrying:
		q.removeFromBucketLocked(item)
		item.Status = StatusCancelled
		done := time.Now().UTC()
		item.CompletedAt = &done
		return true
	case StatusProcessing:
		if item.cancelRequested {
			return false
		}
		item.cancelRequested = true
		return true
	}
	return false
}

func (q *Queue) removeFromBucketLocked(item *Item) {
	bucket := q.buckets[item.Priority]
	for i, queued := range bucket {
		if queued.ID == item.ID {
			q.buckets[item.Priority] = append(bucket[:i], bucket[i+1:]...)
			q.queued--
			return
		}
	}
}

// complete finalizes an item after execution.
func (q *Queue) complete(item *Item, status Status, result interface{}, lastError string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item.Status = status
	item.Result = result
	item.LastError = lastError
	done := time.Now().UTC()
	item.CompletedAt = &done
}

// isCancelRequested reports whether a processing item was asked to
// stop.
func (q *Queue) isCancelRequested(item *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return item.cancelRequested
}

// Items returns snapshots of items in the given statuses; with no
// filter, every known item.
func (q *Queue) Items(statuses ...Status) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var out []*Item
	for _, item := range q.items {
		if len(want) == 0 || want[item.Status] {
			out = append(out, item.snapshot())
		}
	}
	return out
}

// Item returns a snapshot of one item.
func (q *Queue) Item(id uuid.UUID) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return nil, false
	}
	return item.snapshot(), true
}

// Clear cancels all queued and retrying items and forgets finished
// ones. Processing items are marked for cancellation and kept until
// they stop.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var cleared int
	for id, item := range q.items {
		switch item.Status {
		case StatusQueued, StatusRetrying:
			q.removeFromBucketLocked(item)
			item.Status = StatusCancelled
			done := time.Now().UTC()
			item.CompletedAt = &done
			cleared++
			delete(q.items, id)
		case StatusProcessing:
			item.cancelRequested = true
		default:
			delete(q.items, id)
		}
	}
	return cleared
}
