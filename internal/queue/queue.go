// Package queue holds accepted messages until a provider has delivered them.
//
// The Queue is an in-memory store with bounded capacity. Pending items are
// served in arrival order; items waiting for a retry sit in a min-heap keyed by
// their next retry time and are never handed out before that time. A single
// Processor drains the queue into a provider.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-relay/internal/email"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrNoRecipients is returned by Enqueue for a message without recipients.
	ErrNoRecipients = errors.New("message has no recipients")
	// ErrUnknownItem is returned when an item id is not in the queue.
	ErrUnknownItem = errors.New("unknown queue item")
	// ErrNotProcessing is returned when an outcome is recorded for an item
	// that was not dequeued.
	ErrNotProcessing = errors.New("queue item is not processing")
)

// Options configures a Queue.
type Options struct {
	// MaxSize is the capacity. Zero or less means unbounded.
	MaxSize int
	// MaxRetryAttempts is the number of failed attempts after which an item
	// is marked Failed. Values below 1 are treated as 1.
	MaxRetryAttempts int
	// RetryDelay is the minimum wait between a failure and the next attempt.
	RetryDelay time.Duration
	// CountTerminal makes Sent and Failed items count towards MaxSize until
	// they are purged.
	CountTerminal bool
}

// Queue is safe for concurrent use.
type Queue struct {
	opts Options
	now  func() time.Time

	mu      sync.Mutex
	items   map[string]*Item
	pending []*Item
	retries retryHeap
	active  int

	wake chan struct{}
}

// New creates an empty Queue.
func New(opts Options) *Queue {
	if opts.MaxRetryAttempts < 1 {
		opts.MaxRetryAttempts = 1
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &Queue{
		opts:  opts,
		now:   time.Now,
		items: make(map[string]*Item),
		wake:  make(chan struct{}, 1),
	}
}

// Enqueue adds msg as a Pending item and returns a copy of it.
func (q *Queue) Enqueue(msg *email.Message, identity string) (Item, error) {
	if msg == nil || len(msg.To) == 0 {
		return Item{}, ErrNoRecipients
	}

	q.mu.Lock()
	if q.full() {
		q.mu.Unlock()
		return Item{}, ErrQueueFull
	}

	it := &Item{
		ID:         uuid.NewString(),
		Message:    msg,
		Identity:   identity,
		Status:     Pending,
		EnqueuedAt: q.now(),
	}
	q.items[it.ID] = it
	q.pending = append(q.pending, it)
	q.active++
	out := *it
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return out, nil
}

// full reports whether the queue is at capacity. The caller must hold q.mu.
func (q *Queue) full() bool {
	if q.opts.MaxSize <= 0 {
		return false
	}
	count := q.active
	if q.opts.CountTerminal {
		count = len(q.items)
	}
	return count >= q.opts.MaxSize
}

// Dequeue returns the next item due at now and marks it Processing. Retrying
// items whose retry time has passed go first, then the oldest Pending item.
func (q *Queue) Dequeue(now time.Time) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var it *Item
	switch {
	case len(q.retries) > 0 && !q.retries[0].NextRetry.After(now):
		it = heap.Pop(&q.retries).(*Item)
	case len(q.pending) > 0:
		it = q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
	default:
		return Item{}, false
	}

	it.Status = Processing
	it.LastAttempt = now
	return *it, true
}

// Complete marks a Processing item as Sent.
func (q *Queue) Complete(id string, now time.Time) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.processing(id)
	if err != nil {
		return Item{}, err
	}

	it.Status = Sent
	it.FinishedAt = now
	it.NextRetry = time.Time{}
	q.active--
	return *it, nil
}

// Fail records a failed attempt for a Processing item. Once the retry counter
// reaches MaxRetryAttempts the item is Failed; otherwise it is Retrying and
// becomes due after max(RetryDelay, retryAfter).
func (q *Queue) Fail(id string, cause error, retryAfter time.Duration, now time.Time) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, err := q.processing(id)
	if err != nil {
		return Item{}, err
	}

	it.Retries++
	if cause != nil {
		it.LastError = cause.Error()
	}

	if it.Retries >= q.opts.MaxRetryAttempts {
		it.Status = Failed
		it.FinishedAt = now
		it.NextRetry = time.Time{}
		q.active--
		return *it, nil
	}

	it.Status = Retrying
	it.NextRetry = now.Add(max(q.opts.RetryDelay, retryAfter))
	heap.Push(&q.retries, it)
	return *it, nil
}

func (q *Queue) processing(id string) (*Item, error) {
	it, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	if it.Status != Processing {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotProcessing, id, it.Status)
	}
	return it, nil
}

// NextDue reports when the next item becomes available. ok is false when
// nothing is waiting.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) > 0 {
		return q.pending[0].EnqueuedAt, true
	}
	if len(q.retries) > 0 {
		return q.retries[0].NextRetry, true
	}
	return time.Time{}, false
}

// Wake is signalled after every successful Enqueue.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Get returns a copy of the item with the given id.
func (q *Queue) Get(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Snapshot returns copies of all items ordered by enqueue time.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, *it)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

// Depth returns the number of items that are not in a terminal status.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Len returns the number of stored items, terminal ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Purge removes terminal items that finished before the given time and
// returns how many were removed.
func (q *Queue) Purge(before time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, it := range q.items {
		if it.Status.Terminal() && it.FinishedAt.Before(before) {
			delete(q.items, id)
			removed++
		}
	}
	return removed
}
