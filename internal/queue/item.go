package queue

import (
	"time"

	"github.com/shineum/smtp-relay/internal/email"
)

// Status is the delivery state of an Item.
type Status int

const (
	Pending Status = iota
	Processing
	Sent
	Failed
	Retrying
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Processing:
		return "processing"
	case Sent:
		return "sent"
	case Failed:
		return "failed"
	case Retrying:
		return "retrying"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further delivery attempts will be made.
func (s Status) Terminal() bool {
	return s == Sent || s == Failed
}

// Item is one message awaiting or finished with delivery.
type Item struct {
	ID       string
	Message  *email.Message
	Identity string
	Status   Status
	Retries  int

	EnqueuedAt  time.Time
	LastAttempt time.Time
	NextRetry   time.Time
	// FinishedAt is set when the item reaches a terminal status.
	FinishedAt time.Time
	LastError  string
}

// retryHeap orders Retrying items by NextRetry, oldest enqueue first on ties.
type retryHeap []*Item

func (h retryHeap) Len() int { return len(h) }

func (h retryHeap) Less(i, j int) bool {
	if h[i].NextRetry.Equal(h[j].NextRetry) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].NextRetry.Before(h[j].NextRetry)
}

func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *retryHeap) Push(x any) { *h = append(*h, x.(*Item)) }

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
