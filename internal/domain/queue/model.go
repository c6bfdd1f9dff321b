package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders queued work. Strictly greater values always run
// first.
type Priority int

// Queue priorities.
const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

// priorities in dispatch order, highest first.
var priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

// ParsePriority maps a priority name to its value.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "LOW":
		return PriorityLow, nil
	case "NORMAL", "":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	case "URGENT":
		return PriorityUrgent, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Status is the lifecycle state of a queue item.
type Status string

// Queue item statuses.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRetrying   Status = "retrying"
)

// Context identifies who asked for the work and which batch it belongs
// to.
type Context struct {
	RequestedBy string `json:"requestedBy,omitempty"`
	RequestID   string `json:"requestId,omitempty"`
	BatchID     string `json:"batchId,omitempty"`
}

// Item is one unit of queued work. The queue owns the item exclusively
// once enqueued; callers only see snapshots.
type Item struct {
	ID          uuid.UUID   `json:"id"`
	Priority    Priority    `json:"priority"`
	Type        string      `json:"type"`
	Request     interface{} `json:"request"`
	Context     Context     `json:"context"`
	Status      Status      `json:"status"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"maxAttempts"`
	CreatedAt   time.Time   `json:"createdAt"`
	ScheduledAt time.Time   `json:"scheduledAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
	Result      interface{} `json:"result,omitempty"`

	cancelRequested bool
}

// snapshot returns a caller-safe copy of the item.
func (i *Item) snapshot() *Item {
	copied := *i
	return &copied
}
