package progress

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether no further transitions are expected after s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Valid reports whether s is one of the lifecycle states a writer may record.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusProcessing, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

var ErrNotFound = errors.New("progress record not found")

const notFoundMessage = "task not found"

// Record is the last reported state of one task.
type Record struct {
	Progress  int       `json:"progress"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Unknown is returned to readers polling an id that has no record.
func Unknown() Record {
	return Record{Progress: 0, Status: StatusUnknown, Message: notFoundMessage}
}

// Store keeps one Record per task id. Put is an unconditional overwrite.
type Store interface {
	Put(ctx context.Context, taskID string, rec Record) error
	Get(ctx context.Context, taskID string) (Record, error)
}

// Pruner is implemented by stores that need explicit eviction of stale records.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// ClampPercent bounds p to the 0..100 range of the data model.
func ClampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
