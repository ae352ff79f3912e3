package task

import (
	"context"

	"mediatoolkit/internal/progress"
)

// Reporter is handed to a work function and writes progress for its own task id.
type Reporter interface {
	TaskID() string
	Report(percent int, status progress.Status, message string)
}

// WorkFunc performs one unit of work. A returned error or a panic is recorded as
// a terminal error by the runner.
type WorkFunc func(ctx context.Context, rep Reporter) error

// IDGenerator issues task identifiers.
type IDGenerator interface {
	NewID() string
}

type Options struct {
	Store              progress.Store
	IDs                IDGenerator
	MaxConcurrentTasks int
}

const (
	startingMessage = "task queued"
	noResultMessage = "task ended without a result"
	panicMessage    = "unexpected internal failure"
	shutdownMessage = "service is shutting down"
	maxMessageRunes = 100
)
