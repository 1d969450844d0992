package post

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound               = errors.New("scheduled post not found")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrInvalidOperation       = errors.New("invalid operation")
	ErrConflict               = errors.New("scheduling conflict")
	ErrQueueUnavailable       = errors.New("job queue unavailable")
	ErrPublish                = errors.New("platform rejected publication")
	ErrConcurrentModification = errors.New("scheduled post was modified concurrently")
)

// TransitionError is returned when an event is not legal for the current state.
type TransitionError struct {
	From      Status
	Event     string
	Allowed   []string
	Reason    string
	Exhausted bool // retries exhausted, also matches ErrInvalidOperation
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot apply %s in state %s", e.Event, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Allowed) > 0 {
		msg += " (allowed: " + strings.Join(e.Allowed, ", ") + ")"
	} else {
		msg += " (no transitions allowed)"
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func (e *TransitionError) Is(target error) bool {
	return e.Exhausted && target == ErrInvalidOperation
}

// ConflictError names the scheduling window that collides with an existing post.
type ConflictError struct {
	Platform    Platform
	WindowStart time.Time
	WindowEnd   time.Time
	ConflictID  string
	ConflictAt  time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("another %s post (%s) is scheduled at %s, inside the window %s - %s",
		e.Platform, e.ConflictID,
		e.ConflictAt.UTC().Format(time.RFC3339),
		e.WindowStart.UTC().Format(time.RFC3339),
		e.WindowEnd.UTC().Format(time.RFC3339))
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}
