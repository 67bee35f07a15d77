package model

import (
	"errors"
	"time"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAssigned Status = "assigned"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusZero     Status = "zero" // tombstone for tasks pending at the daily reset
)

// IsTerminal returns true for states the scheduler never re-picks on its own.
// A failed task with retry budget left is resurrected by the assignable scan,
// so failed is terminal only once the budget is exhausted.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusZero
}

// IsOpen returns true while a task occupies a device slot.
func (s Status) IsOpen() bool {
	return s == StatusAssigned || s == StatusRunning
}

func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusAssigned, StatusRunning, StatusDone, StatusFailed, StatusZero:
		return Status(s), true
	}
	return "", false
}

// Error definitions
var (
	ErrInvalidTransition  = errors.New("invalid task state transition")
	ErrTaskNotFound       = errors.New("task not found")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrAssignmentNotFound = errors.New("assignment not found")
	ErrPlacementConflict  = errors.New("task was taken by another placement")
	ErrCapacityExceeded   = errors.New("device is at capacity")
)

// validTransitions is the task state machine. Release paths return open
// tasks to pending; the daily reset moves pending to zero.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusAssigned, StatusZero},
	StatusAssigned: {StatusRunning, StatusPending, StatusFailed},
	StatusRunning:  {StatusDone, StatusFailed, StatusPending},
	StatusFailed:   {StatusPending, StatusAssigned},
	StatusDone:     {},
	StatusZero:     {},
}

// CanTransitionTo checks whether target is a legal next state.
func (s Status) CanTransitionTo(target Status) bool {
	for _, v := range validTransitions[s] {
		if v == target {
			return true
		}
	}
	return false
}

// Transition applies a state change to the task, updating bookkeeping fields.
func (t *Task) Transition(target Status) error {
	if !t.Status.CanTransitionTo(target) {
		return ErrInvalidTransition
	}

	now := time.Now().UTC()
	t.Status = target
	t.UpdatedAt = now

	switch target {
	case StatusPending:
		t.AssignedDeviceID = ""
		t.AssignedAt = nil
	case StatusAssigned:
		t.AssignedAt = &now
	}
	return nil
}
