package recognition

import (
	"errors"
	"fmt"
)

var (
	// ErrWaitInProgress rejects a second concurrent long wait on one task
	ErrWaitInProgress = errors.New("a wait for this task is already in progress")
	// ErrTaskForgotten reports a wait or resolution dropped because the task
	// was forgotten or reset
	ErrTaskForgotten = errors.New("task was forgotten")
	// ErrInvalidTransition guards the forward-only lifecycle
	ErrInvalidTransition = errors.New("invalid task state transition")
)

func isValidTransition(from, to State) bool {
	switch from {
	case StateSubmitted:
		return to == StateWaiting
	case StateWaiting:
		return to == StateCompleted || to == StateExpired || to == StateFailed
	}
	return false
}

// transition moves task forward; callers hold taskMu
func (s *Service) transitionLocked(task *PrimaryTask, to State) error {
	if !isValidTransition(task.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.State, to)
	}
	task.State = to
	task.History = append(task.History, to)
	task.UpdatedAt = s.now()
	return nil
}

// progressFor maps a state onto the 0-100 scale stored in history
func progressFor(state State) int {
	switch state {
	case StateSubmitted:
		return 10
	case StateWaiting:
		return 30
	case StateCompleted, StateExpired, StateFailed:
		return 100
	}
	return 0
}
