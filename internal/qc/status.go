package qc

import "fmt"

// Status is the lifecycle state of a single TestResult.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusPass        Status = "pass"
	StatusFail        Status = "fail"
	StatusNotExecuted Status = "not_executed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusPass || s == StatusFail || s == StatusNotExecuted
}

// ParseStatus accepts the result statuses firmware may report.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPass, StatusFail:
		return Status(s), nil
	}
	return "", fmt.Errorf("invalid result status %q", s)
}

// State is the sequencer's position in a session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRunning
	StateAwaitingUserAction
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateAwaitingUserAction:
		return "awaiting_user_action"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
