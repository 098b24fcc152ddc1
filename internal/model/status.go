package model

// Status is the externally visible lifecycle state of a training job.
type Status string

// Job status constants.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusCanceled  Status = "canceled"
)

// Backend names recorded on runs and metrics.
const (
	BackendThread  = "thread"
	BackendProcess = "process"
)

// IsTerminal reports whether s can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusErrored, StatusCanceled:
		return true
	}
	return false
}

// validTransitions maps each status to the set of statuses it may transition to.
// A worker can be destroyed or fail to launch before it ever reports liveness,
// so queued may jump straight to a terminal state.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusRunning:   true,
		StatusCompleted: true,
		StatusErrored:   true,
		StatusCanceled:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusErrored:   true,
		StatusCanceled:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}
