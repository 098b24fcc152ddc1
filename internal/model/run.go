package model

import "time"

// Run is the history record of one training submission. A job id may own
// several runs when an external id is resubmitted after reaching a terminal
// state.
type Run struct {
	ID          string     `json:"id"`
	JobID       string     `json:"training_id"`
	Name        string     `json:"name"`
	Kind        string     `json:"kind"`
	Backend     string     `json:"backend"`
	Status      Status     `json:"status"`
	SavePath    string     `json:"save_path,omitempty"`
	Error       string     `json:"error,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LogLine represents a single persisted progress line from a training run.
type LogLine struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
