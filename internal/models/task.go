package models

import "time"

// TaskStatus is the lifecycle state of a queued background step.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusDead    TaskStatus = "dead"
)

// Step names a background continuation that can be queued for a case.
type Step string

const (
	StepGenerate Step = "generate"
	StepReview   Step = "review"
)

// InlinePayload marks a task row recorded for a step run in the caller's
// process rather than by the background runner.
const InlinePayload = "inline"

// Task is one queued execution of a Step for a case (board card).
type Task struct {
	ID          string     `json:"id"`
	CaseID      string     `json:"case_id"`
	Step        Step       `json:"step"`
	Payload     string     `json:"payload,omitempty"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	RunAfter    time.Time  `json:"run_after"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ConfigError reports a missing or invalid configuration value. It only
// disables the pipeline that needs the value.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason == "" {
		return "configuration error: " + e.Key + " is required"
	}
	return "configuration error: " + e.Key + ": " + e.Reason
}
