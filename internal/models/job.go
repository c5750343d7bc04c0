package models

import "time"

// JobStatus reports where a batch job is in its lifecycle.
type JobStatus string

const (
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusError    JobStatus = "error"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusError
}

// JobKindClassBatchDelete identifies jobs created by batch class deletion.
const JobKindClassBatchDelete = "class.batch_delete"

// Job tracks the progress of a batch operation. Success and Error count item
// outcomes; Fault is only set when the batch itself failed to run, which is
// independent of how many items failed.
type Job struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	Kind        string     `json:"kind"`
	Status      JobStatus  `json:"status"`
	Total       int        `json:"total"`
	Success     int        `json:"success"`
	Error       int        `json:"error"`
	Fault       string     `json:"fault,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Processed returns the number of items that produced an outcome.
func (j Job) Processed() int {
	return j.Success + j.Error
}
