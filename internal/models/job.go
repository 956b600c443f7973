package models

import (
	"time"
)

// JobStatus represents the indexing job state machine
type JobStatus string

const (
	JobStatusStarted   JobStatus = "started"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimeout   JobStatus = "timeout"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimeout, JobStatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether the string is a known job status
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusStarted, JobStatusRunning, JobStatusCompleted,
		JobStatusFailed, JobStatusTimeout, JobStatusCancelled:
		return true
	}
	return false
}

// JobProgress carries the monotonic counters persisted with each update
type JobProgress struct {
	PagesDiscovered int `json:"pages_discovered"`
	PagesProcessed  int `json:"pages_processed"`
	PagesIndexed    int `json:"pages_indexed"`
	TotalChunks     int `json:"total_chunks"`
}

// IndexingJob is the durable record of one ingest run. The job id is supplied
// by the orchestrator and maps to the external workflow id, so a re-run of
// the same workflow attempt lands on the same row.
type IndexingJob struct {
	JobID     string    `json:"job_id"`
	IndexName string    `json:"index_name"`
	SourceURL string    `json:"source_url"`
	Status    JobStatus `json:"status"`

	InitiatedByUser string `json:"initiated_by_user,omitempty"`
	InitiatedByTeam string `json:"initiated_by_team,omitempty"`
	Scope           Scope  `json:"scope"`

	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`

	Progress JobProgress `json:"progress"`

	ErrorMessage string                 `json:"error_message,omitempty"`
	ErrorDetails map[string]interface{} `json:"error_details,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// JobUpdate is the delta applied by UpdateStatus. Counters only ever ratchet
// upward; nil fields are left untouched.
type JobUpdate struct {
	Status       JobStatus
	Progress     *JobProgress
	ErrorMessage string
	ErrorDetails map[string]interface{}
}

// Apply transitions the job in memory, enforcing terminal stickiness and
// counter monotonicity. Returns false when the job is already terminal and
// the update must be ignored.
func (j *IndexingJob) Apply(update JobUpdate, now time.Time) bool {
	if j.Status.IsTerminal() {
		return false
	}

	if update.Status != "" {
		j.Status = update.Status
	}
	if update.Progress != nil {
		j.Progress.PagesDiscovered = maxInt(j.Progress.PagesDiscovered, update.Progress.PagesDiscovered)
		j.Progress.PagesProcessed = maxInt(j.Progress.PagesProcessed, update.Progress.PagesProcessed)
		j.Progress.PagesIndexed = maxInt(j.Progress.PagesIndexed, update.Progress.PagesIndexed)
		j.Progress.TotalChunks = maxInt(j.Progress.TotalChunks, update.Progress.TotalChunks)
	}
	if update.ErrorMessage != "" {
		j.ErrorMessage = update.ErrorMessage
	}
	if update.ErrorDetails != nil {
		j.ErrorDetails = update.ErrorDetails
	}

	if j.Status.IsTerminal() {
		completed := now
		j.CompletedAt = &completed
		j.DurationSeconds = completed.Sub(j.StartedAt).Seconds()
	}

	return true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
