package models

import "time"

// JobRequest is a validated submission. It is never mutated after creation.
type JobRequest struct {
	ID          string     `json:"id"`
	ChatID      int64      `json:"chat_id"`
	Submitter   string     `json:"submitter"`
	URL         string     `json:"url"`
	Kind        OutputKind `json:"kind"`
	SubmittedAt time.Time  `json:"submitted_at"`
}

// JobRecord is the persisted view of a job kept by the ledger.
type JobRecord struct {
	ID        string      `json:"id"`
	ChatID    int64       `json:"chat_id"`
	Submitter string      `json:"submitter"`
	URL       string      `json:"url"`
	Kind      OutputKind  `json:"kind"`
	State     JobState    `json:"state"`
	Failure   FailureKind `json:"failure,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// NewRecord returns the initial queued record for req.
func NewRecord(req JobRequest) *JobRecord {
	return &JobRecord{
		ID:        req.ID,
		ChatID:    req.ChatID,
		Submitter: req.Submitter,
		URL:       req.URL,
		Kind:      req.Kind,
		State:     StateQueued,
		CreatedAt: req.SubmittedAt,
		UpdatedAt: req.SubmittedAt,
	}
}

// Request rebuilds the immutable request from a stored record.
func (r *JobRecord) Request() JobRequest {
	return JobRequest{
		ID:          r.ID,
		ChatID:      r.ChatID,
		Submitter:   r.Submitter,
		URL:         r.URL,
		Kind:        r.Kind,
		SubmittedAt: r.CreatedAt,
	}
}

// JobEvent is published on every state transition.
type JobEvent struct {
	JobID     string      `json:"job_id"`
	ChatID    int64       `json:"chat_id"`
	State     JobState    `json:"state"`
	Failure   FailureKind `json:"failure,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
