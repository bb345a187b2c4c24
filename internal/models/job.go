package models

import (
	"time"
)

type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// JobPayload is the single payload shape for both message classes. Exactly
// one of Receiver/Group is set; RawMedia holds caller-supplied bytes that the
// worker uploads to the media store before persisting.
type JobPayload struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver,omitempty"`
	Group     string    `json:"group,omitempty"`
	Text      string    `json:"text,omitempty"`
	MediaRef  string    `json:"mediaRef,omitempty"`
	FileRef   string    `json:"fileRef,omitempty"`
	ReplyTo   string    `json:"replyTo,omitempty"`
	RawMedia  []byte    `json:"rawMedia,omitempty"`
	MediaMime string    `json:"mediaMime,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Class derives the job class from the payload target.
func (p *JobPayload) Class() MessageClass {
	if p.Group != "" {
		return ClassGroup
	}
	return ClassDirect
}

// Empty reports whether the payload carries no content at all.
func (p *JobPayload) Empty() bool {
	return p.Text == "" && p.MediaRef == "" && p.FileRef == "" && len(p.RawMedia) == 0
}

// Job is one durable unit of work: a message awaiting persistence and
// fan-out. Job ID equals the message ID so reprocessing stays idempotent.
type Job struct {
	ID          string       `json:"id"`
	Class       MessageClass `json:"class"`
	Payload     JobPayload   `json:"payload"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"maxAttempts"`
	State       JobState     `json:"state"`
	Stalled     bool         `json:"stalled"`
	LastError   string       `json:"lastError,omitempty"`
	EnqueuedAt  time.Time    `json:"enqueuedAt"`
	FailedAt    *time.Time   `json:"failedAt,omitempty"`
}

// QueueStats is a point-in-time snapshot of one class queue.
type QueueStats struct {
	Class   MessageClass `json:"class"`
	Waiting int64        `json:"waiting"`
	Active  int64        `json:"active"`
	Delayed int64        `json:"delayed"`
	Dead    int64        `json:"dead"`
}
