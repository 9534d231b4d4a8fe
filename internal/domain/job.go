package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	StateQueued    JobState = "queued"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// JobType selects the processor path. Search jobs run an alert's saved
// search; listing jobs re-check the single listing an alert tracks.
type JobType string

const (
	JobTypeSearch  JobType = "search"
	JobTypeListing JobType = "listing"
)

func ParseJobType(s string) (JobType, error) {
	switch t := JobType(s); t {
	case JobTypeSearch, JobTypeListing:
		return t, nil
	}
	return "", fmt.Errorf("unknown job type %q", s)
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to the numeric order the claim query sorts by.
// Lower ranks are serviced first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	case "":
		return PriorityNormal, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

type Job struct {
	ID                 uuid.UUID
	Type               JobType
	AlertID            string
	Priority           Priority
	State              JobState
	Attempts           int
	MaxAttempts        int
	ScheduledAt        time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
	LockedBy           *string
	LockedAt           *time.Time
	LockExpiresAt      *time.Time
	LastError          *string
	LastErrorAt        *time.Time
	CurrentExecutionID *uuid.UUID
}

type ExecutionLog struct {
	ID             uuid.UUID
	JobID          uuid.UUID
	WorkerID       uuid.UUID
	WorkerHostname string
	JobType        JobType
	Attempt        int
	StartedAt      time.Time
	FinishedAt     *time.Time
	Outcome        *string
	ErrorMessage   *string
	TraceID        string
}

// DeadJob is the snapshot kept in the bounded dead-letter ring.
type DeadJob struct {
	JobID    uuid.UUID `json:"job_id"`
	Type     JobType   `json:"type"`
	AlertID  string    `json:"alert_id"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}
