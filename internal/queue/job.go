// Package queue schedules document processing jobs. It pairs an in-memory
// priority scheduler with a durable SQLite ledger: the ledger is the single
// source of truth, the heap is rebuilt from it at startup.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// JobType says what a job does to its source.
type JobType string

const (
	JobAdd       JobType = "ADD"
	JobUpdate    JobType = "UPDATE"
	JobRemove    JobType = "REMOVE"
	JobReprocess JobType = "REPROCESS"
)

// JobStatus is the ledger state of a job.
type JobStatus string

const (
	StatusPending     JobStatus = "PENDING"
	StatusProcessing  JobStatus = "PROCESSING"
	StatusCompleted   JobStatus = "COMPLETED"
	StatusFailed      JobStatus = "FAILED"
	StatusCancelled   JobStatus = "CANCELLED"
	StatusInterrupted JobStatus = "INTERRUPTED"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is one unit of scheduled work. IntermediateState is an opaque blob a
// handler may checkpoint so an interrupted job can resume mid-flight.
type Job struct {
	JobID             string
	Source            string
	Type              JobType
	Priority          int // Lower runs sooner
	Status            JobStatus
	RetryCount        int
	MaxRetries        int
	IntermediateState []byte
	LastError         string
	Metadata          map[string]string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StartedAt         time.Time // Zero until first PROCESSING transition
	CompletedAt       time.Time // Zero until a terminal status
}

// NewJob builds a PENDING job with a fresh ID.
func NewJob(source string, jobType JobType, priority, maxRetries int, metadata map[string]string) *Job {
	now := time.Now().UTC()
	return &Job{
		JobID:      uuid.NewString(),
		Source:     source,
		Type:       jobType,
		Priority:   priority,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
