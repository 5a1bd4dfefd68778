// Package core defines the shared data model for the task execution core:
// tasks, executions, jobs, schedules, and output destinations. Nothing in
// this package talks to a process, a socket, or a disk — it is the
// vocabulary every other package shares.
package core

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of a single JS invocation.
//
// Valid transitions: Pending -> Running -> {Completed, Failed, Cancelled}.
// Terminal states never revert.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether s is one of the states that never reverts.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// Priority orders jobs at dequeue time: Critical > High > Normal > Low.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// JobStatus is the lifecycle state of a queued intent to execute.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobRetrying   JobStatus = "retrying"
)

// Terminal reports whether s is a state from which a job never transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// DeliveryFormat selects the filesystem destination serialization.
type DeliveryFormat string

const (
	FormatJSON DeliveryFormat = "json"
	FormatYAML DeliveryFormat = "yaml"
	FormatCSV  DeliveryFormat = "csv"
)

// Task is an immutable-per-version bundle of JS code and I/O schemas.
// uuid is stable across versions; (uuid, version) is unique.
type Task struct {
	ID           int64
	UUID         uuid.UUID
	Name         string
	Version      int
	Code         string
	InputSchema  []byte // raw JSON schema document
	OutputSchema []byte // raw JSON schema document, may be nil
	Enabled      bool
	SourceRef    TaskRef

	// RetryOnLoadFailure opts the task's source into treating LoadFailed as
	// retriable. Retriability is never inferred.
	RetryOnLoadFailure bool
}

// TaskRef names a task for resolution by a task source (out of scope here;
// consumed via TaskSource).
type TaskRef struct {
	UUID    uuid.UUID
	Version int
}

// Fingerprint uniquely identifies a compiled form of a task's code for
// worker-side caching: (uuid, version, content_hash).
type Fingerprint struct {
	UUID        uuid.UUID
	Version     int
	ContentHash string
}

// Execution is one run of a Task.
type Execution struct {
	ID          int64
	UUID        uuid.UUID
	TaskID      int64
	Status      ExecutionStatus
	Input       any
	Output      any
	Error       *ExecutionError
	QueuedAt    time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMS  *int64
	Progress    *Progress
}

// Progress is the single in-place progress field an Execution exposes while
// Running. This is not a streaming transport (out of scope): it is one
// scalar snapshot the repository can read mid-flight.
type Progress struct {
	Pct  *float64
	Step string
	Note string
}

// ExecutionError is the sanitized, user-visible shape of a failed
// execution. Internal logs retain full fidelity; this is what crosses the
// trust boundary into a job record, webhook body, or API response.
type ExecutionError struct {
	Kind       ErrorKind
	Message    string
	Retriable  bool
	OccurredAt time.Time
}

// Job is a queued, possibly-retried intent to produce an Execution.
type Job struct {
	ID                 int64
	UUID               uuid.UUID
	TaskID             int64
	Input              any
	Priority           Priority
	Status             JobStatus
	RetryCount         int
	MaxRetries         int
	ScheduledFor       time.Time
	OutputDestinations []OutputDestination
	ExecutionID        *int64
	Error              *ExecutionError
}

// Schedule is a cron-triggered job template.
type Schedule struct {
	ID                 int64
	UUID               uuid.UUID
	TaskID             int64
	Cron               string
	Enabled            bool
	Input              any
	OutputDestinations []OutputDestination
	LastRun            *time.Time
	NextRun            *time.Time
	CreatedAt          time.Time

	// Timezone is an IANA zone name or the literal "local"; an empty value
	// is treated as "local".
	Timezone string
}

// OutputDestination is a sum type: exactly one of Webhook or Filesystem is
// non-nil.
type OutputDestination struct {
	Webhook    *WebhookDestination
	Filesystem *FilesystemDestination

	// OnFailure controls whether a Failed execution is still delivered to
	// this destination. Only a destination with OnFailure set to true
	// receives Failed executions; the zero value (false) skips them.
	OnFailure bool
}

// WebhookAuth is a sum type for the three supported auth schemes.
type WebhookAuth struct {
	Bearer *BearerAuth
	Basic  *BasicAuth
	APIKey *APIKeyAuth
}

type BearerAuth struct{ Token string }
type BasicAuth struct{ User, Pass string }
type APIKeyAuth struct{ Header, Key string }

// RetryPolicy governs a destination's delivery retry behavior.
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

type WebhookDestination struct {
	URL         string
	Method      string
	Headers     map[string]string
	ContentType string
	Timeout     time.Duration
	RetryPolicy RetryPolicy
	Auth        *WebhookAuth
}

type FilesystemDestination struct {
	PathTemplate   string
	Format         DeliveryFormat
	Permissions    uint32 // POSIX mode bits, best-effort on non-POSIX
	CreateDirs     bool
	Overwrite      bool
	BackupExisting bool
}
