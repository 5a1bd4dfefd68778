package ipc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/taskmill/corerunner/core"
)

// Envelope is the wire shape of a single frame's payload:
//
//	{ "correlation_id": <uuid>, "timestamp": <rfc3339>, "message": <MsgBody> }
type Envelope struct {
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Message       json.RawMessage `json:"message"`
}

// taggedBody is the {"type": "...", ...fields} shape every message body
// marshals to.
type taggedBody struct {
	Type string `json:"type"`
}

// Message is any coordinator<->worker message body. Implementations are
// the concrete structs below; Type returns the wire tag.
type Message interface {
	Type() string
}

// --- Coordinator -> Worker ---

type ExecContext struct {
	ExecutionID  string `json:"execution_id"`
	JobID        string `json:"job_id,omitempty"`
	TimeoutMS    int64  `json:"timeout_ms"`
	TraceEnabled bool   `json:"trace_enabled"`

	// ReplayHAR, when non-empty, puts fetch into replay mode for this
	// invocation: fetch calls are answered from this cassette instead of
	// hitting the network.
	ReplayHAR []HarEntry `json:"replay_har,omitempty"`
}

type TaskRefWire struct {
	UUID    string `json:"uuid"`
	Version int    `json:"version"`
}

type ExecuteTask struct {
	TaskRef TaskRefWire `json:"task_ref"`
	Input   any         `json:"input"`
	Context ExecContext `json:"context"`
}

func (ExecuteTask) Type() string { return "ExecuteTask" }

type ValidateTask struct {
	TaskRef TaskRefWire `json:"task_ref"`
}

func (ValidateTask) Type() string { return "ValidateTask" }

type HealthCheck struct{}

func (HealthCheck) Type() string { return "HealthCheck" }

type Shutdown struct {
	Graceful   bool  `json:"graceful"`
	DeadlineMS int64 `json:"deadline_ms"`
}

func (Shutdown) Type() string { return "Shutdown" }

// --- Worker -> Coordinator ---

type Ready struct {
	WorkerID     string            `json:"worker_id"`
	Capabilities map[string]string `json:"capabilities"`
}

func (Ready) Type() string { return "Ready" }

type TaskResult struct {
	OK  any        `json:"ok"`
	HAR []HarEntry `json:"har,omitempty"`
}

func (TaskResult) Type() string { return "TaskResult" }

type TaskError struct {
	Kind      core.ErrorKind `json:"kind"`
	Message   string         `json:"message"`
	Retriable bool           `json:"retriable"`
	HAR       []HarEntry     `json:"har,omitempty"`
}

func (TaskError) Type() string { return "TaskError" }

type ValidationResult struct {
	OK bool `json:"ok"`
}

func (ValidationResult) Type() string { return "ValidationResult" }

type ValidationError struct {
	Message string `json:"message"`
}

func (ValidationError) Type() string { return "ValidationError" }

type HealthStatus struct {
	Busy           bool     `json:"busy"`
	TasksCompleted int64    `json:"tasks_completed"`
	UptimeMS       int64    `json:"uptime_ms"`
	MemMB          *float64 `json:"mem_mb,omitempty"`
	CPUPct         *float64 `json:"cpu_pct,omitempty"`
}

func (HealthStatus) Type() string { return "HealthStatus" }

type Progress struct {
	Pct  *float64 `json:"pct,omitempty"`
	Step string   `json:"step,omitempty"`
	Note string   `json:"note,omitempty"`
}

func (Progress) Type() string { return "Progress" }

type Log struct {
	Level  string         `json:"level"`
	Fields map[string]any `json:"fields"`
}

func (Log) Type() string { return "Log" }

// HarEntry is a HAR-shaped fetch recording appended to a per-execution
// buffer when recording mode is enabled.
type HarEntry struct {
	Request   HarRequest  `json:"request"`
	Response  HarResponse `json:"response"`
	StartedAt time.Time   `json:"startedAt"`
	TimeMS    float64     `json:"time"`
}

type HarRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

type HarResponse struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       any               `json:"body,omitempty"`
}

// MarshalMessage encodes a Message body with its type tag folded in.
func MarshalMessage(m Message) (json.RawMessage, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var merged map[string]any
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, err
	}
	if merged == nil {
		merged = map[string]any{}
	}
	merged["type"] = m.Type()
	return json.Marshal(merged)
}

// UnmarshalMessage decodes a tagged message body into its concrete type.
// Unknown types are a decode error, which is fatal to the channel.
func UnmarshalMessage(raw json.RawMessage) (Message, error) {
	var tb taggedBody
	if err := json.Unmarshal(raw, &tb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var m Message
	switch tb.Type {
	case "ExecuteTask":
		m = &ExecuteTask{}
	case "ValidateTask":
		m = &ValidateTask{}
	case "HealthCheck":
		m = &HealthCheck{}
	case "Shutdown":
		m = &Shutdown{}
	case "Ready":
		m = &Ready{}
	case "TaskResult":
		m = &TaskResult{}
	case "TaskError":
		m = &TaskError{}
	case "ValidationResult":
		m = &ValidationResult{}
	case "ValidationError":
		m = &ValidationError{}
	case "HealthStatus":
		m = &HealthStatus{}
	case "Progress":
		m = &Progress{}
	case "Log":
		m = &Log{}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedFrame, tb.Type)
	}

	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrMalformedFrame, tb.Type, err)
	}
	return derefMessage(m), nil
}

// derefMessage normalizes the *T produced during decode back to the T
// value Message implementations are defined on, so callers get consistent
// types out of both Marshal and Unmarshal.
func derefMessage(m Message) Message {
	switch v := m.(type) {
	case *ExecuteTask:
		return *v
	case *ValidateTask:
		return *v
	case *HealthCheck:
		return *v
	case *Shutdown:
		return *v
	case *Ready:
		return *v
	case *TaskResult:
		return *v
	case *TaskError:
		return *v
	case *ValidationResult:
		return *v
	case *ValidationError:
		return *v
	case *HealthStatus:
		return *v
	case *Progress:
		return *v
	case *Log:
		return *v
	default:
		return m
	}
}
