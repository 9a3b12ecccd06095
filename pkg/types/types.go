package types

import (
	"fmt"
	"time"
)

// DefaultWorkingDir is the working directory inside execution pods where
// code, staged files, and state live.
const DefaultWorkingDir = "/mnt/data"

// Session represents a durable interpreter session bound to one or more executions
type Session struct {
	ID           string              `json:"id"`
	Status       SessionStatus       `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
	LastActivity time.Time           `json:"last_activity_at"`
	ExpiresAt    time.Time           `json:"expires_at"`
	WorkingDir   string              `json:"working_directory"` // Default: /mnt/data
	Files        map[string]FileInfo `json:"files,omitempty"`   // Keyed by file ID
	Metadata     map[string]string   `json:"metadata,omitempty"`
	EntityID     string              `json:"entity_id,omitempty"` // Cross-session grouping (agent, assistant)
}

// SessionStatus represents the current state of a session
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusIdle       SessionStatus = "idle"
	SessionStatusTerminated SessionStatus = "terminated"
	SessionStatusError      SessionStatus = "error"
)

// IsExpired reports whether the session expiry has elapsed at the given instant
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// FileInfo describes a file staged into or produced by a session
type FileInfo struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	Path        string    `json:"path"` // Path inside the pod working dir
	CreatedAt   time.Time `json:"created_at"`
}

// Execution represents a single code execution call
type Execution struct {
	ID              string            `json:"id"`
	SessionID       string            `json:"session_id"`
	Code            string            `json:"code"`
	Language        string            `json:"language"`
	Status          ExecutionStatus   `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       time.Time         `json:"started_at,omitempty"`
	CompletedAt     time.Time         `json:"completed_at,omitempty"`
	Outputs         []ExecutionOutput `json:"outputs,omitempty"`
	ExitCode        int               `json:"exit_code"`
	Error           string            `json:"error,omitempty"`
	ExecutionTimeMS int64             `json:"execution_time_ms"`
	PeakMemoryMB    float64           `json:"peak_memory_mb,omitempty"`
}

// ExecutionStatus represents the lifecycle state of an execution
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusTimeout   ExecutionStatus = "timeout"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// ExecutionOutput is one piece of output captured from an execution
type ExecutionOutput struct {
	Type        OutputType `json:"type"`
	Content     string     `json:"content"`
	ContentType string     `json:"content_type,omitempty"`
	Size        int64      `json:"size,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// OutputType classifies an execution output entry
type OutputType string

const (
	OutputTypeStdout OutputType = "stdout"
	OutputTypeStderr OutputType = "stderr"
	OutputTypeFile   OutputType = "file"
	OutputTypeError  OutputType = "error"
)

// TimeoutExitCode is the conventional exit code for executions killed by the
// per-language timeout, as emitted by the in-pod executor.
const TimeoutExitCode = 124

// PodHandle identifies a runtime pod and carries the fields the orchestrator
// tracks about it. Status is only mutated by the lifecycle manager and pool.
type PodHandle struct {
	Name        string            `json:"name"`
	Namespace   string            `json:"namespace"`
	UID         string            `json:"uid"`
	Language    string            `json:"language"`
	SessionID   string            `json:"session_id,omitempty"` // Empty until bound
	Status      PodStatus         `json:"status"`
	IP          string            `json:"ip,omitempty"`
	SidecarPort int               `json:"sidecar_port"`
	CreatedAt   time.Time         `json:"created_at"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// PodStatus represents the orchestrator-visible state of a pod
type PodStatus string

const (
	PodStatusPending      PodStatus = "pending"
	PodStatusWarm         PodStatus = "warm"
	PodStatusSpecializing PodStatus = "specializing"
	PodStatusExecuting    PodStatus = "executing"
	PodStatusSucceeded    PodStatus = "succeeded"
	PodStatusFailed       PodStatus = "failed"
	PodStatusUnknown      PodStatus = "unknown"
)

// SidecarAddr returns the host:port of the pod's sidecar, or empty if the
// pod has no IP yet.
func (p *PodHandle) SidecarAddr() string {
	if p.IP == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", p.IP, p.SidecarPort)
}

// PodSource indicates which path produced the pod used by an execution
type PodSource string

const (
	PodSourcePool PodSource = "pool"
	PodSourceJob  PodSource = "job"
)

// StateTier identifies where a state blob currently lives
type StateTier string

const (
	StateTierHot     StateTier = "hot"     // KV-resident, TTL-bound
	StateTierArchive StateTier = "archive" // Object-store resident, no TTL
)

// StateInfo describes a persisted state blob without carrying the bytes
type StateInfo struct {
	Exists    bool      `json:"exists"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash,omitempty"` // SHA-256 over decoded bytes, hex
	CreatedAt time.Time `json:"created_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Source    StateTier `json:"source,omitempty"`
}
