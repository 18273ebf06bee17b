package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusAvailable indicates the task can be claimed by a matching worker.
	TaskStatusAvailable TaskStatus = "available"
	// TaskStatusClaimed indicates a worker holds the task but has not started.
	TaskStatusClaimed TaskStatus = "claimed"
	// TaskStatusInProgress indicates the holding worker is executing the task.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusBlocked indicates the task waits on dependencies, children or replanning.
	TaskStatusBlocked TaskStatus = "blocked"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// AllStatuses lists every known status in lifecycle order.
var AllStatuses = []TaskStatus{
	TaskStatusAvailable,
	TaskStatusClaimed,
	TaskStatusInProgress,
	TaskStatusBlocked,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCancelled,
}

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusAvailable, TaskStatusClaimed, TaskStatusInProgress, TaskStatusBlocked,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for completed, failed and cancelled.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsHeld returns true when a worker owns the task.
func (s TaskStatus) IsHeld() bool {
	return s == TaskStatusClaimed || s == TaskStatusInProgress
}

// CapabilityAuto marks a task any capable worker may bid on.
const CapabilityAuto = "auto"

// Capability tags used by the reference handlers.
const (
	CapabilityPlanning       = "planning"
	CapabilityTerminal       = "terminal"
	CapabilitySearch         = "search"
	CapabilityFileOperations = "file_operations"
)

// Well-known metadata keys.
const (
	MetaReplanning        = "replanning"
	MetaWaitingOnChildren = "waiting_on_children"
	MetaReplacedBy        = "replaced_by"
	MetaReplaces          = "replaces"
	MetaFailureReason     = "failure_reason"
	MetaHeartbeatAt       = "heartbeat_at"
	MetaInterrupted       = "interrupted"
	MetaAttemptLog        = "attempt_log"
	MetaReplanTask        = "replan_task"
)

// Task is the unit of work shared between workers through the task store.
type Task struct {
	// ID is the unique, immutable identifier for this task.
	ID string `json:"id"`
	// Description is the free-text body of the task.
	Description string `json:"description"`
	// CapabilityTag selects which class of worker may execute the task.
	CapabilityTag string `json:"capability_tag"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// Priority orders runnable tasks; higher is preferred.
	Priority int `json:"priority"`
	// Dependencies lists task IDs that must complete before this task runs.
	Dependencies []string `json:"dependencies"`
	// ParentID references the task that spawned this one, if any.
	ParentID string `json:"parent_id,omitempty"`
	// ClaimedBy is the identity of the worker holding the task.
	ClaimedBy string `json:"claimed_by,omitempty"`
	// ClaimedAt is when the current claim was taken.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	// AttemptCount is how many times the task was claimed and released or failed.
	AttemptCount int `json:"attempt_count"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// CreatedBy identifies the creator (a person, worker identity or the monitor).
	CreatedBy string `json:"created_by,omitempty"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Result is the opaque payload produced by the capability handler.
	Result json.RawMessage `json:"result"`
	// Metadata holds capability-specific hints and coordination markers.
	Metadata map[string]any `json:"metadata"`
	// Revision is maintained by the store and changes on every write.
	Revision int64 `json:"revision"`
}

// TaskSpec describes a task to be created, either by a person or by decomposition.
type TaskSpec struct {
	// ID optionally fixes the task ID; one is generated when empty.
	ID            string         `json:"id,omitempty" yaml:"id,omitempty"`
	Description   string         `json:"description" yaml:"description"`
	CapabilityTag string         `json:"capability_tag,omitempty" yaml:"capability_tag,omitempty"`
	Priority      int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	ParentID      string         `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedBy     string         `json:"created_by,omitempty" yaml:"created_by,omitempty"`
}

// Outcome is how a worker ends its hold on a task.
type Outcome string

const (
	// OutcomeCompleted finishes the task successfully.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed finishes the task as failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled finishes the task as cancelled.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeRequeue returns the task to the available pool.
	OutcomeRequeue Outcome = "requeue"
	// OutcomeInterrupted returns the task to the pool after an interrupt, leaving result unset.
	OutcomeInterrupted Outcome = "cancelled-by-interrupt"
)

// Valid returns true if the outcome is a known value.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeCompleted, OutcomeFailed, OutcomeCancelled, OutcomeRequeue, OutcomeInterrupted:
		return true
	default:
		return false
	}
}

// Status returns the status a task moves to for this outcome.
func (o Outcome) Status() TaskStatus {
	switch o {
	case OutcomeCompleted:
		return TaskStatusCompleted
	case OutcomeFailed:
		return TaskStatusFailed
	case OutcomeCancelled:
		return TaskStatusCancelled
	default:
		return TaskStatusAvailable
	}
}

// IsHeldBy reports whether the given worker currently holds the task.
func (t *Task) IsHeldBy(worker string) bool {
	return t.Status.IsHeld() && t.ClaimedBy == worker
}

// ClearClaim drops the claim fields.
func (t *Task) ClearClaim() {
	t.ClaimedBy = ""
	t.ClaimedAt = nil
}

// SetMeta sets a metadata key, allocating the map if needed.
func (t *Task) SetMeta(key string, value any) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
}

// DeleteMeta removes a metadata key.
func (t *Task) DeleteMeta(key string) {
	delete(t.Metadata, key)
}

// MetaString returns a string metadata value or "".
func (t *Task) MetaString(key string) string {
	if v, ok := t.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// MetaBool returns a bool metadata value or false.
func (t *Task) MetaBool(key string) bool {
	v, ok := t.Metadata[key].(bool)
	return ok && v
}

// MetaStrings returns a list of strings stored under key.
// Values decoded from JSON arrive as []any and are converted.
func (t *Task) MetaStrings(key string) []string {
	switch v := t.Metadata[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// MetaTime parses an RFC3339 timestamp stored under key.
func (t *Task) MetaTime(key string) (time.Time, bool) {
	s := t.MetaString(key)
	if s == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// LastActivity returns the later of the claim time and the progress heartbeat.
func (t *Task) LastActivity() time.Time {
	var last time.Time
	if t.ClaimedAt != nil {
		last = *t.ClaimedAt
	}
	if hb, ok := t.MetaTime(MetaHeartbeatAt); ok && hb.After(last) {
		last = hb
	}
	return last
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	data, err := Encode(t)
	if err != nil {
		c := *t
		return &c
	}
	c, err := Decode(data)
	if err != nil {
		c := *t
		return &c
	}
	return c
}
