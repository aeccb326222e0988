package model

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the terminal status of a task
type TaskStatus string

const (
	TaskStatusSuccess  TaskStatus = "success"
	TaskStatusFailed   TaskStatus = "failed"
	TaskStatusRejected TaskStatus = "rejected"
)

// Well-known rejection and failure reasons carried in TaskResult.Reason.
// Engine-reported failures use the engine's own reason string.
const (
	ReasonDeadlineExceeded = "deadline_exceeded"
	ReasonUnsupportedModel = "unsupported_model"
	ReasonPayloadTooLarge  = "payload_too_large"
	ReasonDuplicateTask    = "duplicate_task"
	ReasonCapacity         = "capacity"
	ReasonTimeout          = "timeout"
	ReasonShutdown         = "shutdown"
)

// TaskRequest is the inbound task descriptor. The workflow payload is opaque
// to this node and interpreted only by the execution engine.
type TaskRequest struct {
	ID       string          `json:"id"`
	Workflow json.RawMessage `json:"workflow"`
	Model    string          `json:"model"`
	Deadline time.Time       `json:"deadline"`
}

// TaskStats records the lifecycle timestamps of one task execution.
type TaskStats struct {
	ReceivedAt  time.Time `json:"received_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// TaskResult is the outbound response for a TaskRequest. Output is present
// only on success, Reason only on failure or rejection. A result is signed
// once, immediately before it is written to the wire, and never mutated
// afterwards.
type TaskResult struct {
	ID        string     `json:"id"`
	Status    TaskStatus `json:"status"`
	Output    []byte     `json:"output,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Model     string     `json:"model,omitempty"`
	Stats     TaskStats  `json:"stats"`
	Signature Signature  `json:"signature,omitempty"`
}

// SigningBytes returns the canonical encoding of the result for signing and
// verification: the JSON document with the signature field zeroed. Field
// order is fixed by struct declaration order, so the encoding is
// deterministic.
func (r *TaskResult) SigningBytes() ([]byte, error) {
	unsigned := *r
	unsigned.Signature = Signature{}
	return json.Marshal(&unsigned)
}

// NewRejectedResult builds a Rejected result for the given request id.
func NewRejectedResult(taskID, reason string, stats TaskStats) *TaskResult {
	return &TaskResult{
		ID:     taskID,
		Status: TaskStatusRejected,
		Reason: reason,
		Stats:  stats,
	}
}

// NewFailedResult builds a Failed result for the given request id.
func NewFailedResult(taskID, reason string, stats TaskStats) *TaskResult {
	return &TaskResult{
		ID:     taskID,
		Status: TaskStatusFailed,
		Reason: reason,
		Stats:  stats,
	}
}
