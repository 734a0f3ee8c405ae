package db

import (
	"time"

	"github.com/google/uuid"
)

// Confidence is the four-level trust ranking of a chunk. The first three form
// an ordering (seed < watered < sprouted); rejected is terminal and sits
// outside the ordering.
type Confidence string

const (
	ConfidenceSeed     Confidence = "seed"
	ConfidenceWatered  Confidence = "watered"
	ConfidenceSprouted Confidence = "sprouted"
	ConfidenceRejected Confidence = "rejected"
)

// Rank returns the position of c on the seed < watered < sprouted ordering.
// Rejected (and anything unknown) is not part of the ordering.
func (c Confidence) Rank() (int, bool) {
	switch c {
	case ConfidenceSeed:
		return 0, true
	case ConfidenceWatered:
		return 1, true
	case ConfidenceSprouted:
		return 2, true
	}
	return 0, false
}

// ReviewTargets are the confidence levels a reviewer may assign. Seed is only
// ever assigned by the producing path at creation.
var ReviewTargets = map[Confidence]bool{
	ConfidenceWatered:  true,
	ConfidenceSprouted: true,
	ConfidenceRejected: true,
}

// Task status lifecycle: pending → running → completed|failed, and
// pending → cancelled. The store does not validate transitions; the scheduler's
// call sequence does.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// Provenance is the trust metadata of a chunk, stored inline with it.
type Provenance struct {
	ProducedBy string     `json:"produced_by"`
	ProducedAt time.Time  `json:"produced_at"`
	TaskType   string     `json:"task_type"`
	Sources    []string   `json:"sources"`
	VerifiedBy *string    `json:"verified_by,omitempty"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	Confidence Confidence `json:"confidence"`
}

// Chunk is one unit of generated content for one field of one node. At most
// one chunk exists per (project, node_id, field); later submissions replace it.
type Chunk struct {
	ID          string     `json:"id"`
	Project     string     `json:"project"`
	NodeID      string     `json:"node_id"`
	NodeType    string     `json:"node_type"`
	Field       string     `json:"field"`
	Content     string     `json:"content"`
	Provenance  Provenance `json:"provenance"`
	ReviewNotes *string    `json:"review_notes,omitempty"`
}

// ExportedChunk is the interchange shape for export_chunks. The field names
// are a compatibility contract with downstream consumers; do not rename them.
type ExportedChunk struct {
	NodeID     string   `json:"nodeId"`
	NodeType   string   `json:"nodeType"`
	Field      string   `json:"field"`
	Content    string   `json:"content"`
	Confidence string   `json:"confidence"`
	ProducedBy string   `json:"producedBy"`
	Sources    []string `json:"sources"`
	VerifiedBy *string  `json:"verifiedBy"`
}

// ScheduledTask is a request to run a named task at or after RunAt.
type ScheduledTask struct {
	ID         string         `json:"id"`
	TaskName   string         `json:"task_name"`
	TaskParams map[string]any `json:"task_params,omitempty"`
	RunAt      time.Time      `json:"run_at"`
	CreatedAt  time.Time      `json:"created_at"`
	Status     string         `json:"status"`
}

// TaskRun is an immutable audit record of one execution attempt.
type TaskRun struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	TaskName  string    `json:"task_name"`
	StartedAt time.Time `json:"started_at"`
	Status    string    `json:"status"`
	Result    *string   `json:"result,omitempty"`
}

// RetryRecord is one appended failure attempt tied to a chunk.
type RetryRecord struct {
	ID           int64     `json:"id"`
	ChunkID      string    `json:"chunk_id"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewID generates an opaque unique identifier.
func NewID() string {
	return uuid.NewString()
}

// ShortID abbreviates an identifier to its first eight characters for display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
