package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the checkpoint records appended to the log
// ============================================================================

// RecordType defines WAL record types
type RecordType string

const (
	RecordCreateJob RecordType = "CREATE_JOB" // Job row and all action rows, written together
	RecordJob       RecordType = "JOB"        // Job row update
	RecordAction    RecordType = "ACTION"     // Single action row update (checkpoint)
	RecordDeleteJob RecordType = "DELETE_JOB" // Job and its actions purged
)

// Record represents one durable WAL line.
// A record is the unit of atomicity: a reader either sees the whole line or
// (for a torn final line) nothing.
type Record struct {
	Seq       uint64          `json:"seq"`             // Monotonically increasing sequence number
	Type      RecordType      `json:"type"`            // Record type
	JobID     types.JobID     `json:"job_id"`          // Owning job
	Index     int             `json:"index,omitempty"` // Action index for RecordAction
	Data      json.RawMessage `json:"data,omitempty"`  // JSON encoded row(s)
	Timestamp int64           `json:"timestamp"`       // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`        // CRC32 checksum
}

// CreateJobData is the payload of a RecordCreateJob record
type CreateJobData struct {
	Job     *types.Job      `json:"job"`
	Actions []*types.Action `json:"actions"`
}

// RecordHandler is the function type for processing WAL records during Replay
type RecordHandler func(rec Record) error
