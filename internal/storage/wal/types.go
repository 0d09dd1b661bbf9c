package wal

import (
	"encoding/json"

	"github.com/cbkow/mid-render/pkg/types"
)

// EventType identifies what kind of report an Event durably records.
type EventType string

const (
	EventCompletion EventType = "COMPLETION"
	EventFailure    EventType = "FAILURE"
	EventFrame      EventType = "FRAME"
)

// Event is a single durable record: one report accepted from the render
// coordinator before the report queue has confirmed delivery to the
// leader. Payload carries the marshaled report (CompletionReport,
// FailureReport, or FrameReport depending on Type).
type Event struct {
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	JobID     types.JobID     `json:"job_id"`
	Timestamp int64           `json:"timestamp"`
	Checksum  uint32          `json:"checksum"`
	Payload   json.RawMessage `json:"payload"`
}

// EventHandler processes one Event during Replay.
type EventHandler func(event Event) error
