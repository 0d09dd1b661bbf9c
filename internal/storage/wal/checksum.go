package wal

import (
	"fmt"
	"hash/crc32"

	"github.com/cbkow/mid-render/pkg/types"
)

// CalculateChecksum computes the CRC32-IEEE checksum over an event's
// key fields. Timestamp and Payload are excluded: Timestamp changes
// across a Rotate/Replay round-trip and Payload is already length- and
// type-tagged by the surrounding JSON envelope.
func CalculateChecksum(eventType EventType, jobID types.JobID, seq uint64) uint32 {
	data := string(eventType) + string(jobID) + fmt.Sprint(seq)
	return crc32.ChecksumIEEE([]byte(data))
}

// VerifyChecksum reports whether event's stored checksum matches its
// recomputed value.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Type, event.JobID, event.Seq)
}
