// Package wal is the report queue's local durability log: every
// completion, failure, and frame report accepted from the render
// coordinator is appended here before the report queue attempts
// delivery to the leader, so a crash between accepting a report and
// confirming its delivery doesn't lose it. Adapted from the teacher's
// job-queue write-ahead log — same append/flush/replay/rotate shape,
// repointed from job lifecycle events to report payloads.
package wal

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/cbkow/mid-render/pkg/types"
)

// FileInterface is the subset of *os.File the WAL needs, allowing
// tests to substitute a fake.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL is an append-only, batch-flushed event log.
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// Open creates or reopens the WAL at path. If the file already
// contains events, seq resumes from the last one.
func Open(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		if last, err := lastSeqInFile(path); err == nil {
			seq = last
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append records one event. A report queue flush (or shutdown) should
// pass isForceFlush so the record hits disk before the caller proceeds.
func (w *WAL) Append(eventType EventType, jobID types.JobID, payload any, isForceFlush bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     jobID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   data,
	}
	event.Checksum = CalculateChecksum(eventType, jobID, w.seq)
	w.buffer = append(w.buffer, event)

	needFlush := w.syncOnAppend || isForceFlush || len(w.buffer) >= w.bufferSize || time.Since(w.lastFlushTime) > w.flushInterval
	if !needFlush {
		w.mu.Unlock()
		return nil
	}
	err = w.flushLocked()
	w.mu.Unlock()
	return err
}

// Replay reads every event from the start of the file and calls
// handler for each, stopping at the first checksum mismatch or handler
// error.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return err
		}
		if !VerifyChecksum(event) {
			return ErrChecksumMismatch
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return nil
}

// Rotate flushes, closes the current file, renames it aside, and opens
// a fresh empty WAL at the same path, resetting seq to zero. Called
// once the report queue has confirmed every pending report's delivery.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405")
	if err := os.Rename(w.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// Close flushes any buffered events and closes the underlying file.
// The WAL must not be used again afterward.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	return w.file.Close()
}

// GetLastSeq returns the most recently assigned sequence number.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

func (w *WAL) flushLocked() error {
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}

// lastSeqInFile scans path end-to-end for the seq of its final valid
// event. Used only at Open to resume numbering; a corrupted tail is
// treated as "no prior seq" rather than a fatal error, since the
// report queue treats the WAL as advisory, not authoritative.
func lastSeqInFile(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var last uint64
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		last = event.Seq
	}
	return last, nil
}
