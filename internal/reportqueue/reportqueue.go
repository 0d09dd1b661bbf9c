// Package reportqueue buffers completion, failure, and per-frame events
// produced by this node's render coordinator and delivers them to the
// current leader's dispatch engine. When this node is itself the
// leader, reports bypass the network entirely and go straight into the
// local dispatch engine's queues. Grounded on the original
// implementation's DispatchManager report queues; pending reports are
// durably logged through the teacher's write-ahead log (internal/storage/wal)
// before delivery so a crash doesn't silently drop an at-least-once report.
package reportqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cbkow/mid-render/internal/logging"
	"github.com/cbkow/mid-render/internal/storage/wal"
	"github.com/cbkow/mid-render/pkg/types"
)

const (
	minCooldown   = 5 * time.Second
	flushInterval = 500 * time.Millisecond
)

// LocalSink is the local dispatch engine's ingestion surface, used when
// this node is the leader so reports skip the network.
type LocalSink interface {
	QueueCompletion(types.CompletionReport)
	QueueFailure(types.FailureReport)
	QueueFrameCompletion(types.FrameReport)
}

// RemoteSink sends reports to the leader over the HTTP mesh.
// Implemented by internal/meshclient.
type RemoteSink interface {
	ReportCompletion(ctx context.Context, endpoint string, r types.CompletionReport) error
	ReportFailure(ctx context.Context, endpoint string, r types.FailureReport) error
	ReportFrames(ctx context.Context, endpoint string, jobID types.JobID, frames []types.FrameReport) error
}

// LeaderLocator resolves the current leader's endpoint, and whether the
// leader is this node. Implemented by internal/registry.Registry.
type LeaderLocator interface {
	LeaderEndpoint() (endpoint string, isSelf bool, ok bool)
}

type pendingItem struct {
	completion *types.CompletionReport
	failure    *types.FailureReport
	frame      *types.FrameReport
}

// Queue is the worker-to-leader report deque plus its background
// flusher. Its Report* methods implement internal/render's ReportSink,
// so a node's render coordinator can push directly into its own
// Queue; items are drained by a single flush loop, preserving send
// order.
type Queue struct {
	local  LocalSink
	remote RemoteSink
	leader LeaderLocator
	log    logging.Logger
	durLog *wal.WAL

	incoming chan pendingItem

	cooldown backoff.BackOff
}

// Config configures a new Queue. DurabilityLogPath is optional; when
// set, every pushed report is appended to a write-ahead log before
// being queued for delivery, and replayed back into the queue on the
// next Recover call after a restart.
type Config struct {
	Local             LocalSink
	Remote            RemoteSink
	Leader            LeaderLocator
	Logger            logging.Logger
	DurabilityLogPath string
}

// New builds a Queue. Call Run to start its background flush loop.
func New(cfg Config) (*Queue, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minCooldown
	b.MaxInterval = 2 * time.Minute
	b.Multiplier = 2
	b.Reset() // NewExponentialBackOff reset with the default interval

	q := &Queue{
		local:    cfg.Local,
		remote:   cfg.Remote,
		leader:   cfg.Leader,
		log:      cfg.Logger,
		incoming: make(chan pendingItem, 1024),
		cooldown: b,
	}

	if cfg.DurabilityLogPath != "" {
		w, err := wal.Open(cfg.DurabilityLogPath, false)
		if err != nil {
			return nil, err
		}
		q.durLog = w
	}
	return q, nil
}

// Recover replays the durability log and re-queues every record that
// was accepted before the process last exited, restoring at-least-once
// delivery across a restart. It is a no-op if durability is disabled.
func (q *Queue) Recover() error {
	if q.durLog == nil {
		return nil
	}
	return q.durLog.Replay(func(event wal.Event) error {
		switch event.Type {
		case wal.EventCompletion:
			var r types.CompletionReport
			if err := json.Unmarshal(event.Payload, &r); err != nil {
				return err
			}
			q.incoming <- pendingItem{completion: &r}
		case wal.EventFailure:
			var r types.FailureReport
			if err := json.Unmarshal(event.Payload, &r); err != nil {
				return err
			}
			q.incoming <- pendingItem{failure: &r}
		case wal.EventFrame:
			var r types.FrameReport
			if err := json.Unmarshal(event.Payload, &r); err != nil {
				return err
			}
			q.incoming <- pendingItem{frame: &r}
		}
		return nil
	})
}

// ReportCompletion enqueues a chunk completion report.
func (q *Queue) ReportCompletion(r types.CompletionReport) {
	q.appendDurable(wal.EventCompletion, r.JobID, r)
	q.incoming <- pendingItem{completion: &r}
}

// ReportFailure enqueues a chunk failure report.
func (q *Queue) ReportFailure(r types.FailureReport) {
	q.appendDurable(wal.EventFailure, r.JobID, r)
	q.incoming <- pendingItem{failure: &r}
}

// ReportFrame enqueues a per-frame completion event, batched by job on
// send per §4.6.
func (q *Queue) ReportFrame(r types.FrameReport) {
	q.appendDurable(wal.EventFrame, r.JobID, r)
	q.incoming <- pendingItem{frame: &r}
}

func (q *Queue) appendDurable(eventType wal.EventType, jobID types.JobID, payload any) {
	if q.durLog == nil {
		return
	}
	if err := q.durLog.Append(eventType, jobID, payload, true); err != nil {
		q.log.Warn("reportqueue", "durability log append failed", "error", err)
	}
}

// Run drains incoming items and flushes them until ctx is cancelled.
// It is the "report-queue flusher" background task. Whenever a flush
// fully drains the pending batch, the durability log is rotated: every
// report written before that point has now been handed off.
func (q *Queue) Run(ctx context.Context) {
	var pending []pendingItem
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.incoming:
			pending = append(pending, item)
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			sent := q.flush(ctx, pending)
			fullyDrained := sent == len(pending)
			pending = pending[sent:]
			if fullyDrained && q.durLog != nil {
				if err := q.durLog.Rotate(); err != nil {
					q.log.Warn("reportqueue", "durability log rotate failed", "error", err)
				}
			}
		}
	}
}

// flush attempts to deliver the prefix of items, returning how many
// were sent successfully. On the first failure it stops and backs off,
// leaving the remainder (including the failed item) at the front of
// the deque so ordering is preserved on the next attempt. Consecutive
// frame reports are grouped by job into a single batched send.
func (q *Queue) flush(ctx context.Context, items []pendingItem) int {
	endpoint, isSelf, ok := q.leader.LeaderEndpoint()
	if !ok {
		q.waitCooldown(ctx)
		return 0
	}

	i := 0
	for i < len(items) {
		item := items[i]
		switch {
		case item.frame != nil:
			j := i
			batch := map[types.JobID][]types.FrameReport{}
			for j < len(items) && items[j].frame != nil {
				f := items[j].frame
				batch[f.JobID] = append(batch[f.JobID], *f)
				j++
			}
			if err := q.sendFrameBatches(ctx, endpoint, isSelf, batch); err != nil {
				q.log.Warn("reportqueue", "frame batch send failed, backing off", "error", err)
				q.waitCooldown(ctx)
				return i
			}
			i = j
		case item.completion != nil:
			if err := q.sendCompletion(ctx, endpoint, isSelf, *item.completion); err != nil {
				q.log.Warn("reportqueue", "completion send failed, backing off", "error", err)
				q.waitCooldown(ctx)
				return i
			}
			i++
		case item.failure != nil:
			if err := q.sendFailure(ctx, endpoint, isSelf, *item.failure); err != nil {
				q.log.Warn("reportqueue", "failure send failed, backing off", "error", err)
				q.waitCooldown(ctx)
				return i
			}
			i++
		default:
			i++
		}
	}

	q.cooldown.Reset()
	return i
}

func (q *Queue) sendCompletion(ctx context.Context, endpoint string, isSelf bool, r types.CompletionReport) error {
	if isSelf {
		q.local.QueueCompletion(r)
		return nil
	}
	return q.remote.ReportCompletion(ctx, endpoint, r)
}

func (q *Queue) sendFailure(ctx context.Context, endpoint string, isSelf bool, r types.FailureReport) error {
	if isSelf {
		q.local.QueueFailure(r)
		return nil
	}
	return q.remote.ReportFailure(ctx, endpoint, r)
}

func (q *Queue) sendFrameBatches(ctx context.Context, endpoint string, isSelf bool, batches map[types.JobID][]types.FrameReport) error {
	for jobID, frames := range batches {
		if isSelf {
			for _, f := range frames {
				q.local.QueueFrameCompletion(f)
			}
			continue
		}
		if err := q.remote.ReportFrames(ctx, endpoint, jobID, frames); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) waitCooldown(ctx context.Context) {
	d := q.cooldown.NextBackOff()
	if d == backoff.Stop || d < minCooldown {
		d = minCooldown
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Depth reports the number of pushed reports the flush loop has not yet
// taken up; reports the loop holds for a retry are not counted. Used by
// internal/metrics to expose report-queue depth.
func (q *Queue) Depth() int {
	return len(q.incoming)
}
