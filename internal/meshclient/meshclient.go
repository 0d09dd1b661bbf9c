// Package meshclient is the thin outbound side of the HTTP mesh: one
// small method per remote concern (dispatch assignment, report
// delivery), each a JSON-over-HTTP call with the short connect/read
// budgets §5 mandates. Structured the way the teacher's
// internal/raft/transport.go wraps its peer RPCs in a single
// connection-caching client type, but speaking JSON over net/http
// instead of protobuf over gRPC — the mesh has no consensus RPCs to
// encode, just assignment and report delivery.
package meshclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cbkow/mid-render/pkg/types"
)

const (
	connectTimeout = 500 * time.Millisecond
	readTimeout    = 3 * time.Second
	// assignTimeout bounds /dispatch/assign specifically, tighter than
	// the general readTimeout: §4.4 step 5 wants a hung peer reverted
	// within about a second, not left blocking a tick for up to 3s.
	assignTimeout = 800 * time.Millisecond
)

// Client is the mesh's outbound HTTP client, implementing both
// internal/dispatch.RemoteDispatcher and internal/reportqueue.RemoteSink.
type Client struct {
	http *http.Client
}

// New builds a Client with the short connect/read budgets §5 mandates.
func New() *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Client{
		http: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: connectTimeout,
			},
		},
	}
}

type assignRequest struct {
	Manifest   types.JobManifest `json:"manifest"`
	FrameStart int               `json:"frame_start"`
	FrameEnd   int               `json:"frame_end"`
}

// DispatchAssign sends a chunk assignment to endpoint's node. See
// internal/dispatch.RemoteDispatcher.
func (c *Client) DispatchAssign(endpoint string, manifest types.JobManifest, frames types.FrameRange) error {
	ctx, cancel := context.WithTimeout(context.Background(), assignTimeout)
	defer cancel()
	body := assignRequest{Manifest: manifest, FrameStart: frames.Start, FrameEnd: frames.End}
	return c.postStatusOK(ctx, endpoint, "/dispatch/assign", body)
}

type completeRequest struct {
	NodeID     types.NodeID `json:"node_id"`
	JobID      types.JobID  `json:"job_id"`
	FrameStart int          `json:"frame_start"`
	FrameEnd   int          `json:"frame_end"`
	ElapsedMs  int64        `json:"elapsed_ms"`
	ExitCode   int          `json:"exit_code"`
}

// ReportCompletion sends a chunk completion report to the leader. See
// internal/reportqueue.RemoteSink.
func (c *Client) ReportCompletion(ctx context.Context, endpoint string, r types.CompletionReport) error {
	body := completeRequest{
		NodeID:     r.NodeID,
		JobID:      r.JobID,
		FrameStart: r.Frames.Start,
		FrameEnd:   r.Frames.End,
		ElapsedMs:  r.ElapsedMs,
		ExitCode:   r.ExitCode,
	}
	return c.postStatusOK(ctx, endpoint, "/dispatch/complete", body)
}

type failedRequest struct {
	NodeID     types.NodeID `json:"node_id"`
	JobID      types.JobID  `json:"job_id"`
	FrameStart int          `json:"frame_start"`
	FrameEnd   int          `json:"frame_end"`
	Error      string       `json:"error"`
}

// ReportFailure sends a chunk failure report to the leader. See
// internal/reportqueue.RemoteSink.
func (c *Client) ReportFailure(ctx context.Context, endpoint string, r types.FailureReport) error {
	body := failedRequest{
		NodeID:     r.NodeID,
		JobID:      r.JobID,
		FrameStart: r.Frames.Start,
		FrameEnd:   r.Frames.End,
		Error:      r.Error,
	}
	return c.postStatusOK(ctx, endpoint, "/dispatch/failed", body)
}

type frameCompleteRequest struct {
	NodeID types.NodeID `json:"node_id"`
	JobID  types.JobID  `json:"job_id"`
	Frames []int        `json:"frames"`
}

// ReportFrames sends a batch of per-frame completions for one job to
// the leader in a single request. See internal/reportqueue.RemoteSink.
func (c *Client) ReportFrames(ctx context.Context, endpoint string, jobID types.JobID, frames []types.FrameReport) error {
	if len(frames) == 0 {
		return nil
	}
	nums := make([]int, len(frames))
	var nodeID types.NodeID
	for i, f := range frames {
		nums[i] = f.Frame
		nodeID = f.NodeID
	}
	body := frameCompleteRequest{NodeID: nodeID, JobID: jobID, Frames: nums}
	return c.postStatusOK(ctx, endpoint, "/dispatch/frame-complete", body)
}

// GetStatus fetches endpoint's full peer record, used by the registry
// poll loop as the HTTP fallback path when a peer has no fresh UDP
// contact.
func (c *Client) GetStatus(ctx context.Context, endpoint string) (types.PeerInfo, error) {
	url := "http://" + endpoint + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.PeerInfo{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.PeerInfo{}, fmt.Errorf("get status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.PeerInfo{}, fmt.Errorf("get status: unexpected status %d", resp.StatusCode)
	}

	var info types.PeerInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return types.PeerInfo{}, fmt.Errorf("decode status: %w", err)
	}
	return info, nil
}

// postStatusOK POSTs body as JSON to endpoint+path and treats any
// non-2xx response as an error, so the caller's retry/backoff logic
// (internal/reportqueue, the dispatch engine's revert-on-failure) sees
// a uniform error for "this send needs to be retried."
func (c *Client) postStatusOK(ctx context.Context, endpoint, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := "http://" + endpoint + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}
