// Package udp implements the peer mesh's fast discovery path: compact
// JSON heartbeat/goodbye frames broadcast over UDP multicast. This is
// the one domain concern built directly on the standard library — no
// example repo in the corpus carries a UDP multicast dependency, so
// net.ListenMulticastUDP is the grounded choice (see DESIGN.md).
package udp

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/cbkow/mid-render/internal/logging"
	"github.com/cbkow/mid-render/pkg/types"
)

// Heartbeat is the compact frame a node broadcasts roughly every 3s.
type Heartbeat struct {
	Type        string      `json:"t"`
	NodeID      types.NodeID `json:"n"`
	IP          string      `json:"ip"`
	Port        int         `json:"port"`
	NodeState   types.NodeState   `json:"st"`
	RenderState types.RenderState `json:"rs"`
	Job         types.JobID `json:"job,omitempty"`
	Chunk       int64       `json:"chunk,omitempty"`
	Priority    int         `json:"pri"`
}

// Goodbye is broadcast once on clean shutdown.
type Goodbye struct {
	Type   string       `json:"t"`
	NodeID types.NodeID `json:"n"`
}

const (
	frameHeartbeat = "hb"
	frameGoodbye   = "bye"
	maxFrameBytes  = 1500
)

// Transport sends and receives multicast frames on one group:port.
type Transport struct {
	conn    *net.UDPConn
	group   *net.UDPAddr
	log     logging.Logger
	closeCh chan struct{}
}

// Dial joins the multicast group addr (e.g. "239.192.42.43:4243") for
// both sending and receiving.
func Dial(addr string, log logging.Logger) (*Transport, error) {
	groupAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast addr: %w", err)
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("listen multicast: %w", err)
	}
	conn.SetReadBuffer(maxFrameBytes * 8)

	return &Transport{
		conn:    conn,
		group:   groupAddr,
		log:     log,
		closeCh: make(chan struct{}),
	}, nil
}

// Close leaves the multicast group.
func (t *Transport) Close() error {
	close(t.closeCh)
	return t.conn.Close()
}

// SendHeartbeat broadcasts hb to the multicast group.
func (t *Transport) SendHeartbeat(hb Heartbeat) error {
	hb.Type = frameHeartbeat
	return t.send(hb)
}

// SendGoodbye broadcasts a goodbye frame for nodeID.
func (t *Transport) SendGoodbye(nodeID types.NodeID) error {
	return t.send(Goodbye{Type: frameGoodbye, NodeID: nodeID})
}

func (t *Transport) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	_, err = t.conn.WriteToUDP(data, t.group)
	return err
}

// Frame is a discriminated union of the two inbound frame kinds;
// exactly one of Heartbeat or Goodbye is non-nil.
type Frame struct {
	Heartbeat *Heartbeat
	Goodbye   *Goodbye
}

// Receive blocks until one frame arrives or Close is called, in which
// case it returns (Frame{}, net.ErrClosed)-shaped errors from the
// underlying connection.
func (t *Transport) Receive() (Frame, error) {
	buf := make([]byte, maxFrameBytes)
	n, _, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return Frame{}, err
	}

	var probe struct {
		Type string `json:"t"`
	}
	if err := json.Unmarshal(buf[:n], &probe); err != nil {
		t.log.Warn("udp", "malformed frame, skipping", "error", err)
		return Frame{}, errSkip
	}

	switch probe.Type {
	case frameHeartbeat:
		var hb Heartbeat
		if err := json.Unmarshal(buf[:n], &hb); err != nil {
			t.log.Warn("udp", "malformed heartbeat, skipping", "error", err)
			return Frame{}, errSkip
		}
		return Frame{Heartbeat: &hb}, nil
	case frameGoodbye:
		var bye Goodbye
		if err := json.Unmarshal(buf[:n], &bye); err != nil {
			t.log.Warn("udp", "malformed goodbye, skipping", "error", err)
			return Frame{}, errSkip
		}
		return Frame{Goodbye: &bye}, nil
	default:
		return Frame{}, errSkip
	}
}

// IsSkippable reports whether err indicates a malformed frame that the
// receive loop should simply ignore and continue, rather than a fatal
// connection error.
func IsSkippable(err error) bool {
	return err == errSkip
}

type skipError struct{}

func (skipError) Error() string { return "udp: frame skipped (malformed or unrecognized)" }

var errSkip error = skipError{}
