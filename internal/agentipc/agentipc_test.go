package agentipc

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/cbkow/mid-render/internal/logging"
)

// pairedSupervisor wires a Supervisor directly to an in-process fake
// agent connection, bypassing Spawn's subprocess machinery so the
// framing protocol can be tested without an external binary.
func pairedSupervisor(t *testing.T) (*Supervisor, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	agentSide := make(chan net.Conn, 1)
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Errorf("fake agent dial: %v", err)
			return
		}
		agentSide <- c
	}()

	coreSide, err := ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	fakeAgentConn := <-agentSide

	log := logging.NewWithHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := New("nodeA", log)
	s.conn = coreSide
	s.running = true

	go s.readLoop(coreSide)

	t.Cleanup(func() {
		fakeAgentConn.Close()
		coreSide.Close()
	})
	return s, fakeAgentConn
}

func writeFrame(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSendStartTaskWireFormat(t *testing.T) {
	s, agentConn := pairedSupervisor(t)

	task := json.RawMessage(`{"frame_start":1,"frame_end":10}`)
	if err := s.SendStartTask(task); err != nil {
		t.Fatalf("SendStartTask: %v", err)
	}

	agentConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(agentConn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var got CoordinatorMessage
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != MsgStartTask {
		t.Errorf("type = %q, want %q", got.Type, MsgStartTask)
	}
	if string(got.TaskJSON) != string(task) {
		t.Errorf("task_json = %s, want %s", got.TaskJSON, task)
	}
}

func TestReadLoopDecodesAgentMessages(t *testing.T) {
	s, agentConn := pairedSupervisor(t)

	writeFrame(t, agentConn, AgentMessage{Type: MsgAck})
	writeFrame(t, agentConn, AgentMessage{Type: MsgFrameCompleted, Frame: 42})
	writeFrame(t, agentConn, AgentMessage{Type: MsgChunkCompleted, ExitCode: 0, ElapsedMs: 1234})

	msgs := []AgentMessage{}
	deadline := time.After(2 * time.Second)
	for len(msgs) < 3 {
		select {
		case m := <-s.Messages():
			msgs = append(msgs, m)
		case <-deadline:
			t.Fatalf("timed out waiting for messages, got %d", len(msgs))
		}
	}

	if msgs[0].Type != MsgAck {
		t.Errorf("msgs[0].Type = %q, want ack", msgs[0].Type)
	}
	if msgs[1].Frame != 42 {
		t.Errorf("msgs[1].Frame = %d, want 42", msgs[1].Frame)
	}
	if msgs[2].ElapsedMs != 1234 {
		t.Errorf("msgs[2].ElapsedMs = %d, want 1234", msgs[2].ElapsedMs)
	}
}

func TestReadLoopSkipsMalformedFrames(t *testing.T) {
	s, agentConn := pairedSupervisor(t)

	if _, err := agentConn.Write([]byte("not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeFrame(t, agentConn, AgentMessage{Type: MsgPong})

	select {
	case m := <-s.Messages():
		if m.Type != MsgPong {
			t.Errorf("type = %q, want pong (malformed frame should have been skipped)", m.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message after malformed frame")
	}
}

func TestDisconnectSignalsInbox(t *testing.T) {
	s, agentConn := pairedSupervisor(t)
	agentConn.Close()

	select {
	case m := <-s.Messages():
		if m.Type != "disconnected" {
			t.Errorf("type = %q, want disconnected", m.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect signal")
	}
	if s.IsRunning() {
		t.Error("IsRunning() should be false after disconnect")
	}
}

func TestPingDue(t *testing.T) {
	s, _ := pairedSupervisor(t)
	s.lastPingAt = time.Now().Add(-pingInterval - time.Second)
	if !s.PingDue() {
		t.Error("PingDue() should be true once the interval has elapsed")
	}
}
