package workersession

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/chatagentctl/internal/bus"
	"github.com/basket/chatagentctl/internal/dispatcher"
	"github.com/basket/chatagentctl/internal/frame"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b, err := bus.Open(filepath.Join(dir, "bus.db"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// collectFrames drains n frames from the thread_response queue within the
// given timeout, failing the test if not enough arrive.
func collectFrames(t *testing.T, b *bus.Bus, n int, timeout time.Duration) []frame.ProgressFrame {
	t.Helper()
	out := make(chan frame.ProgressFrame, n)
	ctx, cancel := context.WithCancel(context.Background())
	stop := b.Work(ctx, frame.Queue, bus.WorkOptions{BatchSize: 4, PollInterval: 10 * time.Millisecond}, func(_ context.Context, job bus.Job) error {
		var f frame.ProgressFrame
		if err := json.Unmarshal(job.Payload, &f); err != nil {
			return err
		}
		out <- f
		return nil
	})
	defer func() {
		cancel()
		stop()
	}()

	collected := make([]frame.ProgressFrame, 0, n)
	deadline := time.After(timeout)
	for len(collected) < n {
		select {
		case f := <-out:
			collected = append(collected, f)
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames, got %d", n, len(collected))
		}
	}
	return collected
}

func TestProcessMessageEmitsThinkingAndTerminalFrames(t *testing.T) {
	b := newTestBus(t)
	s := New(Config{
		UserID:       "u1",
		Workspace:    t.TempDir(),
		AgentCommand: "sh",
		AgentArgs:    []string{"-c", `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"hi there"}]}}'`},
	}, b, testLogger())

	done := make(chan struct{})
	go func() {
		s.processMessage(context.Background(), dispatcher.InboundMessage{
			UserID: "u1", ThreadID: "t1", ChannelID: "c1", MessageID: "m1", MessageText: "do a thing",
		})
		close(done)
	}()

	frames := collectFrames(t, b, 2, 5*time.Second)
	<-done

	if frames[0].Content != "💭 thinking…" {
		t.Fatalf("expected first frame to be the thinking placeholder, got %q", frames[0].Content)
	}
	last := frames[len(frames)-1]
	if !last.IsDone {
		t.Fatalf("expected terminal frame to have IsDone=true: %+v", last)
	}
	if last.Content != "hi there" {
		t.Fatalf("expected terminal content %q, got %q", "hi there", last.Content)
	}
}

func TestProcessMessageHandlesAgentStartFailure(t *testing.T) {
	b := newTestBus(t)
	s := New(Config{
		UserID:       "u2",
		Workspace:    t.TempDir(),
		AgentCommand: "definitely-not-a-real-binary-xyz",
	}, b, testLogger())

	done := make(chan struct{})
	go func() {
		s.processMessage(context.Background(), dispatcher.InboundMessage{
			UserID: "u2", ThreadID: "t2", ChannelID: "c2", MessageID: "m2", MessageText: "hello",
		})
		close(done)
	}()

	frames := collectFrames(t, b, 2, 5*time.Second)
	<-done

	last := frames[len(frames)-1]
	if !last.IsDone || last.Error == "" {
		t.Fatalf("expected terminal error frame, got %+v", last)
	}
}

func TestProcessMessageTodoWriteReplacesContent(t *testing.T) {
	b := newTestBus(t)
	script := `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"before"}]}}'; ` +
		`echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"TodoWrite","input":{"todos":[{"id":"1","content":"write tests","status":"completed"}]}}]}}'`
	s := New(Config{
		UserID:       "u3",
		Workspace:    t.TempDir(),
		AgentCommand: "sh",
		AgentArgs:    []string{"-c", script},
	}, b, testLogger())

	done := make(chan struct{})
	go func() {
		s.processMessage(context.Background(), dispatcher.InboundMessage{
			UserID: "u3", ThreadID: "t3", ChannelID: "c3", MessageID: "m3", MessageText: "go",
		})
		close(done)
	}()

	frames := collectFrames(t, b, 2, 5*time.Second)
	<-done

	last := frames[len(frames)-1]
	if last.Content != "[x] write tests" {
		t.Fatalf("expected todo list to replace prior content, got %q", last.Content)
	}
}

func TestThreadLocksSerializeSameThread(t *testing.T) {
	b := newTestBus(t)
	s := New(Config{
		UserID:       "u4",
		Workspace:    t.TempDir(),
		AgentCommand: "sh",
		AgentArgs:    []string{"-c", "sleep 0.3"},
	}, b, testLogger())

	start := time.Now()
	var wg [2]chan struct{}
	for i := range wg {
		wg[i] = make(chan struct{})
		go func(done chan struct{}) {
			s.processMessage(context.Background(), dispatcher.InboundMessage{
				UserID: "u4", ThreadID: "same-thread", ChannelID: "c4", MessageID: "m4", MessageText: "x",
			})
			close(done)
		}(wg[i])
	}
	<-wg[0]
	<-wg[1]

	if elapsed := time.Since(start); elapsed < 550*time.Millisecond {
		t.Fatalf("expected serialized processing to take at least ~0.6s, took %v", elapsed)
	}
}

func TestIdleTimedOut(t *testing.T) {
	b := newTestBus(t)
	s := New(Config{UserID: "u5", SessionTimeoutMinutes: 30}, b, testLogger())

	if s.idleTimedOut() {
		t.Fatalf("freshly created session should not be idle-timed-out")
	}

	s.lastJobMu.Lock()
	s.lastJobFinishedAt = time.Now().Add(-31 * time.Minute)
	s.lastJobMu.Unlock()

	if !s.idleTimedOut() {
		t.Fatalf("expected idle timeout after lastJobFinishedAt was moved into the past")
	}
}

func TestUnmarshalInboundRejectsEmptyPayload(t *testing.T) {
	var msg dispatcher.InboundMessage
	if err := unmarshalInbound(bus.Job{Payload: nil}, &msg); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestRunDoesNotSubscribeToSharedMessagesQueue(t *testing.T) {
	// A job left on the shared "messages" queue (as the orchestrator would
	// route it, pre-dispatch) must never be claimed by a worker session:
	// only the orchestrator consumes that queue, and a worker claiming a
	// foreign job would ack (and drop) it by returning nil. Run must only
	// ever subscribe to this session's own dedicated queue.
	b := newTestBus(t)
	s := New(Config{UserID: "mine"}, b, testLogger())

	msg := dispatcher.InboundMessage{UserID: "mine", ThreadID: "t", ChannelID: "c", MessageID: "m"}
	if _, err := b.Send(context.Background(), "messages", msg, bus.SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = s.Run(ctx)

	size, err := b.QueueSize(context.Background(), "messages")
	if err != nil {
		t.Fatalf("QueueSize: %v", err)
	}
	if size != 1 {
		t.Fatalf("expected the shared messages queue job to remain unclaimed, got size %d", size)
	}
}
