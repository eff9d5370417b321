package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/chatagentctl/internal/ctlerrors"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "bus.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b, err := Open(dsn, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSendAndGetJob(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	id, err := b.Send(ctx, "user_alice_queue", map[string]string{"text": "hello"}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	job, err := b.GetJob(ctx, "user_alice_queue", id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.State != StatePending {
		t.Fatalf("expected pending, got %s", job.State)
	}
	var payload map[string]string
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["text"] != "hello" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestSendSingletonKeyDedupes(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	opts := SendOptions{SingletonKey: "thread-123"}
	id1, err := b.Send(ctx, "q", "a", opts)
	if err != nil {
		t.Fatalf("first Send: %v", err)
	}
	id2, err := b.Send(ctx, "q", "b", opts)
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected dedup to same job id, got %s and %s", id1, id2)
	}

	n, err := b.QueueSize(ctx, "q")
	if err != nil {
		t.Fatalf("QueueSize: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one pending job, got %d", n)
	}
}

func TestSingletonKeyAllowsNewJobAfterCompletion(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()
	opts := SendOptions{SingletonKey: "thread-123"}

	id1, _ := b.Send(ctx, "q", "a", opts)
	stop := b.Work(ctx, "q", WorkOptions{PollInterval: 10 * time.Millisecond}, func(_ context.Context, j Job) error {
		return nil
	})
	waitForState(t, b, "q", id1, StateCompleted)
	stop()

	id2, err := b.Send(ctx, "q", "c", opts)
	if err != nil {
		t.Fatalf("Send after completion: %v", err)
	}
	if id2 == id1 {
		t.Fatalf("expected a fresh job id once the prior singleton completed")
	}
}

func TestCancel(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	id, _ := b.Send(ctx, "q", "x", SendOptions{})
	if err := b.Cancel(ctx, "q", id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	job, err := b.GetJob(ctx, "q", id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.State != StateFailed {
		t.Fatalf("expected failed after cancel, got %s", job.State)
	}

	if err := b.Cancel(ctx, "q", "does-not-exist"); !errors.Is(err, ctlerrors.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestWorkRetriesThenDeadLettersPoisonJob(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	id, err := b.Send(ctx, "q", "poison", SendOptions{RetryLimit: 3, RetryDelaySeconds: 0})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var attempts int32
	stop := b.Work(ctx, "q", WorkOptions{PollInterval: 5 * time.Millisecond}, func(_ context.Context, j Job) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("always fails")
	})
	defer stop()

	waitForState(t, b, "q", id, StateFailed)

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected exactly 3 attempts before dead-lettering, got %d", got)
	}
}

func TestWorkCompletesJobOnSuccess(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	id, _ := b.Send(ctx, "q", "ok", SendOptions{})
	stop := b.Work(ctx, "q", WorkOptions{PollInterval: 5 * time.Millisecond}, func(_ context.Context, j Job) error {
		return nil
	})
	defer stop()

	waitForState(t, b, "q", id, StateCompleted)
}

func TestQueuesAreIndependent(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	if _, err := b.Send(ctx, "q1", "a", SendOptions{}); err != nil {
		t.Fatalf("Send q1: %v", err)
	}
	if _, err := b.Send(ctx, "q2", "b", SendOptions{}); err != nil {
		t.Fatalf("Send q2: %v", err)
	}

	n1, _ := b.QueueSize(ctx, "q1")
	n2, _ := b.QueueSize(ctx, "q2")
	if n1 != 1 || n2 != 1 {
		t.Fatalf("expected 1 job per queue, got q1=%d q2=%d", n1, n2)
	}
}

func waitForState(t *testing.T, b *Bus, queue, jobID string, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := b.GetJob(context.Background(), queue, jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach state %s in time", jobID, want)
}
