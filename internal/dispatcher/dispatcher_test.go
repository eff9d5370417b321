package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	busp "github.com/basket/chatagentctl/internal/bus"
	"github.com/basket/chatagentctl/internal/chat"
)

type fakeChatClient struct {
	mu               sync.Mutex
	placeholderErr   error
	replacedErrTexts []string
	nextTs           int
}

func (f *fakeChatClient) Start(ctx context.Context, handler chat.HandlerFunc) error { return nil }

func (f *fakeChatClient) PostPlaceholder(ctx context.Context, channelID, threadID, text string) (string, error) {
	if f.placeholderErr != nil {
		return "", f.placeholderErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTs++
	return "ts-" + string(rune('0'+f.nextTs)), nil
}

func (f *fakeChatClient) EditMessage(ctx context.Context, channelID, ts, text string, blocks []chat.Block) error {
	return nil
}

func (f *fakeChatClient) ReplaceWithError(ctx context.Context, channelID, ts, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replacedErrTexts = append(f.replacedErrTexts, text)
	return nil
}

func (f *fakeChatClient) AddReaction(ctx context.Context, channelID, ts, name string) error    { return nil }
func (f *fakeChatClient) RemoveReaction(ctx context.Context, channelID, ts, name string) error { return nil }

func newTestBus(t *testing.T) *busp.Bus {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "bus.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b, err := busp.Open(dsn, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDispatcherEnqueuesAfterPlaceholder(t *testing.T) {
	b := newTestBus(t)
	fc := &fakeChatClient{}
	d := New(fc, b, nil, testLogger())

	ev := chat.InboundEvent{UserID: "U1", ChannelID: "C1", ThreadID: "T1", MessageID: "M1", MessageText: "hello"}
	d.handle(context.Background(), ev)

	n, err := b.QueueSize(context.Background(), messagesQueue)
	if err != nil {
		t.Fatalf("QueueSize: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one enqueued message, got %d", n)
	}
}

func TestDispatcherSkipsDisallowedUser(t *testing.T) {
	b := newTestBus(t)
	fc := &fakeChatClient{}
	d := New(fc, b, []int64{42}, testLogger())

	ev := chat.InboundEvent{UserID: "99", ChannelID: "C1", ThreadID: "T1", MessageID: "M1", MessageText: "hello"}
	d.handle(context.Background(), ev)

	n, _ := b.QueueSize(context.Background(), messagesQueue)
	if n != 0 {
		t.Fatalf("expected disallowed user's message not enqueued, got %d pending", n)
	}
}

func TestDispatcherDoesNotEnqueueWhenPlaceholderFails(t *testing.T) {
	b := newTestBus(t)
	fc := &fakeChatClient{placeholderErr: errors.New("platform down")}
	d := New(fc, b, nil, testLogger())

	ev := chat.InboundEvent{UserID: "U1", ChannelID: "C1", ThreadID: "T1", MessageID: "M1", MessageText: "hello"}
	d.handle(context.Background(), ev)

	n, _ := b.QueueSize(context.Background(), messagesQueue)
	if n != 0 {
		t.Fatalf("expected no enqueue when placeholder post fails, got %d pending", n)
	}
}

func TestDispatcherIsIdempotentPerMessageID(t *testing.T) {
	b := newTestBus(t)
	fc := &fakeChatClient{}
	d := New(fc, b, nil, testLogger())

	ev := chat.InboundEvent{UserID: "U1", ChannelID: "C1", ThreadID: "T1", MessageID: "M1", MessageText: "hello"}
	d.handle(context.Background(), ev)
	d.handle(context.Background(), ev) // redelivery of the same chat event

	n, _ := b.QueueSize(context.Background(), messagesQueue)
	if n != 1 {
		t.Fatalf("expected a redelivered event to enqueue only once, got %d pending", n)
	}
}

func TestDispatcherPayloadShape(t *testing.T) {
	b := newTestBus(t)
	fc := &fakeChatClient{}
	d := New(fc, b, nil, testLogger())

	ev := chat.InboundEvent{UserID: "U1", ChannelID: "C1", ThreadID: "T1", MessageID: "M1", MessageText: "hello", OriginalMessageTs: "orig-1"}
	d.handle(context.Background(), ev)

	done := make(chan InboundMessage, 1)
	stop := b.Work(context.Background(), messagesQueue, busp.WorkOptions{BatchSize: 1}, func(_ context.Context, j busp.Job) error {
		var payload InboundMessage
		if err := json.Unmarshal(j.Payload, &payload); err != nil {
			return err
		}
		done <- payload
		return nil
	})
	defer stop()

	select {
	case payload := <-done:
		if payload.UserID != "U1" || payload.MessageText != "hello" || payload.PlaceholderTs == "" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for job to be handled")
	}
}
