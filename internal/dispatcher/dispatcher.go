// Package dispatcher translates inbound chat events into InboundMessage bus
// jobs, seeding the thread reply placeholder first so a worker always has a
// known ts to stream into (spec §4.2).
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/chatagentctl/internal/bus"
	"github.com/basket/chatagentctl/internal/chat"
	"github.com/basket/chatagentctl/internal/config"
)

const messagesQueue = "messages"

const placeholderText = "⏳ working…"

// InboundMessage is the payload carried on the messages queue (spec §3).
type InboundMessage struct {
	UserID            string `json:"userId"`
	ThreadID          string `json:"threadId"`
	ChannelID         string `json:"channelId"`
	MessageID         string `json:"messageId"`
	MessageText       string `json:"messageText"`
	OriginalMessageTs string `json:"originalMessageTs"`
	PlaceholderTs     string `json:"placeholderTs"`
}

// Dispatcher is a stateless translator; it carries no state of its own
// beyond its collaborators, consistent with spec §4.2's "stateless" contract.
type Dispatcher struct {
	chatClient  chat.Client
	bus         *bus.Bus
	allowedIDs  map[string]struct{}
	logger      *slog.Logger
}

// New constructs a Dispatcher. An empty allowedIDs list disables the
// allowlist check.
func New(chatClient chat.Client, b *bus.Bus, allowedIDs []int64, logger *slog.Logger) *Dispatcher {
	allowed := make(map[string]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[fmt.Sprintf("%d", id)] = struct{}{}
	}
	return &Dispatcher{chatClient: chatClient, bus: b, allowedIDs: allowed, logger: logger}
}

// Run starts receiving chat events until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.chatClient.Start(ctx, d.handle)
}

func (d *Dispatcher) handle(ctx context.Context, ev chat.InboundEvent) {
	if len(d.allowedIDs) > 0 {
		if _, ok := d.allowedIDs[ev.UserID]; !ok {
			d.logger.Warn("dispatcher: user not on allowlist", "user_id", ev.UserID)
			return
		}
	}

	placeholderTs, err := d.chatClient.PostPlaceholder(ctx, ev.ChannelID, ev.ThreadID, placeholderText)
	if err != nil {
		d.logger.Error("dispatcher: placeholder post failed, not enqueuing", "user_id", ev.UserID, "error", err)
		return
	}

	payload := InboundMessage{
		UserID:            ev.UserID,
		ThreadID:          ev.ThreadID,
		ChannelID:         ev.ChannelID,
		MessageID:         ev.MessageID,
		MessageText:       ev.MessageText,
		OriginalMessageTs: ev.OriginalMessageTs,
		PlaceholderTs:     placeholderTs,
	}

	singletonKey := fmt.Sprintf("message-%s-%s-%s", ev.UserID, ev.ThreadID, ev.MessageID)
	userQueue := fmt.Sprintf("user_%s_queue", config.SanitizeUserID(ev.UserID))

	if _, err := d.bus.Send(ctx, messagesQueue, payload, bus.SendOptions{SingletonKey: singletonKey}); err != nil {
		d.logger.Error("dispatcher: enqueue failed after placeholder post", "user_id", ev.UserID, "error", err)
		if editErr := d.chatClient.ReplaceWithError(ctx, ev.ChannelID, placeholderTs, "Error: could not schedule your request."); editErr != nil {
			d.logger.Error("dispatcher: failed to edit placeholder to error notice", "error", editErr)
		}
		return
	}

	d.logger.Info("dispatcher: enqueued inbound message", "user_id", ev.UserID, "thread_id", ev.ThreadID, "queue", userQueue, "singleton_key", singletonKey)
}
