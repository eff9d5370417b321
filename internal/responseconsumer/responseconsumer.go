// Package responseconsumer applies ProgressFrames to the chat surface:
// message edits, reaction transitions, and action-button synthesis (spec
// §4.5), grounded on the teacher's ChatTaskRouter-style seam between a bus
// consumer and a narrow chat client interface.
package responseconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/chatagentctl/internal/bus"
	"github.com/basket/chatagentctl/internal/chat"
	"github.com/basket/chatagentctl/internal/ctlerrors"
	"github.com/basket/chatagentctl/internal/frame"
	"github.com/basket/chatagentctl/internal/responseconsumer/markdown"
)

const (
	maxTextChars      = 3000
	truncationSuffix  = "…[truncated]"
	maxBlocks         = 50
)

// EditLinkResolver resolves a userId/branch pair to an Edit button URL,
// spec §4.5 point 2's userId→externalRepoUser repository mapping.
type EditLinkResolver func(userID, branch string) (url string, ok bool)

// Consumer subscribes to the frame queue and owns no persistent state of its
// own beyond in-process bookkeeping for ordering and reaction convergence
// (spec.md §2's "ResponseConsumer owns no persistent state").
type Consumer struct {
	bus          *bus.Bus
	chatClient   chat.Client
	resolveEdit  EditLinkResolver
	logger       *slog.Logger

	keyLocks sync.Map // "channelId|threadTs" -> *sync.Mutex

	tsMu          sync.Mutex
	lastTimestamp map[string]float64 // "channelId|threadTs" -> last applied frame timestamp

	reactionMu sync.Mutex
	reactions  map[string]string // originalMessageTs -> "processing"|"done"|"error"
}

// New constructs a Consumer. resolveEdit may be nil, disabling the
// auxiliary Edit button.
func New(b *bus.Bus, chatClient chat.Client, resolveEdit EditLinkResolver, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		bus:           b,
		chatClient:    chatClient,
		resolveEdit:   resolveEdit,
		logger:        logger,
		lastTimestamp: make(map[string]float64),
		reactions:     make(map[string]string),
	}
}

// Run consumes the frame queue until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	stop := c.bus.Work(ctx, frame.Queue, bus.WorkOptions{BatchSize: 8}, c.handle)
	<-ctx.Done()
	stop()
	return nil
}

func (c *Consumer) handle(ctx context.Context, job bus.Job) error {
	var f frame.ProgressFrame
	if err := json.Unmarshal(job.Payload, &f); err != nil {
		return fmt.Errorf("unmarshal progress frame: %w", err)
	}

	key := f.ChannelID + "|" + f.ThreadTs
	lockIface, _ := c.keyLocks.LoadOrStore(key, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if c.isStale(key, f.Timestamp) {
		c.logger.Info("responseconsumer: dropping stale frame", "key", key, "timestamp", f.Timestamp)
		return nil
	}

	text, blocks := render(f, c.resolveEdit)

	if err := c.chatClient.EditMessage(ctx, f.ChannelID, f.ThreadTs, text, blocks); err != nil {
		if errors.Is(err, ctlerrors.ErrChatValidation) {
			c.logger.Warn("responseconsumer: chat validation failure, replacing with error notice", "key", key, "error", err)
			if rerr := c.chatClient.ReplaceWithError(ctx, f.ChannelID, f.ThreadTs, "This response could not be displayed."); rerr != nil {
				c.logger.Error("responseconsumer: failed to replace invalid message", "key", key, "error", rerr)
			}
			c.markApplied(key, f.Timestamp)
			c.applyReaction(ctx, f)
			return nil // not retried, per spec §4.5 point 6
		}
		return fmt.Errorf("edit chat message: %w", err)
	}

	c.markApplied(key, f.Timestamp)
	c.applyReaction(ctx, f)
	return nil
}

func (c *Consumer) isStale(key string, ts float64) bool {
	c.tsMu.Lock()
	defer c.tsMu.Unlock()
	last, ok := c.lastTimestamp[key]
	return ok && ts < last
}

func (c *Consumer) markApplied(key string, ts float64) {
	c.tsMu.Lock()
	defer c.tsMu.Unlock()
	c.lastTimestamp[key] = ts
}

// applyReaction runs the reaction state machine in spec §4.5 point 5,
// tolerating repeated add/remove calls (both the client and this state map
// are idempotent).
func (c *Consumer) applyReaction(ctx context.Context, f frame.ProgressFrame) {
	ts := f.OriginalMessageTs
	if ts == "" {
		return
	}

	c.reactionMu.Lock()
	current := c.reactions[ts]
	c.reactionMu.Unlock()

	switch {
	case f.Error != "":
		c.transition(ctx, f.ChannelID, ts, current, chat.ReactionError)
	case f.IsDone:
		c.transition(ctx, f.ChannelID, ts, current, chat.ReactionDone)
	case f.Content != "" && current == "":
		c.transition(ctx, f.ChannelID, ts, current, chat.ReactionProcessing)
	}
}

func (c *Consumer) transition(ctx context.Context, channelID, ts, from, to string) {
	if from == to {
		return
	}
	if from != "" {
		if err := c.chatClient.RemoveReaction(ctx, channelID, ts, from); err != nil {
			c.logger.Warn("responseconsumer: remove reaction failed", "ts", ts, "reaction", from, "error", err)
		}
	}
	if err := c.chatClient.AddReaction(ctx, channelID, ts, to); err != nil {
		c.logger.Warn("responseconsumer: add reaction failed", "ts", ts, "reaction", to, "error", err)
		return
	}
	c.reactionMu.Lock()
	c.reactions[ts] = to
	c.reactionMu.Unlock()
}

// render applies content rendering, the auxiliary Edit button, and size
// limits (spec §4.5 points 1-3).
func render(f frame.ProgressFrame, resolveEdit EditLinkResolver) (string, []chat.Block) {
	content := f.Content
	if f.Error != "" {
		content = f.Error
	}

	blocks := markdown.Parse(content)

	if f.GitBranch != "" && resolveEdit != nil {
		if url, ok := resolveEdit(f.UserID, f.GitBranch); ok {
			blocks = append(blocks, chat.ActionsBlock{Buttons: []chat.ActionButton{
				{Label: "Edit", URL: url},
			}})
		}
	}

	blocks = capBlocks(blocks)
	fallback := truncate(content)
	return fallback, blocks
}

func truncate(s string) string {
	if len(s) <= maxTextChars {
		return s
	}
	cut := maxTextChars - len(truncationSuffix)
	if cut < 0 {
		cut = 0
	}
	return strings.TrimSpace(s[:cut]) + truncationSuffix
}

func capBlocks(blocks []chat.Block) []chat.Block {
	if len(blocks) <= maxBlocks {
		return blocks
	}
	return blocks[:maxBlocks]
}
