package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/chatagentctl/internal/ctlerrors"
)

// reactionEmoji maps the platform-neutral reaction names used throughout the
// control plane to a visible glyph. Telegram bots cannot attach a named
// reaction to another user's or their own message the way Slack's
// reactions.add API allows; this codebase's Telegram channel already
// expresses status via emoji-prefixed message text (see its
// onPlanStepCompleted/onPlanStepFailed handlers), so reactions here are
// modeled the same way: a stable emoji prefix maintained on every edit of the
// original message.
var reactionEmoji = map[string]string{
	ReactionProcessing: "⚙️",
	ReactionDone:       "✅",
	ReactionError:      "❌",
}

// reactionOrder fixes prefix rendering order when more than one reaction is
// present (in practice at most one is ever set at a time).
var reactionOrder = []string{ReactionProcessing, ReactionDone, ReactionError}

type messageState struct {
	mu        sync.Mutex
	chatID    int64
	messageID int
	text      string
	keyboard  *tgbotapi.InlineKeyboardMarkup
	reactions map[string]bool
}

// TelegramClient implements Client over the Telegram Bot API.
type TelegramClient struct {
	token      string
	allowedIDs map[int64]struct{}
	logger     *slog.Logger

	bot *tgbotapi.BotAPI

	msgMu sync.Mutex
	msgs  map[string]*messageState
}

// NewTelegramClient connects to the Telegram Bot API and constructs a
// client; allowedIDs empty means no allowlist restriction (every user is
// permitted). The connection is established here rather than in Start so
// that process roles which never receive events (the response consumer, the
// orchestrator's error-frame path) can still post/edit/react.
func NewTelegramClient(token string, allowedIDs []int64, logger *slog.Logger) (*TelegramClient, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}

	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramClient{
		token:      token,
		allowedIDs: allowed,
		logger:     logger,
		bot:        bot,
		msgs:       make(map[string]*messageState),
	}, nil
}

func (c *TelegramClient) allowed(userID int64) bool {
	if len(c.allowedIDs) == 0 {
		return true
	}
	_, ok := c.allowedIDs[userID]
	return ok
}

// Start connects and long-polls for updates, reconnecting with exponential
// backoff on stalls, grounded on this codebase's telegram channel Start/
// pollUpdates pair.
func (c *TelegramClient) Start(ctx context.Context, handler HandlerFunc) error {
	c.logger.Info("chat: telegram client started", "bot_user", c.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := c.bot.GetUpdatesChan(u)

		pollErr := c.pollUpdates(ctx, updates, handler)
		c.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}

		c.logger.Warn("chat: telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *TelegramClient) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, handler HandlerFunc) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			msg := update.Message
			if !c.allowed(msg.From.ID) {
				c.logger.Warn("chat: access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
				continue
			}
			ev := toInboundEvent(msg)
			if ev.MessageText == "" {
				continue
			}
			handler(ctx, ev)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func toInboundEvent(msg *tgbotapi.Message) InboundEvent {
	channelID := strconv.FormatInt(msg.Chat.ID, 10)
	ts := messageTs(msg.Chat.ID, msg.MessageID)

	threadTs := ts
	if msg.ReplyToMessage != nil {
		threadTs = messageTs(msg.Chat.ID, msg.ReplyToMessage.MessageID)
	}

	return InboundEvent{
		UserID:            strconv.FormatInt(msg.From.ID, 10),
		ChannelID:         channelID,
		ThreadID:          threadTs,
		MessageID:         ts,
		MessageText:       strings.TrimSpace(msg.Text),
		OriginalMessageTs: ts,
		ReceivedAt:        time.Unix(int64(msg.Date), 0).UTC(),
	}
}

func messageTs(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

func parseTs(ts string) (chatID int64, messageID int, err error) {
	parts := strings.SplitN(ts, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed message ts %q", ts)
	}
	chatID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed chat id in ts %q: %w", ts, err)
	}
	mid, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed message id in ts %q: %w", ts, err)
	}
	return chatID, mid, nil
}

// PostPlaceholder posts the initial reply. Telegram has no distinct
// channel/thread addressing beyond chat ID and reply-to, so threadID (when
// non-empty and different from a fresh post) is used as the reply target.
func (c *TelegramClient) PostPlaceholder(ctx context.Context, channelID, threadID, text string) (string, error) {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse channel id: %w", err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if threadID != "" {
		if _, replyMsgID, parseErr := parseTs(threadID); parseErr == nil {
			msg.ReplyToMessageID = replyMsgID
		}
	}
	sent, err := c.bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("post placeholder: %w", err)
	}

	ts := messageTs(chatID, sent.MessageID)
	c.msgMu.Lock()
	c.msgs[ts] = &messageState{
		chatID:    chatID,
		messageID: sent.MessageID,
		text:      text,
		reactions: make(map[string]bool),
	}
	c.msgMu.Unlock()
	return ts, nil
}

func (c *TelegramClient) stateFor(ts string) (*messageState, error) {
	c.msgMu.Lock()
	st, ok := c.msgs[ts]
	c.msgMu.Unlock()
	if ok {
		return st, nil
	}

	chatID, messageID, err := parseTs(ts)
	if err != nil {
		return nil, err
	}
	st = &messageState{chatID: chatID, messageID: messageID, reactions: make(map[string]bool)}
	c.msgMu.Lock()
	c.msgs[ts] = st
	c.msgMu.Unlock()
	return st, nil
}

// EditMessage renders blocks to Telegram's plain/markdown text and inline
// keyboard, then edits the tracked message in place, preserving any active
// reaction prefix.
func (c *TelegramClient) EditMessage(ctx context.Context, channelID, ts, text string, blocks []Block) error {
	st, err := c.stateFor(ts)
	if err != nil {
		return err
	}

	body, keyboard := RenderBlocks(text, blocks)

	st.mu.Lock()
	st.text = body
	st.keyboard = keyboard
	rendered := c.withReactionPrefix(st)
	st.mu.Unlock()

	return c.sendEdit(st.chatID, st.messageID, EscapeMarkdownV2Preserving(rendered), keyboard)
}

// ReplaceWithError overwrites the message with a plain-text notice and drops
// any keyboard, per spec §4.5 point 6 (ChatValidation is not retried).
func (c *TelegramClient) ReplaceWithError(ctx context.Context, channelID, ts, text string) error {
	st, err := c.stateFor(ts)
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.text = text
	st.keyboard = nil
	rendered := c.withReactionPrefix(st)
	st.mu.Unlock()

	return c.sendEdit(st.chatID, st.messageID, EscapeMarkdownV2(rendered), nil)
}

// sendEdit posts text with ParseMode MarkdownV2 so the markdown subset
// RenderBlocks/markdown.Parse produce (*bold*, • bullets) renders as rich
// text rather than literally; callers must pre-escape text for MarkdownV2.
func (c *TelegramClient) sendEdit(chatID int64, messageID int, text string, keyboard *tgbotapi.InlineKeyboardMarkup) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = "MarkdownV2"
	if keyboard != nil {
		edit.ReplyMarkup = keyboard
	}
	if _, err := c.bot.Send(edit); err != nil {
		return classifyEditError(err)
	}
	return nil
}

// classifyEditError maps a Telegram API failure to the control plane's
// ChatValidation/ChatTransient/ChatAuth kinds (spec §7), so callers can
// decide whether the job is retried or the message is replaced outright.
func classifyEditError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401 || apiErr.Code == 403:
			return fmt.Errorf("%w: %s", ctlerrors.ErrChatAuth, apiErr.Message)
		case apiErr.Code == 400:
			return fmt.Errorf("%w: %s", ctlerrors.ErrChatValidation, apiErr.Message)
		default:
			return fmt.Errorf("%w: %s", ctlerrors.ErrChatTransient, apiErr.Message)
		}
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "message is too long") || strings.Contains(lower, "can't parse entities") || strings.Contains(lower, "message to edit not found") {
		return fmt.Errorf("%w: %v", ctlerrors.ErrChatValidation, err)
	}
	return fmt.Errorf("%w: %v", ctlerrors.ErrChatTransient, err)
}

// AddReaction and RemoveReaction are idempotent: setting an already-set or
// clearing an already-clear reaction produces no additional edit call.
func (c *TelegramClient) AddReaction(ctx context.Context, channelID, ts, name string) error {
	st, err := c.stateFor(ts)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.reactions[name] {
		st.mu.Unlock()
		return nil
	}
	st.reactions[name] = true
	rendered := c.withReactionPrefix(st)
	chatID, messageID, keyboard := st.chatID, st.messageID, st.keyboard
	st.mu.Unlock()
	return c.sendEdit(chatID, messageID, EscapeMarkdownV2Preserving(rendered), keyboard)
}

func (c *TelegramClient) RemoveReaction(ctx context.Context, channelID, ts, name string) error {
	st, err := c.stateFor(ts)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if !st.reactions[name] {
		st.mu.Unlock()
		return nil
	}
	delete(st.reactions, name)
	rendered := c.withReactionPrefix(st)
	chatID, messageID, keyboard := st.chatID, st.messageID, st.keyboard
	st.mu.Unlock()
	return c.sendEdit(chatID, messageID, EscapeMarkdownV2Preserving(rendered), keyboard)
}

// withReactionPrefix must be called with st.mu held.
func (c *TelegramClient) withReactionPrefix(st *messageState) string {
	var prefix strings.Builder
	for _, name := range reactionOrder {
		if st.reactions[name] {
			prefix.WriteString(reactionEmoji[name])
			prefix.WriteByte(' ')
		}
	}
	if prefix.Len() == 0 {
		return st.text
	}
	return prefix.String() + st.text
}
