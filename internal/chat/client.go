package chat

import "context"

// HandlerFunc processes one inbound mention/reply.
type HandlerFunc func(ctx context.Context, ev InboundEvent)

// Client is the narrow chat-platform contract the dispatcher and response
// consumer depend on. A concrete adapter (e.g. Telegram) owns the wire
// protocol; everything above this interface stays platform-agnostic.
type Client interface {
	// Start begins receiving events and invoking handler for each allowed
	// one; it blocks until ctx is canceled, reconnecting internally on
	// transient disconnects.
	Start(ctx context.Context, handler HandlerFunc) error

	// PostPlaceholder posts the initial "working" reply in channelID (or in
	// reply to threadID when set) and returns its message timestamp/ID.
	PostPlaceholder(ctx context.Context, channelID, threadID, text string) (ts string, err error)

	// EditMessage replaces the text/blocks of the message at (channelID, ts).
	EditMessage(ctx context.Context, channelID, ts, text string, blocks []Block) error

	// ReplaceWithError overwrites the message with a plain-text notice,
	// bypassing the blocks renderer (spec §4.5 point 6, ChatValidation).
	ReplaceWithError(ctx context.Context, channelID, ts, text string) error

	// AddReaction and RemoveReaction are idempotent: adding a present
	// reaction or removing an absent one is silently tolerated.
	AddReaction(ctx context.Context, channelID, ts, name string) error
	RemoveReaction(ctx context.Context, channelID, ts, name string) error
}
