// Package frame defines the ProgressFrame payload shared between
// WorkerSession (producer) and ResponseConsumer (sole consumer) on the
// thread_response queue (spec §3, §4.4, §4.5). It has no other dependents,
// keeping the two components from depending on each other directly.
package frame

// Queue is the bus queue ProgressFrames are published and consumed on.
const Queue = "thread_response"

// ProgressFrame carries one incremental or terminal update for a thread.
type ProgressFrame struct {
	MessageID         string  `json:"messageId"`
	ChannelID         string  `json:"channelId"`
	ThreadTs          string  `json:"threadTs"`
	UserID            string  `json:"userId"`
	Content           string  `json:"content,omitempty"`
	Error             string  `json:"error,omitempty"`
	IsDone            bool    `json:"isDone"`
	Timestamp         float64 `json:"timestamp"`
	OriginalMessageTs string  `json:"originalMessageTs,omitempty"`
	GitBranch         string  `json:"gitBranch,omitempty"`
}
