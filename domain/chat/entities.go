package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Core relay entities independent of frameworks and vendors

// Message is one turn of the conversation. Content is kept raw because the
// upstream API accepts either a plain string or a list of content blocks
// (tool results, images); the relay forwards it verbatim.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Request is one chat stream submission. StreamID is caller-chosen, unique
// among concurrently active streams, and used only for event routing.
type Request struct {
	Messages     []Message         `json:"messages"`
	SystemPrompt string            `json:"system_prompt"`
	Tools        []json.RawMessage `json:"tools,omitempty"`
	StreamID     string            `json:"stream_id"`
	Model        string            `json:"model,omitempty"`
}

// Validate checks the request shape before a stream task is started.
func (r *Request) Validate() error {
	if r.StreamID == "" {
		return fmt.Errorf("stream_id cannot be empty")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages cannot be empty")
	}

	const maxMessages = 100
	if len(r.Messages) > maxMessages {
		return fmt.Errorf("too many messages: %d (max %d)", len(r.Messages), maxMessages)
	}

	for i, msg := range r.Messages {
		if msg.Role == "" {
			return fmt.Errorf("message %d: role cannot be empty", i)
		}
		if msg.Role != "user" && msg.Role != "assistant" {
			return fmt.Errorf("message %d: invalid role '%s' (must be user or assistant)", i, msg.Role)
		}
		if len(msg.Content) == 0 {
			return fmt.Errorf("message %d: content cannot be empty", i)
		}
		const maxContentLength = 200000
		if len(msg.Content) > maxContentLength {
			return fmt.Errorf("message %d: content too long (%d bytes, max %d)", i, len(msg.Content), maxContentLength)
		}
	}

	return nil
}

// Event types published for a stream, in the order guaranteed per stream id:
// at most one model_selected and it precedes all others; done or error is
// always last and nothing follows it.
const (
	EventModelSelected = "model_selected"
	EventText          = "text"
	EventToolUse       = "tool_use"
	EventUsage         = "usage"
	EventDone          = "done"
	EventError         = "error"
)

// ToolUse is a fully reassembled tool invocation from the upstream stream.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Usage is the running token tally for one stream. The cache counters are
// pointers so they serialize as present-but-zero once initialized, matching
// the upstream accounting shape.
type Usage struct {
	InputTokens      int  `json:"input_tokens"`
	OutputTokens     int  `json:"output_tokens"`
	CacheReadTokens  *int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens *int `json:"cache_write_tokens,omitempty"`
}

// NewUsage returns a zeroed tally with both cache counters present.
func NewUsage() Usage {
	zeroRead, zeroWrite := 0, 0
	return Usage{CacheReadTokens: &zeroRead, CacheWriteTokens: &zeroWrite}
}

// Clone returns an independent copy so published snapshots cannot observe
// later mutation of the session tally.
func (u Usage) Clone() Usage {
	c := u
	if u.CacheReadTokens != nil {
		v := *u.CacheReadTokens
		c.CacheReadTokens = &v
	}
	if u.CacheWriteTokens != nil {
		v := *u.CacheWriteTokens
		c.CacheWriteTokens = &v
	}
	return c
}

// Event is the outward-facing discriminated union delivered to subscribers.
type Event struct {
	Type    string   `json:"event_type"`
	Content string   `json:"content,omitempty"`
	ToolUse *ToolUse `json:"tool_use,omitempty"`
	Usage   *Usage   `json:"usage,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func ModelSelectedEvent(model string) Event {
	return Event{Type: EventModelSelected, Content: model}
}

func TextEvent(delta string) Event {
	return Event{Type: EventText, Content: delta}
}

func ToolUseEvent(id, name string, input json.RawMessage) Event {
	return Event{Type: EventToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

func UsageEvent(u Usage) Event {
	snapshot := u.Clone()
	return Event{Type: EventUsage, Usage: &snapshot}
}

func DoneEvent() Event {
	return Event{Type: EventDone}
}

func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Error: msg}
}

// Terminal reports whether no further events may follow this one.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// StreamSummary is the outcome of a finished stream, kept for usage lookups
// after the session itself has been discarded.
type StreamSummary struct {
	StreamID    string    `json:"stream_id"`
	Model       string    `json:"model"`
	Status      string    `json:"status"`
	Usage       Usage     `json:"usage"`
	Error       string    `json:"error,omitempty"`
	LatencyMs   int64     `json:"latency_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
