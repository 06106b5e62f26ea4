package anthropic

import (
	"bytes"
	"encoding/json"
	"strings"

	"chat-relay/domain/chat"

	"github.com/sirupsen/logrus"
)

// State is the externally observable phase of a stream session.
type State int

const (
	// StateAwaitingFrame: no tool call is being reassembled.
	StateAwaitingFrame State = iota
	// StateBuildingToolCall: at least one tool_use block is open and its
	// input JSON is arriving as partial fragments.
	StateBuildingToolCall
)

func (s State) String() string {
	switch s {
	case StateAwaitingFrame:
		return "awaiting_frame"
	case StateBuildingToolCall:
		return "building_tool_call"
	default:
		return "unknown"
	}
}

// wireUsage mirrors the usage counters nested in upstream events.
type wireUsage struct {
	InputTokens              int  `json:"input_tokens"`
	OutputTokens             int  `json:"output_tokens"`
	CacheReadInputTokens     *int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens *int `json:"cache_creation_input_tokens"`
}

// wireEvent is the decoded form of one data line. Only the fields the relay
// dispatches on are modelled; everything else is ignored for forward
// compatibility with unrecognized event kinds.
type wireEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Usage *wireUsage `json:"usage"`
	} `json:"message"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	Usage *wireUsage `json:"usage"`
}

// toolCall is an in-progress tool invocation whose input JSON arrives split
// across many input_json_delta fragments.
type toolCall struct {
	id    string
	name  string
	input bytes.Buffer
}

// Session decodes one upstream event stream. It owns a reassembly buffer for
// partial frames, the set of open tool calls keyed by content block index,
// and the running usage tally. Exactly one goroutine feeds a session; nothing
// survives past the terminal event.
type Session struct {
	emit     chat.EventHandler
	buf      bytes.Buffer
	open     map[int]*toolCall
	usage    chat.Usage
	finished bool
}

// NewSession creates a session that forwards decoded events to emit.
func NewSession(emit chat.EventHandler) *Session {
	return &Session{
		emit:  emit,
		open:  make(map[int]*toolCall),
		usage: chat.NewUsage(),
	}
}

// State reports the current phase, for observability and tests.
func (s *Session) State() State {
	if len(s.open) > 0 {
		return StateBuildingToolCall
	}
	return StateAwaitingFrame
}

// Finished reports whether the terminal done event has been emitted. Feeding
// a finished session is a no-op.
func (s *Session) Finished() bool {
	return s.finished
}

// Usage returns a snapshot of the running tally.
func (s *Session) Usage() chat.Usage {
	return s.usage.Clone()
}

// Feed appends a chunk of raw bytes and processes every complete
// double-newline-delimited frame now available. Partial frames stay buffered
// across calls, so the decoded event sequence is independent of how the byte
// stream is split into chunks.
func (s *Session) Feed(p []byte) error {
	if s.finished {
		return nil
	}

	s.buf.Write(p)

	for {
		raw := s.buf.Bytes()
		end := bytes.Index(raw, []byte("\n\n"))
		if end < 0 {
			return nil
		}

		frame := string(raw[:end])
		s.buf.Next(end + 2)

		if err := s.processFrame(frame); err != nil {
			return err
		}
		if s.finished {
			return nil
		}
	}
}

// processFrame handles the data lines of one extracted frame. A frame with no
// data line is a no-op.
func (s *Session) processFrame(frame string) error {
	for _, line := range strings.Split(frame, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		// The explicit message_stop event is authoritative for completion,
		// not this sentinel.
		if data == "[DONE]" {
			continue
		}

		var ev wireEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			logrus.WithError(err).Debug("Skipping unparseable stream data line")
			continue
		}

		if err := s.dispatch(&ev); err != nil {
			return err
		}
		if s.finished {
			return nil
		}
	}
	return nil
}

// dispatch is the single transition function of the session state machine.
func (s *Session) dispatch(ev *wireEvent) error {
	switch ev.Type {
	case "message_start":
		// Additive, so resumed or multi-part starts accumulate.
		if ev.Message != nil && ev.Message.Usage != nil {
			s.usage.InputTokens += ev.Message.Usage.InputTokens
			if cr := ev.Message.Usage.CacheReadInputTokens; cr != nil {
				*s.usage.CacheReadTokens += *cr
			}
			if cw := ev.Message.Usage.CacheCreationInputTokens; cw != nil {
				*s.usage.CacheWriteTokens += *cw
			}
		}

	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			// Keyed by block index so interleaved tool blocks cannot clobber
			// each other's partial input. A repeated start for the same index
			// resets its accumulated text.
			s.open[ev.Index] = &toolCall{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
		}

	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			// Forwarded at wire granularity, no buffering.
			return s.emit(chat.TextEvent(ev.Delta.Text))
		case "input_json_delta":
			if tc, ok := s.open[ev.Index]; ok {
				tc.input.WriteString(ev.Delta.PartialJSON)
			}
		}

	case "content_block_stop":
		tc, ok := s.open[ev.Index]
		if !ok {
			return nil
		}
		delete(s.open, ev.Index)

		input := json.RawMessage(tc.input.Bytes())
		if !json.Valid(input) {
			// Unparseable tool input degrades to an empty document rather
			// than failing the stream.
			logrus.WithFields(logrus.Fields{
				"tool_id":   tc.id,
				"tool_name": tc.name,
			}).Warn("Tool input did not parse as JSON, substituting empty document")
			input = json.RawMessage("{}")
		}
		return s.emit(chat.ToolUseEvent(tc.id, tc.name, input))

	case "message_delta":
		if ev.Usage != nil {
			s.usage.OutputTokens += ev.Usage.OutputTokens
		}

	case "message_stop":
		// Sole normal terminal transition.
		if err := s.emit(chat.UsageEvent(s.usage)); err != nil {
			return err
		}
		if err := s.emit(chat.DoneEvent()); err != nil {
			return err
		}
		s.finished = true

	default:
		// Unrecognized event kinds are ignored.
	}
	return nil
}
