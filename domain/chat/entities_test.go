package chat

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strContent(text string) json.RawMessage {
	content, _ := json.Marshal(text)
	return content
}

func TestRequest_Validate(t *testing.T) {
	valid := func() *Request {
		return &Request{
			StreamID: "s1",
			Messages: []Message{{Role: "user", Content: strContent("hi")}},
		}
	}

	t.Run("valid request", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing stream id", func(t *testing.T) {
		req := valid()
		req.StreamID = ""
		err := req.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stream_id")
	})

	t.Run("no messages", func(t *testing.T) {
		req := valid()
		req.Messages = nil
		assert.Error(t, req.Validate())
	})

	t.Run("too many messages", func(t *testing.T) {
		req := valid()
		for i := 0; i < 101; i++ {
			req.Messages = append(req.Messages, Message{Role: "user", Content: strContent("x")})
		}
		err := req.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too many messages")
	})

	t.Run("invalid role", func(t *testing.T) {
		req := valid()
		req.Messages[0].Role = "system"
		err := req.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid role")
	})

	t.Run("empty content", func(t *testing.T) {
		req := valid()
		req.Messages[0].Content = nil
		assert.Error(t, req.Validate())
	})

	t.Run("oversized content", func(t *testing.T) {
		req := valid()
		req.Messages[0].Content = strContent(strings.Repeat("a", 200001))
		err := req.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too long")
	})

	t.Run("structured content accepted", func(t *testing.T) {
		req := valid()
		req.Messages[0].Content = json.RawMessage(`[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]`)
		assert.NoError(t, req.Validate())
	})
}

func TestEvent_Terminal(t *testing.T) {
	assert.True(t, DoneEvent().Terminal())
	assert.True(t, ErrorEvent("boom").Terminal())
	assert.False(t, ModelSelectedEvent("m").Terminal())
	assert.False(t, TextEvent("x").Terminal())
	assert.False(t, ToolUseEvent("t1", "lookup", json.RawMessage(`{}`)).Terminal())
	assert.False(t, UsageEvent(NewUsage()).Terminal())
}

func TestEvent_JSONShape(t *testing.T) {
	t.Run("text event omits unrelated fields", func(t *testing.T) {
		data, err := json.Marshal(TextEvent("hello"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"event_type":"text","content":"hello"}`, string(data))
	})

	t.Run("done event is type only", func(t *testing.T) {
		data, err := json.Marshal(DoneEvent())
		require.NoError(t, err)
		assert.JSONEq(t, `{"event_type":"done"}`, string(data))
	})

	t.Run("usage event serializes zero cache counters", func(t *testing.T) {
		data, err := json.Marshal(UsageEvent(NewUsage()))
		require.NoError(t, err)
		assert.JSONEq(t, `{"event_type":"usage","usage":{"input_tokens":0,"output_tokens":0,"cache_read_tokens":0,"cache_write_tokens":0}}`, string(data))
	})

	t.Run("tool use event carries raw input", func(t *testing.T) {
		data, err := json.Marshal(ToolUseEvent("t1", "lookup", json.RawMessage(`{"q":"x"}`)))
		require.NoError(t, err)
		assert.JSONEq(t, `{"event_type":"tool_use","tool_use":{"id":"t1","name":"lookup","input":{"q":"x"}}}`, string(data))
	})
}

func TestUsage_CloneIsIndependent(t *testing.T) {
	original := NewUsage()
	original.InputTokens = 7
	*original.CacheReadTokens = 3

	clone := original.Clone()
	*original.CacheReadTokens = 99
	original.InputTokens = 99

	assert.Equal(t, 7, clone.InputTokens)
	assert.Equal(t, 3, *clone.CacheReadTokens)
}

func TestUsageEvent_SnapshotsTally(t *testing.T) {
	tally := NewUsage()
	tally.OutputTokens = 5

	ev := UsageEvent(tally)
	tally.OutputTokens = 50

	assert.Equal(t, 5, ev.Usage.OutputTokens)
}
