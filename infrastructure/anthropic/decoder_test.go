package anthropic

import (
	"strings"
	"testing"

	"chat-relay/domain/chat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collector() (*[]chat.Event, chat.EventHandler) {
	events := &[]chat.Event{}
	return events, func(ev chat.Event) error {
		*events = append(*events, ev)
		return nil
	}
}

func frames(lines ...string) string {
	var b strings.Builder
	for _, line := range lines {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n\n")
	}
	return b.String()
}

const simpleTextStream = `event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":10,"cache_read_input_tokens":3,"cache_creation_input_tokens":2}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","usage":{"output_tokens":5}}

event: message_stop
data: {"type":"message_stop"}

`

func TestSession_TextStream(t *testing.T) {
	events, emit := collector()
	s := NewSession(emit)

	require.NoError(t, s.Feed([]byte(simpleTextStream)))
	require.True(t, s.Finished())

	require.Len(t, *events, 4)
	assert.Equal(t, chat.TextEvent("Hel"), (*events)[0])
	assert.Equal(t, chat.TextEvent("lo"), (*events)[1])

	usage := (*events)[2]
	assert.Equal(t, chat.EventUsage, usage.Type)
	require.NotNil(t, usage.Usage)
	assert.Equal(t, 10, usage.Usage.InputTokens)
	assert.Equal(t, 5, usage.Usage.OutputTokens)
	require.NotNil(t, usage.Usage.CacheReadTokens)
	assert.Equal(t, 3, *usage.Usage.CacheReadTokens)
	require.NotNil(t, usage.Usage.CacheWriteTokens)
	assert.Equal(t, 2, *usage.Usage.CacheWriteTokens)

	assert.Equal(t, chat.DoneEvent(), (*events)[3])
}

func TestSession_ChunkBoundaryIndependence(t *testing.T) {
	whole, emitWhole := collector()
	s := NewSession(emitWhole)
	require.NoError(t, s.Feed([]byte(simpleTextStream)))

	bytewise, emitBytes := collector()
	s2 := NewSession(emitBytes)
	for i := 0; i < len(simpleTextStream); i++ {
		require.NoError(t, s2.Feed([]byte{simpleTextStream[i]}))
	}

	assert.Equal(t, *whole, *bytewise)
	assert.True(t, s2.Finished())
}

func TestSession_ToolCallReassembly(t *testing.T) {
	events, emit := collector()
	s := NewSession(emit)

	stream := frames(
		`{"type":"message_start","message":{"usage":{"input_tokens":4}}}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"lookup"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_stop"}`,
	)

	require.NoError(t, s.Feed([]byte(stream)))

	require.Len(t, *events, 3)
	tool := (*events)[0]
	assert.Equal(t, chat.EventToolUse, tool.Type)
	require.NotNil(t, tool.ToolUse)
	assert.Equal(t, "t1", tool.ToolUse.ID)
	assert.Equal(t, "lookup", tool.ToolUse.Name)
	assert.JSONEq(t, `{"q":"x"}`, string(tool.ToolUse.Input))
}

func TestSession_InputJSONDeltaEmitsNothing(t *testing.T) {
	events, emit := collector()
	s := NewSession(emit)

	stream := frames(
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"lookup"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"a\":1"}}`,
	)

	require.NoError(t, s.Feed([]byte(stream)))
	assert.Empty(t, *events)
	assert.Equal(t, StateBuildingToolCall, s.State())
}

func TestSession_InterleavedToolBlocks(t *testing.T) {
	events, emit := collector()
	s := NewSession(emit)

	stream := frames(
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"alpha"}}`,
		`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"t2","name":"beta"}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"b\":2}"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"a\":1}"}}`,
		`{"type":"content_block_stop","index":2}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_stop"}`,
	)

	require.NoError(t, s.Feed([]byte(stream)))

	require.Len(t, *events, 4)
	assert.Equal(t, "t2", (*events)[0].ToolUse.ID)
	assert.JSONEq(t, `{"b":2}`, string((*events)[0].ToolUse.Input))
	assert.Equal(t, "t1", (*events)[1].ToolUse.ID)
	assert.JSONEq(t, `{"a":1}`, string((*events)[1].ToolUse.Input))
}

func TestSession_InvalidToolInputSubstitutesEmptyDocument(t *testing.T) {
	events, emit := collector()
	s := NewSession(emit)

	stream := frames(
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"lookup"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"q\": truncated"}}`,
		`{"type":"content_block_stop","index":0}`,
	)

	require.NoError(t, s.Feed([]byte(stream)))

	require.Len(t, *events, 1)
	assert.Equal(t, chat.EventToolUse, (*events)[0].Type)
	assert.Equal(t, "{}", string((*events)[0].ToolUse.Input))
}

func TestSession_DoneSentinelIsNotTerminal(t *testing.T) {
	events, emit := collector()
	s := NewSession(emit)

	require.NoError(t, s.Feed([]byte("data: [DONE]\n\n")))

	assert.Empty(t, *events)
	assert.False(t, s.Finished())
}

func TestSession_FramesWithoutDataAreIgnored(t *testing.T) {
	events, emit := collector()
	s := NewSession(emit)

	require.NoError(t, s.Feed([]byte("event: ping\n\n: heartbeat comment\n\n")))
	assert.Empty(t, *events)
}

func TestSession_UnparseableDataLineIsSkipped(t *testing.T) {
	events, emit := collector()
	s := NewSession(emit)

	stream := "data: not json at all\n\n" + frames(
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ok"}}`,
	)

	require.NoError(t, s.Feed([]byte(stream)))
	require.Len(t, *events, 1)
	assert.Equal(t, chat.TextEvent("ok"), (*events)[0])
}

func TestSession_FeedAfterFinishIsNoOp(t *testing.T) {
	events, emit := collector()
	s := NewSession(emit)

	require.NoError(t, s.Feed([]byte(frames(`{"type":"message_stop"}`))))
	require.True(t, s.Finished())
	before := len(*events)

	require.NoError(t, s.Feed([]byte(frames(
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"late"}}`,
	))))
	assert.Len(t, *events, before)
}

func TestSession_StateTransitions(t *testing.T) {
	_, emit := collector()
	s := NewSession(emit)
	assert.Equal(t, StateAwaitingFrame, s.State())

	require.NoError(t, s.Feed([]byte(frames(
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"lookup"}}`,
	))))
	assert.Equal(t, StateBuildingToolCall, s.State())

	require.NoError(t, s.Feed([]byte(frames(`{"type":"content_block_stop","index":0}`))))
	assert.Equal(t, StateAwaitingFrame, s.State())
}

func TestSession_UnknownEventTypesIgnored(t *testing.T) {
	events, emit := collector()
	s := NewSession(emit)

	stream := frames(
		`{"type":"ping"}`,
		`{"type":"some_future_event","payload":{"x":1}}`,
		`{"type":"message_stop"}`,
	)

	require.NoError(t, s.Feed([]byte(stream)))
	require.Len(t, *events, 2)
	assert.Equal(t, chat.EventUsage, (*events)[0].Type)
	assert.Equal(t, chat.EventDone, (*events)[1].Type)
}

func TestSession_TextBlockContentStopEmitsNothing(t *testing.T) {
	events, emit := collector()
	s := NewSession(emit)

	stream := frames(
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_stop","index":0}`,
	)

	require.NoError(t, s.Feed([]byte(stream)))
	assert.Empty(t, *events)
}
