package anthropic

import (
	"encoding/json"
	"fmt"

	"chat-relay/domain/chat"
)

type cacheControl struct {
	Type string `json:"type"`
}

var ephemeralCache = &cacheControl{Type: "ephemeral"}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

// messagesRequest is the outbound messages-API payload.
type messagesRequest struct {
	Model     string            `json:"model"`
	MaxTokens int               `json:"max_tokens"`
	Stream    bool              `json:"stream"`
	System    []systemBlock     `json:"system"`
	Messages  []chat.Message    `json:"messages"`
	Tools     []json.RawMessage `json:"tools,omitempty"`
}

// buildPayload assembles the outbound request document. The system prompt is
// wrapped in a one-element block list carrying an ephemeral cache marker, and
// when tools are present the marker is attached to the last tool definition
// only: cache markers are cumulative upstream, so marking the last entry
// caches the whole prefix. The caller's tool list is never mutated.
func buildPayload(req *chat.Request, model string, maxTokens int) (*messagesRequest, error) {
	body := &messagesRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Stream:    true,
		System: []systemBlock{{
			Type:         "text",
			Text:         req.SystemPrompt,
			CacheControl: ephemeralCache,
		}},
		Messages: req.Messages,
	}

	if len(req.Tools) > 0 {
		tools := make([]json.RawMessage, len(req.Tools))
		copy(tools, req.Tools)

		annotated, err := withCacheControl(tools[len(tools)-1])
		if err != nil {
			return nil, fmt.Errorf("annotate last tool: %w", err)
		}
		tools[len(tools)-1] = annotated
		body.Tools = tools
	}

	return body, nil
}

// withCacheControl returns a copy of the tool document with an ephemeral
// cache marker set. Non-object tool documents are passed through untouched.
func withCacheControl(tool json.RawMessage) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(tool, &obj); err != nil {
		return tool, nil
	}

	obj["cache_control"] = json.RawMessage(`{"type":"ephemeral"}`)
	return json.Marshal(obj)
}
