package anthropic

import (
	"encoding/json"
	"strings"

	"chat-relay/domain/chat"
)

// Model tiers. Haiku is the fast tier for simple lookups, Sonnet the strong
// tier for translation, QA and editing work.
const (
	ModelHaiku  = "claude-haiku-4-5-20251001"
	ModelSonnet = "claude-sonnet-4-5-20250929"
)

// Substrings in the last user message that indicate multi-step reasoning
// work. Matching any of them routes to Sonnet.
var sonnetKeywords = []string{
	"translat",
	"перевод",
	"übersetze",
	"tradui",
	"qa",
	"quality",
	"check",
	"review",
	"fix",
	"correct",
	"update",
	"change",
	"edit",
	"improve",
}

// SelectModel maps an explicit tier preference, or the content of the last
// message when the preference is "auto" or absent, to a concrete model id.
// Pure and deterministic: identical inputs always select the same tier.
func SelectModel(requested string, messages []chat.Message) string {
	switch requested {
	case "haiku":
		return ModelHaiku
	case "sonnet":
		return ModelSonnet
	case "", "auto":
		if len(messages) == 0 {
			return ModelSonnet
		}

		// Only a plain-string last message can select Haiku. Structured
		// content implies prior tool results that need the stronger tier.
		var text string
		if err := json.Unmarshal(messages[len(messages)-1].Content, &text); err != nil {
			return ModelSonnet
		}

		text = strings.ToLower(text)
		for _, kw := range sonnetKeywords {
			if strings.Contains(text, kw) {
				return ModelSonnet
			}
		}
		return ModelHaiku
	default:
		return ModelSonnet
	}
}
