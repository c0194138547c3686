// Package codec maps a conversation onto the session's flat string array.
//
// Each message becomes one tagged line:
//
//	CHAT_USER: <content>
//	CHAT_ASSISTANT: <content>
//	CHAT_ASSISTANT_WITH_METADATA: <content>|||METADATA:<json>
//
// Nothing is escaped. Content that contains the metadata separator, or that
// itself starts with a CHAT_ tag, does not survive a round trip. The format
// is shared with already persisted sessions and must stay as is.
package codec

import (
	"encoding/json"
	"strings"

	"github.com/capitalize-ai/querystream/internal/model"
)

const (
	// MetadataSeparator splits content from the JSON metadata payload.
	MetadataSeparator = "|||METADATA:"

	prefixUser                  = "CHAT_USER: "
	prefixAssistant             = "CHAT_ASSISTANT: "
	prefixUserWithMetadata      = "CHAT_USER_WITH_METADATA: "
	prefixAssistantWithMetadata = "CHAT_ASSISTANT_WITH_METADATA: "
)

// Encode converts a conversation to its persisted form.
func Encode(messages []model.Message) []string {
	out := make([]string, 0, len(messages))
	for _, msg := range messages {
		out = append(out, EncodeMessage(msg))
	}
	return out
}

// EncodeMessage converts one message to its tagged line.
func EncodeMessage(msg model.Message) string {
	if msg.Metadata != nil {
		payload, err := json.Marshal(msg.Metadata)
		if err == nil {
			return withMetadataPrefix(msg.Role) + msg.Content + MetadataSeparator + string(payload)
		}
	}
	return plainPrefix(msg.Role) + msg.Content
}

// Decode rebuilds a conversation. Blank entries are skipped.
func Decode(entries []string) []model.Message {
	out := make([]model.Message, 0, len(entries))
	for _, entry := range entries {
		if msg, ok := DecodeEntry(entry); ok {
			out = append(out, msg)
		}
	}
	return out
}

// DecodeEntry parses one persisted line. ok is false for blank entries.
// Untagged entries are legacy free text and become user messages.
func DecodeEntry(entry string) (msg model.Message, ok bool) {
	if strings.TrimSpace(entry) == "" {
		return model.Message{}, false
	}

	if rest, found := strings.CutPrefix(entry, prefixUserWithMetadata); found {
		return withMetadata(model.RoleUser, rest), true
	}
	if rest, found := strings.CutPrefix(entry, prefixAssistantWithMetadata); found {
		return withMetadata(model.RoleAssistant, rest), true
	}
	if rest, found := strings.CutPrefix(entry, prefixUser); found {
		return model.Message{Role: model.RoleUser, Content: rest}, true
	}
	if rest, found := strings.CutPrefix(entry, prefixAssistant); found {
		return model.Message{Role: model.RoleAssistant, Content: rest}, true
	}

	return model.Message{Role: model.RoleUser, Content: entry}, true
}

func withMetadata(role model.Role, rest string) model.Message {
	content, payload, found := strings.Cut(rest, MetadataSeparator)
	msg := model.Message{Role: role, Content: content}
	if !found {
		return msg
	}

	var viz *model.Visualization
	if err := json.Unmarshal([]byte(payload), &viz); err == nil {
		msg.Metadata = viz
	}
	return msg
}

func plainPrefix(role model.Role) string {
	if role == model.RoleAssistant {
		return prefixAssistant
	}
	return prefixUser
}

func withMetadataPrefix(role model.Role) string {
	if role == model.RoleAssistant {
		return prefixAssistantWithMetadata
	}
	return prefixUserWithMetadata
}
