package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/querystream/internal/model"
)

func chart() *model.Visualization {
	return &model.Visualization{
		Kind:   model.VisualizationBarChart,
		Config: map[string]any{"xKey": "sector", "yKey": "count", "title": "Deals by sector"},
		Data: []map[string]any{
			{"sector": "fintech", "count": float64(3)},
			{"sector": "health", "count": float64(1)},
		},
	}
}

func TestEncode(t *testing.T) {
	encoded := Encode([]model.Message{
		{Role: model.RoleUser, Content: "find fintech companies"},
		{Role: model.RoleAssistant, Content: "Here are 3 matches."},
		{Role: model.RoleAssistant, Content: "Chart", Metadata: &model.Visualization{Kind: model.VisualizationNone}},
	})

	assert.Equal(t, []string{
		"CHAT_USER: find fintech companies",
		"CHAT_ASSISTANT: Here are 3 matches.",
		`CHAT_ASSISTANT_WITH_METADATA: Chart|||METADATA:{"kind":"none"}`,
	}, encoded)
}

func TestRoundTrip(t *testing.T) {
	conversation := []model.Message{
		{Role: model.RoleUser, Content: "find fintech companies"},
		{Role: model.RoleAssistant, Content: "Here are 3 matches.\n\n| name |\n|---|"},
		{Role: model.RoleUser, Content: "chart them"},
		{Role: model.RoleAssistant, Content: "Deals by sector", Metadata: chart()},
		{Role: model.RoleUser, Content: "table please", Metadata: &model.Visualization{Kind: model.VisualizationTable}},
		{Role: model.RoleAssistant, Content: "  leading and trailing spaces  "},
		{Role: model.RoleAssistant, Content: ""},
	}

	assert.Equal(t, conversation, Decode(Encode(conversation)))
}

func TestDecodeEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		want  model.Message
		ok    bool
	}{
		{
			name:  "user",
			entry: "CHAT_USER: hello",
			want:  model.Message{Role: model.RoleUser, Content: "hello"},
			ok:    true,
		},
		{
			name:  "assistant",
			entry: "CHAT_ASSISTANT: hi",
			want:  model.Message{Role: model.RoleAssistant, Content: "hi"},
			ok:    true,
		},
		{
			name:  "legacy fallback",
			entry: "just some old text",
			want:  model.Message{Role: model.RoleUser, Content: "just some old text"},
			ok:    true,
		},
		{
			name:  "malformed metadata keeps content",
			entry: "CHAT_ASSISTANT_WITH_METADATA: Chart|||METADATA:{broken",
			want:  model.Message{Role: model.RoleAssistant, Content: "Chart"},
			ok:    true,
		},
		{
			name:  "null metadata is absent",
			entry: "CHAT_ASSISTANT_WITH_METADATA: Plain|||METADATA:null",
			want:  model.Message{Role: model.RoleAssistant, Content: "Plain"},
			ok:    true,
		},
		{
			name:  "metadata prefix without separator",
			entry: "CHAT_ASSISTANT_WITH_METADATA: only text",
			want:  model.Message{Role: model.RoleAssistant, Content: "only text"},
			ok:    true,
		},
		{
			name:  "empty",
			entry: "",
			ok:    false,
		},
		{
			name:  "whitespace only",
			entry: " \t\n",
			ok:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeEntry(tt.entry)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestDecode_SkipsBlankEntries(t *testing.T) {
	got := Decode([]string{"CHAT_USER: a", "", "   ", "CHAT_ASSISTANT: b"})
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Content)
	assert.Equal(t, "b", got[1].Content)
}

func TestDecode_ConsecutiveSameRole(t *testing.T) {
	got := Decode([]string{"legacy one", "legacy two", "CHAT_ASSISTANT: reply"})
	require.Len(t, got, 3)
	assert.Equal(t, model.RoleUser, got[0].Role)
	assert.Equal(t, model.RoleUser, got[1].Role)
	assert.Equal(t, model.RoleAssistant, got[2].Role)
}

// The format does not escape reserved tokens inside content; these cases
// pin the current behavior.
func TestReservedTokensInContent(t *testing.T) {
	t.Run("separator in metadata message content", func(t *testing.T) {
		msg := model.Message{Role: model.RoleAssistant, Content: "a|||METADATA:b", Metadata: &model.Visualization{Kind: model.VisualizationNone}}
		got, ok := DecodeEntry(EncodeMessage(msg))
		require.True(t, ok)
		assert.Equal(t, "a", got.Content)
		assert.Nil(t, got.Metadata)
	})

	t.Run("separator in plain content survives", func(t *testing.T) {
		msg := model.Message{Role: model.RoleUser, Content: "a|||METADATA:b"}
		got, ok := DecodeEntry(EncodeMessage(msg))
		require.True(t, ok)
		assert.Equal(t, msg, got)
	})

	t.Run("legacy text that looks tagged", func(t *testing.T) {
		got, ok := DecodeEntry("CHAT_ASSISTANT: not really the assistant")
		require.True(t, ok)
		assert.Equal(t, model.RoleAssistant, got.Role)
	})
}
