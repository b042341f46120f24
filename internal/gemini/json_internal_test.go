package gemini

import (
	"testing"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		title   string
	}{
		{name: "plain object", content: `{"title":"A","content":"text"}`, title: "A"},
		{name: "json fence", content: "```json\n{\"title\":\"B\",\"content\":\"text\"}\n```", title: "B"},
		{name: "bare fence", content: "```\n{\"title\":\"C\",\"content\":\"text\"}\n```", title: "C"},
		{name: "prose around object", content: "Here you go: {\"title\":\"D\",\"content\":\"text\"} Enjoy!", title: "D"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			var description core.Description

			require.NoError(t, parseJSON(testCase.content, &description))
			assert.Equal(t, testCase.title, description.Title)
			assert.Equal(t, "text", description.Content)
		})
	}
}

func TestParseJSON_Failures(t *testing.T) {
	t.Parallel()

	var description core.Description

	require.ErrorIs(t, parseJSON("  ", &description), ErrEmptyPayload)
	require.Error(t, parseJSON("no json here", &description))
	require.Error(t, parseJSON("```json\n{broken\n```", &description))
}

func TestStripCodeFence(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `{"a":1}`, stripCodeFence("```JSON {\"a\":1}```"))
	assert.Equal(t, "plain", stripCodeFence("  plain "))
}
