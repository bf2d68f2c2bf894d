package gpbot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptAssembler_Build(t *testing.T) {
	t.Parallel()
	p := PromptAssembler{Policy: "POLICY"}

	prompt := p.Build(
		"what is gp team?",
		[]HistoryEntry{userEntry("hi"), assistantEntry("hello!")},
	)
	expected := "POLICY\n" +
		"\n[CONVERSATION START]\n\n" +
		"USER: hi\n\n" +
		"ASSISTANT: hello!\n\n" +
		"USER: what is gp team?\nASSISTANT:"
	assert.Equal(t, expected, prompt)
}

func TestPromptAssembler_BuildEmptyHistory(t *testing.T) {
	t.Parallel()
	p := PromptAssembler{Policy: "POLICY"}

	prompt := p.Build("hi", nil)
	assert.True(t, strings.HasPrefix(prompt, "POLICY\n"))
	assert.Contains(t, prompt, promptConversationStart)
	assert.True(t, strings.HasSuffix(prompt, "USER: hi\nASSISTANT:"))
	assert.Equal(t, 1, strings.Count(prompt, "USER:"))
}

func TestPromptAssembler_HistoryOrder(t *testing.T) {
	t.Parallel()
	p := PromptAssembler{Policy: "POLICY"}

	prompt := p.Build(
		"third",
		[]HistoryEntry{
			userEntry("first"),
			assistantEntry("first answer"),
			userEntry("second"),
			assistantEntry("second answer"),
		},
	)
	positions := []int{
		strings.Index(prompt, "USER: first"),
		strings.Index(prompt, "ASSISTANT: first answer"),
		strings.Index(prompt, "USER: second"),
		strings.Index(prompt, "ASSISTANT: second answer"),
		strings.Index(prompt, "USER: third"),
	}
	for i := 1; i < len(positions); i++ {
		require.Positive(t, positions[i])
		assert.Greater(t, positions[i], positions[i-1])
	}
}

func TestBuildPolicy(t *testing.T) {
	t.Parallel()
	policy := BuildPolicy("GP Team Assistant", "GP Team makes games.")

	assert.True(t, strings.HasPrefix(policy, "You are GP Team Assistant.\n"))
	assert.Contains(t, policy, "GP Team makes games.")
	assert.Contains(t, policy, "same language")
	assert.Contains(t, policy, "greeting")
}

func TestLoadPolicy(t *testing.T) {
	t.Parallel()

	t.Run(
		"system prompt override", func(t *testing.T) {
			policy, err := loadPolicy(&ChatConfig{AssistantName: "x", SystemPrompt: "custom"})
			require.NoError(t, err)
			assert.Equal(t, "custom", policy)
		},
	)

	t.Run(
		"embedded knowledge", func(t *testing.T) {
			policy, err := loadPolicy(&ChatConfig{AssistantName: "GP Team Assistant"})
			require.NoError(t, err)
			assert.Contains(t, policy, strings.TrimSpace(defaultKnowledge))
		},
	)

	t.Run(
		"knowledge file", func(t *testing.T) {
			fp := filepath.Join(t.TempDir(), "knowledge.txt")
			require.NoError(t, os.WriteFile(fp, []byte("  we sell hats  \n"), 0o600))
			policy, err := loadPolicy(&ChatConfig{AssistantName: "Hat Bot", KnowledgeFile: fp})
			require.NoError(t, err)
			assert.Equal(t, BuildPolicy("Hat Bot", "we sell hats"), policy)
		},
	)

	t.Run(
		"missing knowledge file", func(t *testing.T) {
			_, err := loadPolicy(
				&ChatConfig{
					AssistantName: "x",
					KnowledgeFile: filepath.Join(t.TempDir(), "nope.txt"),
				},
			)
			assert.Error(t, err)
		},
	)
}
