package gpbot

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
)

const (
	promptConversationStart = "\n[CONVERSATION START]\n"
	promptUserLabel         = "USER"
	promptAssistantLabel    = "ASSISTANT"
)

//go:embed knowledge.txt
var defaultKnowledge string

// BuildPolicy returns the fixed system policy block: assistant identity,
// the knowledge base, and the rules for what and how to answer.
func BuildPolicy(assistantName, knowledge string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.\n", assistantName)
	b.WriteString("You have the following internal knowledge:\n")
	b.WriteString(knowledge)
	b.WriteString("\n\n")
	b.WriteString(
		"Your ONLY job is to answer questions and inquiries based on this knowledge.\n" +
			"If the user asks for anything not related to it, clearly refuse and remind " +
			"them what you are for.\n" +
			"Exception: if the user only sends a short greeting or thanks, you MUST still " +
			"reply with a short, friendly greeting or thanks, and briefly remind them " +
			"who you are. You MUST NOT refuse these simple greetings.\n" +
			"If the user sends only a simple positive emoji, reply with a short friendly " +
			"line and remind them what you can help with.\n" +
			"Always answer in the same language the user uses (Arabic or English).\n" +
			"Keep your answers short and compact by default (2-5 lines) unless the user " +
			"explicitly asks for more detail.\n",
	)
	return b.String()
}

// loadPolicy returns the configured system prompt if set, otherwise
// builds one from the knowledge file (or the embedded default)
func loadPolicy(cfg *ChatConfig) (string, error) {
	if cfg.SystemPrompt != "" {
		return cfg.SystemPrompt, nil
	}
	knowledge := defaultKnowledge
	if cfg.KnowledgeFile != "" {
		data, err := os.ReadFile(cfg.KnowledgeFile)
		if err != nil {
			return "", fmt.Errorf("error reading knowledge file: %w", err)
		}
		knowledge = string(data)
	}
	return BuildPolicy(cfg.AssistantName, strings.TrimSpace(knowledge)), nil
}

// PromptAssembler renders the policy block, conversation history and a
// new user message into a single completion prompt.
//
// It has no truncation of its own. The size of the prompt is bounded by
// the history store's entry limit and the caller's message length.
type PromptAssembler struct {
	Policy string
}

// Build returns, in order: the policy block, the conversation start
// marker, each history entry as "LABEL: content" in the order given,
// the new message labeled as the user, and an open assistant turn.
func (p PromptAssembler) Build(newMessage string, history []HistoryEntry) string {
	lines := make([]string, 0, len(history)+3)
	lines = append(lines, p.Policy, promptConversationStart)
	for _, entry := range history {
		lines = append(
			lines,
			fmt.Sprintf("%s: %s\n", roleLabel(entry.Role), entry.Content),
		)
	}
	lines = append(
		lines,
		fmt.Sprintf("%s: %s\n%s:", promptUserLabel, newMessage, promptAssistantLabel),
	)
	return strings.Join(lines, "\n")
}

func roleLabel(r Role) string {
	if r == RoleUser {
		return promptUserLabel
	}
	return promptAssistantLabel
}
