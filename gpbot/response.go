package gpbot

import "strings"

const (
	// FallbackAnswerMessage is returned when a completion has no usable text
	FallbackAnswerMessage = "⚠️ حدث خطا - An Error occurred\nPlease Try Again."

	// BackendErrorMessage is returned when the chat backend call itself fails
	BackendErrorMessage = "❌ An error occurred while responding to the AI, please try again later."
)

// Completion is a backend response. Text is set when the backend returns
// a single direct text field. Otherwise, text is in Candidates.
type Completion struct {
	Text       string      `json:"text,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// Candidate is one generated alternative, as a set of text parts and
// the reason generation stopped
type Candidate struct {
	FinishReason string   `json:"finish_reason,omitempty"`
	Parts        []string `json:"parts,omitempty"`
}

// Interpret extracts the answer text from a completion, or returns
// [FallbackAnswerMessage] when there isn't any.
//
// A non-empty direct text field wins. Otherwise the first candidate that
// stopped normally and has non-empty parts is used, with its parts joined
// by newlines.
func Interpret(c *Completion) string {
	if text, ok := answerText(c); ok {
		return text
	}
	return FallbackAnswerMessage
}

func answerText(c *Completion) (string, bool) {
	if c == nil {
		return "", false
	}
	if text := strings.TrimSpace(c.Text); text != "" {
		return text, true
	}
	for _, candidate := range c.Candidates {
		if !stoppedNormally(candidate.FinishReason) {
			continue
		}
		texts := make([]string, 0, len(candidate.Parts))
		for _, part := range candidate.Parts {
			if part != "" {
				texts = append(texts, part)
			}
		}
		if text := strings.TrimSpace(strings.Join(texts, "\n")); text != "" {
			return text, true
		}
	}
	return "", false
}

// rawText concatenates all text in the completion, regardless of
// finish reason
func rawText(c *Completion) string {
	if c == nil {
		return ""
	}
	if c.Text != "" {
		return strings.TrimSpace(c.Text)
	}
	var b strings.Builder
	for _, candidate := range c.Candidates {
		for _, part := range candidate.Parts {
			b.WriteString(part)
		}
	}
	return strings.TrimSpace(b.String())
}

// stoppedNormally reports whether a finish reason means generation
// completed, rather than being cut off or filtered. An unset reason
// counts as normal.
func stoppedNormally(reason string) bool {
	switch strings.ToLower(reason) {
	case "", "stop", "finish_reason_stop":
		return true
	default:
		return false
	}
}
