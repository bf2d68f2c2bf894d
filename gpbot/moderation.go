package gpbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
)

// Category is the kind of rule violation a message was classified as
type Category string

const (
	CategoryInsult Category = "insult"
	CategoryHate   Category = "hate"
	CategoryNSFW   Category = "nsfw"
	CategoryThreat Category = "threat"
	CategorySpam   Category = "spam"
	CategoryOther  Category = "other"
	CategoryNone   Category = "none"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Action is the classifier's recommended enforcement action. Only
// ActionWarn and ActionTimeout15m have an effect, ActionBan is
// accepted but never enforced.
type Action string

const (
	ActionNone       Action = "none"
	ActionWarn       Action = "warn"
	ActionTimeout15m Action = "timeout_15m"
	ActionBan        Action = "ban"
)

func parseCategory(s string) Category {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryInsult, CategoryHate, CategoryNSFW, CategoryThreat,
		CategorySpam, CategoryOther, CategoryNone:
		return c
	default:
		return CategoryNone
	}
}

func parseSeverity(s string) Severity {
	switch v := Severity(strings.ToLower(strings.TrimSpace(s))); v {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return v
	default:
		return SeverityLow
	}
}

func parseAction(s string) Action {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionNone, ActionWarn, ActionTimeout15m, ActionBan:
		return a
	default:
		return ActionNone
	}
}

// Verdict is the classification result for a single message. Every
// field always holds a valid value, unknown or missing values from the
// classifier are replaced with the safest one.
type Verdict struct {
	IsViolation       bool     `json:"is_violation"`
	Category          Category `json:"category"`
	Severity          Severity `json:"severity"`
	RecommendedAction Action   `json:"recommended_action"`
	Reason            string   `json:"reason"`
}

// SafeVerdict is the verdict used whenever classification fails
func SafeVerdict() Verdict {
	return Verdict{
		IsViolation:       false,
		Category:          CategoryNone,
		Severity:          SeverityLow,
		RecommendedAction: ActionNone,
		Reason:            "",
	}
}

func (v Verdict) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("is_violation", v.IsViolation),
		slog.String("category", string(v.Category)),
		slog.String("severity", string(v.Severity)),
		slog.String("recommended_action", string(v.RecommendedAction)),
	)
}

// rawVerdict is the shape the classifier is asked to reply with. Fields
// are pointers so missing fields can be told apart from zero values.
type rawVerdict struct {
	IsViolation       *bool   `json:"is_violation"`
	Category          *string `json:"category"`
	Severity          *string `json:"severity"`
	RecommendedAction *string `json:"recommended_action"`
	Reason            *string `json:"reason"`
}

func (r rawVerdict) verdict() Verdict {
	v := SafeVerdict()
	if r.IsViolation != nil {
		v.IsViolation = *r.IsViolation
	}
	if r.Category != nil {
		v.Category = parseCategory(*r.Category)
	}
	if r.Severity != nil {
		v.Severity = parseSeverity(*r.Severity)
	}
	if r.RecommendedAction != nil {
		v.RecommendedAction = parseAction(*r.RecommendedAction)
	}
	if r.Reason != nil {
		v.Reason = strings.TrimSpace(*r.Reason)
	}
	return v
}

var errNoJSONObject = errors.New("no JSON object found")

// parseVerdict decodes the first balanced JSON object in s
func parseVerdict(s string) (Verdict, error) {
	obj, ok := extractJSONObject(s)
	if !ok {
		return SafeVerdict(), errNoJSONObject
	}
	var raw rawVerdict
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return SafeVerdict(), fmt.Errorf("error decoding verdict: %w", err)
	}
	return raw.verdict(), nil
}

// extractJSONObject returns the first balanced {...} span in s. Braces
// inside JSON string literals are not counted.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			ch := s[i]
			switch {
			case escaped:
				escaped = false
			case inString && ch == '\\':
				escaped = true
			case ch == '"':
				inString = !inString
			case inString:
			case ch == '{':
				depth++
			case ch == '}':
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
		// unbalanced from this brace, try the next one
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

const moderationInstructions = `You are an advanced Discord AutoMod AI for a big Arabic/English community.

Your job:
- Detect ONLY real, clear rule breaking:
  - insults & heavy swearing
  - hate speech
  - NSFW / sexual content
  - threats or inciting violence
  - extreme harassment / bullying
- DO NOT flag:
  - normal arguments
  - polite criticism
  - jokes / friendly teasing
  - light sarcasm
If you are NOT clearly sure it's a violation, treat it as SAFE.

Return ONLY ONE valid JSON object (no extra text) exactly in this format:

{
  "is_violation": true/false,
  "category": "insult|hate|nsfw|threat|spam|other|none",
  "severity": "low|medium|high",
  "recommended_action": "none|warn|timeout_15m|ban",
  "reason": "short explanation in the same language of the user if possible"
}

Message:
"""%s"""
`

// Classifier asks a completion backend to classify message content.
// It never fails: any backend or parsing problem results in
// [SafeVerdict].
type Classifier struct {
	backend        Completer
	maxInputLength int
	logger         *slog.Logger
}

func NewClassifier(backend Completer, maxInputLength int, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		backend:        backend,
		maxInputLength: maxInputLength,
		logger:         logger,
	}
}

// moderationPrompt renders the classification instructions around the
// message content, truncated to maxInputLength characters
func (c *Classifier) moderationPrompt(content string) string {
	content = strings.TrimSpace(content)
	if c.maxInputLength > 0 {
		content = truncate(content, c.maxInputLength)
	}
	return fmt.Sprintf(moderationInstructions, content)
}

// Classify returns the verdict for the given message content
func (c *Classifier) Classify(ctx context.Context, content string) Verdict {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = c.logger
	}

	completion, err := c.backend.Complete(ctx, c.moderationPrompt(content))
	if err != nil {
		logger.WarnContext(ctx, "classification failed, treating as safe", tint.Err(err))
		return SafeVerdict()
	}

	verdict, err := parseVerdict(rawText(completion))
	if err != nil {
		logger.WarnContext(
			ctx,
			"unparseable classification, treating as safe",
			tint.Err(err),
		)
		return SafeVerdict()
	}
	logger.DebugContext(ctx, "classified message", "verdict", verdict)
	return verdict
}
