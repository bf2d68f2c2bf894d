package gpbot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// Decision is the enforcement outcome for a single message
type Decision int

const (
	DecisionNone Decision = iota
	DecisionWarn
	DecisionTimeout
)

func (d Decision) String() string {
	switch d {
	case DecisionWarn:
		return "warn"
	case DecisionTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// Decide maps a verdict to a decision. Timeout takes precedence over
// warn, and any other combination is DecisionNone.
func Decide(v Verdict) Decision {
	switch {
	case v.IsViolation && v.Severity == SeverityHigh && v.RecommendedAction == ActionTimeout15m:
		return DecisionTimeout
	case v.IsViolation && v.RecommendedAction == ActionWarn:
		return DecisionWarn
	default:
		return DecisionNone
	}
}

// EnforcementSink applies moderation decisions on the hosting platform
type EnforcementSink interface {
	// ApplyTimeout restricts the member from communicating until the
	// given time
	ApplyTimeout(ctx context.Context, guildID, userID string, until time.Time, reason string) error

	// DirectMessage sends text to the user privately
	DirectMessage(ctx context.Context, userID, text string) error

	// Reply responds to a message in its channel
	Reply(ctx context.Context, channelID, messageID, text string) error
}

// VerdictClassifier classifies message content. It must not fail,
// problems are reported as a safe verdict.
type VerdictClassifier interface {
	Classify(ctx context.Context, content string) Verdict
}

// Subject is a message being moderated, with its author's roles
type Subject struct {
	GuildID   string
	ChannelID string
	MessageID string
	UserID    string
	RoleIDs   []string
	Content   string
}

// ModerationResult is the outcome of [ModerationEngine.Moderate]
type ModerationResult struct {
	Decision Decision
	Verdict  Verdict

	// Exempt is true if the author held an exempt role, in which case
	// the message wasn't classified
	Exempt bool

	// Continue is false when no further processing (like a chat reply)
	// should happen for the message
	Continue bool

	// EnforcementErr is set if applying the decision failed
	EnforcementErr error
}

// ModerationEngine classifies messages and enforces the resulting
// decision
type ModerationEngine struct {
	classifier      VerdictClassifier
	sink            EnforcementSink
	exemptRoles     map[string]struct{}
	timeoutDuration time.Duration
	now             func() time.Time
	logger          *slog.Logger
	metrics         *Metrics
}

func NewModerationEngine(
	classifier VerdictClassifier,
	sink EnforcementSink,
	exemptRoleIDs []string,
	timeoutDuration time.Duration,
	logger *slog.Logger,
	metrics *Metrics,
) *ModerationEngine {
	exempt := make(map[string]struct{}, len(exemptRoleIDs))
	for _, id := range exemptRoleIDs {
		exempt[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ModerationEngine{
		classifier:      classifier,
		sink:            sink,
		exemptRoles:     exempt,
		timeoutDuration: timeoutDuration,
		now:             time.Now,
		logger:          logger,
		metrics:         metrics,
	}
}

// IsExempt reports whether any of the given roles is exempt
func (e *ModerationEngine) IsExempt(roleIDs []string) bool {
	for _, id := range roleIDs {
		if _, ok := e.exemptRoles[id]; ok {
			return true
		}
	}
	return false
}

// Moderate classifies the message (unless its author is exempt) and
// enforces the decision:
//
//   - DecisionTimeout: the author is timed out, then notified by DM
//     on a best-effort basis. Continue is false even if the timeout
//     could not be applied.
//   - DecisionWarn: the message gets a warning reply. Continue is true.
//   - DecisionNone: nothing happens. Continue is true.
//
// Enforcement failures are logged and set on the result, they are
// never returned as errors.
func (e *ModerationEngine) Moderate(ctx context.Context, s Subject) ModerationResult {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = e.logger
	}

	if e.IsExempt(s.RoleIDs) {
		return ModerationResult{
			Decision: DecisionNone,
			Verdict:  SafeVerdict(),
			Exempt:   true,
			Continue: true,
		}
	}

	verdict := e.classifier.Classify(ctx, s.Content)
	result := ModerationResult{
		Decision: Decide(verdict),
		Verdict:  verdict,
		Continue: true,
	}
	e.metrics.moderationDecision(result.Decision)

	switch result.Decision {
	case DecisionTimeout:
		result.Continue = false
		until := e.now().Add(e.timeoutDuration)
		reason := fmt.Sprintf("AI AutoMod: %s", verdict.Category)
		if err := e.sink.ApplyTimeout(ctx, s.GuildID, s.UserID, until, reason); err != nil {
			result.EnforcementErr = err
			logger.ErrorContext(
				ctx,
				"failed to apply timeout",
				tint.Err(err),
				"verdict", verdict,
			)
		} else {
			logger.InfoContext(
				ctx,
				"member timed out",
				"until", until,
				"verdict", verdict,
			)
		}
		if err := e.sink.DirectMessage(ctx, s.UserID, timeoutNotice(e.timeoutDuration, verdict.Reason)); err != nil {
			logger.DebugContext(ctx, "unable to DM timed out member", tint.Err(err))
		}
	case DecisionWarn:
		if err := e.sink.Reply(ctx, s.ChannelID, s.MessageID, warningNotice(verdict.Reason)); err != nil {
			result.EnforcementErr = err
			logger.WarnContext(ctx, "failed to send warning", tint.Err(err))
		}
		logger.InfoContext(ctx, "member warned", "verdict", verdict)
	default:
	}
	return result
}

func timeoutNotice(d time.Duration, reason string) string {
	return fmt.Sprintf(
		"You have been timed out for %d minutes for breaking the server rules.\n"+
			"Reason (AI AutoMod): %s",
		int(d.Minutes()),
		reason,
	)
}

func warningNotice(reason string) string {
	return fmt.Sprintf("⚠️ Security system (AI) warning: %s", reason)
}
