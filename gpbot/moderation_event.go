package gpbot

import (
	"context"
	"fmt"
)

// ModerationEvent is a record of a moderation decision other than
// DecisionNone
//
//nolint:lll // struct tags can't be split
type ModerationEvent struct {
	ModelUintID
	UserID            string `json:"user_id" gorm:"not null;index"`
	GuildID           string `json:"guild_id" gorm:"type:string"`
	ChannelID         string `json:"channel_id" gorm:"type:string"`
	MessageID         string `json:"message_id" gorm:"type:string"`
	Decision          string `json:"decision" gorm:"type:string;index"`
	Category          string `json:"category" gorm:"type:string"`
	Severity          string `json:"severity" gorm:"type:string"`
	RecommendedAction string `json:"recommended_action" gorm:"type:string"`
	Reason            string `json:"reason" gorm:"type:string"`

	// EnforcementError is set if the decision couldn't be applied
	EnforcementError string `json:"enforcement_error,omitempty" gorm:"type:string"`

	CreatedAt int64 `gorm:"autoCreateTime:milli;index" json:"created_at,omitempty"`
}

func newModerationEvent(s Subject, result ModerationResult) *ModerationEvent {
	ev := &ModerationEvent{
		UserID:            s.UserID,
		GuildID:           s.GuildID,
		ChannelID:         s.ChannelID,
		MessageID:         s.MessageID,
		Decision:          result.Decision.String(),
		Category:          string(result.Verdict.Category),
		Severity:          string(result.Verdict.Severity),
		RecommendedAction: string(result.Verdict.RecommendedAction),
		Reason:            result.Verdict.Reason,
	}
	if result.EnforcementErr != nil {
		ev.EnforcementError = result.EnforcementErr.Error()
	}
	return ev
}

// recentModerationEvents returns up to limit events, newest first
func recentModerationEvents(ctx context.Context, db DBI, limit int) ([]ModerationEvent, error) {
	var events []ModerationEvent
	err := db.DB().WithContext(ctx).
		Order(columnCreatedAt + " desc").
		Order("id desc").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("error loading moderation events: %w", err)
	}
	return events, nil
}
