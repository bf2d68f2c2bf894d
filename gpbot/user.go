package gpbot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	columnUserUsername     = "username"
	columnUserGlobalName   = "global_name"
	columnUserLastSeen     = "last_seen"
	columnUserWarnCount    = "warn_count"
	columnUserTimeoutCount = "timeout_count"
)

// User is a record of a Discord user seen by the bot, with counters
// of moderation actions taken against them.
//
//nolint:lll // struct tags can't be split
type User struct {
	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name
	GlobalName string `json:"global_name" gorm:"type:string"`

	Bot bool `json:"bot" gorm:"type:bool"`

	// LastSeen is the last time (unix milliseconds) this user sent a
	// message or command the bot handled
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	WarnCount    int `json:"warn_count" gorm:"not null;default:0"`
	TimeoutCount int `json:"timeout_count" gorm:"not null;default:0"`

	ModelUnixTime
}

func newUser(u *discordgo.User, seen time.Time) *User {
	return &User{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		LastSeen:   seen.UnixMilli(),
	}
}

func (u *User) String() string {
	return fmt.Sprintf("%s (%s)", u.Username, u.ID)
}

func (u *User) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
		slog.Int("warn_count", u.WarnCount),
		slog.Int("timeout_count", u.TimeoutCount),
	)
}

// upsertUser creates or refreshes the user's record, and increments
// their moderation counters for the given decision.
func upsertUser(
	ctx context.Context,
	db DBI,
	u *discordgo.User,
	decision Decision,
	seen time.Time,
) (*User, error) {
	user := newUser(u, seen)
	assignments := map[string]any{
		columnUserUsername:   user.Username,
		columnUserGlobalName: user.GlobalName,
		columnUserLastSeen:   user.LastSeen,
	}
	switch decision {
	case DecisionWarn:
		user.WarnCount = 1
		assignments[columnUserWarnCount] = gorm.Expr(columnUserWarnCount + " + 1")
	case DecisionTimeout:
		user.TimeoutCount = 1
		assignments[columnUserTimeoutCount] = gorm.Expr(columnUserTimeoutCount + " + 1")
	default:
	}

	err := db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "id"}},
					DoUpdates: clause.Assignments(assignments),
				},
			).Create(user).Error
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error saving user %s: %w", u.ID, err)
	}
	return user, nil
}
