package gpbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

var (
	columnRuntimeConfigDesignatedChannelID = "designated_channel_id"
	columnRuntimeConfigModerationEnabled   = "moderation_enabled"
	columnRuntimeConfigAdminUsername       = "admin_username"
	columnRuntimeConfigAdminPassword       = "admin_password"
	columnRuntimeConfigDiscordCustomStatus = "discord_custom_status"
)

// RuntimeConfig holds the settings that can be changed while the bot
// is running, and are kept across restarts. There is a single row.
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// DesignatedChannelID is the channel where /chat may be used, and
	// where plain messages are answered. Empty until set with
	// /setchannel, in which case /chat works everywhere.
	DesignatedChannelID string `json:"designated_channel_id" gorm:"type:string"`

	// ModerationEnabled toggles passive message moderation
	ModerationEnabled bool `json:"moderation_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus overrides the configured 'watching' activity
	// shown on the bot's presence, if set
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// AdminUsername for the admin API
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"-" gorm:"type:string" log:"[redacted]"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func (r RuntimeConfig) LogValue() slog.Value {
	return structToSlogValue(r)
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		ModerationEnabled: true,
	}
}

// RuntimeConfigUpdate is the body accepted by the admin API to update
// RuntimeConfig. Nil fields are left unchanged.
//
//nolint:lll // struct tags can't be split
type RuntimeConfigUpdate struct {
	DesignatedChannelID *string `json:"designated_channel_id" binding:"omitnil,omitempty,numeric,max=32"`
	ModerationEnabled   *bool   `json:"moderation_enabled" binding:"omitnil"`
	DiscordCustomStatus *string `json:"discord_custom_status" binding:"omitnil,max=128"`
}

// columns returns the column/value pairs set on the update
func (u RuntimeConfigUpdate) columns() map[string]any {
	updates := map[string]any{}
	if u.DesignatedChannelID != nil {
		updates[columnRuntimeConfigDesignatedChannelID] = *u.DesignatedChannelID
	}
	if u.ModerationEnabled != nil {
		updates[columnRuntimeConfigModerationEnabled] = *u.ModerationEnabled
	}
	if u.DiscordCustomStatus != nil {
		updates[columnRuntimeConfigDiscordCustomStatus] = *u.DiscordCustomStatus
	}
	return updates
}

// apply sets the update's values on rc
func (u RuntimeConfigUpdate) apply(rc *RuntimeConfig) {
	if u.DesignatedChannelID != nil {
		rc.DesignatedChannelID = *u.DesignatedChannelID
	}
	if u.ModerationEnabled != nil {
		rc.ModerationEnabled = *u.ModerationEnabled
	}
	if u.DiscordCustomStatus != nil {
		rc.DiscordCustomStatus = *u.DiscordCustomStatus
	}
}

// loadRuntimeConfig returns the first RuntimeConfig row, creating it with
// defaults if the table is empty.
func loadRuntimeConfig(ctx context.Context, db DBI) (*RuntimeConfig, error) {
	var cfg RuntimeConfig
	err := db.DB().WithContext(ctx).Last(&cfg).Error
	switch {
	case err == nil:
		return &cfg, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		cfg = DefaultRuntimeConfig()
		if _, e := db.Create(ctx, &cfg); e != nil {
			return nil, fmt.Errorf("error creating runtime config: %w", e)
		}
		return &cfg, nil
	default:
		return nil, fmt.Errorf("error loading runtime config: %w", err)
	}
}

// SetAdminCredentials sets the admin username and (hashed) password on
// the RuntimeConfig row, creating the row if needed.
func SetAdminCredentials(ctx context.Context, db *gorm.DB, username, password string) error {
	if username == "" || password == "" {
		return errors.New("username and password must be set")
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	wdb := NewDatabase(db, nil, false)
	cfg, err := loadRuntimeConfig(ctx, wdb)
	if err != nil {
		return err
	}
	_, err = wdb.Updates(
		ctx,
		cfg,
		map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: hashed,
		},
	)
	return err
}

// AdminCredentialsSet reports whether an admin username and password
// have been saved
func AdminCredentialsSet(ctx context.Context, db *gorm.DB) (bool, error) {
	cfg, err := loadRuntimeConfig(ctx, NewDatabase(db, nil, false))
	if err != nil {
		return false, err
	}
	return cfg.AdminUsername != "" && cfg.AdminPassword != "", nil
}
