package gpbot

import (
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// InteractionLog is a record of a slash command interaction received
// from the gateway
//
//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	Command       string `json:"command" gorm:"type:string;index"`
	UserID        string `json:"user_id" gorm:"not null;index"`
	Username      string `json:"username" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		interactionLog.Command = i.ApplicationCommandData().Name
	}
	return interactionLog, nil
}

// interactionUser returns the user who triggered the interaction,
// whether it happened in a guild or a DM
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}
