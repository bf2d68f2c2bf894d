package gpbot

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnswerEmbed(t *testing.T) {
	t.Parallel()
	u := &discordgo.User{ID: "42", Username: "someone", Discriminator: "0"}

	embed := answerEmbed("GP Team Assistant", u, "what is gp team?", "a community")
	assert.Equal(t, "🤖 GP Team Assistant", embed.Title)
	assert.Equal(t, "a community", embed.Description)
	assert.Equal(t, embedColor, embed.Color)
	assert.Equal(t, discordgo.EmbedTypeRich, embed.Type)
	require.NotNil(t, embed.Footer)
	assert.Equal(t, "Question From: someone", embed.Footer.Text)
	require.Len(t, embed.Fields, 1)
	assert.Equal(t, embedQuestionFieldName, embed.Fields[0].Name)
	assert.Equal(t, "what is gp team?", embed.Fields[0].Value)
	assert.False(t, embed.Fields[0].Inline)
}

func TestAnswerEmbed_Truncated(t *testing.T) {
	t.Parallel()
	answer := strings.Repeat("ج", embedDescriptionMaxLength+100)
	question := strings.Repeat("q", embedQuestionMaxLength+1)

	embed := answerEmbed("GP", nil, question, answer)
	assert.Equal(t, embedDescriptionMaxLength, utf8.RuneCountInString(embed.Description))
	assert.Equal(t, embedQuestionMaxLength, utf8.RuneCountInString(embed.Fields[0].Value))
	assert.Empty(t, embed.Footer.Text)
}

func TestCooldownMessage(t *testing.T) {
	t.Parallel()
	msg := cooldownMessage("GP Team Assistant", 5)
	assert.Equal(
		t,
		"⏳  Please wait 5 Seconds (GP Team Assistant Cooldown)\n"+
			" ⏳  الرجاء انتظار 5 ثواني (GP Team Assistant Cooldown)",
		msg,
	)
}

func TestSetChannelSuccess(t *testing.T) {
	t.Parallel()
	assert.True(t, strings.HasSuffix(setChannelSuccess("123"), "<#123>"))
}

func TestNotices(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "⚠️ Security system (AI) warning: rude", warningNotice("rude"))

	notice := timeoutNotice(DefaultModerationTimeout, "threats")
	assert.Contains(t, notice, "15 minutes")
	assert.True(t, strings.HasSuffix(notice, "Reason (AI AutoMod): threats"))
}
