package gpbot

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

const (
	embedColor                = 0x00AEFF
	embedDescriptionMaxLength = 4000
	embedQuestionMaxLength    = 1024
	embedQuestionFieldName    = "📝 Your Question:"
)

// User-facing messages
const (
	wrongChannelMessage      = "❌ هذا الأمر يمكن استخدامه فقط في قناة الذكاء المحددة لـ GP Team."
	setChannelDeniedMessage  = "❌ This Command To Team Only (Administrator Required)."
	setChannelErrorMessage   = "❌ حدث خطأ غير متوقع أثناء تنفيذ الأمر /setchannel."
	resetChatMessage         = "🧹Your conversation history in this channel has been cleared."
	setChannelSuccessMessage = "✅ تم تحديد قناة الذكاء الاصطناعي الخاصة بـ **GP Team** إلى: <#%s>"
)

// answerEmbed renders a chat answer, with the question attached below it
func answerEmbed(
	assistantName string,
	u *discordgo.User,
	question string,
	answer string,
) *discordgo.MessageEmbed {
	var footer string
	if u != nil {
		footer = fmt.Sprintf("Question From: %s", u.String())
	}
	return &discordgo.MessageEmbed{
		Type:        discordgo.EmbedTypeRich,
		Title:       "🤖 " + assistantName,
		Description: truncate(answer, embedDescriptionMaxLength),
		Color:       embedColor,
		Footer:      &discordgo.MessageEmbedFooter{Text: footer},
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   embedQuestionFieldName,
				Value:  truncate(question, embedQuestionMaxLength),
				Inline: false,
			},
		},
	}
}

// cooldownMessage is shown to users who are still on cooldown
func cooldownMessage(assistantName string, window int) string {
	return fmt.Sprintf(
		"⏳  Please wait %d Seconds (%s Cooldown)\n ⏳  الرجاء انتظار %d ثواني (%s Cooldown)",
		window, assistantName, window, assistantName,
	)
}

func setChannelSuccess(channelID string) string {
	return fmt.Sprintf(setChannelSuccessMessage, channelID)
}
