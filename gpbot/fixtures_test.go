package gpbot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

const (
	testGuildID             = "100000000000000001"
	testDesignatedChannelID = "200000000000000001"
	testOtherChannelID      = "200000000000000002"
	testAdminRoleID         = "300000000000000001"
)

var testIDCounter atomic.Int64

// newTestID returns a unique snowflake-ish ID
func newTestID() string {
	return fmt.Sprintf("9%017d", testIDCounter.Add(1))
}

func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, "gpbot_test.sqlite3")
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.Discord.Token = "test-discord-token"
	cfg.Discord.ApplicationID = newTestID()
	cfg.Chat.Token = "test-chat-token"
	cfg.Moderation.Token = "test-moderation-token"
	cfg.Chat.MaxRequestsPerSecond = 0
	cfg.Moderation.MaxRequestsPerSecond = 0
	cfg.API.Secret = "aksdfjakjsfdajfefIJHShi sfEISHSIDF HSIHDF"
	cfg.API.CORS.AllowOrigins = []string{"*"}

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.Chat.LogLevel.Set(logLevel)
	cfg.Moderation.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)
	return cfg
}

// testBot is a Bot with its Discord session and completion backends
// mocked out
type testBot struct {
	*Bot
	session    *mockDiscordSession
	chat       *mockOpenAIClient
	moderation *mockOpenAIClient
}

// newTestBot returns a bot with an initialized sqlite database in a temp
// dir, a mock Discord session and mock completion backends. The chat
// backend answers "answer: <n>" for the nth request, and the moderation
// backend considers everything safe.
func newTestBot(t testing.TB, cfgs ...func(c *Config)) *testBot {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard

	cfg := DefaultTestConfig(t)
	for _, f := range cfgs {
		f(cfg)
	}

	bot, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)
	require.NoError(t, bot.initDB(ctx))
	t.Cleanup(
		func() {
			sqlDB, _ := bot.db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	tb := &testBot{
		Bot:        bot,
		session:    newMockDiscordSession(),
		chat:       newMockOpenAIClient(),
		moderation: newMockOpenAIClient(),
	}
	tb.chat.respond = func(n int, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return textResponse(fmt.Sprintf("answer: %d", n)), nil
	}
	tb.moderation.respond = func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return textResponse(safeVerdictJSON), nil
	}

	bot.discord.session = tb.session
	bot.chatLLM.client = tb.chat
	bot.moderationLLM.client = tb.moderation
	return tb
}

// setDesignatedChannel sets the designated channel directly on the
// database and runtime config
func (tb *testBot) setDesignatedChannel(t testing.TB, channelID string) {
	t.Helper()
	require.NoError(t, tb.SetDesignatedChannel(context.Background(), channelID))
}

const (
	safeVerdictJSON = `{"is_violation": false, "category": "none", "severity": "low", ` +
		`"recommended_action": "none", "reason": ""}`
	warnVerdictJSON = `{"is_violation": true, "category": "insult", "severity": "medium", ` +
		`"recommended_action": "warn", "reason": "insulting language"}`
	timeoutVerdictJSON = `{"is_violation": true, "category": "threat", "severity": "high", ` +
		`"recommended_action": "timeout_15m", "reason": "threatening another member"}`
)

func textResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID: newTestID(),
		Choices: []openai.ChatCompletionChoice{
			{
				Index:        0,
				Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
				FinishReason: openai.FinishReasonStop,
			},
		},
	}
}

// mockOpenAIClient implements OpenAIClient, recording each request
type mockOpenAIClient struct {
	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
	respond  func(n int, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

func newMockOpenAIClient() *mockOpenAIClient {
	return &mockOpenAIClient{}
}

func (m *mockOpenAIClient) CreateChatCompletion(
	ctx context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, request)
	n := len(m.requests)
	respond := m.respond
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	if respond == nil {
		return openai.ChatCompletionResponse{}, errors.New("no response configured")
	}
	return respond(n, request)
}

func (m *mockOpenAIClient) Requests() []openai.ChatCompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]openai.ChatCompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// lastPrompt returns the content of the most recent request
func (m *mockOpenAIClient) lastPrompt(t testing.TB) string {
	t.Helper()
	requests := m.Requests()
	require.NotEmpty(t, requests)
	last := requests[len(requests)-1]
	require.Len(t, last.Messages, 1)
	return last.Messages[0].Content
}

// stubCompleter is a Completer returning a fixed completion or error
type stubCompleter struct {
	mu         sync.Mutex
	completion *Completion
	err        error
	prompts    []string
}

func (s *stubCompleter) Complete(_ context.Context, prompt string) (*Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	return s.completion, s.err
}

func (s *stubCompleter) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}

type sentMessage struct {
	ChannelID string
	Content   string
}

type sentComplexMessage struct {
	ChannelID string
	Data      *discordgo.MessageSend
}

type memberTimeout struct {
	GuildID string
	UserID  string
	Until   time.Time
}

// mockDiscordSession implements DiscordSessionHandler, recording calls
// instead of sending them to Discord
type mockDiscordSession struct {
	mu sync.Mutex

	opened        bool
	closed        bool
	handlers      int
	responses     []*discordgo.InteractionResponse
	edits         []*discordgo.WebhookEdit
	messages      []sentMessage
	replies       []sentComplexMessage
	timeouts      []memberTimeout
	dmChannels    []string
	statusUpdates []discordgo.UpdateStatusData
	commands      []*discordgo.ApplicationCommand

	timeoutErr error
	dmErr      error
	replyErr   error
	logLevel   slog.Level
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{}
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockDiscordSession) AddHandler(_ any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers++
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.handlers--
	}
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = commands
	created := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		created[i] = &discordgo.ApplicationCommand{
			ID:          newTestID(),
			Name:        c.Name,
			Description: c.Description,
		}
	}
	return created, nil
}

func (m *mockDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusUpdates = append(m.statusUpdates, data)
	return nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, newresp)
	return &discordgo.Message{ID: newTestID()}, nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, sentMessage{ChannelID: channelID, Content: content})
	return &discordgo.Message{ID: newTestID(), ChannelID: channelID, Content: content}, nil
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replyErr != nil {
		return nil, m.replyErr
	}
	m.replies = append(m.replies, sentComplexMessage{ChannelID: channelID, Data: data})
	return &discordgo.Message{ID: newTestID(), ChannelID: channelID, Content: data.Content}, nil
}

func (m *mockDiscordSession) GuildMemberTimeout(
	guildID string,
	userID string,
	until *time.Time,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timeoutErr != nil {
		return m.timeoutErr
	}
	m.timeouts = append(m.timeouts, memberTimeout{GuildID: guildID, UserID: userID, Until: *until})
	return nil
}

func (m *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dmErr != nil {
		return nil, m.dmErr
	}
	m.dmChannels = append(m.dmChannels, recipientID)
	return &discordgo.Channel{ID: "dm-" + recipientID, Type: discordgo.ChannelTypeDM}, nil
}

func (m *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logLevel = lvl
	return nil
}

func (m *mockDiscordSession) Responses() []*discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.InteractionResponse{}, m.responses...)
}

func (m *mockDiscordSession) Edits() []*discordgo.WebhookEdit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.WebhookEdit{}, m.edits...)
}

func (m *mockDiscordSession) Messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage{}, m.messages...)
}

func (m *mockDiscordSession) Replies() []sentComplexMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentComplexMessage{}, m.replies...)
}

func (m *mockDiscordSession) Timeouts() []memberTimeout {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]memberTimeout{}, m.timeouts...)
}

func (m *mockDiscordSession) StatusUpdates() []discordgo.UpdateStatusData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]discordgo.UpdateStatusData{}, m.statusUpdates...)
}

func newDiscordUser() *discordgo.User {
	id := newTestID()
	return &discordgo.User{
		ID:         id,
		Username:   "user" + id[len(id)-4:],
		GlobalName: "User " + id[len(id)-4:],
	}
}

// newGuildMessage returns a MessageCreate event for a guild message
// from the given user
func newGuildMessage(
	u *discordgo.User,
	channelID string,
	content string,
	roles ...string,
) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        newTestID(),
			ChannelID: channelID,
			GuildID:   testGuildID,
			Content:   content,
			Author:    u,
			Member:    &discordgo.Member{Roles: roles},
			Timestamp: time.Now(),
		},
	}
}

// newCommandInteraction returns an application command interaction
// invoked in the guild by the given user
func newCommandInteraction(
	u *discordgo.User,
	channelID string,
	command string,
	permissions int64,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        newTestID(),
			AppID:     newTestID(),
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   testGuildID,
			ChannelID: channelID,
			Token:     "interaction-token-" + newTestID(),
			Member: &discordgo.Member{
				User:        u,
				Permissions: permissions,
			},
			Data: discordgo.ApplicationCommandInteractionData{
				ID:      newTestID(),
				Name:    command,
				Options: options,
			},
		},
	}
}

func newChatInteraction(u *discordgo.User, channelID, message string) *discordgo.InteractionCreate {
	return newCommandInteraction(
		u,
		channelID,
		DiscordSlashCommandChat,
		0,
		&discordgo.ApplicationCommandInteractionDataOption{
			Name:  chatCommandMessageOption,
			Type:  discordgo.ApplicationCommandOptionString,
			Value: message,
		},
	)
}

func newSetChannelInteraction(
	u *discordgo.User,
	channelID string,
	targetChannelID string,
	permissions int64,
) *discordgo.InteractionCreate {
	return newCommandInteraction(
		u,
		channelID,
		DiscordSlashCommandSetChannel,
		permissions,
		&discordgo.ApplicationCommandInteractionDataOption{
			Name:  setChannelCommandChannelOption,
			Type:  discordgo.ApplicationCommandOptionChannel,
			Value: targetChannelID,
		},
	)
}
