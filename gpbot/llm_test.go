package gpbot

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLLM(t testing.TB, client OpenAIClient, cfgs ...func(c *LLMConfig)) *LLM {
	t.Helper()
	cfg := defaultLLMConfig(DefaultChatModel)
	cfg.Token = "test-token"
	cfg.LogLevel.Set(slog.LevelWarn)
	cfg.MaxRequestsPerSecond = 0
	for _, f := range cfgs {
		f(&cfg)
	}
	l := newLLM(llmBackendChat, cfg, nil, NewMetrics())
	l.client = client
	return l
}

func TestLLM_Complete(t *testing.T) {
	t.Parallel()
	client := newMockOpenAIClient()
	client.respond = func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return textResponse("hello"), nil
	}
	l := newTestLLM(t, client)

	completion, err := l.Complete(context.Background(), "the prompt")
	require.NoError(t, err)
	assert.Equal(t, "hello", Interpret(completion))

	requests := client.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, DefaultChatModel, requests[0].Model)
	require.Len(t, requests[0].Messages, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, requests[0].Messages[0].Role)
	assert.Equal(t, "the prompt", requests[0].Messages[0].Content)
}

func TestLLM_CompleteNoChoices(t *testing.T) {
	t.Parallel()
	client := newMockOpenAIClient()
	client.respond = func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, nil
	}
	l := newTestLLM(t, client)

	_, err := l.Complete(context.Background(), "the prompt")
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestLLM_CircuitBreaker(t *testing.T) {
	t.Parallel()
	backendErr := errors.New("500 internal error")
	client := newMockOpenAIClient()
	client.respond = func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, backendErr
	}
	l := newTestLLM(
		t, client, func(c *LLMConfig) {
			c.Breaker.MaxFailures = 2
			c.Breaker.OpenTimeout = time.Hour
		},
	)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Complete(ctx, "prompt")
		assert.ErrorIs(t, err, backendErr)
		assert.NotErrorIs(t, err, ErrBackendUnavailable)
	}

	_, err := l.Complete(ctx, "prompt")
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Len(t, client.Requests(), 2, "open breaker should skip the backend")
}

func TestLLM_CanceledContext(t *testing.T) {
	t.Parallel()
	client := newMockOpenAIClient()
	client.respond = func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return textResponse("hello"), nil
	}
	l := newTestLLM(
		t, client, func(c *LLMConfig) {
			c.MaxRequestsPerSecond = 1
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Complete(ctx, "prompt")
	assert.Error(t, err)
	assert.Empty(t, client.Requests())
}

func TestCompletionFromResponse(t *testing.T) {
	t.Parallel()
	resp := openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				FinishReason: openai.FinishReasonContentFilter,
				Message:      openai.ChatCompletionMessage{Content: "blocked"},
			},
			{
				FinishReason: openai.FinishReasonStop,
				Message: openai.ChatCompletionMessage{
					MultiContent: []openai.ChatMessagePart{
						{Type: openai.ChatMessagePartTypeText, Text: "part one"},
						{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: "x"}},
						{Type: openai.ChatMessagePartTypeText, Text: ""},
						{Type: openai.ChatMessagePartTypeText, Text: "part two"},
					},
				},
			},
			{FinishReason: openai.FinishReasonStop},
		},
	}

	c := completionFromResponse(resp)
	assert.Equal(
		t,
		&Completion{
			Candidates: []Candidate{
				{FinishReason: "content_filter", Parts: []string{"blocked"}},
				{FinishReason: "stop", Parts: []string{"part one", "part two"}},
				{FinishReason: "stop"},
			},
		},
		c,
	)
	assert.Equal(t, "part one\npart two", Interpret(c))
}

func TestNewRequestLimiter(t *testing.T) {
	t.Parallel()
	assert.True(t, newRequestLimiter(0).Allow())
	assert.True(t, newRequestLimiter(-1).Allow())

	limited := newRequestLimiter(0.5)
	assert.Equal(t, 1, limited.Burst())
	assert.True(t, limited.Allow())
	assert.False(t, limited.Allow())
}
