package gpbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	llmBackendChat       = "chat"
	llmBackendModeration = "moderation"
)

var (
	// ErrBackendUnavailable is returned while the circuit breaker is open
	ErrBackendUnavailable = errors.New("completion backend unavailable")

	// ErrEmptyCompletion is returned when the backend returns no choices
	ErrEmptyCompletion = errors.New("completion backend returned no choices")
)

// OpenAIClient is the subset of the go-openai client used here, so it
// can be swapped for a mock in tests.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// Completer turns a prompt into a [Completion]
type Completer interface {
	Complete(ctx context.Context, prompt string) (*Completion, error)
}

// LLM is a Completer bound to one model on an OpenAI-compatible API.
// Requests are paced by a rate limiter and pass through a circuit
// breaker, so a failing backend is skipped quickly rather than
// waited on for every message.
type LLM struct {
	name           string
	client         OpenAIClient
	config         LLMConfig
	logger         *slog.Logger
	metrics        *Metrics
	requestLimiter *rate.Limiter
	breaker        *gobreaker.CircuitBreaker
	mu             sync.RWMutex
}

// newLLM creates an LLM named for the backend it serves ("chat" or
// "moderation"), using the given HTTP client if not nil.
func newLLM(
	name string,
	config LLMConfig,
	httpClient *http.Client,
	metrics *Metrics,
) *LLM {
	l := &LLM{
		name:    name,
		config:  config,
		metrics: metrics,
		logger:  newComponentLogger("llm", config.LogLevel).With("backend", name),
	}

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	l.client = openai.NewClientWithConfig(clientCfg)
	l.requestLimiter = newRequestLimiter(config.MaxRequestsPerSecond)
	l.breaker = gobreaker.NewCircuitBreaker(
		gobreaker.Settings{
			Name:    name,
			Timeout: config.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return config.Breaker.MaxFailures > 0 &&
					counts.ConsecutiveFailures >= config.Breaker.MaxFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(breakerName string, from gobreaker.State, to gobreaker.State) {
				l.logger.Warn(
					"circuit breaker state changed",
					"breaker", breakerName,
					"from", from.String(),
					"to", to.String(),
				)
			},
		},
	)
	return l
}

func newRequestLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), int(math.Max(1, perSecond)))
}

// SetRequestLimit replaces the request rate, in requests per second.
// 0 removes the limit.
func (l *LLM) SetRequestLimit(perSecond float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requestLimiter = newRequestLimiter(perSecond)
}

func (l *LLM) waitOnRequestLimiter(ctx context.Context) error {
	l.mu.RLock()
	requestLimiter := l.requestLimiter
	l.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

// Complete sends the prompt to the backend as a single user message.
//
// Returns:
//   - The completion, with one Candidate per returned choice.
//   - [ErrBackendUnavailable] if the circuit breaker is open, or any
//     error from the backend.
func (l *LLM) Complete(ctx context.Context, prompt string) (*Completion, error) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = l.logger
	}

	if err := l.waitOnRequestLimiter(ctx); err != nil {
		l.metrics.llmRequest(l.name, metricOutcomeError)
		return nil, fmt.Errorf("error waiting on request limiter: %w", err)
	}

	start := time.Now()
	result, err := l.breaker.Execute(
		func() (any, error) {
			reqCtx := ctx
			if l.config.RequestTimeout > 0 {
				var cancel context.CancelFunc
				reqCtx, cancel = context.WithTimeout(ctx, l.config.RequestTimeout)
				defer cancel()
			}
			resp, e := l.client.CreateChatCompletion(
				reqCtx,
				openai.ChatCompletionRequest{
					Model: l.config.Model,
					Messages: []openai.ChatCompletionMessage{
						{Role: openai.ChatMessageRoleUser, Content: prompt},
					},
				},
			)
			if e != nil {
				return nil, e
			}
			if len(resp.Choices) == 0 {
				return nil, ErrEmptyCompletion
			}
			return resp, nil
		},
	)
	elapsed := time.Since(start)

	if err != nil {
		l.metrics.llmRequest(l.name, metricOutcomeError)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			logger.WarnContext(ctx, "backend circuit open, skipping request")
			return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}
		logger.ErrorContext(
			ctx,
			"completion request failed",
			tint.Err(err),
			"model", l.config.Model,
			"duration", elapsed,
		)
		return nil, err
	}

	resp, _ := result.(openai.ChatCompletionResponse)
	l.metrics.llmRequest(l.name, metricOutcomeSuccess)
	logger.DebugContext(
		ctx,
		"completion request finished",
		"model", l.config.Model,
		"duration", elapsed,
		"choices", len(resp.Choices),
		"total_tokens", resp.Usage.TotalTokens,
	)
	return completionFromResponse(resp), nil
}

// completionFromResponse maps chat completion choices to candidates.
// Multi-part messages keep each text part separately.
func completionFromResponse(resp openai.ChatCompletionResponse) *Completion {
	c := &Completion{Candidates: make([]Candidate, 0, len(resp.Choices))}
	for _, choice := range resp.Choices {
		candidate := Candidate{FinishReason: string(choice.FinishReason)}
		switch {
		case len(choice.Message.MultiContent) > 0:
			for _, part := range choice.Message.MultiContent {
				if part.Type == openai.ChatMessagePartTypeText && part.Text != "" {
					candidate.Parts = append(candidate.Parts, part.Text)
				}
			}
		case choice.Message.Content != "":
			candidate.Parts = []string{choice.Message.Content}
		}
		c.Candidates = append(c.Candidates, candidate)
	}
	return c
}
