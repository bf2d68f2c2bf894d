package gpbot

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lmittmann/tint"
)

// ChatReply is the result of [ChatOrchestrator.Respond]
type ChatReply struct {
	Text string

	// Fallback is true if Text is a fallback error message rather
	// than an answer from the backend
	Fallback bool

	// Err is the backend error, if the backend call failed
	Err error
}

func (r ChatReply) outcome() string {
	switch {
	case r.Err != nil:
		return metricOutcomeError
	case r.Fallback:
		return metricOutcomeFallback
	default:
		return metricOutcomeSuccess
	}
}

// ChatOrchestrator answers a user message using their conversation
// history, and records the exchange. It's the only writer to the
// ConversationStore. Cooldowns are the caller's responsibility.
type ChatOrchestrator struct {
	store          ConversationStore
	assembler      PromptAssembler
	backend        Completer
	recordFallback bool
	locks          *keyLocker
	logger         *slog.Logger
}

// NewChatOrchestrator returns a ChatOrchestrator. If recordFallback is
// false, exchanges that produced a fallback message are not added to
// history. If serialize is true, concurrent calls for the same key run
// one at a time.
func NewChatOrchestrator(
	store ConversationStore,
	assembler PromptAssembler,
	backend Completer,
	recordFallback bool,
	serialize bool,
	logger *slog.Logger,
) *ChatOrchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &ChatOrchestrator{
		store:          store,
		assembler:      assembler,
		backend:        backend,
		recordFallback: recordFallback,
		logger:         logger,
	}
	if serialize {
		o.locks = newKeyLocker()
	}
	return o
}

// Respond reads the key's history, builds a prompt, calls the backend
// and interprets the result. The user message and the reply text are
// then appended to history, user first.
//
// Respond does not fail. Backend errors produce [BackendErrorMessage]
// and unusable completions produce [FallbackAnswerMessage].
func (o *ChatOrchestrator) Respond(
	ctx context.Context,
	key ConversationKey,
	message string,
) ChatReply {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = o.logger
	}

	if o.locks != nil {
		unlock := o.locks.Lock(key)
		defer unlock()
	}

	history, err := o.store.Get(ctx, key)
	if err != nil {
		logger.WarnContext(
			ctx,
			"error reading history, continuing without it",
			tint.Err(err),
			"key", key.String(),
		)
		history = nil
	}

	prompt := o.assembler.Build(message, history)

	var reply ChatReply
	completion, err := o.backend.Complete(ctx, prompt)
	if err != nil {
		reply = ChatReply{Text: BackendErrorMessage, Fallback: true, Err: err}
	} else {
		text := Interpret(completion)
		reply = ChatReply{Text: text, Fallback: text == FallbackAnswerMessage}
	}

	if reply.Fallback && !o.recordFallback {
		return reply
	}

	if e := o.store.Append(
		ctx,
		key,
		HistoryEntry{Role: RoleUser, Content: message},
		HistoryEntry{Role: RoleAssistant, Content: reply.Text},
	); e != nil {
		logger.ErrorContext(
			ctx,
			"error recording history",
			tint.Err(e),
			"key", key.String(),
		)
	}
	return reply
}

// keyLocker hands out one mutex per ConversationKey, dropping it once
// nobody holds or waits on it
type keyLocker struct {
	mu    sync.Mutex
	locks map[ConversationKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: map[ConversationKey]*keyLock{}}
}

// Lock blocks until the key is available, and returns a function
// releasing it
func (k *keyLocker) Lock(key ConversationKey) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocker) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
