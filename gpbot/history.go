package gpbot

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Role identifies the author of a [HistoryEntry]
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var ErrHistoryUnavailable = errors.New("conversation history unavailable")

// ConversationKey addresses the history of one user in one channel.
// History is never shared across channels or users.
type ConversationKey struct {
	ChannelID string `json:"channel_id" uri:"channel_id" binding:"required"`
	UserID    string `json:"user_id" uri:"user_id" binding:"required"`
}

func (k ConversationKey) String() string {
	return fmt.Sprintf("%s:%s", k.ChannelID, k.UserID)
}

type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ConversationStore holds a bounded, ordered history per ConversationKey.
//
// After Append returns, the key's history holds at most the store's
// maximum number of entries, with the oldest entries dropped first.
// Get returns an empty slice for unknown keys. Reset deletes the key,
// and is a no-op for unknown keys.
//
// Implementations must be safe for concurrent use.
type ConversationStore interface {
	Append(ctx context.Context, key ConversationKey, entries ...HistoryEntry) error
	Get(ctx context.Context, key ConversationKey) ([]HistoryEntry, error)
	Reset(ctx context.Context, key ConversationKey) error
}

// MemoryHistory is an in-process ConversationStore. Its contents
// don't survive a restart.
type MemoryHistory struct {
	mu         sync.RWMutex
	maxEntries int
	history    map[ConversationKey][]HistoryEntry
}

func NewMemoryHistory(maxEntries int) *MemoryHistory {
	return &MemoryHistory{
		maxEntries: maxEntries,
		history:    map[ConversationKey][]HistoryEntry{},
	}
}

func (m *MemoryHistory) Append(
	_ context.Context,
	key ConversationKey,
	entries ...HistoryEntry,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range entries {
		h := append(m.history[key], entry)
		if len(h) > m.maxEntries {
			trimmed := make([]HistoryEntry, m.maxEntries)
			copy(trimmed, h[len(h)-m.maxEntries:])
			h = trimmed
		}
		m.history[key] = h
	}
	return nil
}

// Get returns a copy of the key's history, oldest first
func (m *MemoryHistory) Get(
	_ context.Context,
	key ConversationKey,
) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := m.history[key]
	out := make([]HistoryEntry, len(h))
	copy(out, h)
	return out, nil
}

func (m *MemoryHistory) Reset(_ context.Context, key ConversationKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, key)
	return nil
}

// Len returns the number of keys currently held
func (m *MemoryHistory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.history)
}
