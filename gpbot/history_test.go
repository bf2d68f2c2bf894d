package gpbot

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userEntry(content string) HistoryEntry {
	return HistoryEntry{Role: RoleUser, Content: content}
}

func assistantEntry(content string) HistoryEntry {
	return HistoryEntry{Role: RoleAssistant, Content: content}
}

// testConversationStore runs the behavior every ConversationStore
// implementation must have
func testConversationStore(t *testing.T, newStore func(t *testing.T, maxEntries int) ConversationStore) {
	t.Helper()
	ctx := context.Background()

	t.Run(
		"unknown key is empty", func(t *testing.T) {
			store := newStore(t, 8)
			h, err := store.Get(ctx, ConversationKey{ChannelID: "c1", UserID: "u1"})
			require.NoError(t, err)
			assert.NotNil(t, h)
			assert.Empty(t, h)
		},
	)

	t.Run(
		"append keeps order", func(t *testing.T) {
			store := newStore(t, 8)
			key := ConversationKey{ChannelID: "c1", UserID: "u1"}
			require.NoError(t, store.Append(ctx, key, userEntry("hi"), assistantEntry("hello")))
			require.NoError(t, store.Append(ctx, key, userEntry("how are you")))

			h, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(
				t,
				[]HistoryEntry{userEntry("hi"), assistantEntry("hello"), userEntry("how are you")},
				h,
			)
		},
	)

	t.Run(
		"oldest entries are dropped", func(t *testing.T) {
			store := newStore(t, 8)
			key := ConversationKey{ChannelID: "c1", UserID: "u1"}
			for i := 1; i <= 10; i++ {
				require.NoError(t, store.Append(ctx, key, userEntry(fmt.Sprintf("m%d", i))))
			}
			h, err := store.Get(ctx, key)
			require.NoError(t, err)
			require.Len(t, h, 8)
			assert.Equal(t, "m3", h[0].Content)
			assert.Equal(t, "m10", h[7].Content)
		},
	)

	t.Run(
		"keys are isolated", func(t *testing.T) {
			store := newStore(t, 8)
			a := ConversationKey{ChannelID: "c1", UserID: "u1"}
			b := ConversationKey{ChannelID: "c2", UserID: "u1"}
			c := ConversationKey{ChannelID: "c1", UserID: "u2"}
			require.NoError(t, store.Append(ctx, a, userEntry("in c1")))
			require.NoError(t, store.Append(ctx, b, userEntry("in c2")))

			h, err := store.Get(ctx, a)
			require.NoError(t, err)
			assert.Equal(t, []HistoryEntry{userEntry("in c1")}, h)

			h, err = store.Get(ctx, b)
			require.NoError(t, err)
			assert.Equal(t, []HistoryEntry{userEntry("in c2")}, h)

			h, err = store.Get(ctx, c)
			require.NoError(t, err)
			assert.Empty(t, h)
		},
	)

	t.Run(
		"reset", func(t *testing.T) {
			store := newStore(t, 8)
			key := ConversationKey{ChannelID: "c1", UserID: "u1"}
			other := ConversationKey{ChannelID: "c1", UserID: "u2"}
			require.NoError(t, store.Append(ctx, key, userEntry("hi")))
			require.NoError(t, store.Append(ctx, other, userEntry("hey")))

			require.NoError(t, store.Reset(ctx, key))
			h, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.Empty(t, h)

			h, err = store.Get(ctx, other)
			require.NoError(t, err)
			assert.Len(t, h, 1, "reset only affects its own key")

			// unknown keys are a no-op
			assert.NoError(t, store.Reset(ctx, ConversationKey{ChannelID: "x", UserID: "y"}))
		},
	)

	t.Run(
		"get returns a copy", func(t *testing.T) {
			store := newStore(t, 8)
			key := ConversationKey{ChannelID: "c1", UserID: "u1"}
			require.NoError(t, store.Append(ctx, key, userEntry("hi")))
			h, err := store.Get(ctx, key)
			require.NoError(t, err)
			h[0].Content = "changed"

			h, err = store.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, "hi", h[0].Content)
		},
	)
}

func TestMemoryHistory(t *testing.T) {
	t.Parallel()
	testConversationStore(
		t, func(t *testing.T, maxEntries int) ConversationStore {
			return NewMemoryHistory(maxEntries)
		},
	)
}

func TestMemoryHistory_ResetRemovesKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryHistory(8)
	key := ConversationKey{ChannelID: "c1", UserID: "u1"}
	require.NoError(t, store.Append(ctx, key, userEntry("hi")))
	assert.Equal(t, 1, store.Len())
	require.NoError(t, store.Reset(ctx, key))
	assert.Equal(t, 0, store.Len())
}

func TestMemoryHistory_ConcurrentAppend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryHistory(8)
	key := ConversationKey{ChannelID: "c1", UserID: "u1"}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, store.Append(ctx, key, userEntry(fmt.Sprintf("m%d", n))))
		}(i)
	}
	wg.Wait()

	h, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Len(t, h, 8)
}

func TestConversationKey_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "c1:u1", ConversationKey{ChannelID: "c1", UserID: "u1"}.String())
}
