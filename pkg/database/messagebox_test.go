package database

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBox(t *testing.T) *MessageBox {
	t.Helper()
	mb, err := NewMessageBox(t.TempDir())
	require.NoError(t, err)
	return mb
}

func TestMessageBoxAppendAndRead(t *testing.T) {
	mb := testBox(t)
	now := time.Now().UnixMilli()

	require.NoError(t, mb.Append(Message{SenderID: 1, ChatID: 5, TimeSent: now, Content: "first"}))
	require.NoError(t, mb.Append(Message{SenderID: 2, ChatID: 5, TimeSent: now + 1, Content: "second"}))

	messages, err := mb.Messages(5)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "second", messages[1].Content)
}

func TestMessageBoxMissingFile(t *testing.T) {
	mb := testBox(t)

	messages, err := mb.Messages(9)
	require.NoError(t, err)
	assert.Empty(t, messages)

	// An empty file must have been persisted.
	data, err := os.ReadFile(mb.path(9))
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
}

func TestMessageBoxExpiry(t *testing.T) {
	mb := testBox(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mb.now = func() time.Time { return base }

	require.NoError(t, mb.Append(Message{ChatID: 1, TimeSent: base.Add(-25 * time.Hour).UnixMilli(), Content: "stale"}))
	require.NoError(t, mb.Append(Message{ChatID: 1, TimeSent: base.Add(-23 * time.Hour).UnixMilli(), Content: "fresh"}))

	messages, err := mb.Messages(1)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "fresh", messages[0].Content)

	// The prune is persisted: the stale message is gone even if the
	// clock later moves backwards.
	mb.now = func() time.Time { return base.Add(-2 * time.Hour) }
	messages, err = mb.Messages(1)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "fresh", messages[0].Content)
}

func TestMessageBoxChatsAreIsolated(t *testing.T) {
	mb := testBox(t)
	now := time.Now().UnixMilli()

	require.NoError(t, mb.Append(Message{ChatID: 1, TimeSent: now, Content: "one"}))
	require.NoError(t, mb.Append(Message{ChatID: 2, TimeSent: now, Content: "two"}))

	messages, err := mb.Messages(1)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "one", messages[0].Content)
}

func TestMessageBoxConcurrentAppends(t *testing.T) {
	mb := testBox(t)
	now := time.Now().UnixMilli()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, mb.Append(Message{SenderID: int64(i), ChatID: 3, TimeSent: now, Content: "msg"}))
		}(i)
	}
	wg.Wait()

	messages, err := mb.Messages(3)
	require.NoError(t, err)
	assert.Len(t, messages, 20)
}
