package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MessageRetention is how long a message stays readable (24 hours).
const MessageRetention = 24 * time.Hour

// Message is one chat message as stored and as carried in packet payloads.
// TimeSent is milliseconds since the Unix epoch.
type Message struct {
	SenderID int64  `json:"senderId"`
	ChatID   int64  `json:"chatId"`
	TimeSent int64  `json:"timeSent"`
	Content  string `json:"content"`
}

// MessageBox stores each chat's messages in its own JSON file under a data
// directory. Expiry is lazy: every read prunes messages older than the
// retention window and rewrites the file before returning.
type MessageBox struct {
	dir string
	now func() time.Time

	mu    sync.Mutex // guards locks
	locks map[int64]*sync.Mutex
}

// NewMessageBox returns a store rooted at dir, creating it if needed.
func NewMessageBox(dir string) (*MessageBox, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create message directory: %w", err)
	}
	return &MessageBox{
		dir:   dir,
		now:   time.Now,
		locks: make(map[int64]*sync.Mutex),
	}, nil
}

// chatLock returns the per-chat mutex, creating it on first use.
func (mb *MessageBox) chatLock(chatID int64) *sync.Mutex {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	lock, ok := mb.locks[chatID]
	if !ok {
		lock = new(sync.Mutex)
		mb.locks[chatID] = lock
	}
	return lock
}

func (mb *MessageBox) path(chatID int64) string {
	return filepath.Join(mb.dir, fmt.Sprintf("chat-%d.json", chatID))
}

// Messages returns a chat's live messages, oldest first. Expired messages
// are dropped and the pruned file persisted before returning. A chat with
// no file yet gets an empty one created.
func (mb *MessageBox) Messages(chatID int64) ([]Message, error) {
	lock := mb.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	messages, err := mb.load(chatID)
	if err != nil {
		return nil, err
	}

	cutoff := mb.now().Add(-MessageRetention).UnixMilli()
	live := messages[:0]
	for _, m := range messages {
		if m.TimeSent >= cutoff {
			live = append(live, m)
		}
	}

	if err := mb.save(chatID, live); err != nil {
		return nil, err
	}
	return live, nil
}

// Append stores a message at the end of its chat's file.
func (mb *MessageBox) Append(msg Message) error {
	lock := mb.chatLock(msg.ChatID)
	lock.Lock()
	defer lock.Unlock()

	messages, err := mb.load(msg.ChatID)
	if err != nil {
		return err
	}
	return mb.save(msg.ChatID, append(messages, msg))
}

func (mb *MessageBox) load(chatID int64) ([]Message, error) {
	data, err := os.ReadFile(mb.path(chatID))
	if os.IsNotExist(err) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message box for chat %d: %w", chatID, err)
	}

	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("message box for chat %d is corrupt: %w", chatID, err)
	}
	return messages, nil
}

func (mb *MessageBox) save(chatID int64, messages []Message) error {
	if messages == nil {
		messages = []Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	if err := os.WriteFile(mb.path(chatID), data, 0644); err != nil {
		return fmt.Errorf("failed to write message box for chat %d: %w", chatID, err)
	}
	return nil
}
