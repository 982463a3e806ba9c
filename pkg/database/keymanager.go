package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrNoUserKey is returned when a user has not initialized a key pair yet.
var ErrNoUserKey = errors.New("user has no key pair")

// UserKey is a user's asymmetric key pair as the client produced it: the
// public half is a JSON object (a JWK), the private half an opaque
// encrypted string. The server never interprets key material.
type UserKey struct {
	PublicKey  map[string]any `json:"publicKey"`
	PrivateKey string         `json:"privateKey"`
}

// keyRecord is one user's entry in the key file.
type keyRecord struct {
	UserKey  *UserKey         `json:"userKey"`
	ChatKeys map[string]string `json:"chatKeys"`
}

// KeyStore persists every user's key pair and per-chat keys in a single
// JSON file, keyed by user id.
type KeyStore struct {
	path string

	mu      sync.Mutex
	records map[string]*keyRecord
}

// OpenKeyStore loads (or initializes) the key file at path.
func OpenKeyStore(path string) (*KeyStore, error) {
	ks := &KeyStore{path: path, records: make(map[string]*keyRecord)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ks, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key store: %w", err)
	}
	if err := json.Unmarshal(data, &ks.records); err != nil {
		return nil, fmt.Errorf("key store is corrupt: %w", err)
	}
	return ks, nil
}

// UserKey returns a user's full key pair, or ErrNoUserKey.
func (ks *KeyStore) UserKey(userID int64) (*UserKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	rec, ok := ks.records[fmt.Sprint(userID)]
	if !ok || rec.UserKey == nil {
		return nil, ErrNoUserKey
	}
	key := *rec.UserKey
	return &key, nil
}

// PublicKey returns only the public half of a user's key pair.
func (ks *KeyStore) PublicKey(userID int64) (map[string]any, error) {
	key, err := ks.UserKey(userID)
	if err != nil {
		return nil, err
	}
	return key.PublicKey, nil
}

// InitUserKey replaces a user's key pair and discards their chat keys.
func (ks *KeyStore) InitUserKey(userID int64, key UserKey) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.records[fmt.Sprint(userID)] = &keyRecord{
		UserKey:  &key,
		ChatKeys: make(map[string]string),
	}
	return ks.save()
}

// AddChatKey stores a user's copy of a chat key.
func (ks *KeyStore) AddChatKey(userID, chatID int64, chatKey string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	rec, ok := ks.records[fmt.Sprint(userID)]
	if !ok || rec.UserKey == nil {
		return ErrNoUserKey
	}
	if rec.ChatKeys == nil {
		rec.ChatKeys = make(map[string]string)
	}
	rec.ChatKeys[fmt.Sprint(chatID)] = chatKey
	return ks.save()
}

// ChatKeys returns a user's chat keys keyed by chat id.
func (ks *KeyStore) ChatKeys(userID int64) (map[string]string, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	rec, ok := ks.records[fmt.Sprint(userID)]
	if !ok || rec.UserKey == nil {
		return nil, ErrNoUserKey
	}
	keys := make(map[string]string, len(rec.ChatKeys))
	for id, key := range rec.ChatKeys {
		keys[id] = key
	}
	return keys, nil
}

// save writes the full record map; callers hold ks.mu.
func (ks *KeyStore) save() error {
	data, err := json.Marshal(ks.records)
	if err != nil {
		return err
	}
	if err := os.WriteFile(ks.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key store: %w", err)
	}
	return nil
}
