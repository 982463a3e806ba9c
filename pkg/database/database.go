// Package database holds the server's durable state: the relational store
// for the social graph and chats (sqlite), the per-chat message boxes and
// the end-to-end encryption key store.
package database

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyMember = errors.New("user is already a member of this chat")
)

// DB wraps the relational store. All access goes through parameterized
// queries; on a detected communication failure the handle is reopened and
// the query retried exactly once.
type DB struct {
	path string

	mu   sync.Mutex // guards conn replacement on reconnect
	conn *sql.DB
}

// Chat is a row of the Chats table, JSON-shaped for packet payloads.
type Chat struct {
	ID       int64   `json:"chatId"`
	Name     string  `json:"name"`
	KeyID    *int64  `json:"keyId"`
	JoinCode string  `json:"joinCode"`
	Icon     *string `json:"icon"`
}

// Friend is the sanitized view of a friend's user record.
type Friend struct {
	Username string  `json:"username"`
	FullName *string `json:"fullName"`
	PfpPath  *string `json:"pfpPath"`
}

// FriendRequest is a pending request as sent to its recipient.
type FriendRequest struct {
	ID     int64 `json:"id"`
	Sender int64 `json:"sender"`
}

// PushSubscription is one registered web-push endpoint for a user.
type PushSubscription struct {
	ID       int64
	Endpoint string
	Key      string
	Auth     string
}

const schema = `
CREATE TABLE IF NOT EXISTS Users (
	id INTEGER PRIMARY KEY,
	username TEXT NOT NULL,
	fullName TEXT,
	pfpPath TEXT
);
CREATE TABLE IF NOT EXISTS Friends (
	id INTEGER NOT NULL,
	follower INTEGER NOT NULL,
	UNIQUE(id, follower)
);
CREATE TABLE IF NOT EXISTS FriendRequests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender INTEGER NOT NULL,
	recipient INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS Chats (
	ChatID INTEGER PRIMARY KEY AUTOINCREMENT,
	Name TEXT NOT NULL,
	KeyID INTEGER,
	JoinCode TEXT NOT NULL,
	Icon TEXT
);
CREATE TABLE IF NOT EXISTS ChatMemberships (
	user INTEGER NOT NULL,
	chatid INTEGER NOT NULL,
	UNIQUE(user, chatid)
);
CREATE TABLE IF NOT EXISTS PushSubscriptions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user INTEGER NOT NULL,
	endpoint TEXT NOT NULL,
	key TEXT NOT NULL,
	auth TEXT NOT NULL
);
`

// Open opens (creating if needed) the relational store at path.
func Open(path string) (*DB, error) {
	conn, err := open(path)
	if err != nil {
		return nil, err
	}
	db := &DB{path: path, conn: conn}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}

func open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite handles one writer at a time; serializing through a single
	// connection avoids SQLITE_BUSY churn under concurrent sessions.
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Close closes the underlying handle.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

func (db *DB) reconnect() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.conn.Close()
	conn, err := open(db.path)
	if err != nil {
		return err
	}
	db.conn = conn
	return nil
}

// isCommFailure reports whether err looks like a lost connection rather
// than a query-level failure.
func isCommFailure(err error) bool {
	return errors.Is(err, driver.ErrBadConn) ||
		strings.Contains(err.Error(), "connection")
}

// exec runs a parameterized statement, reconnecting and retrying once on a
// communication failure.
func (db *DB) exec(query string, args ...any) (sql.Result, error) {
	res, err := db.conn.Exec(query, args...)
	if err != nil && isCommFailure(err) {
		if rerr := db.reconnect(); rerr != nil {
			return nil, err
		}
		return db.conn.Exec(query, args...)
	}
	return res, err
}

// query runs a parameterized query, reconnecting and retrying once on a
// communication failure.
func (db *DB) query(query string, args ...any) (*sql.Rows, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil && isCommFailure(err) {
		if rerr := db.reconnect(); rerr != nil {
			return nil, err
		}
		return db.conn.Query(query, args...)
	}
	return rows, err
}

// UpsertUser stores the local snapshot of a remote user record. Refreshed
// on every successful authentication so friend listings can be served
// without a round-trip to the SSO service.
func (db *DB) UpsertUser(id int64, username string, fullName, pfpPath *string) error {
	_, err := db.exec(
		"INSERT INTO Users (id, username, fullName, pfpPath) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(id) DO UPDATE SET username = excluded.username, fullName = excluded.fullName, pfpPath = excluded.pfpPath",
		id, username, fullName, pfpPath)
	return err
}

// Followers returns the user ids following userID (the friends who should
// be told about presence changes).
func (db *DB) Followers(userID int64) ([]int64, error) {
	rows, err := db.query("SELECT follower FROM Friends WHERE id = ?", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		followers = append(followers, id)
	}
	return followers, rows.Err()
}

// FriendsOf returns the sanitized user records of userID's friends.
func (db *DB) FriendsOf(userID int64) ([]Friend, error) {
	rows, err := db.query(
		"SELECT u.username, u.fullName, u.pfpPath FROM Friends "+
			"LEFT JOIN Users AS u ON Friends.follower = u.id WHERE Friends.id = ?",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var friends []Friend
	for rows.Next() {
		var (
			username sql.NullString
			f        Friend
		)
		if err := rows.Scan(&username, &f.FullName, &f.PfpPath); err != nil {
			return nil, err
		}
		f.Username = username.String
		friends = append(friends, f)
	}
	return friends, rows.Err()
}

// AreFriends reports whether a follows b.
func (db *DB) AreFriends(a, b int64) (bool, error) {
	rows, err := db.query("SELECT 1 FROM Friends WHERE id = ? AND follower = ?", a, b)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// CreateFriendRequest records a pending request and returns its id.
func (db *DB) CreateFriendRequest(sender, recipient int64) (int64, error) {
	res, err := db.exec("INSERT INTO FriendRequests (sender, recipient) VALUES (?, ?)", sender, recipient)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AcceptFriendRequest resolves a pending request: both directions of the
// friendship are recorded and the request removed, atomically.
func (db *DB) AcceptFriendRequest(requestID, recipient int64) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var sender int64
	err = tx.QueryRow("SELECT sender FROM FriendRequests WHERE id = ?", requestID).Scan(&sender)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec("INSERT INTO Friends (id, follower) VALUES (?, ?), (?, ?)",
		recipient, sender, sender, recipient); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM FriendRequests WHERE id = ?", requestID); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteFriendRequest drops a pending request (decline).
func (db *DB) DeleteFriendRequest(requestID int64) error {
	_, err := db.exec("DELETE FROM FriendRequests WHERE id = ?", requestID)
	return err
}

// PendingFriendRequests returns the requests addressed to recipient.
func (db *DB) PendingFriendRequests(recipient int64) ([]FriendRequest, error) {
	rows, err := db.query("SELECT id, sender FROM FriendRequests WHERE recipient = ?", recipient)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []FriendRequest
	for rows.Next() {
		var fr FriendRequest
		if err := rows.Scan(&fr.ID, &fr.Sender); err != nil {
			return nil, err
		}
		requests = append(requests, fr)
	}
	return requests, rows.Err()
}

// GetChat looks a chat up by id.
func (db *DB) GetChat(chatID int64) (*Chat, error) {
	rows, err := db.query("SELECT ChatID, Name, KeyID, JoinCode, Icon FROM Chats WHERE ChatID = ?", chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	var chat Chat
	if err := rows.Scan(&chat.ID, &chat.Name, &chat.KeyID, &chat.JoinCode, &chat.Icon); err != nil {
		return nil, err
	}
	return &chat, nil
}

// CreateChat inserts a chat with a generated join code and enrolls the
// creator as its first member.
func (db *DB) CreateChat(name string, icon *string, creator int64) (*Chat, error) {
	joinCode := uuid.NewString()
	res, err := db.exec("INSERT INTO Chats (Name, JoinCode, Icon) VALUES (?, ?, ?)", name, joinCode, icon)
	if err != nil {
		return nil, err
	}
	chatID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := db.AddChatMembership(creator, chatID); err != nil {
		return nil, err
	}

	return db.GetChat(chatID)
}

// AddChatMembership enrolls a user in a chat. Duplicate membership is
// reported as ErrAlreadyMember.
func (db *DB) AddChatMembership(userID, chatID int64) error {
	_, err := db.exec("INSERT INTO ChatMemberships (user, chatid) VALUES (?, ?)", userID, chatID)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return ErrAlreadyMember
	}
	return err
}

// ChatMembers returns the ids of every member of a chat.
func (db *DB) ChatMembers(chatID int64) ([]int64, error) {
	rows, err := db.query("SELECT user FROM ChatMemberships WHERE chatid = ?", chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// ChatMemberships returns every chat the user is a member of.
func (db *DB) ChatMemberships(userID int64) ([]Chat, error) {
	rows, err := db.query(
		"SELECT Chats.ChatID, Name, KeyID, JoinCode, Icon FROM ChatMemberships "+
			"INNER JOIN Chats ON ChatMemberships.chatid = Chats.ChatID WHERE user = ?",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var chat Chat
		if err := rows.Scan(&chat.ID, &chat.Name, &chat.KeyID, &chat.JoinCode, &chat.Icon); err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// DeleteChatMemberships removes every membership of a user. Used when a
// user re-initializes their key set and loses access to encrypted chats.
func (db *DB) DeleteChatMemberships(userID int64) error {
	_, err := db.exec("DELETE FROM ChatMemberships WHERE user = ?", userID)
	return err
}

// AddPushSubscription registers a web-push endpoint and returns its id.
func (db *DB) AddPushSubscription(userID int64, endpoint, key, auth string) (int64, error) {
	res, err := db.exec("INSERT INTO PushSubscriptions (user, endpoint, key, auth) VALUES (?, ?, ?, ?)",
		userID, endpoint, key, auth)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DeletePushSubscription removes a subscription owned by userID.
func (db *DB) DeletePushSubscription(id, userID int64) error {
	_, err := db.exec("DELETE FROM PushSubscriptions WHERE id = ? AND user = ?", id, userID)
	return err
}

// PushSubscriptionsFor returns every subscription registered by a user.
func (db *DB) PushSubscriptionsFor(userID int64) ([]PushSubscription, error) {
	rows, err := db.query("SELECT id, endpoint, key, auth FROM PushSubscriptions WHERE user = ?", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []PushSubscription
	for rows.Next() {
		var sub PushSubscription
		if err := rows.Scan(&sub.ID, &sub.Endpoint, &sub.Key, &sub.Auth); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
