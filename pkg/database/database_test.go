package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func strptr(s string) *string { return &s }

func TestUpsertUser(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.UpsertUser(1, "alice", strptr("Alice A"), nil))
	require.NoError(t, db.UpsertUser(1, "alice2", strptr("Alice A"), strptr("/pfp/1.png")))
	require.NoError(t, db.UpsertUser(2, "bob", nil, nil))
	makeFriends(t, db, 2, 1)

	friends, err := db.FriendsOf(1)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, "bob", friends[0].Username)
}

// makeFriends wires a friendship through the request flow so tests
// exercise the same path as the handlers.
func makeFriends(t *testing.T, db *DB, sender, recipient int64) {
	t.Helper()
	id, err := db.CreateFriendRequest(sender, recipient)
	require.NoError(t, err)
	require.NoError(t, db.AcceptFriendRequest(id, recipient))
}

func TestFriendRequestLifecycle(t *testing.T) {
	db := testDB(t)

	id, err := db.CreateFriendRequest(1, 2)
	require.NoError(t, err)

	pending, err := db.PendingFriendRequests(2)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, int64(1), pending[0].Sender)

	require.NoError(t, db.AcceptFriendRequest(id, 2))

	// Accepting records both directions and removes the request.
	for _, pair := range [][2]int64{{1, 2}, {2, 1}} {
		friends, err := db.AreFriends(pair[0], pair[1])
		require.NoError(t, err)
		assert.True(t, friends)
	}
	pending, err = db.PendingFriendRequests(2)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAcceptFriendRequestMissing(t *testing.T) {
	db := testDB(t)
	assert.ErrorIs(t, db.AcceptFriendRequest(42, 1), ErrNotFound)
}

func TestDeclineFriendRequest(t *testing.T) {
	db := testDB(t)

	id, err := db.CreateFriendRequest(1, 2)
	require.NoError(t, err)
	require.NoError(t, db.DeleteFriendRequest(id))

	friends, err := db.AreFriends(1, 2)
	require.NoError(t, err)
	assert.False(t, friends)
}

func TestCreateChat(t *testing.T) {
	db := testDB(t)

	chat, err := db.CreateChat("general", nil, 7)
	require.NoError(t, err)
	assert.Equal(t, "general", chat.Name)
	assert.NotEmpty(t, chat.JoinCode)

	// Join codes must differ between chats.
	other, err := db.CreateChat("random", strptr("/icons/r.png"), 7)
	require.NoError(t, err)
	assert.NotEqual(t, chat.JoinCode, other.JoinCode)

	// The creator is enrolled automatically.
	members, err := db.ChatMembers(chat.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, members)
}

func TestGetChatMissing(t *testing.T) {
	db := testDB(t)
	_, err := db.GetChat(999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChatMembership(t *testing.T) {
	db := testDB(t)

	chat, err := db.CreateChat("general", nil, 1)
	require.NoError(t, err)

	require.NoError(t, db.AddChatMembership(2, chat.ID))
	assert.ErrorIs(t, db.AddChatMembership(2, chat.ID), ErrAlreadyMember)

	chats, err := db.ChatMemberships(2)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, chat.ID, chats[0].ID)

	require.NoError(t, db.DeleteChatMemberships(2))
	chats, err = db.ChatMemberships(2)
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestPushSubscriptions(t *testing.T) {
	db := testDB(t)

	id, err := db.AddPushSubscription(1, "https://push.example/ep", "p256dh-key", "auth-secret")
	require.NoError(t, err)

	subs, err := db.PushSubscriptionsFor(1)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/ep", subs[0].Endpoint)

	// Deleting with the wrong owner is a no-op.
	require.NoError(t, db.DeletePushSubscription(id, 2))
	subs, err = db.PushSubscriptionsFor(1)
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	require.NoError(t, db.DeletePushSubscription(id, 1))
	subs, err = db.PushSubscriptionsFor(1)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestFollowers(t *testing.T) {
	db := testDB(t)

	for _, follower := range []int64{2, 3} {
		id, err := db.CreateFriendRequest(follower, 1)
		require.NoError(t, err)
		require.NoError(t, db.AcceptFriendRequest(id, 1))
	}

	followers, err := db.Followers(1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, followers)
}
