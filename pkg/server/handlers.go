package server

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/straycat/straycat/pkg/database"
	"github.com/straycat/straycat/pkg/protocol"
)

// Handler preconditions shared by most request types.
var (
	errNotAuthenticated = protocol.NewError("Not authenticated", "This request requires you to have an authenticated connection.")
	errMultiPacket      = protocol.NewError("Invalid data type", "This request does not accept multi-packet arrays.")
)

// requireSingle enforces the single-packet shape most requests have.
// Returns a non-nil error response when the precondition fails.
func requireSingle(packets []*protocol.Packet) []*protocol.Packet {
	if len(packets) > 1 {
		return []*protocol.Packet{errMultiPacket}
	}
	return nil
}

// intField reads a numeric payload field, tolerating the float64 values
// JSON decoding produces.
func intField(data map[string]any, key string) (int64, bool) {
	if data == nil {
		return 0, false
	}
	switch v := data[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func strField(data map[string]any, key string) (string, bool) {
	if data == nil {
		return "", false
	}
	s, ok := data[key].(string)
	return s, ok
}

// sanitizeUser strips the fields that must never leave the server in a
// presence notification.
func sanitizeUser(user map[string]any) map[string]any {
	sanitized := make(map[string]any, len(user))
	for k, v := range user {
		switch k {
		case "password", "verified", "email":
			continue
		}
		sanitized[k] = v
	}
	return sanitized
}

func chatPayload(chat *database.Chat) map[string]any {
	return map[string]any{
		"chatId":   chat.ID,
		"name":     chat.Name,
		"keyId":    chat.KeyID,
		"joinCode": chat.JoinCode,
		"icon":     chat.Icon,
	}
}

func messagePayload(msg database.Message) map[string]any {
	return map[string]any{
		"senderId": msg.SenderID,
		"chatId":   msg.ChatID,
		"timeSent": msg.TimeSent,
		"content":  msg.Content,
	}
}

// notifyPresence tells every online follower of userID that the user came
// online or went offline. The user record is sanitized first.
func (rt *Router) notifyPresence(userID int64, user map[string]any, online bool) {
	followers, err := rt.db.Followers(userID)
	if err != nil {
		log.Printf("presence fan-out for user %d failed: %v", userID, err)
		return
	}

	packetType := uint32(protocol.TypeNotificationOnline)
	if !online {
		packetType = protocol.TypeNotificationOffline
	}
	notification := protocol.New(packetType, true, sanitizeUser(user))

	for _, follower := range followers {
		for _, sess := range rt.registry.SessionsFor(follower) {
			sess.Send(notification)
		}
	}
	if rt.metrics != nil {
		rt.metrics.RecordFanout(len(followers))
	}
}

// sendPush delivers a push notification to every subscription a user has
// registered. Failures are logged and never surfaced to the client.
func (rt *Router) sendPush(userID int64, content map[string]any) {
	if rt.push == nil {
		return
	}
	subs, err := rt.db.PushSubscriptionsFor(userID)
	if err != nil {
		log.Printf("push lookup for user %d failed: %v", userID, err)
		return
	}
	for _, sub := range subs {
		if err := rt.push.Send(sub, content); err != nil {
			log.Printf("push delivery to user %d failed: %v", userID, err)
		}
	}
}

func (rt *Router) handleAuthenticate(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	if resp := requireSingle(packets); resp != nil {
		return resp
	}

	data := packets[0].Data()
	if data == nil {
		return errorPackets("Incorrect data provided", "An authentication request must carry credentials or a session cookie.")
	}

	result, err := rt.auth.Authenticate(data)
	if err != nil {
		return errorPackets("Authentication error", err.Error())
	}
	if !result.Success {
		return errorPackets("Authentication failed", "The given credentials or session cookie were rejected.")
	}

	user := result.User
	id, ok := userID(user)
	if !ok {
		return errorPackets("Authentication error", "The authentication provider returned a user record without an id.")
	}

	// Refresh the local snapshot so friend listings resolve names without
	// another provider round-trip.
	username, _ := strField(user, "username")
	fullName := optStr(user, "fullName")
	pfpPath := optStr(user, "pfpPath")
	if err := rt.db.UpsertUser(id, username, fullName, pfpPath); err != nil {
		log.Printf("user snapshot upsert for %d failed: %v", id, err)
	}

	rt.registry.BindUser(sess, user)
	rt.notifyPresence(id, user, true)

	response := make(map[string]any, len(user)+1)
	for k, v := range user {
		response[k] = v
	}

	key, err := rt.keys.UserKey(id)
	switch {
	case errors.Is(err, database.ErrNoUserKey):
		response["keyPair"] = nil
	case err != nil:
		return errorPackets("Key Retrieval Error", "An error occurred while trying to get the requested key.")
	default:
		response["keyPair"] = map[string]any{
			"publicKey":  key.PublicKey,
			"privateKey": key.PrivateKey,
		}
	}

	return []*protocol.Packet{protocol.New(protocol.TypeAuthenticate, true, response)}
}

func optStr(data map[string]any, key string) *string {
	if s, ok := data[key].(string); ok {
		return &s
	}
	return nil
}

func (rt *Router) handleGetUser(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	if !sess.Authenticated() {
		return []*protocol.Packet{errNotAuthenticated}
	}
	if resp := requireSingle(packets); resp != nil {
		return resp
	}

	query := packets[0].Data()
	if query == nil {
		return errorPackets("Incorrect data provided", "A user search must carry a username or fullName field.")
	}

	response, err := rt.auth.UserSearch(query)
	if err != nil {
		return errorPackets("AuthCat error", err.Error())
	}

	state, _ := strField(response, "state")
	if state != "success" {
		msg, _ := strField(response, "message")
		return errorPackets("AuthCat error", msg)
	}

	results, _ := response["results"].(map[string]any)
	users := make([]map[string]any, 0, len(results))
	for _, entry := range results {
		if user, ok := entry.(map[string]any); ok {
			delete(user, "Password")
			users = append(users, user)
		}
	}

	if len(users) == 0 {
		return []*protocol.Packet{protocol.New(protocol.TypeGetUser, true, nil)}
	}

	reply := make([]*protocol.Packet, len(users))
	for i, user := range users {
		reply[i] = protocol.New(protocol.TypeGetUser, i == len(users)-1, user)
	}
	return reply
}

func (rt *Router) handleGetMessageQueue(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	if !sess.Authenticated() {
		return []*protocol.Packet{errNotAuthenticated}
	}
	if resp := requireSingle(packets); resp != nil {
		return resp
	}

	chatID, ok := intField(packets[0].Data(), "chatId")
	if !ok {
		return errorPackets("Incorrect data provided", "You must provide the ChatID.")
	}

	messages, err := rt.box.Messages(chatID)
	if err != nil {
		return errorPackets("Server error", err.Error())
	}
	if len(messages) == 0 {
		return errorPackets("No messages", "There are no messages in this chat.")
	}

	reply := make([]*protocol.Packet, 0, len(messages)+1)
	reply = append(reply, protocol.New(protocol.TypeGetMessageQueue, false, map[string]any{
		"messageCount": len(messages),
	}))
	for i, msg := range messages {
		reply = append(reply, protocol.New(protocol.TypeGetMessageQueue, i == len(messages)-1, messagePayload(msg)))
	}
	return reply
}

func (rt *Router) handleSendMessage(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	if !sess.Authenticated() {
		return []*protocol.Packet{errNotAuthenticated}
	}
	if resp := requireSingle(packets); resp != nil {
		return resp
	}

	data := packets[0].Data()
	chatID, okChat := intField(data, "chatId")
	timeSent, okTime := intField(data, "timeSent")
	content, _ := strField(data, "content")
	if !okChat || !okTime {
		return errorPackets("Incorrect data provided", "You must provide the chatId and timeSent fields.")
	}

	senderID, _ := sess.UserID()
	msg := database.Message{
		SenderID: senderID,
		ChatID:   chatID,
		TimeSent: timeSent,
		Content:  content,
	}
	if err := rt.box.Append(msg); err != nil {
		return errorPackets("Server error", "An error occurred when writing the message store to the disk.")
	}
	if rt.metrics != nil {
		rt.metrics.RecordMessageStored()
	}

	members, err := rt.db.ChatMembers(chatID)
	if err != nil {
		return errorPackets("Database Error", err.Error())
	}

	chatName := ""
	if chat, err := rt.db.GetChat(chatID); err == nil {
		chatName = chat.Name
	}

	sender := sess.User()
	notification := protocol.New(protocol.TypeNotificationMsg, true, map[string]any{
		"chatId":  chatID,
		"message": messagePayload(msg),
	})

	// Every member gets the live notification, the sender's other
	// sessions included, plus a best-effort push.
	for _, member := range members {
		for _, s := range rt.registry.SessionsFor(member) {
			s.Send(notification)
		}
		rt.sendPush(member, map[string]any{
			"content":    msg.Content,
			"senderName": sender["fullName"],
			"senderPfp":  sender["pfpPath"],
			"chatName":   chatName,
		})
	}

	return []*protocol.Packet{protocol.NewPing()}
}

func (rt *Router) handleJoinChat(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	if !sess.Authenticated() {
		return []*protocol.Packet{errNotAuthenticated}
	}
	if resp := requireSingle(packets); resp != nil {
		return resp
	}

	data := packets[0].Data()
	chatID, ok := intField(data, "chatId")
	if !ok {
		return errorPackets("Incorrect data provided", "You must provide the chatId field.")
	}

	chat, err := rt.db.GetChat(chatID)
	if errors.Is(err, database.ErrNotFound) {
		return errorPackets("Database error", "Could not find the specified chat.")
	}
	if err != nil {
		return errorPackets("Server error", err.Error())
	}

	joinCode, _ := strField(data, "joinCode")
	if joinCode != chat.JoinCode {
		return errorPackets("Invalid join code", "The given join code is incorrect.")
	}

	id, _ := sess.UserID()
	err = rt.db.AddChatMembership(id, chatID)
	if errors.Is(err, database.ErrAlreadyMember) {
		return errorPackets("Already member", "You are already a member of this chat.")
	}
	if err != nil {
		return errorPackets("Database error", err.Error())
	}

	return []*protocol.Packet{protocol.New(protocol.TypeJoinChat, true, chatPayload(chat))}
}

func (rt *Router) handleGetActiveUserCount(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	if resp := requireSingle(packets); resp != nil {
		return resp
	}
	return []*protocol.Packet{protocol.New(protocol.TypeGetActiveUserCount, true, map[string]any{
		"usersOnline": rt.registry.Count(),
	})}
}

func (rt *Router) handleGetFriends(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	if !sess.Authenticated() {
		return []*protocol.Packet{errNotAuthenticated}
	}
	if resp := requireSingle(packets); resp != nil {
		return resp
	}

	id, _ := sess.UserID()
	friends, err := rt.db.FriendsOf(id)
	if err != nil {
		return errorPackets("Database error", err.Error())
	}

	if len(friends) == 0 {
		return []*protocol.Packet{protocol.New(protocol.TypeGetFriends, true, nil)}
	}

	reply := make([]*protocol.Packet, len(friends))
	for i, friend := range friends {
		reply[i] = protocol.New(protocol.TypeGetFriends, i == len(friends)-1, map[string]any{
			"username": friend.Username,
			"fullName": friend.FullName,
			"pfpPath":  friend.PfpPath,
		})
	}
	return reply
}

func (rt *Router) handleFriendRequest(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	if !sess.Authenticated() {
		return []*protocol.Packet{errNotAuthenticated}
	}
	if resp := requireSingle(packets); resp != nil {
		return resp
	}

	data := packets[0].Data()
	action, _ := strField(data, "action")
	me, _ := sess.UserID()

	switch action {
	case "SEND":
		recipient, ok := intField(data, "recipient")
		if !ok {
			return errorPackets("Invalid request", "This action type must contain the recipient field.")
		}
		id, err := rt.db.CreateFriendRequest(me, recipient)
		if err != nil {
			return errorPackets("Database error", err.Error())
		}
		return []*protocol.Packet{protocol.New(protocol.TypeFriendRequest, true, map[string]any{
			"id":        id,
			"sender":    me,
			"recipient": recipient,
		})}

	case "ACCEPT":
		id, ok := intField(data, "id")
		if !ok {
			return errorPackets("Invalid request", "This action type must contain the id field.")
		}
		err := rt.db.AcceptFriendRequest(id, me)
		if errors.Is(err, database.ErrNotFound) {
			return errorPackets("Friend request does not exist", "No pending friend request has the given id.")
		}
		if err != nil {
			return errorPackets("Database error", err.Error())
		}
		return nil

	case "DECLINE":
		id, ok := intField(data, "id")
		if !ok {
			return errorPackets("Invalid request", "This action type must contain the id field.")
		}
		if err := rt.db.DeleteFriendRequest(id); err != nil {
			return errorPackets("Database error", err.Error())
		}
		return nil

	case "GET":
		requests, err := rt.db.PendingFriendRequests(me)
		if err != nil {
			return errorPackets("Database error", err.Error())
		}
		if len(requests) == 0 {
			return []*protocol.Packet{protocol.New(protocol.TypeFriendRequest, true, nil)}
		}
		reply := make([]*protocol.Packet, len(requests))
		for i, fr := range requests {
			reply[i] = protocol.New(protocol.TypeFriendRequest, i == len(requests)-1, map[string]any{
				"id":     fr.ID,
				"sender": fr.Sender,
			})
		}
		return reply

	default:
		return errorPackets("Unrecognised friend request action", fmt.Sprintf("The action %q is not recognised.", action))
	}
}

func (rt *Router) handleGetServerInfo(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	info := map[string]any{
		"version":    rt.version,
		"serverTime": time.Now().Format(time.RFC1123),
	}
	if rt.push != nil {
		info["pushServicePublicKey"] = rt.push.PublicKey()
	} else {
		info["pushServicePublicKey"] = nil
	}
	return []*protocol.Packet{protocol.New(protocol.TypeGetServerInfo, true, info)}
}

func (rt *Router) handleGetChatMemberships(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	if !sess.Authenticated() {
		return []*protocol.Packet{errNotAuthenticated}
	}
	if resp := requireSingle(packets); resp != nil {
		return resp
	}

	id, _ := sess.UserID()
	chats, err := rt.db.ChatMemberships(id)
	if err != nil {
		return errorPackets("Database Error", err.Error())
	}
	if len(chats) == 0 {
		return errorPackets("No Chat Memberships", "This user is not a member of any chats.")
	}

	chatKeys, err := rt.keys.ChatKeys(id)
	if err != nil {
		// No key set yet; memberships still stream, just without keys.
		chatKeys = nil
	}

	reply := make([]*protocol.Packet, len(chats))
	for i, chat := range chats {
		payload := chatPayload(&chat)
		if key, ok := chatKeys[fmt.Sprint(chat.ID)]; ok {
			payload["key"] = key
		} else {
			payload["key"] = nil
		}
		reply[i] = protocol.New(protocol.TypeGetChatMemberships, i == len(chats)-1, payload)
	}
	return reply
}

func (rt *Router) handleCreateChat(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	if !sess.Authenticated() {
		return []*protocol.Packet{errNotAuthenticated}
	}
	if resp := requireSingle(packets); resp != nil {
		return resp
	}

	data := packets[0].Data()
	name, ok := strField(data, "name")
	if !ok {
		return errorPackets("Invalid Format", "You must specify the name field!")
	}
	if name == "" {
		return errorPackets("Invalid Format", "The name field cannot be empty!")
	}

	me, _ := sess.UserID()
	chat, err := rt.db.CreateChat(name, optStr(data, "icon"), me)
	if err != nil {
		return errorPackets("Database Error", err.Error())
	}

	if key, ok := strField(data, "key"); ok {
		if err := rt.keys.AddChatKey(me, chat.ID, key); err != nil {
			return errorPackets("Key Submission Error", "Failed to submit private key: "+err.Error())
		}
	}

	return []*protocol.Packet{protocol.New(protocol.TypeCreateChat, true, chatPayload(chat))}
}

func (rt *Router) handleInitUserKey(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	if !sess.Authenticated() {
		return []*protocol.Packet{errNotAuthenticated}
	}
	if resp := requireSingle(packets); resp != nil {
		return resp
	}

	data := packets[0].Data()
	publicKey, okPub := data["newPublicKey"].(map[string]any)
	privateKey, okPriv := strField(data, "newPrivateKey")
	if !okPub || !okPriv {
		return errorPackets("Invalid Format", "There are missing required fields from the payload!")
	}

	me, _ := sess.UserID()
	if err := rt.keys.InitUserKey(me, database.UserKey{PublicKey: publicKey, PrivateKey: privateKey}); err != nil {
		return errorPackets("Key Init Error", err.Error())
	}

	// A new key set invalidates access to every encrypted chat.
	if err := rt.db.DeleteChatMemberships(me); err != nil {
		return errorPackets("Key Init Error", err.Error())
	}

	return []*protocol.Packet{protocol.New(protocol.TypeInitUserKey, true, nil)}
}

func (rt *Router) handleGetUserKey(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	if !sess.Authenticated() {
		return []*protocol.Packet{errNotAuthenticated}
	}
	if resp := requireSingle(packets); resp != nil {
		return resp
	}

	id, ok := intField(packets[0].Data(), "id")
	if !ok {
		return errorPackets("Invalid Format", "You must specify the id of the user!")
	}

	publicKey, err := rt.keys.PublicKey(id)
	if errors.Is(err, database.ErrNoUserKey) {
		return errorPackets("Key Set Not Found", "No key set can be found for the specified user.")
	}
	if err != nil {
		return errorPackets("Key Retrieval Error", "An error occurred while trying to get the requested key.")
	}

	return []*protocol.Packet{protocol.New(protocol.TypeGetUserKey, true, publicKey)}
}

func (rt *Router) handleAddToChat(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	if !sess.Authenticated() {
		return []*protocol.Packet{errNotAuthenticated}
	}
	if resp := requireSingle(packets); resp != nil {
		return resp
	}

	data := packets[0].Data()
	target, okTarget := intField(data, "id")
	chatID, okChat := intField(data, "chatId")
	if !okTarget || !okChat {
		return errorPackets("Invalid Format", "Request is missing some required fields!")
	}

	me, _ := sess.UserID()
	friends, err := rt.db.AreFriends(me, target)
	if err != nil {
		return errorPackets("Friend Verification Failed", "Failed to verify whether or not you and the target user are friends: "+err.Error())
	}
	if !friends {
		return errorPackets("Request Rejected", "You are not friends with the target user.")
	}

	// The acting user must hold the chat's key to share it.
	myKeys, err := rt.keys.ChatKeys(me)
	if err != nil {
		return errorPackets("Access Denied", "You do not have access to this chat sufficient to perform this action.")
	}
	if _, ok := myKeys[fmt.Sprint(chatID)]; !ok {
		return errorPackets("Access Denied", "You do not have access to this chat sufficient to perform this action.")
	}

	key, _ := strField(data, "key")
	if err := rt.keys.AddChatKey(target, chatID, key); err != nil {
		return errorPackets("Key Submission Error", "Failed to add the key to the target user's key set: "+err.Error())
	}
	if err := rt.db.AddChatMembership(target, chatID); err != nil && !errors.Is(err, database.ErrAlreadyMember) {
		return errorPackets("DB Error", "Failed to add the membership record to the database: "+err.Error())
	}

	return []*protocol.Packet{protocol.New(protocol.TypeAddToChat, true, nil)}
}

func (rt *Router) handlePushSubscribe(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	if !sess.Authenticated() {
		return []*protocol.Packet{errNotAuthenticated}
	}
	if resp := requireSingle(packets); resp != nil {
		return resp
	}

	data := packets[0].Data()
	endpoint, okEndpoint := strField(data, "endpoint")
	key, okKey := strField(data, "key")
	auth, okAuth := strField(data, "auth")
	if !okEndpoint || !okKey || !okAuth {
		return errorPackets("Invalid Format", "You are missing some required fields!")
	}

	me, _ := sess.UserID()
	id, err := rt.db.AddPushSubscription(me, endpoint, key, auth)
	if err != nil {
		return errorPackets("DB Error", "Failed to add the subscription record to the database: "+err.Error())
	}

	return []*protocol.Packet{protocol.New(protocol.TypePushSubscribe, true, map[string]any{"id": id})}
}

func (rt *Router) handlePushUnsubscribe(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	if !sess.Authenticated() {
		return []*protocol.Packet{errNotAuthenticated}
	}
	if resp := requireSingle(packets); resp != nil {
		return resp
	}

	id, ok := intField(packets[0].Data(), "id")
	if !ok {
		return errorPackets("Invalid Format", "You must specify the id field!")
	}

	me, _ := sess.UserID()
	if err := rt.db.DeletePushSubscription(id, me); err != nil {
		return errorPackets("DB Error", "Failed to remove the subscription record from the database: "+err.Error())
	}

	return []*protocol.Packet{protocol.New(protocol.TypePushUnsubscribe, true, nil)}
}
