package protocol

// Packet type constants. These are stable wire values shared with every
// client implementation; never renumber them.
const (
	TypeError               = 0
	TypePing                = 1
	TypeAuthenticate        = 2
	TypeCreateNewUser       = 3 // deprecated, rejected with an error
	TypeClose               = 4
	TypeGetUser             = 5
	TypeGetMessageQueue     = 6
	TypeSendMessage         = 7
	TypeNotificationMsg     = 8 // server-origin only
	TypeJoinChat            = 9
	TypeChangePfpPath       = 10 // deprecated, rejected with an error
	TypeGetActiveUserCount  = 11
	TypeNotificationOnline  = 12 // server-origin only
	TypeNotificationOffline = 13 // server-origin only
	TypeGetFriends          = 14
	TypeFriendRequest       = 15
	TypeGetServerInfo       = 16
	TypeGetChatMemberships  = 17
	TypeCreateChat          = 18
	TypeInitUserKey         = 19
	TypeGetUserKey          = 20
	TypeAddToChat           = 21
	TypePushSubscribe       = 22
	TypePushUnsubscribe     = 23
)

// maxType is the highest assigned packet type.
const maxType = TypePushUnsubscribe

// Known reports whether t is part of the packet type enumeration.
func Known(t uint32) bool {
	return t <= maxType
}

// ServerOrigin reports whether t is a notification type only the server may
// send. Clients attempting to dispatch these must be rejected.
func ServerOrigin(t uint32) bool {
	switch t {
	case TypeNotificationMsg, TypeNotificationOnline, TypeNotificationOffline:
		return true
	}
	return false
}

// TypeName returns the human-readable name of a packet type, used in logs
// and metric labels.
func TypeName(t uint32) string {
	switch t {
	case TypeError:
		return "ERROR"
	case TypePing:
		return "PING"
	case TypeAuthenticate:
		return "AUTHENTICATE"
	case TypeCreateNewUser:
		return "CREATE_NEW_USER"
	case TypeClose:
		return "CLOSE"
	case TypeGetUser:
		return "GET_USER"
	case TypeGetMessageQueue:
		return "GET_MESSAGE_QUEUE"
	case TypeSendMessage:
		return "SEND_MESSAGE"
	case TypeNotificationMsg:
		return "NOTIFICATION_MESSAGE"
	case TypeJoinChat:
		return "JOIN_CHAT"
	case TypeChangePfpPath:
		return "CHANGE_PFP_PATH"
	case TypeGetActiveUserCount:
		return "GET_ACTIVE_USER_COUNT"
	case TypeNotificationOnline:
		return "NOTIFICATION_USER_ONLINE"
	case TypeNotificationOffline:
		return "NOTIFICATION_USER_OFFLINE"
	case TypeGetFriends:
		return "GET_FRIENDS"
	case TypeFriendRequest:
		return "FRIEND_REQUEST"
	case TypeGetServerInfo:
		return "GET_SERVER_INFO"
	case TypeGetChatMemberships:
		return "GET_CHAT_MEMBERSHIPS"
	case TypeCreateChat:
		return "CREATE_CHAT"
	case TypeInitUserKey:
		return "INIT_USER_KEY"
	case TypeGetUserKey:
		return "GET_USER_KEY"
	case TypeAddToChat:
		return "ADD_TO_CHAT"
	case TypePushSubscribe:
		return "PUSH_SUBSCRIBE"
	case TypePushUnsubscribe:
		return "PUSH_UNSUBSCRIBE"
	default:
		return "UNKNOWN"
	}
}
