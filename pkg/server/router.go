package server

import (
	"github.com/straycat/straycat/pkg/authcat"
	"github.com/straycat/straycat/pkg/database"
	"github.com/straycat/straycat/pkg/protocol"
)

// Router maps an incoming packet sequence to its handler by the leading
// packet's type. Handlers return the full response sequence; the session
// loop writes it out. A nil or empty response means nothing is sent.
type Router struct {
	db       *database.DB
	box      *database.MessageBox
	keys     *database.KeyStore
	auth     *authcat.Client
	registry *Registry
	push     *PushService
	version  string
	metrics  *Metrics
}

// NewRouter wires a router over its collaborators. push may be nil when no
// VAPID keys are configured.
func NewRouter(db *database.DB, box *database.MessageBox, keys *database.KeyStore, auth *authcat.Client, registry *Registry, push *PushService, version string) *Router {
	return &Router{
		db:       db,
		box:      box,
		keys:     keys,
		auth:     auth,
		registry: registry,
		push:     push,
		version:  version,
	}
}

// SetMetrics attaches metrics to the router.
func (rt *Router) SetMetrics(metrics *Metrics) {
	rt.metrics = metrics
}

// Dispatch routes one complete packet sequence. The type enumeration is
// closed: every wire constant has an arm here, and anything outside it is
// answered with an ERROR packet while the session stays open.
func (rt *Router) Dispatch(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	if len(packets) == 0 {
		return nil
	}

	packetType := packets[0].Type
	if rt.metrics != nil {
		rt.metrics.RecordPacketReceived(protocol.TypeName(packetType))
	}

	switch packetType {
	case protocol.TypeError:
		return rt.handleClientError(sess, packets)
	case protocol.TypePing:
		return rt.handlePing(sess, packets)
	case protocol.TypeAuthenticate:
		return rt.handleAuthenticate(sess, packets)
	case protocol.TypeCreateNewUser:
		return deprecated()
	case protocol.TypeClose:
		// Consumed by the session loop; reaching here means a client
		// sent CLOSE mid-sequence, which needs no reply.
		return nil
	case protocol.TypeGetUser:
		return rt.handleGetUser(sess, packets)
	case protocol.TypeGetMessageQueue:
		return rt.handleGetMessageQueue(sess, packets)
	case protocol.TypeSendMessage:
		return rt.handleSendMessage(sess, packets)
	case protocol.TypeNotificationMsg:
		return errorPackets("Invalid packet type", "The server is not able to receive message notification packets.")
	case protocol.TypeJoinChat:
		return rt.handleJoinChat(sess, packets)
	case protocol.TypeChangePfpPath:
		return deprecated()
	case protocol.TypeGetActiveUserCount:
		return rt.handleGetActiveUserCount(sess, packets)
	case protocol.TypeNotificationOnline, protocol.TypeNotificationOffline:
		return errorPackets("Invalid packet type", "The server is not able to receive presence notification packets.")
	case protocol.TypeGetFriends:
		return rt.handleGetFriends(sess, packets)
	case protocol.TypeFriendRequest:
		return rt.handleFriendRequest(sess, packets)
	case protocol.TypeGetServerInfo:
		return rt.handleGetServerInfo(sess, packets)
	case protocol.TypeGetChatMemberships:
		return rt.handleGetChatMemberships(sess, packets)
	case protocol.TypeCreateChat:
		return rt.handleCreateChat(sess, packets)
	case protocol.TypeInitUserKey:
		return rt.handleInitUserKey(sess, packets)
	case protocol.TypeGetUserKey:
		return rt.handleGetUserKey(sess, packets)
	case protocol.TypeAddToChat:
		return rt.handleAddToChat(sess, packets)
	case protocol.TypePushSubscribe:
		return rt.handlePushSubscribe(sess, packets)
	case protocol.TypePushUnsubscribe:
		return rt.handlePushUnsubscribe(sess, packets)
	default:
		return errorPackets("Invalid packet type", "The given packet type is not recognised by this server.")
	}
}

// handleClientError logs a client-reported error and produces no reply.
func (rt *Router) handleClientError(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	data := packets[0].Data()
	debugLog.Printf("Session %d: client reported error: %v", sess.ID, data)
	return nil
}

func (rt *Router) handlePing(sess *Session, packets []*protocol.Packet) []*protocol.Packet {
	return []*protocol.Packet{protocol.NewPing()}
}

func deprecated() []*protocol.Packet {
	return errorPackets("Feature Deprecation", "This feature is no longer available through this service, please refer to AuthCat.")
}

// errorPackets is the single-error response every handler failure uses.
func errorPackets(name, msg string) []*protocol.Packet {
	return []*protocol.Packet{protocol.NewError(name, msg)}
}
