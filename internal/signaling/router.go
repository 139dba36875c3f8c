package signaling

import (
	"context"
	"log/slog"

	"github.com/classmeet/meeting-relay/internal/metrics"
	"github.com/classmeet/meeting-relay/internal/rooms"
)

// Delivery is one outbound envelope addressed to a connection. The router
// only names targets by ConnectionID; resolving a target to a live
// Connection Handle (or dropping the delivery if there is none) is the
// server's job.
type Delivery struct {
	Target  string
	Message ServerMessage
}

// Router turns inbound messages and disconnects into registry operations and
// addressed outbound messages. It holds no transport state, which is what
// lets the whole protocol be unit-tested without a socket.
type Router struct {
	registry *rooms.Registry
	auth     Authorizer
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewRouter(registry *rooms.Registry, auth Authorizer, m *metrics.Metrics, log *slog.Logger) *Router {
	if auth == nil {
		auth = AllowAllAuthorizer{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		registry: registry,
		auth:     auth,
		metrics:  m,
		log:      log,
	}
}

// HandleMessage applies one parsed inbound message from connID and returns
// the deliveries it produces. Protocol-level rejections come back as error
// envelopes addressed to the sender; they never terminate the connection.
func (r *Router) HandleMessage(ctx context.Context, connID string, msg ClientMessage) []Delivery {
	switch msg.Type {
	case MessageTypeJoinRoom:
		return r.handleJoin(ctx, connID, msg.Room, msg.Identity)
	case MessageTypeSignal:
		return r.handleSignal(connID, msg)
	case MessageTypeLeaveRoom:
		return r.handleLeave(connID)
	default:
		// Unreachable for messages that passed ParseClientMessage.
		r.metrics.Inc(metrics.ProtocolError)
		return []Delivery{{Target: connID, Message: errorMessage(ErrCodeBadMessage, "unsupported message type")}}
	}
}

func (r *Router) handleJoin(ctx context.Context, connID, room, identity string) []Delivery {
	if err := r.auth.AuthorizeJoin(ctx, identity, room); err != nil {
		r.metrics.Inc(metrics.JoinDenied)
		r.log.Warn("join denied", "conn_id", connID, "room", room, "identity", identity, "err", err)
		return []Delivery{{Target: connID, Message: errorMessage(ErrCodeForbidden, "not allowed to join this meeting")}}
	}

	var out []Delivery

	// A connection is in at most one room; joining another implicitly leaves
	// the current one, with the same fan-out a disconnect would produce.
	if current, ok := r.registry.RoomOf(connID); ok && current != room {
		out = append(out, r.handleLeave(connID)...)
		r.metrics.Inc(metrics.RoomSwitched)
	}

	others, already, err := r.registry.Join(room, connID, identity)
	if err != nil {
		// Join can only fail on a registry invariant violation; the operation
		// is rejected but the connection and the rest of the process carry on.
		r.metrics.Inc(metrics.RegistryViolation)
		r.log.Error("registry rejected join", "conn_id", connID, "room", room, "err", err)
		return append(out, Delivery{Target: connID, Message: errorMessage(ErrCodeInternalError, "join failed")})
	}

	peers := make([]Peer, len(others))
	for i, m := range others {
		peers[i] = Peer{ConnectionID: m.ConnectionID, Identity: m.Identity}
	}
	out = append(out, Delivery{Target: connID, Message: ServerMessage{
		Type:  MessageTypeRoomJoined,
		Room:  room,
		Peers: peers,
	}})

	// Re-joining the same room is a no-op: the joiner gets the roster again
	// but the room is not re-notified.
	if !already {
		r.metrics.Inc(metrics.RoomJoined)
		r.log.Info("joined room", "conn_id", connID, "room", room, "identity", identity, "peers", len(others))
		for _, m := range others {
			out = append(out, Delivery{Target: m.ConnectionID, Message: ServerMessage{
				Type:         MessageTypeUserConnected,
				ConnectionID: connID,
				Identity:     identity,
			}})
		}
	}
	return out
}

func (r *Router) handleSignal(connID string, msg ClientMessage) []Delivery {
	identity, ok := r.registry.IdentityOf(connID)
	if !ok {
		r.metrics.Inc(metrics.ProtocolError)
		return []Delivery{{Target: connID, Message: errorMessage(ErrCodeNotInRoom, "join a room before signaling")}}
	}

	return []Delivery{{Target: msg.Target, Message: ServerMessage{
		Type:             MessageTypeSignal,
		From:             identity,
		FromConnectionID: connID,
		Payload:          msg.Payload,
	}}}
}

func (r *Router) handleLeave(connID string) []Delivery {
	evictions := r.registry.RemoveFromAll(connID)
	if len(evictions) > 0 {
		r.metrics.Inc(metrics.RoomLeft)
	}
	return r.fanOutEvictions(evictions)
}

// HandleDisconnect clears the connection's room memberships and returns the
// user-disconnected fan-out. The registry removal is what de-duplicates the
// explicit-leave-then-transport-close double path: a second call for the
// same connection finds nothing to remove and produces no deliveries.
func (r *Router) HandleDisconnect(connID string) []Delivery {
	return r.fanOutEvictions(r.registry.RemoveFromAll(connID))
}

func (r *Router) fanOutEvictions(evictions []rooms.Eviction) []Delivery {
	var out []Delivery
	for _, ev := range evictions {
		r.log.Info("left room", "room", ev.Room, "identity", ev.Identity, "remaining", len(ev.Remaining))
		for _, m := range ev.Remaining {
			out = append(out, Delivery{Target: m.ConnectionID, Message: ServerMessage{
				Type:         MessageTypeUserDisconnected,
				ConnectionID: ev.ConnectionID,
				Identity:     ev.Identity,
			}})
		}
	}
	return out
}
