package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/bones7456/Unspoken/internal/logging"
	"github.com/bones7456/Unspoken/internal/protocol"
	"github.com/bones7456/Unspoken/internal/registry"
	"github.com/bones7456/Unspoken/internal/room"
)

const (
	defaultSendBuffer   = 32
	defaultWriteTimeout = 5 * time.Second
)

// RelayOptions configures observability and per-connection limits.
type RelayOptions struct {
	Metrics      *relayMetrics
	SendBuffer   int
	WriteTimeout time.Duration
	ReadLimit    int64
}

// Relay routes envelopes between the two occupants of a room. It owns no
// protocol state of its own: every dispatch validates against the shared
// stores, completes its mutations, and only then emits outbound envelopes.
type Relay struct {
	log     *zap.Logger
	conns   registry.ConnectionRegistry
	keys    registry.KeyDirectory
	rooms   *room.Table
	metrics *relayMetrics

	sendBuffer   int
	writeTimeout time.Duration
	readLimit    int64
}

// NewRelay wires the relay's stores. Nil stores get in-memory defaults.
func NewRelay(log *zap.Logger, conns registry.ConnectionRegistry, keys registry.KeyDirectory, rooms *room.Table, opts RelayOptions) *Relay {
	if conns == nil {
		conns = registry.NewConnections()
	}
	if keys == nil {
		keys = registry.NewKeys()
	}
	if rooms == nil {
		rooms = room.NewTable()
	}
	r := &Relay{
		log:          log,
		conns:        conns,
		keys:         keys,
		rooms:        rooms,
		metrics:      opts.Metrics,
		sendBuffer:   opts.SendBuffer,
		writeTimeout: opts.WriteTimeout,
		readLimit:    opts.ReadLimit,
	}
	if r.sendBuffer <= 0 {
		r.sendBuffer = defaultSendBuffer
	}
	if r.writeTimeout <= 0 {
		r.writeTimeout = defaultWriteTimeout
	}
	return r
}

// Handler returns the HTTP handler that upgrades requests to WebSocket
// connections and serves them until they terminate. Sessions are parented
// to ctx, so cancelling it disconnects every connection accepted here.
func (r *Relay) Handler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := websocket.Accept(w, req, &websocket.AcceptOptions{
			InsecureSkipVerify: true, // clients connect from arbitrary origins
		})
		if err != nil {
			r.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		if r.readLimit > 0 {
			ws.SetReadLimit(r.readLimit)
		}
		defer ws.CloseNow()

		r.serveConn(ctx, ws, req.RemoteAddr)
		ws.Close(websocket.StatusNormalClosure, "")
	})
}

// serveConn drives one connection: it starts the writer, feeds inbound
// frames to the dispatcher in arrival order, and runs session cleanup when
// the read loop exits for any reason.
func (r *Relay) serveConn(ctx context.Context, ws *websocket.Conn, remoteAddr string) {
	sess := newSession(ctx, remoteAddr, r.sendBuffer)
	r.metrics.incConnection()
	defer r.cleanupSession(sess)

	r.log.Info("connection open",
		zap.String("session_id", sess.id),
		zap.String("remote_addr", remoteAddr),
	)

	go r.writer(ws, sess)

	for {
		typ, data, err := ws.Read(sess.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				r.log.Info("connection closed", zap.String("session_id", sess.id))
			} else if errors.Is(err, context.Canceled) {
				r.log.Info("connection cancelled", zap.String("session_id", sess.id))
			} else {
				r.log.Info("connection terminated", zap.String("session_id", sess.id), zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			r.log.Warn("dropping non-text frame", zap.String("session_id", sess.id))
			r.metrics.recordError("non_text_frame")
			continue
		}
		r.Dispatch(sess, data)
	}
}

// writer drains the session's send queue onto the socket. A failed write
// cancels the session, which in turn stops the read loop.
func (r *Relay) writer(ws *websocket.Conn, sess *session) {
	for {
		select {
		case <-sess.ctx.Done():
			return
		case payload := <-sess.sendCh:
			writeCtx, cancel := context.WithTimeout(sess.ctx, r.writeTimeout)
			err := ws.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				r.log.Warn("socket write failed", zap.String("session_id", sess.id), zap.Error(err))
				sess.cancel()
				return
			}
		}
	}
}

// Dispatch interprets one inbound envelope for a connection. Malformed
// payloads and unknown actions are logged and dropped with no response and
// no connection termination.
func (r *Relay) Dispatch(sess *session, raw []byte) {
	logging.Traffic(r.log, logging.DirectionReceived, sess.userID, raw)

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.log.Warn("dropping malformed envelope", zap.String("session_id", sess.id), zap.Error(err))
		r.metrics.recordError("malformed_json")
		return
	}

	start := time.Now()
	switch env.Action {
	case protocol.ActionLogin:
		r.handleLogin(sess, &env)
	case protocol.ActionExchangePublicKey:
		r.handleExchangePublicKey(sess, &env)
	case protocol.ActionRequestPublicKey:
		r.handleRequestPublicKey(sess, &env)
	case protocol.ActionCreateRoom:
		r.handleCreateRoom(sess)
	case protocol.ActionJoinRoom:
		r.handleJoinRoom(sess, &env)
	case protocol.ActionLeaveRoom:
		r.handleLeaveRoom(sess, &env)
	case protocol.ActionTyping:
		r.handleTyping(sess, &env)
	case protocol.ActionSendMessage:
		r.handleSendMessage(sess, &env)
	default:
		r.log.Warn("dropping unknown action",
			zap.String("session_id", sess.id),
			zap.String("action", env.Action),
		)
		r.metrics.recordError("unknown_action")
		return
	}
	r.metrics.observeLatency(env.Action, time.Since(start))
	r.metrics.recordEnvelope(logging.DirectionReceived, env.Action)
}

func (r *Relay) handleLogin(sess *session, env *protocol.Envelope) {
	if env.UserID == "" {
		r.dropMissingField(sess, env.Action, "user_id")
		return
	}
	sess.userID = env.UserID
	r.conns.Register(env.UserID, sess)
	r.log.Info("user logged in",
		zap.String("user_id", env.UserID),
		zap.String("session_id", sess.id),
	)
}

func (r *Relay) handleExchangePublicKey(sess *session, env *protocol.Envelope) {
	if env.UserID == "" {
		r.dropMissingField(sess, env.Action, "user_id")
		return
	}
	if env.PublicKey == "" {
		r.dropMissingField(sess, env.Action, "public_key")
		return
	}
	r.keys.Publish(env.UserID, env.PublicKey)
	r.log.Info("public key published", zap.String("user_id", env.UserID))
}

func (r *Relay) handleRequestPublicKey(sess *session, env *protocol.Envelope) {
	if env.RequestedUserID == "" {
		r.dropMissingField(sess, env.Action, "requested_user_id")
		return
	}
	key, ok := r.keys.Get(env.RequestedUserID)
	if !ok {
		r.metrics.recordError("key_not_found")
		r.deliver(sess, sess.userID, &protocol.Envelope{
			Action:  protocol.ActionError,
			Message: "Public key not found",
		})
		return
	}
	r.deliver(sess, sess.userID, &protocol.Envelope{
		Action:    protocol.ActionPublicKeyResponse,
		UserID:    env.RequestedUserID,
		PublicKey: key,
	})
}

func (r *Relay) handleCreateRoom(sess *session) {
	roomID := r.rooms.Create(sess.userID)
	r.metrics.incRoom()
	r.log.Info("room created",
		zap.String("room_id", roomID),
		zap.String("user_id", sess.userID),
	)
	r.deliver(sess, sess.userID, &protocol.Envelope{
		Action: protocol.ActionRoomCreated,
		RoomID: roomID,
		Role:   protocol.RoleHost,
	})
}

func (r *Relay) handleJoinRoom(sess *session, env *protocol.Envelope) {
	if env.RoomID == "" {
		r.dropMissingField(sess, env.Action, "room_id")
		return
	}

	hostID, err := r.rooms.Join(env.RoomID, sess.userID)
	if err != nil {
		r.metrics.recordError("room_unavailable")
		r.deliver(sess, sess.userID, &protocol.Envelope{
			Action:  protocol.ActionError,
			Message: "Room not found or already full",
		})
		return
	}

	r.deliver(sess, sess.userID, &protocol.Envelope{
		Action: protocol.ActionRoomJoined,
		RoomID: env.RoomID,
		Role:   protocol.RoleGuest,
	})

	hostPeer, hostConnected := r.conns.Lookup(hostID)
	if !hostConnected {
		return
	}
	r.deliver(hostPeer, hostID, &protocol.Envelope{
		Action: protocol.ActionUserJoined,
		RoomID: env.RoomID,
		Role:   protocol.RoleGuest,
		UserID: sess.userID,
	})
	// Hand the host's published key to the guest so the exchange can start
	// without an extra round trip. Silent when the host has no key yet.
	if hostKey, ok := r.keys.Get(hostID); ok {
		r.deliver(sess, sess.userID, &protocol.Envelope{
			Action:    protocol.ActionPublicKeyExchange,
			UserID:    hostID,
			PublicKey: hostKey,
		})
	}
}

func (r *Relay) handleLeaveRoom(sess *session, env *protocol.Envelope) {
	if env.RoomID == "" {
		r.dropMissingField(sess, env.Action, "room_id")
		return
	}
	if !env.Role.Valid() {
		r.dropMissingField(sess, env.Action, "role")
		return
	}
	if env.UserID == "" {
		r.dropMissingField(sess, env.Action, "user_id")
		return
	}

	d, ok := r.rooms.Leave(env.RoomID, env.Role, env.UserID)
	if !ok {
		// Mismatched occupant or unknown room: silently ignored.
		r.log.Debug("leave_room ignored",
			zap.String("room_id", env.RoomID),
			zap.String("user_id", env.UserID),
		)
		return
	}
	r.notifyDeparture(d)
}

func (r *Relay) handleTyping(sess *session, env *protocol.Envelope) {
	if env.RoomID == "" {
		r.dropMissingField(sess, env.Action, "room_id")
		return
	}
	if !env.Role.Valid() {
		r.dropMissingField(sess, env.Action, "role")
		return
	}

	otherUserID, ok := r.rooms.Occupant(env.RoomID, env.Role.Other())
	if !ok || otherUserID == "" {
		return
	}
	r.notify(otherUserID, &protocol.Envelope{
		Action:           protocol.ActionTyping,
		RoomID:           env.RoomID,
		Role:             env.Role,
		EncryptedContent: env.EncryptedContent,
	})
}

func (r *Relay) handleSendMessage(sess *session, env *protocol.Envelope) {
	if env.RoomID == "" {
		r.dropMissingField(sess, env.Action, "room_id")
		return
	}
	if !env.Role.Valid() {
		r.dropMissingField(sess, env.Action, "role")
		return
	}

	// The log append happens whether or not the recipient is reachable;
	// delivery is fire-and-forget.
	otherUserID, ok := r.rooms.AppendMessage(env.RoomID, env.Role, env.EncryptedContent)
	if !ok || otherUserID == "" {
		return
	}
	r.notify(otherUserID, &protocol.Envelope{
		Action:           protocol.ActionNewMessage,
		RoomID:           env.RoomID,
		Role:             env.Role,
		EncryptedContent: env.EncryptedContent,
	})
}

// cleanupSession runs exactly once per connection, after the read loop
// exits. Connections that never logged in mutate nothing beyond their own
// accounting.
func (r *Relay) cleanupSession(sess *session) {
	sess.cancel()
	r.metrics.decConnection()

	if sess.userID == "" {
		return
	}
	r.conns.Unregister(sess.userID)

	for _, d := range r.rooms.EvictUser(sess.userID) {
		r.notifyDeparture(d)
	}
	r.log.Info("user logged out",
		zap.String("user_id", sess.userID),
		zap.String("session_id", sess.id),
	)
}

// notifyDeparture tells the remaining occupant (if any) that the other role
// left, and that the room closed when the host departed. user_left always
// precedes room_closed.
func (r *Relay) notifyDeparture(d room.Departure) {
	if d.OtherUserID != "" {
		r.notify(d.OtherUserID, &protocol.Envelope{
			Action: protocol.ActionUserLeft,
			RoomID: d.RoomID,
			Role:   d.Role,
		})
	}
	if d.RoomClosed {
		r.metrics.decRoom()
		r.log.Info("room closed", zap.String("room_id", d.RoomID))
		if d.OtherUserID != "" {
			r.notify(d.OtherUserID, &protocol.Envelope{
				Action: protocol.ActionRoomClosed,
				RoomID: d.RoomID,
			})
		}
	}
}

// notify delivers to a user by registry lookup. Unreachable users are
// skipped without error; nothing is retried.
func (r *Relay) notify(userID string, env *protocol.Envelope) {
	peer, ok := r.conns.Lookup(userID)
	if !ok {
		r.metrics.recordDrop(env.Action)
		return
	}
	r.deliver(peer, userID, env)
}

// deliver marshals env and queues it on the peer. Best effort: failures are
// counted and logged, never surfaced to the sender.
func (r *Relay) deliver(peer registry.Peer, userID string, env *protocol.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		r.log.Error("marshal outbound envelope", zap.Error(err))
		return
	}
	if !peer.Enqueue(payload) {
		r.metrics.recordDrop(env.Action)
		r.log.Warn("outbound envelope dropped",
			zap.String("user_id", userID),
			zap.String("action", env.Action),
		)
		return
	}
	logging.Traffic(r.log, logging.DirectionSent, userID, payload)
	r.metrics.recordEnvelope(logging.DirectionSent, env.Action)
}

func (r *Relay) dropMissingField(sess *session, action, field string) {
	r.log.Warn("dropping envelope with missing field",
		zap.String("session_id", sess.id),
		zap.String("action", action),
		zap.String("field", field),
	)
	r.metrics.recordError("missing_field")
}
