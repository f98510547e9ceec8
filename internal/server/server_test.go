package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/bones7456/Unspoken/internal/protocol"
)

func startTestRelay(t *testing.T) (*Relay, string) {
	t.Helper()

	relay := NewRelay(zaptest.NewLogger(t), nil, nil, nil, RelayOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(relay.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return relay, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type wsClient struct {
	t   *testing.T
	ctx context.Context
	ws  *websocket.Conn
}

func dialRelay(t *testing.T, ctx context.Context, url string) *wsClient {
	t.Helper()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = ws.CloseNow() })
	return &wsClient{t: t, ctx: ctx, ws: ws}
}

func (c *wsClient) send(env protocol.Envelope) {
	c.t.Helper()
	payload, err := json.Marshal(env)
	if err != nil {
		c.t.Fatalf("marshal %s: %v", env.Action, err)
	}
	if err := c.ws.Write(c.ctx, websocket.MessageText, payload); err != nil {
		c.t.Fatalf("send %s: %v", env.Action, err)
	}
}

// expect reads the next frame and asserts its action; the protocol gives
// strict per-connection ordering, so no skipping is tolerated.
func (c *wsClient) expect(action string) protocol.Envelope {
	c.t.Helper()
	readCtx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()

	_, data, err := c.ws.Read(readCtx)
	if err != nil {
		c.t.Fatalf("read while waiting for %s: %v", action, err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.t.Fatalf("decode frame %q: %v", data, err)
	}
	if env.Action != action {
		c.t.Fatalf("expected %s envelope, got %s (%s)", action, env.Action, data)
	}
	return env
}

func TestRelayEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	relay, url := startTestRelay(t)

	alice := dialRelay(t, ctx, url)
	bob := dialRelay(t, ctx, url)

	alice.send(protocol.Envelope{Action: protocol.ActionLogin, UserID: "alice"})
	alice.send(protocol.Envelope{Action: protocol.ActionExchangePublicKey, UserID: "alice", PublicKey: "ALICE-PEM"})
	alice.send(protocol.Envelope{Action: protocol.ActionCreateRoom})

	created := alice.expect(protocol.ActionRoomCreated)
	if created.RoomID != "1000" || created.Role != protocol.RoleHost {
		t.Fatalf("unexpected room_created: %+v", created)
	}

	bob.send(protocol.Envelope{Action: protocol.ActionLogin, UserID: "bob"})
	bob.send(protocol.Envelope{Action: protocol.ActionJoinRoom, RoomID: created.RoomID})

	joined := bob.expect(protocol.ActionRoomJoined)
	if joined.Role != protocol.RoleGuest {
		t.Fatalf("unexpected room_joined: %+v", joined)
	}
	userJoined := alice.expect(protocol.ActionUserJoined)
	if userJoined.UserID != "bob" || userJoined.RoomID != created.RoomID {
		t.Fatalf("unexpected user_joined: %+v", userJoined)
	}
	keyExchange := bob.expect(protocol.ActionPublicKeyExchange)
	if keyExchange.UserID != "alice" || keyExchange.PublicKey != "ALICE-PEM" {
		t.Fatalf("unexpected public_key_exchange: %+v", keyExchange)
	}

	alice.send(protocol.Envelope{
		Action:           protocol.ActionSendMessage,
		RoomID:           created.RoomID,
		Role:             protocol.RoleHost,
		EncryptedContent: "XYZ",
	})
	msg := bob.expect(protocol.ActionNewMessage)
	if msg.EncryptedContent != "XYZ" || msg.Role != protocol.RoleHost {
		t.Fatalf("unexpected new_message: %+v", msg)
	}

	alice.send(protocol.Envelope{
		Action: protocol.ActionLeaveRoom,
		RoomID: created.RoomID,
		Role:   protocol.RoleHost,
		UserID: "alice",
	})
	bob.expect(protocol.ActionUserLeft)
	bob.expect(protocol.ActionRoomClosed)

	if _, ok := relay.rooms.Lookup(created.RoomID); ok {
		t.Fatal("expected room gone after host left")
	}

	carol := dialRelay(t, ctx, url)
	carol.send(protocol.Envelope{Action: protocol.ActionLogin, UserID: "carol"})
	carol.send(protocol.Envelope{Action: protocol.ActionJoinRoom, RoomID: created.RoomID})
	errEnv := carol.expect(protocol.ActionError)
	if errEnv.Message != "Room not found or already full" {
		t.Fatalf("unexpected error message: %q", errEnv.Message)
	}
}

func TestHostDisconnectNotifiesGuest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	relay, url := startTestRelay(t)

	alice := dialRelay(t, ctx, url)
	bob := dialRelay(t, ctx, url)

	alice.send(protocol.Envelope{Action: protocol.ActionLogin, UserID: "alice"})
	alice.send(protocol.Envelope{Action: protocol.ActionCreateRoom})
	created := alice.expect(protocol.ActionRoomCreated)

	bob.send(protocol.Envelope{Action: protocol.ActionLogin, UserID: "bob"})
	bob.send(protocol.Envelope{Action: protocol.ActionJoinRoom, RoomID: created.RoomID})
	bob.expect(protocol.ActionRoomJoined)
	alice.expect(protocol.ActionUserJoined)

	// abrupt close, no leave_room
	_ = alice.ws.Close(websocket.StatusNormalClosure, "")

	left := bob.expect(protocol.ActionUserLeft)
	if left.RoomID != created.RoomID || left.Role != protocol.RoleHost {
		t.Fatalf("unexpected user_left: %+v", left)
	}
	closed := bob.expect(protocol.ActionRoomClosed)
	if closed.RoomID != created.RoomID {
		t.Fatalf("unexpected room_closed: %+v", closed)
	}

	deadline := time.Now().Add(5 * time.Second)
	for relay.rooms.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected room table swept after disconnect, %d rooms remain", relay.rooms.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	_, url := startTestRelay(t)

	alice := dialRelay(t, ctx, url)
	if err := alice.ws.Write(ctx, websocket.MessageText, []byte(`{broken`)); err != nil {
		t.Fatalf("send malformed frame: %v", err)
	}
	if err := alice.ws.Write(ctx, websocket.MessageText, []byte(`{"action":"no_such_action"}`)); err != nil {
		t.Fatalf("send unknown action: %v", err)
	}

	// the server must neither respond nor close; a normal flow still works
	alice.send(protocol.Envelope{Action: protocol.ActionLogin, UserID: "alice"})
	alice.send(protocol.Envelope{Action: protocol.ActionCreateRoom})
	created := alice.expect(protocol.ActionRoomCreated)
	if created.RoomID == "" {
		t.Fatalf("unexpected room_created: %+v", created)
	}
}
