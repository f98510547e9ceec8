// Command probe is a manual smoke-test client for the relay. Run one probe
// as host and a second as guest against the same server:
//
//	probe -role host -user alice
//	probe -role guest -user bob -room 1000
//
// The host creates a room, waits for the guest, and relays one payload; the
// guest joins, waits for the payload, and echoes it back. Payloads are sent
// as-is: the probe exercises the relay, not the client-side cryptography.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/coder/websocket"

	"github.com/bones7456/Unspoken/internal/protocol"
)

type probeConfig struct {
	addr    string
	user    string
	role    string
	roomID  string
	key     string
	payload string
	timeout time.Duration
}

func main() {
	var cfg probeConfig
	flag.StringVar(&cfg.addr, "addr", "ws://127.0.0.1:8765/ws", "Relay WebSocket URL")
	flag.StringVar(&cfg.user, "user", "probe", "User id to log in with")
	flag.StringVar(&cfg.role, "role", "host", "Probe role (host|guest)")
	flag.StringVar(&cfg.roomID, "room", "", "Room id to join (guest role only)")
	flag.StringVar(&cfg.key, "key", "probe-public-key", "Public key material to publish")
	flag.StringVar(&cfg.payload, "payload", "probe-ciphertext", "Opaque payload to relay")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout for the flow")
	flag.Parse()

	if err := run(cfg); err != nil {
		log.Fatalf("probe failed: %v", err)
	}
	log.Printf("probe role %s completed", cfg.role)
}

func run(cfg probeConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, cfg.addr, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer ws.CloseNow()

	if err := send(ctx, ws, &protocol.Envelope{Action: protocol.ActionLogin, UserID: cfg.user}); err != nil {
		return err
	}
	if err := send(ctx, ws, &protocol.Envelope{Action: protocol.ActionExchangePublicKey, UserID: cfg.user, PublicKey: cfg.key}); err != nil {
		return err
	}

	switch cfg.role {
	case "host":
		err = runHost(ctx, ws, cfg)
	case "guest":
		err = runGuest(ctx, ws, cfg)
	default:
		err = fmt.Errorf("unsupported role %s (expected host or guest)", cfg.role)
	}
	if err != nil {
		return err
	}

	return ws.Close(websocket.StatusNormalClosure, "done")
}

func runHost(ctx context.Context, ws *websocket.Conn, cfg probeConfig) error {
	if err := send(ctx, ws, &protocol.Envelope{Action: protocol.ActionCreateRoom}); err != nil {
		return err
	}
	created, err := waitFor(ctx, ws, protocol.ActionRoomCreated)
	if err != nil {
		return err
	}
	log.Printf("room %s created; waiting for guest", created.RoomID)

	joined, err := waitFor(ctx, ws, protocol.ActionUserJoined)
	if err != nil {
		return err
	}
	log.Printf("guest %s joined", joined.UserID)

	if err := send(ctx, ws, &protocol.Envelope{
		Action:           protocol.ActionSendMessage,
		RoomID:           created.RoomID,
		Role:             protocol.RoleHost,
		EncryptedContent: cfg.payload,
	}); err != nil {
		return err
	}

	echo, err := waitFor(ctx, ws, protocol.ActionNewMessage)
	if err != nil {
		return err
	}
	if echo.EncryptedContent != cfg.payload {
		return fmt.Errorf("echo mismatch: sent %q, got %q", cfg.payload, echo.EncryptedContent)
	}
	log.Printf("payload echoed intact through room %s", created.RoomID)

	return send(ctx, ws, &protocol.Envelope{
		Action: protocol.ActionLeaveRoom,
		RoomID: created.RoomID,
		Role:   protocol.RoleHost,
		UserID: cfg.user,
	})
}

func runGuest(ctx context.Context, ws *websocket.Conn, cfg probeConfig) error {
	if cfg.roomID == "" {
		return fmt.Errorf("guest role requires -room")
	}
	if err := send(ctx, ws, &protocol.Envelope{Action: protocol.ActionJoinRoom, RoomID: cfg.roomID}); err != nil {
		return err
	}
	if _, err := waitFor(ctx, ws, protocol.ActionRoomJoined); err != nil {
		return err
	}
	log.Printf("joined room %s; waiting for host payload", cfg.roomID)

	msg, err := waitFor(ctx, ws, protocol.ActionNewMessage)
	if err != nil {
		return err
	}
	log.Printf("received payload, echoing back")

	return send(ctx, ws, &protocol.Envelope{
		Action:           protocol.ActionSendMessage,
		RoomID:           cfg.roomID,
		Role:             protocol.RoleGuest,
		EncryptedContent: msg.EncryptedContent,
	})
}

func send(ctx context.Context, ws *websocket.Conn, env *protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Action, err)
	}
	if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("send %s: %w", env.Action, err)
	}
	return nil
}

// waitFor reads envelopes until one matches the wanted action. An error
// envelope from the server aborts the wait.
func waitFor(ctx context.Context, ws *websocket.Conn, action string) (*protocol.Envelope, error) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", action, err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		switch env.Action {
		case action:
			return &env, nil
		case protocol.ActionError:
			return nil, fmt.Errorf("server error while waiting for %s: %s", action, env.Message)
		default:
			log.Printf("skipping %s envelope", env.Action)
		}
	}
}
