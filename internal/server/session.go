package server

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// session tracks one client connection. id is assigned at accept time and
// used for log correlation; userID is set by the last successful login and
// stays empty for connections that never log in.
type session struct {
	id          string
	userID      string
	remoteAddr  string
	sendCh      chan []byte
	ctx         context.Context
	cancel      context.CancelFunc
	connectedAt time.Time
}

func newSession(parent context.Context, remoteAddr string, buffer int) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:          uuid.NewString(),
		remoteAddr:  remoteAddr,
		sendCh:      make(chan []byte, buffer),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
	}
}

// Enqueue implements registry.Peer. Delivery is best effort: a cancelled
// session reports false, and a full buffer cancels the session rather than
// block the caller.
func (s *session) Enqueue(payload []byte) bool {
	select {
	case <-s.ctx.Done():
		return false
	case s.sendCh <- payload:
		return true
	default:
		s.cancel()
		return false
	}
}
