// Package room owns the session state of the relay: the table of live rooms
// and the (room, role) -> user binding index that mirrors it.
package room

import (
	"errors"
	"strconv"
	"sync"

	"github.com/bones7456/Unspoken/internal/protocol"
)

// Join failure modes. The wire protocol reports both with the same error
// message; callers that care can still tell them apart.
var (
	ErrNotFound = errors.New("room not found")
	ErrFull     = errors.New("room guest slot occupied")
)

// Room ids are handed out from a process-wide counter and never reused.
const firstRoomID = 1000

// Message is one relayed ciphertext, tagged with the sender's role.
// The server never inspects the content.
type Message struct {
	Role             protocol.Role
	EncryptedContent string
}

// Room is a two-party session container. Host is set for the room's entire
// life; Guest is empty while the slot is vacant. Messages is append-only.
type Room struct {
	Host     string
	Guest    string
	Messages []Message
}

func (r *Room) slot(role protocol.Role) string {
	if role == protocol.RoleHost {
		return r.Host
	}
	return r.Guest
}

func (r *Room) setSlot(role protocol.Role, userID string) {
	if role == protocol.RoleHost {
		r.Host = userID
	} else {
		r.Guest = userID
	}
}

// Binding keys the role index: it exists iff that role in that room is
// currently occupied.
type Binding struct {
	RoomID string
	Role   protocol.Role
}

// Departure describes the observable result of a role vacating a room.
type Departure struct {
	RoomID      string
	Role        protocol.Role
	OtherUserID string // occupant of the opposite role at departure time, "" if none
	RoomClosed  bool   // the host left and the room was destroyed
}

// Table owns rooms and the role binding index. Rooms and bindings mutate
// under one lock so the index never disagrees with the room slots.
type Table struct {
	mu       sync.Mutex
	nextID   int64
	rooms    map[string]*Room
	bindings map[Binding]string
}

// NewTable builds an empty table with the id counter at its starting value.
func NewTable() *Table {
	return &Table{
		nextID:   firstRoomID,
		rooms:    make(map[string]*Room),
		bindings: make(map[Binding]string),
	}
}

// Create allocates the next room id and installs hostID as host. Never fails.
func (t *Table) Create(hostID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	roomID := strconv.FormatInt(t.nextID, 10)
	t.nextID++
	t.rooms[roomID] = &Room{Host: hostID}
	t.bindings[Binding{RoomID: roomID, Role: protocol.RoleHost}] = hostID
	return roomID
}

// Join fills the guest slot and returns the host's user id. The first caller
// to observe the slot empty wins; later callers get ErrFull.
func (t *Table) Join(roomID, guestID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rooms[roomID]
	if !ok {
		return "", ErrNotFound
	}
	if r.Guest != "" {
		return "", ErrFull
	}
	// A joiner that never logged in has no identity; the slot stays vacant
	// and no binding is installed, though the join itself is acknowledged.
	if guestID != "" {
		r.Guest = guestID
		t.bindings[Binding{RoomID: roomID, Role: protocol.RoleGuest}] = guestID
	}
	return r.Host, nil
}

// Leave vacates role in roomID if userID is its current occupant, reporting
// false on any mismatch. A vacant slot never matches, so an empty userID
// cannot "leave" an unoccupied role. A host departure destroys the room and
// drops any remaining guest binding.
func (t *Table) Leave(roomID string, role protocol.Role, userID string) (Departure, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaveLocked(roomID, role, userID)
}

func (t *Table) leaveLocked(roomID string, role protocol.Role, userID string) (Departure, bool) {
	r, ok := t.rooms[roomID]
	if !ok {
		return Departure{}, false
	}
	if userID == "" || r.slot(role) != userID {
		return Departure{}, false
	}

	r.setSlot(role, "")
	delete(t.bindings, Binding{RoomID: roomID, Role: role})

	d := Departure{
		RoomID:      roomID,
		Role:        role,
		OtherUserID: r.slot(role.Other()),
	}
	if role == protocol.RoleHost {
		d.RoomClosed = true
		delete(t.rooms, roomID)
		delete(t.bindings, Binding{RoomID: roomID, Role: protocol.RoleGuest})
	}
	return d, true
}

// EvictUser vacates every role userID currently occupies, applying the same
// cascade as Leave. The sweep covers the full room set; a user holding roles
// in several rooms produces one departure per room.
func (t *Table) EvictUser(userID string) []Departure {
	if userID == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Departure
	for roomID, r := range t.rooms {
		for _, role := range []protocol.Role{protocol.RoleHost, protocol.RoleGuest} {
			if r.slot(role) != userID {
				continue
			}
			if d, ok := t.leaveLocked(roomID, role, userID); ok {
				out = append(out, d)
			}
			break
		}
	}
	return out
}

// AppendMessage records a ciphertext in the room log and returns the
// opposite role's occupant for delivery. ok is false when the room does not
// exist, in which case nothing is recorded.
func (t *Table) AppendMessage(roomID string, role protocol.Role, encryptedContent string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rooms[roomID]
	if !ok {
		return "", false
	}
	r.Messages = append(r.Messages, Message{Role: role, EncryptedContent: encryptedContent})
	return r.slot(role.Other()), true
}

// Occupant returns the user occupying role in roomID; "" when the slot is
// vacant. ok is false when the room does not exist.
func (t *Table) Occupant(roomID string, role protocol.Role) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rooms[roomID]
	if !ok {
		return "", false
	}
	return r.slot(role), true
}

// Lookup returns a copy of the room record.
func (t *Table) Lookup(roomID string) (Room, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	cp := *r
	cp.Messages = append([]Message(nil), r.Messages...)
	return cp, true
}

// BoundUser resolves the binding index for (roomID, role).
func (t *Table) BoundUser(roomID string, role protocol.Role) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	userID, ok := t.bindings[Binding{RoomID: roomID, Role: role}]
	return userID, ok
}

// Len reports the number of live rooms.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms)
}
