// Package protocol defines the JSON wire format shared by the relay server
// and its clients: one envelope per WebSocket text frame, tagged with an
// action. Payloads are opaque to the server; encrypted_content and
// public_key are relayed without inspection.
package protocol

// Role identifies which side of a room a user occupies.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Valid reports whether r is one of the two defined roles.
func (r Role) Valid() bool {
	return r == RoleHost || r == RoleGuest
}

// Other returns the opposite role, i.e. the recipient of a relayed envelope.
func (r Role) Other() Role {
	if r == RoleHost {
		return RoleGuest
	}
	return RoleHost
}

// Client-issued action tags.
const (
	ActionLogin             = "login"
	ActionExchangePublicKey = "exchange_public_key"
	ActionRequestPublicKey  = "request_public_key"
	ActionCreateRoom        = "create_room"
	ActionJoinRoom          = "join_room"
	ActionLeaveRoom         = "leave_room"
	ActionTyping            = "typing"
	ActionSendMessage       = "send_message"
)

// Server-issued action tags. ActionTyping appears in both directions.
const (
	ActionPublicKeyResponse = "public_key_response"
	ActionPublicKeyExchange = "public_key_exchange"
	ActionRoomCreated       = "room_created"
	ActionRoomJoined        = "room_joined"
	ActionUserJoined        = "user_joined"
	ActionUserLeft          = "user_left"
	ActionRoomClosed        = "room_closed"
	ActionNewMessage        = "new_message"
	ActionError             = "error"
)

// Envelope is one complete wire message. Action is mandatory; every other
// field is action-specific and omitted when empty.
type Envelope struct {
	Action           string `json:"action"`
	UserID           string `json:"user_id,omitempty"`
	RequestedUserID  string `json:"requested_user_id,omitempty"`
	PublicKey        string `json:"public_key,omitempty"`
	RoomID           string `json:"room_id,omitempty"`
	Role             Role   `json:"role,omitempty"`
	EncryptedContent string `json:"encrypted_content,omitempty"`
	Message          string `json:"message,omitempty"`
}
