package relay

import "encoding/json"

// Message type tags exchanged with clients. Inbound frames carry join,
// leave or signal; everything else the server sends back.
const (
	TypeJoin   = "join"
	TypeLeave  = "leave"
	TypeSignal = "signal"

	TypeJoined     = "joined"
	TypeRoomFull   = "room-full"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypeError      = "error"
)

const (
	// maxRoomIDLength bounds caller-supplied room ids.
	maxRoomIDLength = 64

	// maxSignalTypeLength bounds the signalType tag. The value itself is
	// not interpreted, but it is client input and must not be unbounded.
	maxSignalTypeLength = 128
)

// Message defines the structure for all C2S (Client to Server)
// and S2C (Server to Client) websocket messages.
type Message struct {
	Type       string          `json:"type"`
	RoomID     string          `json:"roomId,omitempty"`
	SignalType string          `json:"signalType,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`

	// IsInitiator is set on "joined" acknowledgments only. A pointer so
	// that false is still serialized for the non-initiating peer.
	IsInitiator *bool `json:"isInitiator,omitempty"`

	// Error carries the human-readable reason on "error" frames.
	Error string `json:"message,omitempty"`

	// client is the connection that sent the message. Used internally by
	// the hub; unexported, so never sent over JSON.
	client *Client
}

func errorMessage(reason string) *Message {
	return &Message{Type: TypeError, Error: reason}
}

func joinedMessage(roomID string, initiator bool) *Message {
	return &Message{Type: TypeJoined, RoomID: roomID, IsInitiator: &initiator}
}

// ValidRoomID reports whether id is a non-empty bounded string of
// alphanumerics, dashes and underscores.
func ValidRoomID(id string) bool {
	if len(id) == 0 || len(id) > maxRoomIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '-' || ch == '_':
		default:
			return false
		}
	}
	return true
}
