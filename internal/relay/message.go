package relay

import "encoding/json"

// Protocol event names. Inbound: room:join, signal. Outbound: rtc:role,
// rtc:peer-joined, rtc:room-full, rtc:peer-left, signal.
const (
	TypeJoin       = "room:join"
	TypeSignal     = "signal"
	TypeRole       = "rtc:role"
	TypePeerJoined = "rtc:peer-joined"
	TypeRoomFull   = "rtc:room-full"
	TypePeerLeft   = "rtc:peer-left"
	TypeError      = "error"
)

// Envelope is the single wire shape for every relay message. Data is
// opaque negotiation payload: the relay forwards it verbatim and never
// inspects it.
type Envelope struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"`
	Initiator *bool           `json:"initiator,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func roleEnvelope(initiator bool) Envelope {
	return Envelope{Type: TypeRole, Initiator: &initiator}
}

func peerJoinedEnvelope(memberID string) Envelope {
	return Envelope{Type: TypePeerJoined, ID: memberID}
}

func peerLeftEnvelope(memberID string) Envelope {
	return Envelope{Type: TypePeerLeft, ID: memberID}
}

func signalEnvelope(data json.RawMessage) Envelope {
	return Envelope{Type: TypeSignal, Data: data}
}
