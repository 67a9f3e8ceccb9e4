package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"duocall/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// SignalEvents receives relay-side protocol events. Handlers run on the
// link's read goroutine, one at a time.
type SignalEvents struct {
	OnRole       func(initiator bool)
	OnPeerJoined func(memberID string)
	OnSignal     func(data json.RawMessage)
	OnPeerLeft   func(memberID string)
	OnRoomFull   func()
	OnClosed     func(err error)
}

// Transport is the manager's view of the relay connection. RelayLink is
// the production implementation.
type Transport interface {
	Join(roomID string) error
	SendSignal(data json.RawMessage) error
	Close() error
}

// TransportFactory dials a relay and starts delivering events.
type TransportFactory func(url string, events SignalEvents) (Transport, error)

// RelayLink is a websocket client for the signal relay.
type RelayLink struct {
	conn     *websocket.Conn
	events   SignalEvents
	outgoing chan relay.Envelope
	done     chan struct{}
	once     sync.Once
}

// DialRelay connects to the relay and starts the read and write pumps.
// It satisfies TransportFactory.
func DialRelay(url string, events SignalEvents) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)

	l := &RelayLink{
		conn:     conn,
		events:   events,
		outgoing: make(chan relay.Envelope, 16),
		done:     make(chan struct{}),
	}
	go l.readPump()
	go l.writePump()
	return l, nil
}

// Join announces this connection as a member of roomID.
func (l *RelayLink) Join(roomID string) error {
	return l.send(relay.Envelope{Type: relay.TypeJoin, RoomID: roomID})
}

// SendSignal forwards an opaque negotiation payload to the room peer.
func (l *RelayLink) SendSignal(data json.RawMessage) error {
	return l.send(relay.Envelope{Type: relay.TypeSignal, Data: data})
}

func (l *RelayLink) send(env relay.Envelope) error {
	select {
	case l.outgoing <- env:
		return nil
	case <-l.done:
		return fmt.Errorf("relay link closed")
	}
}

func (l *RelayLink) readPump() {
	defer l.conn.Close()
	for {
		var env relay.Envelope
		if err := l.conn.ReadJSON(&env); err != nil {
			if l.events.OnClosed != nil {
				l.events.OnClosed(err)
			}
			return
		}
		l.dispatch(env)
	}
}

func (l *RelayLink) dispatch(env relay.Envelope) {
	switch env.Type {
	case relay.TypeRole:
		if l.events.OnRole != nil && env.Initiator != nil {
			l.events.OnRole(*env.Initiator)
		}
	case relay.TypePeerJoined:
		if l.events.OnPeerJoined != nil {
			l.events.OnPeerJoined(env.ID)
		}
	case relay.TypeSignal:
		if l.events.OnSignal != nil {
			l.events.OnSignal(env.Data)
		}
	case relay.TypePeerLeft:
		if l.events.OnPeerLeft != nil {
			l.events.OnPeerLeft(env.ID)
		}
	case relay.TypeRoomFull:
		if l.events.OnRoomFull != nil {
			l.events.OnRoomFull()
		}
	}
	// Unknown types fall through for forward compatibility.
}

func (l *RelayLink) writePump() {
	defer l.conn.Close()
	for {
		select {
		case env := <-l.outgoing:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteJSON(env); err != nil {
				return
			}
		case <-l.done:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			l.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close shuts the link down. Safe to call more than once.
func (l *RelayLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
