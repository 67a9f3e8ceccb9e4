package game

import (
	"encoding/json"
	"errors"
	"sync"

	"duocall/internal/bus"
)

var ErrNoPendingInvite = errors.New("no pending invitation")

type invitePayload struct {
	GameKey string `json:"gameKey"`
}

// Invites runs the invitation handshake shared by all mini-games.
// The inviter sends game:invite; the invitee answers with accept or
// decline. An unanswered invite stays pending until resolved or the
// session ends: the protocol defines no timeout.
type Invites struct {
	mu      sync.Mutex
	b       *bus.Bus
	pending string // game key of the pending invite, "" when idle
	inbound bool   // true when the pending invite came from the peer

	// OnIncoming fires when the peer invites us.
	OnIncoming func(gameKey string)
	// OnAccepted fires on both sides when a game should activate:
	// on the inviter when the accept arrives, on the invitee when it
	// accepts.
	OnAccepted func(gameKey string)
	// OnDeclined fires on the inviter when the peer declines.
	OnDeclined func(gameKey string)

	unsubscribe func()
}

func NewInvites(b *bus.Bus) *Invites {
	inv := &Invites{b: b}
	inv.unsubscribe = b.Subscribe(bus.TagPrefix(bus.TagGameInvite), inv.handle)
	return inv
}

// Send invites the peer to gameKey.
func (inv *Invites) Send(gameKey string) error {
	inv.mu.Lock()
	inv.pending = gameKey
	inv.inbound = false
	inv.mu.Unlock()
	return inv.b.Publish(bus.TagGameInvite, invitePayload{GameKey: gameKey})
}

// Accept answers the pending inbound invite and activates the game
// locally.
func (inv *Invites) Accept() error {
	inv.mu.Lock()
	if inv.pending == "" || !inv.inbound {
		inv.mu.Unlock()
		return ErrNoPendingInvite
	}
	key := inv.pending
	inv.pending = ""
	inv.mu.Unlock()

	if err := inv.b.Publish(bus.TagInviteAccept, invitePayload{GameKey: key}); err != nil {
		return err
	}
	if inv.OnAccepted != nil {
		inv.OnAccepted(key)
	}
	return nil
}

// Decline answers the pending inbound invite negatively.
func (inv *Invites) Decline() error {
	inv.mu.Lock()
	if inv.pending == "" || !inv.inbound {
		inv.mu.Unlock()
		return ErrNoPendingInvite
	}
	key := inv.pending
	inv.pending = ""
	inv.mu.Unlock()

	return inv.b.Publish(bus.TagInviteDecline, invitePayload{GameKey: key})
}

// Pending returns the pending game key and whether it came from the
// peer.
func (inv *Invites) Pending() (gameKey string, inbound bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.pending, inv.inbound
}

func (inv *Invites) handle(msg bus.Message) {
	var p invitePayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
	}

	switch msg.Type {
	case bus.TagGameInvite:
		inv.mu.Lock()
		inv.pending = p.GameKey
		inv.inbound = true
		inv.mu.Unlock()
		if inv.OnIncoming != nil {
			inv.OnIncoming(p.GameKey)
		}

	case bus.TagInviteAccept:
		inv.mu.Lock()
		inv.pending = ""
		inv.mu.Unlock()
		if inv.OnAccepted != nil {
			inv.OnAccepted(p.GameKey)
		}

	case bus.TagInviteDecline:
		inv.mu.Lock()
		inv.pending = ""
		inv.mu.Unlock()
		if inv.OnDeclined != nil {
			inv.OnDeclined(p.GameKey)
		}
	}
}

// Close detaches from the bus. A pending invite simply evaporates
// with the session.
func (inv *Invites) Close() {
	if inv.unsubscribe != nil {
		inv.unsubscribe()
	}
}
