package bus

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Fixed message tags. Game sessions derive their own tags per game key
// (game:<key>:action and friends).
const (
	TagReaction      = "reaction"
	TagDrawBegin     = "draw:begin"
	TagDrawPoint     = "draw:point"
	TagDrawEnd       = "draw:end"
	TagGameInvite    = "game:invite"
	TagInviteAccept  = "game:invite:accept"
	TagInviteDecline = "game:invite:decline"
	TagMusicState    = "music:state"
)

// Message is the JSON envelope carried over the established channel.
// Unrecognized tags must pass through undisturbed: subscribers that do
// not care simply never match them.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Emoji   string          `json:"emoji,omitempty"`
}

// Channel is the transport the bus publishes over. Implemented by the
// session's data channel surface.
type Channel interface {
	Connected() bool
	SendText(data []byte) error
}

// Handler consumes one inbound message.
type Handler func(msg Message)

// Filter decides whether a subscriber sees a message. nil matches all.
type Filter func(msg Message) bool

type subscriber struct {
	filter  Filter
	handler Handler
}

// Bus encodes, decodes and fans out application messages over one
// channel. Multiple subscribers receive the same inbound message.
type Bus struct {
	mu        sync.Mutex
	ch        Channel
	subs      map[int]subscriber
	musicSubs map[int]Handler
	nextID    int

	logger *zap.SugaredLogger
}

func New(ch Channel, logger *zap.SugaredLogger) *Bus {
	return &Bus{
		ch:        ch,
		subs:      make(map[int]subscriber),
		musicSubs: make(map[int]Handler),
		logger:    logger,
	}
}

// Publish serializes {tag, payload} and transmits it. It is a silent
// no-op while the channel is not connected.
func (b *Bus) Publish(tag string, payload interface{}) error {
	msg := Message{Type: tag}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		msg.Payload = raw
	}
	return b.PublishMessage(msg)
}

// PublishMessage transmits a pre-built envelope.
func (b *Bus) PublishMessage(msg Message) error {
	if b.ch == nil || !b.ch.Connected() {
		return nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.ch.SendText(raw)
}

// PublishReaction sends a reaction envelope. The emoji rides in its
// own field rather than the payload.
func (b *Bus) PublishReaction(emoji string) error {
	return b.PublishMessage(Message{Type: TagReaction, Emoji: emoji})
}

// Subscribe registers a handler for inbound messages passing filter
// (nil for all). The returned func unsubscribes.
func (b *Bus) Subscribe(filter Filter, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{filter: filter, handler: handler}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// SubscribeMusic registers a handler on the dedicated music fan-out,
// so the playback component need not filter the general stream.
func (b *Bus) SubscribeMusic(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.musicSubs[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.musicSubs, id)
		b.mu.Unlock()
	}
}

// TagPrefix returns a filter matching tags beginning with prefix.
func TagPrefix(prefix string) Filter {
	return func(msg Message) bool {
		return len(msg.Type) >= len(prefix) && msg.Type[:len(prefix)] == prefix
	}
}

// TagIs returns a filter matching exactly one tag.
func TagIs(tag string) Filter {
	return func(msg Message) bool { return msg.Type == tag }
}

// HandleRaw decodes one inbound frame and dispatches it. Decode
// failures are swallowed per message: a bad frame must never
// terminate the channel.
func (b *Bus) HandleRaw(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Debugw("dropping undecodable frame", "error", err)
		return
	}
	if msg.Type == "" {
		return
	}
	b.Dispatch(msg)
}

// Dispatch fans out an already-decoded message.
func (b *Bus) Dispatch(msg Message) {
	b.mu.Lock()
	music := make([]Handler, 0, len(b.musicSubs))
	if msg.Type == TagMusicState {
		for _, h := range b.musicSubs {
			music = append(music, h)
		}
	}
	general := make([]subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		general = append(general, s)
	}
	b.mu.Unlock()

	for _, h := range music {
		h(msg)
	}
	for _, s := range general {
		if s.filter == nil || s.filter(msg) {
			s.handler(msg)
		}
	}
}
