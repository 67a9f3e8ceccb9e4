package game

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"duocall/internal/bus"
)

// statePayload is the wire shape of a game:<key>:state message. The
// board document differs per game and rides through opaque.
type statePayload struct {
	Board  json.RawMessage `json:"board"`
	Turn   *string         `json:"turn"`
	Winner *string         `json:"winner"`
}

type victoryPayload struct {
	Winner string `json:"winner"`
}

type rematchPayload struct {
	Countdown int `json:"countdown"`
}

// SessionConfig wires one game session onto the bus.
type SessionConfig struct {
	Engine Engine
	Role   Role
	Bus    *bus.Bus
	Logger *zap.SugaredLogger

	// OnState fires after the local board changed for any reason.
	OnState func()
	// OnVictory fires when a victory is decided locally or announced
	// by the peer.
	OnVictory func(winner string)
	// OnCountdown fires on every rematch tick, 3 down to 0.
	OnCountdown func(n int)

	// RematchTick overrides the countdown cadence. Defaults to one
	// second.
	RematchTick time.Duration
}

// Session runs one mini-game between the two peers. The host role
// owns the authoritative board; guest moves are requests the host
// validates and answers with a state broadcast.
type Session struct {
	mu     sync.Mutex
	engine Engine
	role   Role
	b      *bus.Bus
	logger *zap.SugaredLogger

	onState     func()
	onVictory   func(winner string)
	onCountdown func(n int)
	rematchTick time.Duration

	unsubscribe func()
	done        chan struct{}
	closed      bool
}

func NewSession(cfg SessionConfig) *Session {
	s := &Session{
		engine:      cfg.Engine,
		role:        cfg.Role,
		b:           cfg.Bus,
		logger:      cfg.Logger,
		onState:     cfg.OnState,
		onVictory:   cfg.OnVictory,
		onCountdown: cfg.OnCountdown,
		rematchTick: cfg.RematchTick,
		done:        make(chan struct{}),
	}
	if s.rematchTick <= 0 {
		s.rematchTick = time.Second
	}
	s.unsubscribe = s.b.Subscribe(bus.TagPrefix(s.tag("")), s.handleMessage)
	return s
}

// IsHost reports whether this side owns the authoritative board.
func (s *Session) IsHost() bool { return s.role == RoleHost }

// MyMark returns the mark this side plays.
func (s *Session) MyMark() string {
	if s.IsHost() {
		return s.engine.HostMark()
	}
	return s.engine.GuestMark()
}

func (s *Session) tag(kind string) string {
	t := "game:" + s.engine.Key() + ":"
	return t + kind
}

// Play submits a local move. On the host it is validated and, when
// legal, applied and broadcast. On the guest it only produces an
// action request; the board changes when the host's state arrives.
func (s *Session) Play(move interface{}) error {
	raw, err := json.Marshal(move)
	if err != nil {
		return err
	}

	if !s.IsHost() {
		return s.b.Publish(s.tag("action"), json.RawMessage(raw))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.Move(raw, s.engine.HostMark()); err != nil {
		return err
	}
	s.afterAuthoritativeMove()
	return nil
}

// afterAuthoritativeMove broadcasts the outcome of a host-side board
// change. Victory goes out before state; both are sent so either
// arriving alone still settles the result. Caller holds s.mu.
func (s *Session) afterAuthoritativeMove() {
	if s.engine.Status() != StatusPlaying {
		winner := s.engine.Winner()
		if winner == "" {
			winner = DrawMark
		}
		s.publish(s.tag("victory"), victoryPayload{Winner: winner})
		if s.onVictory != nil {
			s.onVictory(winner)
		}
	}
	s.broadcastState()
	if s.onState != nil {
		s.onState()
	}
}

// broadcastState publishes the authoritative snapshot. Caller holds
// s.mu.
func (s *Session) broadcastState() {
	board, turn, winner := s.engine.State()
	s.publish(s.tag("state"), statePayload{Board: board, Turn: turn, Winner: winner})
}

func (s *Session) publish(tag string, payload interface{}) {
	if err := s.b.Publish(tag, payload); err != nil {
		s.logger.Warnw("game publish failed", "tag", tag, "error", err)
	}
}

func (s *Session) handleMessage(msg bus.Message) {
	switch msg.Type {
	case s.tag("action"):
		s.handleAction(msg.Payload)
	case s.tag("state"):
		s.handleState(msg.Payload)
	case s.tag("victory"):
		s.handleVictory(msg.Payload)
	case s.tag("rematch"):
		s.handleRematch(msg.Payload)
	}
}

// handleAction applies a guest move request. Only the host acts on
// these; an illegal request is dropped without reply, the guest will
// simply see no state change.
func (s *Session) handleAction(payload json.RawMessage) {
	if !s.IsHost() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.Move(payload, s.engine.GuestMark()); err != nil {
		s.logger.Debugw("rejected guest move", "game", s.engine.Key(), "error", err)
		return
	}
	s.afterAuthoritativeMove()
}

// handleState replaces the local board wholesale.
func (s *Session) handleState(payload json.RawMessage) {
	var st statePayload
	if err := json.Unmarshal(payload, &st); err != nil {
		s.logger.Debugw("bad state payload", "game", s.engine.Key(), "error", err)
		return
	}
	s.mu.Lock()
	if err := s.engine.SetState(st.Board, st.Turn, st.Winner); err != nil {
		s.mu.Unlock()
		s.logger.Debugw("unusable state payload", "game", s.engine.Key(), "error", err)
		return
	}
	s.mu.Unlock()
	if s.onState != nil {
		s.onState()
	}
}

func (s *Session) handleVictory(payload json.RawMessage) {
	var v victoryPayload
	if err := json.Unmarshal(payload, &v); err != nil {
		return
	}
	s.mu.Lock()
	s.engine.ForceWinner(v.Winner)
	s.mu.Unlock()
	if s.onVictory != nil {
		s.onVictory(v.Winner)
	}
}

func (s *Session) handleRematch(payload json.RawMessage) {
	var r rematchPayload
	if err := json.Unmarshal(payload, &r); err != nil {
		return
	}
	if s.onCountdown != nil {
		s.onCountdown(r.Countdown)
	}
	if r.Countdown == 0 {
		s.mu.Lock()
		s.engine.Reset()
		s.mu.Unlock()
		if s.onState != nil {
			s.onState()
		}
	}
}

// StartRematch runs the host-driven countdown: a rematch broadcast at
// 3, 2, 1, 0, one tick apart. At zero both sides reset to an empty
// board with the host moving first, and the host re-broadcasts a
// fresh state. Only the host may initiate.
func (s *Session) StartRematch() error {
	if !s.IsHost() {
		return ErrNotHost
	}

	go func() {
		for n := 3; n >= 0; n-- {
			s.publish(s.tag("rematch"), rematchPayload{Countdown: n})
			if s.onCountdown != nil {
				s.onCountdown(n)
			}
			if n == 0 {
				break
			}
			select {
			case <-time.After(s.rematchTick):
			case <-s.done:
				return
			}
		}

		s.mu.Lock()
		s.engine.Reset()
		s.broadcastState()
		s.mu.Unlock()
		if s.onState != nil {
			s.onState()
		}
	}()
	return nil
}

// Snapshot returns the current wire state for presentation.
func (s *Session) Snapshot() (board json.RawMessage, turn, winner *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.State()
}

// Close detaches the session from the bus and cancels any countdown.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}
