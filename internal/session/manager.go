package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"duocall/internal/bus"
	"duocall/pkg/errors"
)

// ICEServer mirrors the configuration shape handed to the negotiator.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// NegotiatorConfig wires one negotiation attempt. All callbacks carry
// the session they were created for; the manager guards them against
// stale delivery.
type NegotiatorConfig struct {
	Initiator        bool
	ICEServers       []ICEServer
	KeyframeInterval time.Duration
	Logger           *zap.SugaredLogger

	// OnSignal emits an outbound negotiation payload for the relay.
	OnSignal func(data json.RawMessage)
	// OnConnected fires once when the transport reports connected.
	OnConnected func()
	// OnClosed fires when the connection fails or closes.
	OnClosed func(err error)
	// OnData delivers one inbound data-channel frame.
	OnData func(data []byte)
	// OnRemoteStream hands over an inbound media track.
	OnRemoteStream func(stream RemoteStream)
}

// Negotiator drives one peer connection. PeerNegotiator is the
// production implementation.
type Negotiator interface {
	Signal(data json.RawMessage) error
	SendText(data []byte) error
	AttachSource(src MediaSource) error
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Close() error
}

// NegotiatorFactory builds a Negotiator for one session.
type NegotiatorFactory func(cfg NegotiatorConfig) (Negotiator, error)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	RelayURL           string
	ICEServers         []ICEServer
	ReactionsPerSecond float64
	ReactionBurst      int
	KeyframeInterval   time.Duration
	Logger             *zap.SugaredLogger

	// Dial defaults to DialRelay, Negotiate to NewPeerNegotiator.
	Dial      TransportFactory
	Negotiate NegotiatorFactory

	// OnConnectivity fires on every connectivity transition.
	OnConnectivity func(connected bool)
	// OnRemoteStream hands inbound media to the presentation layer.
	OnRemoteStream func(stream RemoteStream)
	// OnPeerLeft fires when the room peer departs.
	OnPeerLeft func()
	// OnRoomFull fires when a join is refused; the session is torn
	// down, the caller decides whether to try another room.
	OnRoomFull func()
}

// Manager owns at most one active peer session. The active room id is
// the guard token: every asynchronous continuation re-checks it and
// discards its effects when the session has moved on. Signals arriving
// before the negotiator exists are buffered in arrival order and
// drained the moment it is created.
type Manager struct {
	mu  sync.Mutex
	cfg ManagerConfig

	activeRoom string
	transport  Transport
	neg        Negotiator
	initiator  *bool
	pending    []json.RawMessage
	sources    []MediaSource
	connected  bool
	micEnabled bool
	camEnabled bool

	reactions *rate.Limiter
	b         *bus.Bus
	logger    *zap.SugaredLogger
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Dial == nil {
		cfg.Dial = DialRelay
	}
	if cfg.Negotiate == nil {
		cfg.Negotiate = NewPeerNegotiator
	}
	if cfg.ReactionsPerSecond <= 0 {
		cfg.ReactionsPerSecond = 8
	}
	if cfg.ReactionBurst <= 0 {
		cfg.ReactionBurst = 8
	}
	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	m := &Manager{
		cfg:        cfg,
		micEnabled: true,
		camEnabled: true,
		reactions:  rate.NewLimiter(rate.Limit(cfg.ReactionsPerSecond), cfg.ReactionBurst),
		logger:     cfg.Logger,
	}
	m.b = bus.New(m, cfg.Logger)
	return m
}

// Bus returns the message bus riding on this session's data channel.
func (m *Manager) Bus() *bus.Bus { return m.b }

// Room returns the active room id, empty when idle.
func (m *Manager) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeRoom
}

// Initiator reports the negotiation role once the relay assigned it.
// The first joiner is the responder (initiator=false).
func (m *Manager) Initiator() (initiator, known bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initiator == nil {
		return false, false
	}
	return *m.initiator, true
}

// IsConnected reports the connectivity flag. True only after the
// transport reported connected, false again on close or error.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Open joins roomID. Reopening the already-active room is a no-op; a
// different room tears the previous session down first. Setup
// continues asynchronously: the negotiator is created when the relay
// assigns a role, connectivity is reported via OnConnectivity.
func (m *Manager) Open(roomID string) error {
	if roomID == "" {
		return errors.New(errors.ErrCodeInvalid, "room id must not be empty")
	}

	m.mu.Lock()
	if m.activeRoom == roomID && m.transport != nil {
		m.mu.Unlock()
		return nil
	}
	wasConnected := m.teardownLocked()
	m.activeRoom = roomID
	m.mu.Unlock()
	if wasConnected {
		m.notifyConnectivity(false)
	}

	room := roomID
	events := SignalEvents{
		OnRole:     func(initiator bool) { m.handleRole(room, initiator) },
		OnSignal:   func(data json.RawMessage) { m.handleSignal(room, data) },
		OnPeerLeft: func(memberID string) { m.handlePeerLeft(room, memberID) },
		OnRoomFull: func() { m.handleRoomFull(room) },
		OnClosed:   func(err error) { m.handleClosed(room, err) },
	}

	t, err := m.cfg.Dial(m.cfg.RelayURL, events)
	if err != nil {
		m.mu.Lock()
		if m.activeRoom == room {
			m.activeRoom = ""
		}
		m.mu.Unlock()
		return errors.NewTransportError("relay dial failed", err)
	}

	m.mu.Lock()
	if m.activeRoom != room {
		m.mu.Unlock()
		t.Close()
		return nil
	}
	m.transport = t
	m.mu.Unlock()

	if err := t.Join(roomID); err != nil {
		m.Close()
		return errors.NewTransportError("room join failed", err)
	}
	m.logger.Infow("session opening", "room", roomID)
	return nil
}

// handleRole creates the negotiator and drains every buffered signal
// into it in arrival order.
func (m *Manager) handleRole(room string, initiator bool) {
	m.mu.Lock()
	if m.activeRoom != room || m.neg != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	neg, err := m.cfg.Negotiate(NegotiatorConfig{
		Initiator:        initiator,
		ICEServers:       m.cfg.ICEServers,
		KeyframeInterval: m.cfg.KeyframeInterval,
		Logger:           m.logger,
		OnSignal:         func(data json.RawMessage) { m.forwardSignal(room, data) },
		OnConnected:      func() { m.handleConnected(room) },
		OnClosed:         func(err error) { m.handleClosed(room, err) },
		OnData:           func(data []byte) { m.handleData(room, data) },
		OnRemoteStream:   func(stream RemoteStream) { m.handleRemoteStream(room, stream) },
	})
	if err != nil {
		m.logger.Errorw("negotiator setup failed", "room", room, "error", err)
		return
	}

	m.mu.Lock()
	if m.activeRoom != room || m.neg != nil {
		m.mu.Unlock()
		neg.Close()
		return
	}
	m.neg = neg
	m.initiator = &initiator
	queued := m.pending
	m.pending = nil
	sources := append([]MediaSource(nil), m.sources...)
	mic, cam := m.micEnabled, m.camEnabled
	m.mu.Unlock()

	m.logger.Infow("negotiating", "room", room, "initiator", initiator, "buffered_signals", len(queued))
	for _, data := range queued {
		if err := neg.Signal(data); err != nil {
			m.logger.Warnw("buffered signal rejected", "room", room, "error", err)
		}
	}
	for _, src := range sources {
		if err := neg.AttachSource(src); err != nil {
			m.logger.Warnw("source attach failed", "room", room, "kind", src.Kind(), "error", err)
		}
	}
	neg.SetAudioEnabled(mic)
	neg.SetVideoEnabled(cam)
}

// handleSignal feeds an inbound signal to the negotiator, or buffers
// it when the negotiator does not exist yet.
func (m *Manager) handleSignal(room string, data json.RawMessage) {
	m.mu.Lock()
	if m.activeRoom != room {
		m.mu.Unlock()
		return
	}
	if m.neg == nil {
		m.pending = append(m.pending, data)
		m.mu.Unlock()
		return
	}
	neg := m.neg
	m.mu.Unlock()

	if err := neg.Signal(data); err != nil {
		m.logger.Warnw("signal rejected", "room", room, "error", err)
	}
}

func (m *Manager) forwardSignal(room string, data json.RawMessage) {
	m.mu.Lock()
	if m.activeRoom != room || m.transport == nil {
		m.mu.Unlock()
		return
	}
	t := m.transport
	m.mu.Unlock()

	if err := t.SendSignal(data); err != nil {
		m.logger.Warnw("signal send failed", "room", room, "error", err)
	}
}

func (m *Manager) handleConnected(room string) {
	m.mu.Lock()
	if m.activeRoom != room || m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = true
	neg := m.neg
	mic, cam := m.micEnabled, m.camEnabled
	m.mu.Unlock()

	// Flags may have changed while negotiating; reapply.
	if neg != nil {
		neg.SetAudioEnabled(mic)
		neg.SetVideoEnabled(cam)
	}
	m.logger.Infow("session connected", "room", room)
	m.notifyConnectivity(true)
}

func (m *Manager) handlePeerLeft(room, memberID string) {
	m.mu.Lock()
	if m.activeRoom != room {
		m.mu.Unlock()
		return
	}
	was := m.connected
	m.connected = false
	m.mu.Unlock()

	m.logger.Infow("peer left", "room", room, "member", memberID)
	if was {
		m.notifyConnectivity(false)
	}
	if m.cfg.OnPeerLeft != nil {
		m.cfg.OnPeerLeft()
	}
}

func (m *Manager) handleRoomFull(room string) {
	m.mu.Lock()
	if m.activeRoom != room {
		m.mu.Unlock()
		return
	}
	was := m.teardownLocked()
	m.mu.Unlock()

	m.logger.Warnw("room full", "room", room)
	if was {
		m.notifyConnectivity(false)
	}
	if m.cfg.OnRoomFull != nil {
		m.cfg.OnRoomFull()
	}
}

func (m *Manager) handleClosed(room string, err error) {
	m.mu.Lock()
	if m.activeRoom != room {
		m.mu.Unlock()
		return
	}
	was := m.connected
	m.connected = false
	m.mu.Unlock()

	if err != nil {
		m.logger.Warnw("session transport closed", "room", room, "error", err)
	}
	if was {
		m.notifyConnectivity(false)
	}
}

func (m *Manager) handleData(room string, data []byte) {
	m.mu.Lock()
	stale := m.activeRoom != room
	m.mu.Unlock()
	if stale {
		return
	}
	m.b.HandleRaw(data)
}

func (m *Manager) handleRemoteStream(room string, stream RemoteStream) {
	m.mu.Lock()
	stale := m.activeRoom != room
	m.mu.Unlock()
	if stale {
		return
	}
	if m.cfg.OnRemoteStream != nil {
		m.cfg.OnRemoteStream(stream)
	}
}

func (m *Manager) notifyConnectivity(connected bool) {
	if m.cfg.OnConnectivity != nil {
		m.cfg.OnConnectivity(connected)
	}
}

// AttachSource adds an outbound media source. Sources attached before
// negotiation are staged and applied when the negotiator appears.
func (m *Manager) AttachSource(src MediaSource) error {
	m.mu.Lock()
	m.sources = append(m.sources, src)
	neg := m.neg
	m.mu.Unlock()

	if neg == nil {
		return nil
	}
	return neg.AttachSource(src)
}

// SetMicEnabled flips the outbound audio flag. Applied immediately
// when tracks exist, remembered and reapplied otherwise.
func (m *Manager) SetMicEnabled(enabled bool) {
	m.mu.Lock()
	m.micEnabled = enabled
	neg := m.neg
	m.mu.Unlock()
	if neg != nil {
		neg.SetAudioEnabled(enabled)
	}
}

// SetCamEnabled flips the outbound video flag.
func (m *Manager) SetCamEnabled(enabled bool) {
	m.mu.Lock()
	m.camEnabled = enabled
	neg := m.neg
	m.mu.Unlock()
	if neg != nil {
		neg.SetVideoEnabled(enabled)
	}
}

// MicEnabled reports the outbound audio flag.
func (m *Manager) MicEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.micEnabled
}

// CamEnabled reports the outbound video flag.
func (m *Manager) CamEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.camEnabled
}

// SendReaction publishes one reaction, subject to the per-session
// budget. Over-budget reactions are dropped, not queued; the return
// value reports whether the reaction went out.
func (m *Manager) SendReaction(emoji string) bool {
	if !m.reactions.Allow() {
		return false
	}
	if err := m.b.PublishReaction(emoji); err != nil {
		m.logger.Warnw("reaction send failed", "error", err)
		return false
	}
	return true
}

// Connected implements bus.Channel.
func (m *Manager) Connected() bool { return m.IsConnected() }

// SendText implements bus.Channel.
func (m *Manager) SendText(data []byte) error {
	m.mu.Lock()
	neg := m.neg
	m.mu.Unlock()
	if neg == nil {
		return fmt.Errorf("no active negotiation")
	}
	return neg.SendText(data)
}

// Close tears the active session down: negotiator released, buffers
// cleared, connectivity false, guard invalidated so late callbacks
// from the old session are discarded.
func (m *Manager) Close() {
	m.mu.Lock()
	room := m.activeRoom
	was := m.teardownLocked()
	m.mu.Unlock()

	if was {
		m.notifyConnectivity(false)
	}
	if room != "" {
		m.logger.Infow("session closed", "room", room)
	}
}

// teardownLocked releases the current session. Caller holds m.mu;
// returns whether connectivity was up.
func (m *Manager) teardownLocked() bool {
	m.activeRoom = ""
	if m.neg != nil {
		m.neg.Close()
		m.neg = nil
	}
	if m.transport != nil {
		m.transport.Close()
		m.transport = nil
	}
	m.pending = nil
	m.sources = nil
	m.initiator = nil
	was := m.connected
	m.connected = false
	return was
}
