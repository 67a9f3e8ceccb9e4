package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duocall/internal/bus"
	"duocall/pkg/logger"
)

type fakeTransport struct {
	mu      sync.Mutex
	joined  []string
	signals []json.RawMessage
	closed  bool
}

func (t *fakeTransport) Join(roomID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joined = append(t.joined, roomID)
	return nil
}

func (t *fakeTransport) SendSignal(data json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signals = append(t.signals, data)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeNegotiator struct {
	mu      sync.Mutex
	signals []string
	sent    [][]byte
	sources []MediaSource
	audio   []bool
	video   []bool
	closed  bool
}

func (n *fakeNegotiator) Signal(data json.RawMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals = append(n.signals, string(data))
	return nil
}

func (n *fakeNegotiator) SendText(data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, append([]byte(nil), data...))
	return nil
}

func (n *fakeNegotiator) AttachSource(src MediaSource) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sources = append(n.sources, src)
	return nil
}

func (n *fakeNegotiator) SetAudioEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.audio = append(n.audio, enabled)
}

func (n *fakeNegotiator) SetVideoEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.video = append(n.video, enabled)
}

func (n *fakeNegotiator) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func (n *fakeNegotiator) signalLog() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.signals...)
}

func (n *fakeNegotiator) lastAudio() (bool, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.audio) == 0 {
		return false, false
	}
	return n.audio[len(n.audio)-1], true
}

func (n *fakeNegotiator) lastVideo() (bool, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.video) == 0 {
		return false, false
	}
	return n.video[len(n.video)-1], true
}

type harness struct {
	m *Manager

	mu         sync.Mutex
	transports []*fakeTransport
	events     []SignalEvents
	negs       []*fakeNegotiator
	negCfgs    []NegotiatorConfig
	conn       []bool
	roomFull   int
	peerLeft   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}
	h.m = NewManager(ManagerConfig{
		RelayURL: "ws://relay.test/ws",
		Logger:   logger.NewNop().Sugar(),
		Dial: func(url string, events SignalEvents) (Transport, error) {
			tr := &fakeTransport{}
			h.mu.Lock()
			h.transports = append(h.transports, tr)
			h.events = append(h.events, events)
			h.mu.Unlock()
			return tr, nil
		},
		Negotiate: func(cfg NegotiatorConfig) (Negotiator, error) {
			neg := &fakeNegotiator{}
			h.mu.Lock()
			h.negs = append(h.negs, neg)
			h.negCfgs = append(h.negCfgs, cfg)
			h.mu.Unlock()
			return neg, nil
		},
		OnConnectivity: func(connected bool) {
			h.mu.Lock()
			h.conn = append(h.conn, connected)
			h.mu.Unlock()
		},
		OnRoomFull: func() {
			h.mu.Lock()
			h.roomFull++
			h.mu.Unlock()
		},
		OnPeerLeft: func() {
			h.mu.Lock()
			h.peerLeft++
			h.mu.Unlock()
		},
	})
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) lastEvents(t *testing.T) SignalEvents {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.events)
	return h.events[len(h.events)-1]
}

func TestEarlySignalsBufferedUntilRoleArrives(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open("room-1"))
	ev := h.lastEvents(t)

	ev.OnSignal(json.RawMessage(`{"seq":1}`))
	ev.OnSignal(json.RawMessage(`{"seq":2}`))
	assert.Empty(t, h.negs, "no negotiator before the role is known")

	ev.OnRole(true)

	require.Len(t, h.negs, 1)
	assert.True(t, h.negCfgs[0].Initiator)
	assert.Equal(t, []string{`{"seq":1}`, `{"seq":2}`}, h.negs[0].signalLog(),
		"buffered signals drain in arrival order")

	// Later signals go straight through.
	ev.OnSignal(json.RawMessage(`{"seq":3}`))
	assert.Equal(t, []string{`{"seq":1}`, `{"seq":2}`, `{"seq":3}`}, h.negs[0].signalLog())
}

func TestManagerWithoutLoggerDefaultsToNop(t *testing.T) {
	var events SignalEvents
	m := NewManager(ManagerConfig{
		RelayURL: "ws://relay.test/ws",
		Dial: func(url string, ev SignalEvents) (Transport, error) {
			events = ev
			return &fakeTransport{}, nil
		},
		Negotiate: func(cfg NegotiatorConfig) (Negotiator, error) {
			return &fakeNegotiator{}, nil
		},
	})
	t.Cleanup(m.Close)

	// Exercise paths that log: open, role assignment, reaction send.
	require.NoError(t, m.Open("room-1"))
	events.OnRole(true)
	assert.True(t, m.SendReaction("👍"))

	initiator, known := m.Initiator()
	require.True(t, known)
	assert.True(t, initiator)
}

func TestReopeningSameRoomIsNoOp(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open("room-1"))
	require.NoError(t, h.m.Open("room-1"))

	assert.Len(t, h.transports, 1, "active session is kept, not re-dialed")
	assert.False(t, h.transports[0].isClosed())
}

func TestReopeningDiscardsStaleSessionCallbacks(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open("room-1"))
	stale := h.lastEvents(t)

	require.NoError(t, h.m.Open("room-2"))
	assert.True(t, h.transports[0].isClosed(), "old transport released")

	// Callbacks from the abandoned session must have no effect.
	stale.OnRole(true)
	stale.OnSignal(json.RawMessage(`{"old":true}`))
	assert.Empty(t, h.negs, "stale role event must not create a negotiator")

	h.lastEvents(t).OnRole(false)
	require.Len(t, h.negs, 1)
	assert.Empty(t, h.negs[0].signalLog(), "stale signal was not buffered for the new session")
	assert.Equal(t, []string{"room-2"}, h.transports[1].joined)
}

func TestConnectivityFlagTracksTransport(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open("room-1"))

	_, known := h.m.Initiator()
	assert.False(t, known, "role unknown before the relay assigns it")
	h.lastEvents(t).OnRole(false)
	initiator, known := h.m.Initiator()
	require.True(t, known)
	assert.False(t, initiator)

	assert.False(t, h.m.IsConnected())
	h.negCfgs[0].OnConnected()
	assert.True(t, h.m.IsConnected())

	h.negCfgs[0].OnClosed(errors.New("ice failed"))
	assert.False(t, h.m.IsConnected())
	assert.Equal(t, []bool{true, false}, h.conn)
}

func TestDeviceFlagsAppliedAndReapplied(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open("room-1"))

	// Flag flipped before the tracks exist: remembered, applied on
	// negotiator creation.
	h.m.SetMicEnabled(false)
	h.lastEvents(t).OnRole(true)

	audio, ok := h.negs[0].lastAudio()
	require.True(t, ok)
	assert.False(t, audio)
	video, ok := h.negs[0].lastVideo()
	require.True(t, ok)
	assert.True(t, video)

	// Flag flipped while connected: applied immediately.
	h.negCfgs[0].OnConnected()
	h.m.SetCamEnabled(false)
	video, _ = h.negs[0].lastVideo()
	assert.False(t, video)
	assert.False(t, h.m.CamEnabled())
	assert.False(t, h.m.MicEnabled())
}

func TestReactionBudgetDropsExcess(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open("room-1"))
	h.lastEvents(t).OnRole(true)
	h.negCfgs[0].OnConnected()

	sent := 0
	for i := 0; i < 12; i++ {
		if h.m.SendReaction("🔥") {
			sent++
		}
	}
	assert.Equal(t, 8, sent, "budget is eight per second, the rest drop")

	h.negs[0].mu.Lock()
	frames := len(h.negs[0].sent)
	h.negs[0].mu.Unlock()
	assert.Equal(t, 8, frames, "dropped reactions are never transmitted")
}

func TestRoomFullTearsSessionDown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open("room-1"))

	h.lastEvents(t).OnRoomFull()

	assert.Equal(t, 1, h.roomFull)
	assert.Empty(t, h.m.Room())
	assert.True(t, h.transports[0].isClosed())
}

func TestPeerLeftDropsConnectivity(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open("room-1"))
	h.lastEvents(t).OnRole(false)
	h.negCfgs[0].OnConnected()

	h.lastEvents(t).OnPeerLeft("member-a")

	assert.Equal(t, 1, h.peerLeft)
	assert.False(t, h.m.IsConnected())
	assert.Equal(t, []bool{true, false}, h.conn)
}

func TestInboundDataReachesBusAndStaleDataDoesNot(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open("room-1"))
	h.lastEvents(t).OnRole(true)

	var got []string
	h.m.Bus().Subscribe(bus.TagIs(bus.TagReaction), func(msg bus.Message) {
		got = append(got, msg.Emoji)
	})

	h.negCfgs[0].OnData([]byte(`{"type":"reaction","emoji":"😀"}`))
	assert.Equal(t, []string{"😀"}, got)

	h.m.Close()
	h.negCfgs[0].OnData([]byte(`{"type":"reaction","emoji":"💀"}`))
	assert.Equal(t, []string{"😀"}, got, "frames from a closed session are discarded")
}

func TestOutboundSignalsForwardedToRelay(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open("room-1"))
	h.lastEvents(t).OnRole(true)

	h.negCfgs[0].OnSignal(json.RawMessage(`{"type":"offer","sdp":"v=0"}`))

	h.transports[0].mu.Lock()
	defer h.transports[0].mu.Unlock()
	require.Len(t, h.transports[0].signals, 1)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(h.transports[0].signals[0]))
}

func TestStagedSourcesAttachOnNegotiation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open("room-1"))

	src := &staticSource{kind: KindAudio}
	require.NoError(t, h.m.AttachSource(src))
	h.lastEvents(t).OnRole(true)

	require.Len(t, h.negs[0].sources, 1)
	assert.Equal(t, KindAudio, h.negs[0].sources[0].Kind())
}

func TestCloseInvalidatesGuardAndClearsState(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open("room-1"))
	ev := h.lastEvents(t)
	ev.OnRole(false)
	h.negCfgs[0].OnConnected()

	h.m.Close()

	assert.Empty(t, h.m.Room())
	assert.False(t, h.m.IsConnected())
	assert.True(t, h.negs[0].closed)
	assert.True(t, h.transports[0].isClosed())
	assert.Equal(t, []bool{true, false}, h.conn)

	// A late connectivity event from the dead session changes nothing.
	h.negCfgs[0].OnConnected()
	assert.False(t, h.m.IsConnected())
}
