package session

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// signalBody is the opaque payload relayed between the peers: a
// session description or a trickled ICE candidate.
type signalBody struct {
	Type      string                   `json:"type,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// PeerNegotiator drives one WebRTC peer connection. The initiator
// opens the data channel and offers; the responder answers. Either
// side may re-offer when it adds a track after the initial exchange.
type PeerNegotiator struct {
	mu  sync.Mutex
	cfg NegotiatorConfig
	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel

	dcOpen atomic.Bool
	closed atomic.Bool

	audioOn atomic.Bool
	videoOn atomic.Bool

	// Trickled candidates arriving before the remote description is
	// set are held back; pion rejects them otherwise.
	remoteSet      bool
	heldCandidates []webrtc.ICECandidateInit

	done   chan struct{}
	logger *zap.SugaredLogger
}

// NewPeerNegotiator builds a negotiator on a fresh peer connection.
// It satisfies NegotiatorFactory.
func NewPeerNegotiator(cfg NegotiatorConfig) (Negotiator, error) {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		servers = append(servers, srv)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	n := &PeerNegotiator{
		cfg:    cfg,
		pc:     pc,
		done:   make(chan struct{}),
		logger: cfg.Logger,
	}
	n.audioOn.Store(true)
	n.videoOn.Store(true)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		n.emitSignal(signalBody{Candidate: &init})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if cfg.OnConnected != nil {
				cfg.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			if n.closed.CompareAndSwap(false, true) {
				close(n.done)
				if cfg.OnClosed != nil {
					cfg.OnClosed(fmt.Errorf("peer connection %s", state))
				}
			}
		}
	})

	pc.OnNegotiationNeeded(n.offer)
	pc.OnTrack(n.handleRemoteTrack)

	if cfg.Initiator {
		dc, err := pc.CreateDataChannel("bus", nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		n.bindDataChannel(dc)
	} else {
		pc.OnDataChannel(n.bindDataChannel)
	}

	return n, nil
}

func (n *PeerNegotiator) bindDataChannel(dc *webrtc.DataChannel) {
	n.mu.Lock()
	n.dc = dc
	n.mu.Unlock()

	dc.OnOpen(func() { n.dcOpen.Store(true) })
	dc.OnClose(func() { n.dcOpen.Store(false) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if n.cfg.OnData != nil {
			n.cfg.OnData(msg.Data)
		}
	})
}

// offer sends a fresh offer when the signaling state allows one.
func (n *PeerNegotiator) offer() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc.SignalingState() != webrtc.SignalingStateStable {
		return
	}
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		n.logger.Warnw("offer failed", "error", err)
		return
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		n.logger.Warnw("set local description failed", "error", err)
		return
	}
	n.emitSignal(signalBody{Type: "offer", SDP: offer.SDP})
}

func (n *PeerNegotiator) emitSignal(body signalBody) {
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	if n.cfg.OnSignal != nil {
		n.cfg.OnSignal(raw)
	}
}

// Signal applies one inbound negotiation payload.
func (n *PeerNegotiator) Signal(data json.RawMessage) error {
	var body signalBody
	if err := json.Unmarshal(data, &body); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	switch {
	case body.Candidate != nil:
		if !n.remoteSet {
			n.heldCandidates = append(n.heldCandidates, *body.Candidate)
			return nil
		}
		return n.pc.AddICECandidate(*body.Candidate)

	case body.Type == "offer":
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: body.SDP}
		if err := n.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("apply offer: %w", err)
		}
		n.flushCandidatesLocked()
		answer, err := n.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := n.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		n.emitSignal(signalBody{Type: "answer", SDP: answer.SDP})
		return nil

	case body.Type == "answer":
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: body.SDP}
		if err := n.pc.SetRemoteDescription(desc); err != nil {
			return fmt.Errorf("apply answer: %w", err)
		}
		n.flushCandidatesLocked()
		return nil

	default:
		return fmt.Errorf("unexpected signal %q", body.Type)
	}
}

func (n *PeerNegotiator) flushCandidatesLocked() {
	n.remoteSet = true
	for _, c := range n.heldCandidates {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.logger.Warnw("held candidate rejected", "error", err)
		}
	}
	n.heldCandidates = nil
}

// SendText transmits one data-channel frame.
func (n *PeerNegotiator) SendText(data []byte) error {
	n.mu.Lock()
	dc := n.dc
	n.mu.Unlock()
	if dc == nil || !n.dcOpen.Load() {
		return fmt.Errorf("data channel not open")
	}
	return dc.SendText(string(data))
}

// AttachSource adds an outbound track fed from src and starts the
// forwarding loop. Adding a track after the initial exchange triggers
// renegotiation through OnNegotiationNeeded.
func (n *PeerNegotiator) AttachSource(src MediaSource) error {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if src.Kind() == KindAudio {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}

	track, err := webrtc.NewTrackLocalStaticRTP(capability, string(src.Kind()), "duocall")
	if err != nil {
		return fmt.Errorf("create local track: %w", err)
	}
	sender, err := n.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}

	go n.drainRTCP(sender)
	go n.forward(src, track)
	return nil
}

// forward pumps RTP from the source to the peer. A disabled flag mutes
// the track by dropping packets while keeping the source draining, so
// re-enabling resumes at the live edge.
func (n *PeerNegotiator) forward(src MediaSource, track *webrtc.TrackLocalStaticRTP) {
	enabled := &n.videoOn
	if src.Kind() == KindAudio {
		enabled = &n.audioOn
	}

	for {
		select {
		case <-n.done:
			return
		default:
		}

		pkt, err := src.ReadRTP()
		if err != nil {
			if err != io.EOF {
				n.logger.Debugw("media source ended", "kind", src.Kind(), "error", err)
			}
			return
		}
		if !enabled.Load() {
			continue
		}
		if err := track.WriteRTP(pkt); err != nil {
			return
		}
	}
}

// drainRTCP consumes sender reports so interceptors keep running.
func (n *PeerNegotiator) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (n *PeerNegotiator) handleRemoteTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := KindVideo
	if remote.Kind() == webrtc.RTPCodecTypeAudio {
		kind = KindAudio
	}

	if kind == KindVideo {
		go n.requestKeyframes(uint32(remote.SSRC()))
	}

	packets := make(chan *rtp.Packet, 64)
	if n.cfg.OnRemoteStream != nil {
		n.cfg.OnRemoteStream(RemoteStream{Kind: kind, Packets: packets})
	}

	go func() {
		defer close(packets)
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return
			}
			select {
			case packets <- pkt:
			default:
				// Receiver stalled, drop rather than block the
				// read loop.
			}
		}
	}()
}

// requestKeyframes sends a PLI on a fixed cadence so a receiver that
// joined mid-stream gets a decodable picture promptly.
func (n *PeerNegotiator) requestKeyframes(ssrc uint32) {
	interval := n.cfg.KeyframeInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pli := &rtcp.PictureLossIndication{MediaSSRC: ssrc}
			if err := n.pc.WriteRTCP([]rtcp.Packet{pli}); err != nil {
				return
			}
		case <-n.done:
			return
		}
	}
}

// SetAudioEnabled gates the outbound audio track.
func (n *PeerNegotiator) SetAudioEnabled(enabled bool) { n.audioOn.Store(enabled) }

// SetVideoEnabled gates the outbound video track.
func (n *PeerNegotiator) SetVideoEnabled(enabled bool) { n.videoOn.Store(enabled) }

// Close releases the peer connection.
func (n *PeerNegotiator) Close() error {
	if n.closed.CompareAndSwap(false, true) {
		close(n.done)
	}
	return n.pc.Close()
}
