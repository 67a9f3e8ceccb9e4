package music

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"duocall/internal/bus"
)

// State is the shared playback snapshot carried in a music:state
// message. Time is the playback position in seconds.
type State struct {
	URL     string  `json:"url,omitempty"`
	VideoID string  `json:"videoId,omitempty"`
	Playing bool    `json:"playing"`
	Time    float64 `json:"time"`
}

// SameMedia reports whether two states reference the same media.
func (s State) SameMedia(o State) bool {
	return s.URL == o.URL && s.VideoID == o.VideoID
}

// Player is the local playback surface the protocol drives. State must
// report the locally measured position, not the last applied one.
type Player interface {
	State() State
	Load(url, videoID string)
	Play()
	Pause()
	Seek(seconds float64)
}

// Config wires one Sync instance.
type Config struct {
	Bus    *bus.Bus
	Player Player
	Logger *zap.SugaredLogger

	// BroadcastInterval defaults to three seconds, DriftThreshold to
	// 0.4 seconds.
	BroadcastInterval time.Duration
	DriftThreshold    float64
}

// Sync keeps two players loosely converged. Every local action
// broadcasts immediately; while playing, the state re-broadcasts on a
// fixed cadence. Inbound states are applied piecewise: media switch on
// url/id change, play/pause on flag change, seek only when the
// position drifted past the threshold. Most recent message wins, no
// acknowledgement.
type Sync struct {
	mu     sync.Mutex
	b      *bus.Bus
	player Player
	logger *zap.SugaredLogger

	interval  time.Duration
	threshold float64

	unsubscribe func()
	done        chan struct{}
	closed      bool
}

func NewSync(cfg Config) *Sync {
	s := &Sync{
		b:         cfg.Bus,
		player:    cfg.Player,
		logger:    cfg.Logger,
		interval:  cfg.BroadcastInterval,
		threshold: cfg.DriftThreshold,
		done:      make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = 3 * time.Second
	}
	if s.threshold <= 0 {
		s.threshold = 0.4
	}
	s.unsubscribe = s.b.SubscribeMusic(s.handle)
	go s.broadcastLoop()
	return s
}

// SetMedia loads new media locally and announces it.
func (s *Sync) SetMedia(url, videoID string) {
	s.player.Load(url, videoID)
	s.broadcast()
}

// SetPlaying applies play or pause locally and announces it.
func (s *Sync) SetPlaying(playing bool) {
	if playing {
		s.player.Play()
	} else {
		s.player.Pause()
	}
	s.broadcast()
}

// SeekTo jumps the local position and announces it.
func (s *Sync) SeekTo(seconds float64) {
	s.player.Seek(seconds)
	s.broadcast()
}

// broadcastLoop re-announces the state on a fixed cadence while the
// local player is playing. Paused players stay quiet between actions.
func (s *Sync) broadcastLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.player.State().Playing {
				s.broadcast()
			}
		case <-s.done:
			return
		}
	}
}

func (s *Sync) broadcast() {
	if err := s.b.Publish(bus.TagMusicState, s.player.State()); err != nil {
		s.logger.Warnw("music state broadcast failed", "error", err)
	}
}

// handle applies one inbound state. Application never re-broadcasts:
// only local actions and the cadence loop announce.
func (s *Sync) handle(msg bus.Message) {
	var in State
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		s.logger.Debugw("bad music state payload", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	local := s.player.State()
	if !local.SameMedia(in) {
		s.player.Load(in.URL, in.VideoID)
	}
	if local.Playing != in.Playing {
		if in.Playing {
			s.player.Play()
		} else {
			s.player.Pause()
		}
	}
	if math.Abs(in.Time-local.Time) > s.threshold {
		s.player.Seek(in.Time)
	}
}

// Close stops the cadence loop and detaches from the bus.
func (s *Sync) Close() {
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
