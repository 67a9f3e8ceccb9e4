package main

import (
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"duocall/internal/bus"
	"duocall/internal/game"
	"duocall/internal/music"
	"duocall/internal/session"
	"duocall/pkg/config"
	"duocall/pkg/logger"

	"go.uber.org/zap"
)

// logPlayer is a headless playback surface: it tracks the applied
// state and logs every command. Useful for soak-testing a relay and a
// browser peer without rendering anything.
type logPlayer struct {
	mu    sync.Mutex
	state music.State
	log   *zap.SugaredLogger
}

func (p *logPlayer) State() music.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *logPlayer) Load(url, videoID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.URL = url
	p.state.VideoID = videoID
	p.state.Time = 0
	p.log.Infow("media loaded", "url", url, "video_id", videoID)
}

func (p *logPlayer) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Playing = true
	p.log.Info("playing")
}

func (p *logPlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Playing = false
	p.log.Info("paused")
}

func (p *logPlayer) Seek(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Time = seconds
	p.log.Infow("seek", "seconds", seconds)
}

// gameRole maps the negotiation role onto the game roles: the
// initiator hosts and owns the authoritative board, the responder is
// the guest. An unknown role plays guest until negotiation settles.
func gameRole(initiator, known bool) game.Role {
	if known && initiator {
		return game.RoleHost
	}
	return game.RoleGuest
}

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "config file path")
		relayURL   = flag.String("relay", "", "relay websocket url (overrides config)")
		roomID     = flag.String("room", "", "room to join")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	if *relayURL == "" {
		*relayURL = cfg.Relay.PublicURL
	}

	zapLogger := logger.New(cfg.Logging.Level, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if *roomID == "" {
		log.Fatal("-room is required")
	}

	var ice []session.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		ice = append(ice, session.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}

	var (
		mu          sync.Mutex
		activeGame  *game.Session
		activeMusic *music.Sync
	)

	mgr := session.NewManager(session.ManagerConfig{
		RelayURL:           *relayURL,
		ICEServers:         ice,
		ReactionsPerSecond: cfg.Session.ReactionsPerSecond,
		ReactionBurst:      cfg.Session.ReactionBurst,
		KeyframeInterval:   cfg.Session.KeyframeInterval,
		Logger:             log,
		OnConnectivity: func(connected bool) {
			log.Infow("connectivity changed", "connected", connected)
		},
		OnPeerLeft: func() { log.Info("peer left the room") },
		OnRoomFull: func() { log.Fatal("room already has two members") },
		OnRemoteStream: func(stream session.RemoteStream) {
			go func() {
				count := 0
				for range stream.Packets {
					count++
				}
				log.Infow("remote stream ended", "kind", stream.Kind, "packets", count)
			}()
		},
	})
	defer mgr.Close()

	newEngine := func(key string) game.Engine {
		if key == "c4" {
			return game.NewConnectFour()
		}
		return game.NewTicTacToe()
	}

	invites := game.NewInvites(mgr.Bus())
	defer invites.Close()
	invites.OnIncoming = func(key string) {
		log.Infow("game invite received, accepting", "game", key)
		if err := invites.Accept(); err != nil {
			log.Warnw("accept failed", "error", err)
		}
	}
	invites.OnAccepted = func(key string) {
		mu.Lock()
		defer mu.Unlock()
		if activeGame != nil {
			activeGame.Close()
		}
		activeGame = game.NewSession(game.SessionConfig{
			Engine: newEngine(key),
			Role:   gameRole(mgr.Initiator()),
			Bus:    mgr.Bus(),
			Logger: log,
			OnState: func() {
				log.Infow("board changed", "game", key)
			},
			OnVictory: func(winner string) {
				log.Infow("game over", "game", key, "winner", winner)
			},
			OnCountdown: func(n int) {
				log.Infow("rematch countdown", "game", key, "n", n)
			},
		})
		log.Infow("game active", "game", key)
	}

	activeMusic = music.NewSync(music.Config{
		Bus:               mgr.Bus(),
		Player:            &logPlayer{log: log},
		Logger:            log,
		BroadcastInterval: cfg.Music.BroadcastInterval,
		DriftThreshold:    cfg.Music.DriftThreshold,
	})
	defer activeMusic.Close()

	mgr.Bus().Subscribe(bus.TagIs(bus.TagReaction), func(msg bus.Message) {
		log.Infow("reaction received", "emoji", msg.Emoji)
	})

	if err := mgr.Open(*roomID); err != nil {
		log.Fatalw("failed to open session", "room", *roomID, "error", err)
	}
	log.Infow("joined room", "room", *roomID, "relay", *relayURL)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	mu.Lock()
	if activeGame != nil {
		activeGame.Close()
	}
	mu.Unlock()
	log.Info("peer stopped")
}
