package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"duocall/pkg/tracing"
)

const sendQueueSize = 32

// Server is the rendezvous relay. It pairs at most two members per
// room, assigns asymmetric negotiation roles by arrival order and
// forwards opaque signal payloads between them. It keeps no state
// beyond live room membership.
type Server struct {
	registry *Registry
	metrics  *Metrics
	presence *Presence

	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	connections atomic.Int64

	logger *zap.SugaredLogger
}

func NewServer(logger *zap.SugaredLogger) *Server {
	s := &Server{
		registry:     NewRegistry(),
		pingInterval: 30 * time.Second,
		pongTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return s
}

// SetAllowedOrigin restricts websocket upgrades to one origin. "*"
// keeps the permissive default.
func (s *Server) SetAllowedOrigin(origin string) {
	if origin == "" || origin == "*" {
		return
	}
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return r.Header.Get("Origin") == origin
	}
}

func (s *Server) SetMetrics(m *Metrics)   { s.metrics = m }
func (s *Server) SetPresence(p *Presence) { s.presence = p }

func (s *Server) SetPingInterval(d time.Duration) { s.pingInterval = d }
func (s *Server) SetPongTimeout(d time.Duration)  { s.pongTimeout = d }

// client is one websocket connection registered as a room member.
// Outbound envelopes go through a buffered queue drained by a single
// writer goroutine, so members of the same room can send to each other
// from their own read loops without interleaving writes.
type client struct {
	id   string
	conn *websocket.Conn
	send chan Envelope
	done chan struct{}
	once sync.Once
}

func (c *client) ID() string { return c.id }

func (c *client) Send(env Envelope) error {
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("member %s is gone", c.id)
	default:
		return fmt.Errorf("member %s send queue full", c.id)
	}
}

func (c *client) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// HandleWS upgrades the connection and runs its read loop until the
// member disconnects.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Envelope, sendQueueSize),
		done: make(chan struct{}),
	}

	s.connections.Add(1)
	s.metrics.ConnectionOpened()
	s.logger.Infow("member connected", "member_id", c.id, "remote", conn.RemoteAddr())

	go s.writePump(c)
	s.readLoop(r.Context(), c)
	s.disconnect(r.Context(), c)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("read failed", "member_id", c.id, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			// One bad message must not take the connection down.
			s.logger.Debugw("dropping undecodable message", "member_id", c.id, "error", err)
			continue
		}

		switch env.Type {
		case TypeJoin:
			s.handleJoin(ctx, c, env)
		case TypeSignal:
			s.handleSignal(ctx, c, env)
		default:
			// Unknown types are ignored for forward compatibility.
			s.logger.Debugw("ignoring unknown message type", "member_id", c.id, "type", env.Type)
		}
	}
}

func (s *Server) handleJoin(ctx context.Context, c *client, env Envelope) {
	ctx, span := tracing.TraceRelayEvent(ctx, "join", env.RoomID, c.id)
	defer span.End()

	if env.RoomID == "" {
		c.Send(Envelope{Type: TypeError, Message: "roomId is required"})
		return
	}

	initiator, peer, err := s.registry.Join(env.RoomID, c)
	if err != nil {
		// Room full is a defined terminal outcome, not a failure.
		s.logger.Warnw("room full", "room", env.RoomID, "member_id", c.id)
		s.metrics.JoinRejectedFull()
		tracing.RecordError(ctx, err)
		c.Send(Envelope{Type: TypeRoomFull, RoomID: env.RoomID})
		return
	}

	s.metrics.JoinAccepted()
	s.metrics.RoomsActive(s.registry.RoomCount())
	s.presence.Touch(ctx, env.RoomID, s.registry.Size(env.RoomID))

	c.Send(roleEnvelope(initiator))
	s.logger.Infow("role assigned",
		"room", env.RoomID,
		"member_id", c.id,
		"initiator", initiator,
	)

	if peer != nil {
		if err := peer.Send(peerJoinedEnvelope(c.id)); err != nil {
			s.logger.Warnw("peer-joined notify failed", "room", env.RoomID, "error", err)
		}
	}
}

func (s *Server) handleSignal(ctx context.Context, c *client, env Envelope) {
	if env.RoomID == "" {
		return
	}

	// Forward verbatim to every other member, never back to the sender.
	forwarded := 0
	for _, m := range s.registry.Others(env.RoomID, c.id) {
		if err := m.Send(signalEnvelope(env.Data)); err != nil {
			s.logger.Warnw("signal forward failed",
				"room", env.RoomID,
				"to", m.ID(),
				"error", err,
			)
			continue
		}
		forwarded++
	}
	if forwarded > 0 {
		s.metrics.SignalRelayed()
	}
}

func (s *Server) disconnect(ctx context.Context, c *client) {
	c.shutdown()
	c.conn.Close()
	s.connections.Add(-1)
	s.metrics.ConnectionClosed()

	for roomID, remaining := range s.registry.Leave(c.id) {
		for _, m := range remaining {
			if err := m.Send(peerLeftEnvelope(c.id)); err != nil {
				s.logger.Warnw("peer-left notify failed", "room", roomID, "error", err)
				continue
			}
			s.metrics.Departure()
		}
		s.presence.Touch(ctx, roomID, s.registry.Size(roomID))
		s.logger.Infow("peer left", "room", roomID, "member_id", c.id)
	}
	s.metrics.RoomsActive(s.registry.RoomCount())

	s.logger.Infow("member disconnected", "member_id", c.id)
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// HealthCheck reports liveness. It is independent of room state and
// never fails while the process is up.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "ok",
		"timestamp":   time.Now().Unix(),
		"rooms":       s.registry.RoomCount(),
		"connections": s.connections.Load(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
