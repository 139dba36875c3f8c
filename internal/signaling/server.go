package signaling

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/classmeet/meeting-relay/internal/metrics"
	"github.com/classmeet/meeting-relay/internal/origin"
	"github.com/classmeet/meeting-relay/internal/ratelimit"
	"github.com/classmeet/meeting-relay/internal/rooms"
)

const wsWriteWait = 10 * time.Second

// Config wires together the runtime dependencies of the relay server.
type Config struct {
	// Registry is the room membership registry. Required.
	Registry *rooms.Registry

	// Authorizer approves (identity, room) pairs before a join is applied.
	// Nil means allow-all.
	Authorizer Authorizer

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins gates the WebSocket upgrade. Empty means same-host only.
	AllowedOrigins []string

	// IdleTimeout closes connections with no inbound traffic (including
	// pongs); PingInterval must be smaller.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// Inbound hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// SendQueueSize bounds each connection's outbound queue (envelopes).
	SendQueueSize int
}

// Server is the relay's transport layer: it accepts WebSocket connections,
// assigns ConnectionIDs, feeds inbound messages to the Router, and delivers
// Router output through the right Connection Handles.
type Server struct {
	router   *Router
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	idleTimeout          time.Duration
	pingInterval         time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int
	sendQueueSize        int

	mu     sync.Mutex
	conns  map[string]*peer
	closed bool
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		router:  NewRouter(cfg.Registry, cfg.Authorizer, cfg.Metrics, log),
		log:     log,
		metrics: cfg.Metrics,

		idleTimeout:          cfg.IdleTimeout,
		pingInterval:         cfg.PingInterval,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		sendQueueSize:        cfg.SendQueueSize,

		conns: make(map[string]*peer),
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = 60 * time.Second
	}
	if s.pingInterval <= 0 {
		s.pingInterval = 20 * time.Second
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = 64 * 1024
	}
	if s.maxMessagesPerSecond <= 0 {
		s.maxMessagesPerSecond = 50
	}
	if s.sendQueueSize <= 0 {
		s.sendQueueSize = 32
	}

	allowedOrigins := cfg.AllowedOrigins
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			raw := strings.TrimSpace(r.Header.Get("Origin"))
			if raw == "" {
				// Non-browser client; the upstream gateway vouches for it.
				return true
			}
			normalized, host, ok := origin.Normalize(raw)
			return ok && origin.IsAllowed(normalized, host, r.Host, allowedOrigins)
		},
	}

	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /meet/signal", s.handleSignalSocket)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handleSignalSocket(w, r)
}

// ConnectionCount reports the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close tears down every live connection. Intended for shutdown; no
// user-disconnected fan-out is produced since every peer is going away.
func (s *Server) Close() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.conns))
	for _, p := range s.conns {
		peers = append(peers, p)
	}
	s.conns = make(map[string]*peer)
	s.closed = true
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

func (s *Server) handleSignalSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error (including origin rejections).
		return
	}

	p := newPeer(uuid.NewString(), conn, s.sendQueueSize)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		p.close()
		return
	}
	s.conns[p.id] = p
	s.mu.Unlock()

	s.metrics.Inc(metrics.ConnectionOpened)
	s.log.Info("connection opened", "conn_id", p.id, "remote_addr", r.RemoteAddr)

	// The client needs its own routable address before it can be signaled.
	p.enqueue(ServerMessage{Type: MessageTypeWelcome, ConnectionID: p.id})

	go p.writePump(s.pingInterval, wsWriteWait)
	s.readLoop(p, r)
}

func (s *Server) readLoop(p *peer, r *http.Request) {
	defer s.teardown(p)

	p.conn.SetReadLimit(s.maxMessageBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	limiter := ratelimit.NewTokenBucket(
		ratelimit.RealClock{},
		int64(s.maxMessagesPerSecond),
		int64(s.maxMessagesPerSecond),
	)

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimitedClose)
			p.enqueue(errorMessage(ErrCodeRateLimited, "message rate limit exceeded"))
			s.closeWith(p, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			s.protocolError(p, "expected text message")
			continue
		}

		msg, err := ParseClientMessage(data)
		if err != nil {
			s.protocolError(p, err.Error())
			continue
		}

		s.dispatch(s.router.HandleMessage(r.Context(), p.id, msg))
	}
}

// protocolError reports a malformed message back to the offending connection
// only; the connection stays open and other participants are unaffected.
func (s *Server) protocolError(p *peer, detail string) {
	s.metrics.Inc(metrics.ProtocolError)
	s.log.Warn("protocol error", "conn_id", p.id, "detail", detail)
	p.enqueue(errorMessage(ErrCodeBadMessage, detail))
}

// dispatch resolves each delivery's target against the live-connection
// table. Targets that are unknown or already gone are dropped silently: the
// sender is never told, per the at-most-once delivery policy.
func (s *Server) dispatch(deliveries []Delivery) {
	for _, d := range deliveries {
		s.mu.Lock()
		target, ok := s.conns[d.Target]
		s.mu.Unlock()

		if !ok {
			if d.Message.Type == MessageTypeSignal {
				s.metrics.Inc(metrics.SignalDropped)
				s.log.Debug("signal dropped, unknown target", "target", d.Target)
			}
			continue
		}

		// A signal counts as relayed only once it reaches a live handle;
		// unknown targets count as dropped, never both.
		if d.Message.Type == MessageTypeSignal {
			s.metrics.Inc(metrics.SignalRelayed)
		}

		if dropped := target.enqueue(d.Message); dropped > 0 {
			for i := 0; i < dropped; i++ {
				s.metrics.Inc(metrics.OutboundDropped)
			}
			s.log.Warn("outbound queue overflow", "conn_id", d.Target, "dropped", dropped)
		}
	}
}

// teardown runs exactly once per connection, from the read loop's exit. The
// peer leaves the live table before the router's disconnect path runs, so no
// delivery can be addressed to the closed handle, and the fan-out to the
// remaining room members happens synchronously before the handler returns.
func (s *Server) teardown(p *peer) {
	s.mu.Lock()
	_, live := s.conns[p.id]
	delete(s.conns, p.id)
	s.mu.Unlock()

	if !live {
		return
	}

	s.dispatch(s.router.HandleDisconnect(p.id))
	p.close()

	s.metrics.Inc(metrics.ConnectionClosed)
	s.log.Info("connection closed", "conn_id", p.id)
}

func (s *Server) closeWith(p *peer, code int, reason string) {
	deadline := time.Now().Add(wsWriteWait)
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
