package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"mirrorcast/internal/core/domain"
	"mirrorcast/internal/core/ports"
	"mirrorcast/pkg/tracing"
	"mirrorcast/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	closeGracePeriod = time.Second
	unauthorizedCode = "unauthorized"
)

var errClosedByPeer = errors.New("sender closed the session")

type Config struct {
	PingInterval     time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64

	ServerName string
	Version    string

	// Zero disables the corresponding limit.
	ConnectionsPerMinute int
	MessagesPerSecond    float64
	MessageBurst         int
}

func DefaultConfig() Config {
	return Config{
		PingInterval:     30 * time.Second,
		PongTimeout:      60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   64 * 1024,
		ServerName:       "MirrorCast Receiver",
		Version:          domain.ProtocolVersion,
	}
}

// Metrics observes the signaling channel. A nil Metrics is allowed.
type Metrics interface {
	ConnectionAccepted()
	ConnectionRejected(reason string)
	MessageHandled(msgType string)
	MessageDropped(reason string)
}

type noopMetrics struct{}

func (noopMetrics) ConnectionAccepted()       {}
func (noopMetrics) ConnectionRejected(string) {}
func (noopMetrics) MessageHandled(string)     {}
func (noopMetrics) MessageDropped(string)     {}

// WebSocketServer terminates the sender's signaling socket. Any number of
// sockets may connect; only the one that authenticates against the pending
// pairing is promoted and bound to the session generation.
type WebSocketServer struct {
	cfg      Config
	manager  ports.SessionManager
	peer     ports.PeerSession
	metrics  Metrics
	attempts *rate.Limiter
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	gen     domain.Generation
	active  *client
	clients map[*client]struct{}
}

var (
	_ ports.SignalChannel = (*WebSocketServer)(nil)
	_ ports.SignalSender  = (*WebSocketServer)(nil)
)

func NewWebSocketServer(
	cfg Config,
	manager ports.SessionManager,
	peer ports.PeerSession,
	metrics Metrics,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	defaults := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaults.PongTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.ServerName == "" {
		cfg.ServerName = defaults.ServerName
	}
	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	s := &WebSocketServer{
		cfg:     cfg,
		manager: manager,
		peer:    peer,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			// senders are native apps on the LAN and send no Origin
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
	if cfg.ConnectionsPerMinute > 0 {
		s.attempts = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.ConnectionsPerMinute)), cfg.ConnectionsPerMinute)
	}
	return s
}

// Register mounts the websocket endpoint and a liveness probe.
func (s *WebSocketServer) Register(r gin.IRoutes) {
	r.GET("/ws", gin.WrapF(s.HandleWebSocket))
	r.GET("/health", s.HealthCheck)
}

// Bind sets the generation a new connection may be promoted for.
func (s *WebSocketServer) Bind(gen domain.Generation) {
	s.mu.Lock()
	var stale *client
	if s.active != nil && s.active.gen != gen {
		stale = s.active
		s.active = nil
	}
	s.gen = gen
	s.mu.Unlock()

	if stale != nil {
		stale.close(websocket.CloseNormalClosure, "session superseded")
	}
}

// Teardown closes the promoted socket and unbinds the generation. It never
// calls back into the session manager.
func (s *WebSocketServer) Teardown() {
	s.mu.Lock()
	c := s.active
	s.active = nil
	s.gen = 0
	s.mu.Unlock()

	if c == nil {
		return
	}
	sent, err := c.trySend(domain.MessageClose, struct{}{}, closeGracePeriod)
	if !sent {
		// another write holds the socket; dropping it unblocks that write
		s.logger.Debugw("socket busy, closing without farewell", "remote_addr", c.remoteAddr)
		c.abort()
		return
	}
	if err != nil {
		s.logger.Debugw("failed to send close", "remote_addr", c.remoteAddr, "error", err)
	}
	c.close(websocket.CloseNormalClosure, "session ended")
}

// Send writes a message to the promoted socket of gen.
func (s *WebSocketServer) Send(gen domain.Generation, msgType domain.MessageType, data interface{}) error {
	s.mu.Lock()
	c := s.active
	s.mu.Unlock()

	if c == nil || c.gen != gen {
		return domain.ErrStaleSession
	}
	return c.send(msgType, data, s.cfg.WriteTimeout)
}

// Shutdown closes every socket, promoted or not.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.close(websocket.CloseGoingAway, "receiver shutting down")
	}
	return nil
}

// ConnectionCount reports open sockets, including unauthenticated ones.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.attempts != nil && !s.attempts.Allow() {
		s.metrics.ConnectionRejected("rate_limited")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	c := newClient(conn, remoteHost(r.RemoteAddr), s.cfg)
	s.track(c)
	defer s.untrack(c)

	token := r.URL.Query().Get("token")
	var first *domain.SignalingMessage
	if token == "" {
		token, first = s.readHandshake(c)
	}

	gen, err := s.manager.Authenticate(token)
	if err == nil && !s.promote(c, gen) {
		err = domain.ErrStaleSession
	}
	if err != nil {
		s.reject(c, token, err)
		return
	}

	s.metrics.ConnectionAccepted()
	s.logger.Infow("signaling connection accepted",
		"remote_addr", c.remoteAddr,
		"session_generation", gen,
	)

	welcome := domain.WelcomePayload{Server: s.cfg.ServerName, Version: s.cfg.Version}
	if err := c.send(domain.MessageWelcome, welcome, s.cfg.WriteTimeout); err != nil {
		s.release(c, fmt.Sprintf("failed to send welcome: %v", err))
		return
	}

	ctx := context.Background()
	if first != nil {
		if err := s.dispatch(ctx, c, *first); err != nil {
			s.release(c, err.Error())
			return
		}
	}

	s.release(c, s.serve(ctx, c))
}

// readHandshake reads the first message under the handshake timeout and
// takes the token from its session_id. The message is returned for normal
// processing only when it was well formed.
func (s *WebSocketServer) readHandshake(c *client) (string, *domain.SignalingMessage) {
	_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		s.logger.Debugw("no handshake message", "remote_addr", c.remoteAddr, "error", err)
		return "", nil
	}

	msg, err := DecodeMessage(data)
	if err != nil {
		s.logger.Warnw("malformed handshake message", "remote_addr", c.remoteAddr, "error", err)
		return msg.SessionID, nil
	}
	return msg.SessionID, &msg
}

func (s *WebSocketServer) promote(c *client, gen domain.Generation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == 0 || gen != s.gen || s.active != nil {
		return false
	}
	c.gen = gen
	s.active = c
	return true
}

func (s *WebSocketServer) reject(c *client, token string, err error) {
	s.metrics.ConnectionRejected(rejectReason(err))
	s.logger.Warnw("signaling connection refused",
		"remote_addr", c.remoteAddr,
		"token", utils.MaskSensitive(token, 6),
		"error", err,
	)

	payload := domain.ErrorPayload{Code: unauthorizedCode, Message: err.Error()}
	if sendErr := c.send(domain.MessageError, payload, closeGracePeriod); sendErr != nil {
		s.logger.Debugw("failed to send refusal", "remote_addr", c.remoteAddr, "error", sendErr)
	}
	c.close(websocket.ClosePolicyViolation, unauthorizedCode)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, domain.ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, domain.ErrNotPairing):
		return "not_pairing"
	case errors.Is(err, domain.ErrStaleSession):
		return "stale_session"
	default:
		return "token_mismatch"
	}
}

// release closes c and, if it was still the promoted socket, ends its
// session.
func (s *WebSocketServer) release(c *client, reason string) {
	s.mu.Lock()
	wasActive := s.active == c
	if wasActive {
		s.active = nil
	}
	s.mu.Unlock()

	c.close(websocket.CloseNormalClosure, "")
	if !wasActive {
		return
	}

	s.logger.Infow("signaling connection closed",
		"remote_addr", c.remoteAddr,
		"session_generation", c.gen,
		"reason", reason,
	)
	s.manager.EndSession(c.gen, reason)
}

// serve runs the read loop and keepalive of a promoted socket and returns
// why it stopped.
func (s *WebSocketServer) serve(ctx context.Context, c *client) string {
	conn := c.conn
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messages := make(chan []byte, 16)
	readErr := make(chan error, 1)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messages <- data:
			case <-c.done:
				return
			}
		}
	}()

	for {
		select {
		case data := <-messages:
			msg, err := DecodeMessage(data)
			if err != nil {
				s.metrics.MessageDropped("malformed")
				s.logger.Warnw("dropping signaling message",
					"remote_addr", c.remoteAddr,
					"session_generation", c.gen,
					"error", err,
				)
				continue
			}
			if err := s.dispatch(ctx, c, msg); err != nil {
				return err.Error()
			}

		case <-pingTicker.C:
			if err := c.ping(s.cfg.WriteTimeout); err != nil {
				return fmt.Sprintf("keepalive failed: %v", err)
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from sender", "remote_addr", c.remoteAddr, "error", err)
			}
			return "signaling connection lost"

		case <-c.done:
			return "signaling connection closed"
		}
	}
}

// dispatch handles one message of a promoted socket. Protocol anomalies are
// logged and dropped; only a close ends the loop.
func (s *WebSocketServer) dispatch(ctx context.Context, c *client, msg domain.SignalingMessage) error {
	ctx, span := tracing.TraceSignalMessage(ctx, string(msg.Type), uint64(c.gen))
	defer span.End()

	if c.limiter != nil && !c.limiter.Allow() {
		s.metrics.MessageDropped("rate_limited")
		s.logger.Warnw("sender exceeded message rate, dropping message",
			"session_generation", c.gen,
			"message_type", msg.Type,
		)
		return nil
	}
	s.metrics.MessageHandled(string(msg.Type))

	switch msg.Type {
	case domain.MessageDeviceInfo:
		identity := parseDeviceInfo(msg.Data, c.remoteAddr)
		s.peer.SetExpectedResolution(c.gen, identity.Resolution)
		s.manager.OnDeviceIdentified(c.gen, identity)

	case domain.MessageOffer, domain.MessageOfferLegacy:
		var payload domain.OfferPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.SDP == "" {
			s.dropAnomaly(c, msg.Type, "offer without sdp")
			return nil
		}
		answer, err := s.peer.HandleOffer(ctx, c.gen, payload.SDP)
		if err != nil {
			s.failNegotiation(ctx, c, err)
			return nil
		}
		reply := domain.AnswerPayload{SDP: answer, Type: "answer"}
		if err := c.send(domain.MessageAnswer, reply, s.cfg.WriteTimeout); err != nil {
			return fmt.Errorf("failed to send answer: %w", err)
		}

	case domain.MessageAnswer, domain.MessageAnswerShort:
		var payload domain.AnswerPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.SDP == "" {
			s.dropAnomaly(c, msg.Type, "answer without sdp")
			return nil
		}
		if err := s.peer.HandleAnswer(ctx, c.gen, payload.SDP); err != nil {
			s.failNegotiation(ctx, c, err)
		}

	case domain.MessageICECandidate:
		var payload domain.ICECandidatePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			s.dropAnomaly(c, msg.Type, "invalid candidate payload")
			return nil
		}
		if err := s.peer.HandleICECandidate(ctx, c.gen, payload); err != nil && !errors.Is(err, domain.ErrStaleSession) {
			s.logger.Warnw("candidate rejected", "session_generation", c.gen, "error", err)
		}

	case domain.MessageClose:
		return errClosedByPeer

	case domain.MessagePing:
		if err := c.send(domain.MessagePong, nil, s.cfg.WriteTimeout); err != nil {
			return fmt.Errorf("failed to send pong: %w", err)
		}

	case domain.MessagePong:

	default:
		// welcome, error and quality_update only flow to the sender
		s.dropAnomaly(c, msg.Type, "unexpected message direction")
	}
	return nil
}

func (s *WebSocketServer) failNegotiation(ctx context.Context, c *client, err error) {
	if errors.Is(err, domain.ErrStaleSession) {
		return
	}
	tracing.RecordError(ctx, err)
	s.manager.FailNegotiation(c.gen, err)
}

func (s *WebSocketServer) dropAnomaly(c *client, msgType domain.MessageType, reason string) {
	s.metrics.MessageDropped("anomaly")
	s.logger.Warnw("dropping signaling message",
		"session_generation", c.gen,
		"message_type", msgType,
		"reason", reason,
	)
}

func (s *WebSocketServer) track(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *WebSocketServer) untrack(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

func (s *WebSocketServer) HealthCheck(c *gin.Context) {
	s.mu.Lock()
	connected := s.active != nil
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
		"connected":   connected,
	})
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// client is one websocket. Writes are serialized; close is idempotent.
type client struct {
	conn       *websocket.Conn
	remoteAddr string
	gen        domain.Generation
	limiter    *rate.Limiter

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, remoteAddr string, cfg Config) *client {
	c := &client{
		conn:       conn,
		remoteAddr: remoteAddr,
		done:       make(chan struct{}),
	}
	if cfg.MessagesPerSecond > 0 {
		burst := cfg.MessageBurst
		if burst <= 0 {
			burst = int(cfg.MessagesPerSecond)
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), max(burst, 1))
	}
	return c
}

func (c *client) send(msgType domain.MessageType, data interface{}, timeout time.Duration) error {
	payload, err := NewMessage(msgType, data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// trySend is send that gives up at once when another write is in
// progress. It reports whether the message was written out.
func (c *client) trySend(msgType domain.MessageType, data interface{}, timeout time.Duration) (bool, error) {
	payload, err := NewMessage(msgType, data)
	if err != nil {
		return false, err
	}

	if !c.writeMu.TryLock() {
		return false, nil
	}
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return true, c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *client) ping(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// abort drops the connection without a close frame.
func (c *client) abort() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) close(code int, text string) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, text)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		_ = c.conn.Close()
	})
}
