package services

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mirrorcast/internal/core/domain"
	"mirrorcast/internal/core/ports"
	"mirrorcast/pkg/tracing"

	"go.uber.org/zap"
)

const (
	StatusReady        = "Ready to accept connections"
	StatusWaiting      = "Waiting for device to scan QR code..."
	StatusDisconnected = "Disconnected"
)

type tokenIssuer interface {
	Issue() (string, time.Time, error)
	Verify(token string) (*PairingClaims, error)
}

// Endpoint is the address and signaling port advertised to senders.
type Endpoint struct {
	Address         string
	Port            uint16
	ProtocolVersion string
}

// SessionService is the pairing/session state machine. All transitions
// happen under mu; Snapshot reads an atomically published copy.
type SessionService struct {
	mu       sync.Mutex
	state    domain.SessionState
	gen      domain.Generation
	status   string
	snapshot atomic.Pointer[domain.SessionSnapshot]

	tokens    tokenIssuer
	endpoint  Endpoint
	pipeline  ports.FramePipeline
	peer      ports.PeerSession
	channel   ports.SignalChannel
	observers []ports.SessionObserver
	logger    *zap.SugaredLogger
	now       func() time.Time

	// pending holds events in transition order until delivered; at most
	// one goroutine delivers at a time.
	pending    []domain.SessionEvent
	delivering bool
}

var _ ports.SessionManager = (*SessionService)(nil)

func NewSessionService(
	tokens tokenIssuer,
	endpoint Endpoint,
	pipeline ports.FramePipeline,
	logger *zap.SugaredLogger,
	observers ...ports.SessionObserver,
) *SessionService {
	if endpoint.ProtocolVersion == "" {
		endpoint.ProtocolVersion = domain.ProtocolVersion
	}
	s := &SessionService{
		state:     domain.Idle{},
		status:    StatusReady,
		tokens:    tokens,
		endpoint:  endpoint,
		pipeline:  pipeline,
		observers: observers,
		logger:    logger,
		now:       time.Now,
	}
	s.publishLocked()
	return s
}

// Attach wires the per-session resources. The peer session and the
// signaling channel both need the manager, so they are attached after
// construction. Their Teardown must not call back into the manager.
func (s *SessionService) Attach(peer ports.PeerSession, channel ports.SignalChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer = peer
	s.channel = channel
}

// AddObserver registers an observer for lifecycle events.
func (s *SessionService) AddObserver(o ports.SessionObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *SessionService) BeginPairing(ctx context.Context) (domain.ConnectionInfo, error) {
	ctx, span := tracing.StartSpan(ctx, "session.begin_pairing")
	defer span.End()

	token, issuedAt, err := s.tokens.Issue()
	if err != nil {
		tracing.RecordError(ctx, err)
		return domain.ConnectionInfo{}, fmt.Errorf("begin pairing: %w", err)
	}

	s.mu.Lock()
	var events []domain.SessionEvent
	if s.state.Phase() != domain.PhaseIdle {
		events = append(events, s.teardownLocked("superseded by a new pairing"))
	}

	s.gen++
	gen := s.gen
	info := domain.ConnectionInfo{
		Address:         s.endpoint.Address,
		Port:            s.endpoint.Port,
		SessionToken:    token,
		IssuedAt:        uint64(issuedAt.Unix()),
		ProtocolVersion: s.endpoint.ProtocolVersion,
	}
	s.state = domain.WaitingForConnection{Info: info, Generation: gen}
	s.status = StatusWaiting

	if s.pipeline != nil {
		s.pipeline.Reset(gen)
	}
	if s.peer != nil {
		s.peer.Bind(gen)
	}
	if s.channel != nil {
		s.channel.Bind(gen)
	}
	s.publishLocked()
	events = append(events, s.event(domain.EventPairingStarted, gen, nil, ""))
	s.pending = append(s.pending, events...)
	s.mu.Unlock()

	span.SetAttributes(tracing.GenerationKey.Int64(int64(gen)))
	s.logger.Infow("pairing started",
		"session_generation", gen,
		"address", info.Address,
		"port", info.Port,
	)
	s.notify()
	return info, nil
}

// Authenticate admits the first connection presenting the pending token.
func (s *SessionService) Authenticate(token string) (domain.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := s.state.(type) {
	case domain.WaitingForConnection:
		if subtle.ConstantTimeCompare([]byte(token), []byte(st.Info.SessionToken)) != 1 {
			return 0, domain.ErrTokenMismatch
		}
		if _, err := s.tokens.Verify(token); err != nil {
			return 0, err
		}
		if st.Claimed {
			return 0, domain.ErrAlreadyClaimed
		}
		st.Claimed = true
		s.state = st
		s.publishLocked()
		return st.Generation, nil

	case domain.Connected:
		if subtle.ConstantTimeCompare([]byte(token), []byte(st.Info.SessionToken)) != 1 {
			return 0, domain.ErrTokenMismatch
		}
		return 0, domain.ErrAlreadyClaimed

	default:
		return 0, domain.ErrNotPairing
	}
}

func (s *SessionService) OnDeviceIdentified(gen domain.Generation, identity domain.DeviceIdentity) {
	s.mu.Lock()
	st, ok := s.state.(domain.WaitingForConnection)
	if !ok || st.Generation != gen || !st.Claimed {
		phase := s.state.Phase()
		s.mu.Unlock()
		s.logger.Warnw("device identified outside of a pending pairing, ignoring",
			"session_generation", gen,
			"state", phase.String(),
			"device_name", identity.Name,
		)
		return
	}

	startedAt := s.now()
	s.state = domain.Connected{
		Info:       st.Info,
		Generation: gen,
		Device:     identity,
		StartedAt:  startedAt,
	}
	s.status = fmt.Sprintf("Connected to %s", identity.Name)
	s.publishLocked()
	device := identity
	s.pending = append(s.pending, s.event(domain.EventDeviceConnected, gen, &device, ""))
	s.mu.Unlock()

	s.logger.Infow("device connected",
		"session_generation", gen,
		"device_name", identity.Name,
		"device_address", identity.Address,
		"resolution", fmt.Sprintf("%dx%d", identity.Resolution.Width, identity.Resolution.Height),
	)
	s.notify()
}

// EndSession is Disconnect for callbacks that carry a generation.
func (s *SessionService) EndSession(gen domain.Generation, reason string) {
	s.mu.Lock()
	if !s.isActiveLocked(gen) {
		s.mu.Unlock()
		s.logger.Debugw("ignoring end of stale session", "session_generation", gen, "reason", reason)
		return
	}
	s.pending = append(s.pending, s.teardownLocked(reason))
	s.status = StatusDisconnected
	s.publishLocked()
	s.mu.Unlock()

	s.logger.Infow("session ended", "session_generation", gen, "reason", reason)
	s.notify()
}

func (s *SessionService) FailNegotiation(gen domain.Generation, err error) {
	s.mu.Lock()
	if !s.isActiveLocked(gen) {
		s.mu.Unlock()
		s.logger.Debugw("ignoring negotiation failure of stale session", "session_generation", gen, "error", err)
		return
	}
	s.teardownLocked(err.Error())
	s.status = fmt.Sprintf("Negotiation failed: %v", err)
	s.publishLocked()
	s.pending = append(s.pending, s.event(domain.EventNegotiationFailed, gen, nil, err.Error()))
	s.mu.Unlock()

	s.logger.Warnw("negotiation failed", "session_generation", gen, "error", err)
	s.notify()
}

// Disconnect is valid in any state and idempotent.
func (s *SessionService) Disconnect(reason string) {
	s.mu.Lock()
	if s.state.Phase() == domain.PhaseIdle {
		s.mu.Unlock()
		return
	}
	gen := s.gen
	s.pending = append(s.pending, s.teardownLocked(reason))
	s.status = StatusDisconnected
	s.publishLocked()
	s.mu.Unlock()

	s.logger.Infow("disconnected", "session_generation", gen, "reason", reason)
	s.notify()
}

// Snapshot never blocks on an in-flight transition.
func (s *SessionService) Snapshot() domain.SessionSnapshot {
	return *s.snapshot.Load()
}

func (s *SessionService) isActiveLocked(gen domain.Generation) bool {
	return gen != 0 && gen == s.gen && s.state.Phase() != domain.PhaseIdle
}

// teardownLocked releases every per-session resource and returns to Idle.
func (s *SessionService) teardownLocked(reason string) domain.SessionEvent {
	var device *domain.DeviceIdentity
	if st, ok := s.state.(domain.Connected); ok {
		d := st.Device
		device = &d
	}

	if s.channel != nil {
		s.channel.Teardown()
	}
	if s.peer != nil {
		s.peer.Teardown()
	}
	if s.pipeline != nil {
		s.pipeline.Teardown()
	}
	s.state = domain.Idle{}
	return s.event(domain.EventSessionEnded, s.gen, device, reason)
}

func (s *SessionService) publishLocked() {
	snap := &domain.SessionSnapshot{
		Phase:      s.state.Phase(),
		Generation: s.gen,
		Status:     s.status,
	}
	switch st := s.state.(type) {
	case domain.WaitingForConnection:
		info := st.Info
		snap.Connection = &info
	case domain.Connected:
		info := st.Info
		device := st.Device
		started := st.StartedAt
		snap.Connection = &info
		snap.Device = &device
		snap.StartedAt = &started
	}
	s.snapshot.Store(snap)
}

func (s *SessionService) event(t domain.SessionEventType, gen domain.Generation, device *domain.DeviceIdentity, reason string) domain.SessionEvent {
	return domain.SessionEvent{
		Type:       t,
		Generation: gen,
		Device:     device,
		Reason:     reason,
		Timestamp:  s.now(),
	}
}

// notify delivers pending events outside mu. When another goroutine is
// already delivering, it picks up the new events after its current batch,
// so observers always see events in transition order.
func (s *SessionService) notify() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.pending) > 0 {
		events := s.pending
		s.pending = nil
		observers := append([]ports.SessionObserver(nil), s.observers...)
		s.mu.Unlock()

		for _, e := range events {
			for _, o := range observers {
				o.OnSessionEvent(e)
			}
		}
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}
