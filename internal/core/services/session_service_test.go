package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mirrorcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockPeerSession struct {
	mock.Mock
}

func (m *MockPeerSession) Bind(gen domain.Generation) { m.Called(gen) }
func (m *MockPeerSession) Teardown()                  { m.Called() }
func (m *MockPeerSession) SetExpectedResolution(gen domain.Generation, res domain.Resolution) {
	m.Called(gen, res)
}
func (m *MockPeerSession) HandleOffer(ctx context.Context, gen domain.Generation, sdp string) (string, error) {
	args := m.Called(ctx, gen, sdp)
	return args.String(0), args.Error(1)
}
func (m *MockPeerSession) HandleAnswer(ctx context.Context, gen domain.Generation, sdp string) error {
	return m.Called(ctx, gen, sdp).Error(0)
}
func (m *MockPeerSession) HandleICECandidate(ctx context.Context, gen domain.Generation, c domain.ICECandidatePayload) error {
	return m.Called(ctx, gen, c).Error(0)
}

type fakePipeline struct {
	mu        sync.Mutex
	resets    []domain.Generation
	teardowns int
}

func (p *fakePipeline) Reset(gen domain.Generation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets = append(p.resets, gen)
}

func (p *fakePipeline) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardowns++
}

type fakeChannel struct {
	mu        sync.Mutex
	teardowns int
	bound     domain.Generation
}

func (c *fakeChannel) Bind(gen domain.Generation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bound = gen
}

func (c *fakeChannel) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardowns++
}

type recordingObserver struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (o *recordingObserver) OnSessionEvent(e domain.SessionEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *recordingObserver) types() []domain.SessionEventType {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.SessionEventType, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc      *SessionService
	peer     *MockPeerSession
	pipeline *fakePipeline
	channel  *fakeChannel
	observer *recordingObserver
	tokens   *TokenService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		peer:     &MockPeerSession{},
		pipeline: &fakePipeline{},
		channel:  &fakeChannel{},
		observer: &recordingObserver{},
		tokens:   NewTokenService("test-secret", time.Minute, "mirrorcast"),
	}
	f.peer.On("Bind", mock.Anything).Return()
	f.peer.On("Teardown").Return()

	f.svc = NewSessionService(f.tokens, Endpoint{Address: "192.168.1.10", Port: 8081}, f.pipeline, zap.NewNop().Sugar(), f.observer)
	f.svc.Attach(f.peer, f.channel)
	return f
}

func pixel() domain.DeviceIdentity {
	return domain.DeviceIdentity{
		Name:       "Pixel",
		Address:    "10.0.0.5",
		Resolution: domain.Resolution{Width: 1080, Height: 2400},
	}
}

func TestSessionService_InitialSnapshot(t *testing.T) {
	f := newFixture(t)

	snap := f.svc.Snapshot()
	assert.Equal(t, domain.PhaseIdle, snap.Phase)
	assert.Equal(t, StatusReady, snap.Status)
	assert.Nil(t, snap.Device)
	assert.Nil(t, snap.Connection)
}

func TestSessionService_BeginPairing(t *testing.T) {
	f := newFixture(t)

	info, err := f.svc.BeginPairing(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.10", info.Address)
	assert.Equal(t, uint16(8081), info.Port)
	assert.Equal(t, domain.ProtocolVersion, info.ProtocolVersion)
	assert.NotEmpty(t, info.SessionToken)
	assert.NotZero(t, info.IssuedAt)

	snap := f.svc.Snapshot()
	assert.Equal(t, domain.PhaseWaitingForConnection, snap.Phase)
	assert.Equal(t, StatusWaiting, snap.Status)
	require.NotNil(t, snap.Connection)
	assert.Equal(t, info, *snap.Connection)

	assert.Equal(t, []domain.Generation{1}, f.pipeline.resets)
	f.peer.AssertCalled(t, "Bind", domain.Generation(1))
	assert.Equal(t, domain.Generation(1), f.channel.bound)
	assert.Equal(t, []domain.SessionEventType{domain.EventPairingStarted}, f.observer.types())
}

func TestSessionService_FullLifecycle(t *testing.T) {
	f := newFixture(t)

	info, err := f.svc.BeginPairing(context.Background())
	require.NoError(t, err)

	gen, err := f.svc.Authenticate(info.SessionToken)
	require.NoError(t, err)

	f.svc.OnDeviceIdentified(gen, pixel())

	snap := f.svc.Snapshot()
	assert.Equal(t, domain.PhaseConnected, snap.Phase)
	require.NotNil(t, snap.Device)
	assert.Equal(t, pixel(), *snap.Device)
	assert.NotNil(t, snap.StartedAt)
	assert.Equal(t, "Connected to Pixel", snap.Status)

	f.svc.Disconnect("user requested")

	snap = f.svc.Snapshot()
	assert.Equal(t, domain.PhaseIdle, snap.Phase)
	assert.Nil(t, snap.Device)
	assert.Nil(t, snap.StartedAt)
	assert.Equal(t, StatusDisconnected, snap.Status)

	assert.Equal(t, 1, f.channel.teardowns)
	assert.Equal(t, 1, f.pipeline.teardowns)
	f.peer.AssertNumberOfCalls(t, "Teardown", 1)

	assert.Equal(t, []domain.SessionEventType{
		domain.EventPairingStarted,
		domain.EventDeviceConnected,
		domain.EventSessionEnded,
	}, f.observer.types())
	assert.Equal(t, "Pixel", f.observer.events[2].Device.Name)
}

func TestSessionService_DeviceIdentifiedWhileIdleIsNoop(t *testing.T) {
	f := newFixture(t)

	f.svc.OnDeviceIdentified(1, pixel())

	snap := f.svc.Snapshot()
	assert.Equal(t, domain.PhaseIdle, snap.Phase)
	assert.Nil(t, snap.Device)
	assert.Empty(t, f.observer.types())
}

func TestSessionService_DeviceIdentifiedBeforeAuthenticationIsNoop(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.BeginPairing(context.Background())
	require.NoError(t, err)

	f.svc.OnDeviceIdentified(1, pixel())

	assert.Equal(t, domain.PhaseWaitingForConnection, f.svc.Snapshot().Phase)
}

func TestSessionService_SupersededTokenIsRejected(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.BeginPairing(context.Background())
	require.NoError(t, err)
	second, err := f.svc.BeginPairing(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.SessionToken, second.SessionToken)

	_, err = f.svc.Authenticate(first.SessionToken)
	assert.ErrorIs(t, err, domain.ErrTokenMismatch)
	assert.Equal(t, domain.PhaseWaitingForConnection, f.svc.Snapshot().Phase)

	gen, err := f.svc.Authenticate(second.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, domain.Generation(2), gen)

	// the first attempt was torn down before the second started
	assert.Equal(t, 1, f.channel.teardowns)
	f.peer.AssertNumberOfCalls(t, "Teardown", 1)
}

func TestSessionService_AuthenticateErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Authenticate("anything")
	assert.ErrorIs(t, err, domain.ErrNotPairing)

	info, err := f.svc.BeginPairing(context.Background())
	require.NoError(t, err)

	_, err = f.svc.Authenticate("wrong")
	assert.ErrorIs(t, err, domain.ErrTokenMismatch)

	gen, err := f.svc.Authenticate(info.SessionToken)
	require.NoError(t, err)

	_, err = f.svc.Authenticate(info.SessionToken)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	f.svc.OnDeviceIdentified(gen, pixel())
	_, err = f.svc.Authenticate(info.SessionToken)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	_, err = f.svc.Authenticate("wrong")
	assert.ErrorIs(t, err, domain.ErrTokenMismatch)
}

func TestSessionService_ExpiredTokenIsRejected(t *testing.T) {
	f := newFixture(t)
	issued := time.Now()
	f.tokens.now = func() time.Time { return issued }

	info, err := f.svc.BeginPairing(context.Background())
	require.NoError(t, err)

	f.tokens.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = f.svc.Authenticate(info.SessionToken)
	assert.ErrorIs(t, err, domain.ErrTokenExpired)
	assert.Equal(t, domain.PhaseWaitingForConnection, f.svc.Snapshot().Phase)
}

func TestSessionService_DisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t)

	f.svc.Disconnect("nothing to do")
	assert.Zero(t, f.channel.teardowns)

	_, err := f.svc.BeginPairing(context.Background())
	require.NoError(t, err)

	f.svc.Disconnect("first")
	f.svc.Disconnect("second")

	assert.Equal(t, domain.PhaseIdle, f.svc.Snapshot().Phase)
	assert.Equal(t, 1, f.channel.teardowns)
	assert.Equal(t, 1, f.pipeline.teardowns)
}

func TestSessionService_StaleGenerationIsIgnored(t *testing.T) {
	f := newFixture(t)

	info, err := f.svc.BeginPairing(context.Background())
	require.NoError(t, err)
	oldGen, err := f.svc.Authenticate(info.SessionToken)
	require.NoError(t, err)

	info, err = f.svc.BeginPairing(context.Background())
	require.NoError(t, err)
	gen, err := f.svc.Authenticate(info.SessionToken)
	require.NoError(t, err)
	f.svc.OnDeviceIdentified(gen, pixel())

	f.svc.EndSession(oldGen, "socket closed")
	f.svc.FailNegotiation(oldGen, errors.New("late failure"))
	f.svc.OnDeviceIdentified(oldGen, domain.DeviceIdentity{Name: "Old"})

	snap := f.svc.Snapshot()
	assert.Equal(t, domain.PhaseConnected, snap.Phase)
	assert.Equal(t, "Pixel", snap.Device.Name)
}

func TestSessionService_EndSession(t *testing.T) {
	f := newFixture(t)

	info, err := f.svc.BeginPairing(context.Background())
	require.NoError(t, err)
	gen, err := f.svc.Authenticate(info.SessionToken)
	require.NoError(t, err)
	f.svc.OnDeviceIdentified(gen, pixel())

	f.svc.EndSession(gen, "peer connection failed")
	assert.Equal(t, domain.PhaseIdle, f.svc.Snapshot().Phase)

	// a second callback for the same generation is a no-op
	f.svc.EndSession(gen, "socket closed")
	assert.Equal(t, 1, f.channel.teardowns)
}

func TestSessionService_FailNegotiation(t *testing.T) {
	f := newFixture(t)

	info, err := f.svc.BeginPairing(context.Background())
	require.NoError(t, err)
	gen, err := f.svc.Authenticate(info.SessionToken)
	require.NoError(t, err)

	negErr := &domain.NegotiationError{Op: "set_remote_description", Err: errors.New("bad sdp")}
	f.svc.FailNegotiation(gen, negErr)

	snap := f.svc.Snapshot()
	assert.Equal(t, domain.PhaseIdle, snap.Phase)
	assert.Contains(t, snap.Status, "Negotiation failed: ")
	assert.Contains(t, snap.Status, "bad sdp")
	assert.Contains(t, f.observer.types(), domain.EventNegotiationFailed)
}

func TestSessionService_ConcurrentBeginPairingLastWriterWins(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	infos := make([]domain.ConnectionInfo, 8)
	for i := range infos {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info, err := f.svc.BeginPairing(context.Background())
			assert.NoError(t, err)
			infos[i] = info
		}(i)
	}
	wg.Wait()

	snap := f.svc.Snapshot()
	require.NotNil(t, snap.Connection)
	assert.Equal(t, domain.Generation(8), snap.Generation)

	accepted := 0
	for _, info := range infos {
		if _, err := f.svc.Authenticate(info.SessionToken); err == nil {
			accepted++
			assert.Equal(t, snap.Connection.SessionToken, info.SessionToken)
		}
	}
	assert.Equal(t, 1, accepted)
}

// blockingObserver holds up delivery of the first session_ended event.
type blockingObserver struct {
	recordingObserver
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (o *blockingObserver) OnSessionEvent(e domain.SessionEvent) {
	if e.Type == domain.EventSessionEnded {
		o.once.Do(func() {
			close(o.entered)
			<-o.release
		})
	}
	o.recordingObserver.OnSessionEvent(e)
}

func (o *blockingObserver) last() domain.SessionEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events[len(o.events)-1]
}

func TestSessionService_OverlappingTransitionsDeliverEventsInOrder(t *testing.T) {
	f := newFixture(t)
	observer := &blockingObserver{entered: make(chan struct{}), release: make(chan struct{})}
	f.svc.AddObserver(observer)

	_, err := f.svc.BeginPairing(context.Background())
	require.NoError(t, err)

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		f.svc.Disconnect("user")
	}()
	<-observer.entered

	_, err = f.svc.BeginPairing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseWaitingForConnection, f.svc.Snapshot().Phase)

	close(observer.release)
	<-disconnected

	last := observer.last()
	assert.Equal(t, domain.EventPairingStarted, last.Type)
	assert.Equal(t, domain.Generation(2), last.Generation)
	assert.Equal(t, []domain.SessionEventType{
		domain.EventPairingStarted,
		domain.EventSessionEnded,
		domain.EventPairingStarted,
	}, observer.types())
	assert.Equal(t, observer.types(), f.observer.types())
}
