package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mirrorcast/internal/core/domain"
	"mirrorcast/internal/infrastructure/middleware"
	"mirrorcast/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockSessionManager struct {
	mock.Mock
}

func (m *MockSessionManager) BeginPairing(ctx context.Context) (domain.ConnectionInfo, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.ConnectionInfo), args.Error(1)
}

func (m *MockSessionManager) Authenticate(token string) (domain.Generation, error) {
	args := m.Called(token)
	return args.Get(0).(domain.Generation), args.Error(1)
}

func (m *MockSessionManager) OnDeviceIdentified(gen domain.Generation, identity domain.DeviceIdentity) {
	m.Called(gen, identity)
}

func (m *MockSessionManager) EndSession(gen domain.Generation, reason string) {
	m.Called(gen, reason)
}

func (m *MockSessionManager) FailNegotiation(gen domain.Generation, err error) {
	m.Called(gen, err)
}

func (m *MockSessionManager) Disconnect(reason string) {
	m.Called(reason)
}

func (m *MockSessionManager) Snapshot() domain.SessionSnapshot {
	return m.Called().Get(0).(domain.SessionSnapshot)
}

type fakeFrames struct {
	frame *domain.RenderableFrame
	stats domain.PipelineStatistics
}

func (f *fakeFrames) Latest() (domain.RenderableFrame, bool) {
	if f.frame == nil {
		return domain.RenderableFrame{}, false
	}
	return *f.frame, true
}

func (f *fakeFrames) Statistics() domain.PipelineStatistics { return f.stats }

type sentMessage struct {
	gen     domain.Generation
	msgType domain.MessageType
	data    interface{}
}

type fakeSender struct {
	sent []sentMessage
	err  error
}

func (f *fakeSender) Send(gen domain.Generation, msgType domain.MessageType, data interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{gen, msgType, data})
	return nil
}

var testInfo = domain.ConnectionInfo{
	Address:         "192.168.1.20",
	Port:            8081,
	SessionToken:    "tok-123",
	IssuedAt:        1700000000,
	ProtocolVersion: domain.ProtocolVersion,
}

func connectedSnapshot() domain.SessionSnapshot {
	info := testInfo
	return domain.SessionSnapshot{
		Phase:      domain.PhaseConnected,
		Generation: 5,
		Connection: &info,
		Device:     &domain.DeviceIdentity{Name: "Pixel", Address: "192.168.1.30", Resolution: domain.Resolution{Width: 1080, Height: 2400}},
		Status:     "Connected to Pixel",
	}
}

type handlerFixture struct {
	router  *gin.Engine
	manager *MockSessionManager
	frames  *fakeFrames
	sender  *fakeSender
	handler *SessionHandler
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &handlerFixture{
		manager: &MockSessionManager{},
		frames:  &fakeFrames{},
		sender:  &fakeSender{},
	}
	f.handler = NewSessionHandler(f.manager, f.frames, f.sender)

	f.router = gin.New()
	f.router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	f.handler.SetupRoutes(f.router)
	return f
}

func (f *handlerFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestSessionHandler_BeginPairing(t *testing.T) {
	f := newHandlerFixture(t)
	f.manager.On("BeginPairing", mock.Anything).Return(testInfo, nil)

	w := f.do(http.MethodPost, "/api/v1/pairing", "")
	require.Equal(t, http.StatusCreated, w.Code)

	var resp PairingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, testInfo, resp.Connection)
	assert.Equal(t, "ws://192.168.1.20:8081/ws?token=tok-123", resp.WebSocketURL)
	assert.NotContains(t, w.Body.String(), `"code"`)

	decoded, err := domain.DecodePairingPayload(resp.Payload)
	require.NoError(t, err)
	assert.Equal(t, testInfo, decoded)
}

func TestSessionHandler_BeginPairingFailure(t *testing.T) {
	f := newHandlerFixture(t)
	f.manager.On("BeginPairing", mock.Anything).Return(domain.ConnectionInfo{}, errors.New("entropy exhausted"))

	w := f.do(http.MethodPost, "/api/v1/pairing", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSessionHandler_GetPairing(t *testing.T) {
	f := newHandlerFixture(t)
	info := testInfo
	f.manager.On("Snapshot").Return(domain.SessionSnapshot{
		Phase:      domain.PhaseWaitingForConnection,
		Generation: 2,
		Connection: &info,
	}).Once()
	f.manager.On("Snapshot").Return(domain.SessionSnapshot{Phase: domain.PhaseIdle})

	w := f.do(http.MethodGet, "/api/v1/pairing", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mirrorcast_connection")

	w = f.do(http.MethodGet, "/api/v1/pairing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"idle"`)
}

func TestSessionHandler_SessionAndDisconnect(t *testing.T) {
	f := newHandlerFixture(t)
	f.manager.On("Snapshot").Return(connectedSnapshot())
	f.manager.On("Disconnect", "disconnected by user").Return()

	w := f.do(http.MethodGet, "/api/v1/session", "")
	require.Equal(t, http.StatusOK, w.Code)

	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "connected", snap["state"])
	assert.Equal(t, "Connected to Pixel", snap["status"])

	w = f.do(http.MethodDelete, "/api/v1/session", "")
	assert.Equal(t, http.StatusOK, w.Code)
	f.manager.AssertCalled(t, "Disconnect", "disconnected by user")
}

func TestSessionHandler_Stats(t *testing.T) {
	f := newHandlerFixture(t)
	f.frames.stats = domain.PipelineStatistics{FramesReceived: 10, FramesDropped: 2, TargetFPS: 30}

	w := f.do(http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats domain.PipelineStatistics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, uint64(10), stats.FramesReceived)
	assert.Equal(t, uint64(2), stats.FramesDropped)
}

func TestSessionHandler_Frame(t *testing.T) {
	f := newHandlerFixture(t)

	w := f.do(http.MethodGet, "/api/v1/frame", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	pixels := bytes.Repeat([]byte{255, 0, 0, 255}, 4*2)
	f.frames.frame = &domain.RenderableFrame{Pixels: pixels, Width: 4, Height: 2, Sequence: 9}

	w = f.do(http.MethodGet, "/api/v1/frame", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "9", w.Header().Get("X-Frame-Sequence"))

	img, err := png.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())
	r, g, b, a := img.At(3, 1).RGBA()
	assert.Equal(t, []uint32{0xffff, 0, 0, 0xffff}, []uint32{r, g, b, a})
}

func TestSessionHandler_SetQuality(t *testing.T) {
	f := newHandlerFixture(t)
	f.manager.On("Snapshot").Return(connectedSnapshot())

	w := f.do(http.MethodPut, "/api/v1/quality", `{"quality":"medium"}`)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, f.sender.sent, 1)
	sent := f.sender.sent[0]
	assert.Equal(t, domain.Generation(5), sent.gen)
	assert.Equal(t, domain.MessageQualityUpdate, sent.msgType)
	assert.Equal(t, domain.QualityUpdatePayload{Quality: domain.QualityMedium, MaxWidth: 720, MaxHeight: 1600, Framerate: 30}, sent.data)
	assert.Equal(t, domain.QualityMedium, f.handler.Quality())
}

func TestSessionHandler_SetQualityAuto(t *testing.T) {
	f := newHandlerFixture(t)
	f.manager.On("Snapshot").Return(connectedSnapshot())

	w := f.do(http.MethodPut, "/api/v1/quality", `{"quality":"auto"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.QualityUpdatePayload{Quality: domain.QualityAuto}, f.sender.sent[0].data)
}

func TestSessionHandler_SetQualityRejected(t *testing.T) {
	f := newHandlerFixture(t)
	f.manager.On("Snapshot").Return(domain.SessionSnapshot{Phase: domain.PhaseIdle})

	w := f.do(http.MethodPut, "/api/v1/quality", `{"quality":"ultra"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPut, "/api/v1/quality", `{"quality":"low"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, f.sender.sent)
	assert.Equal(t, domain.QualityAuto, f.handler.Quality())
}

func TestSessionHandler_QualityResetsForNewSession(t *testing.T) {
	f := newHandlerFixture(t)
	f.manager.On("Snapshot").Return(connectedSnapshot()).Times(3)
	info := testInfo
	f.manager.On("Snapshot").Return(domain.SessionSnapshot{
		Phase:      domain.PhaseWaitingForConnection,
		Generation: 6,
		Connection: &info,
	})

	w := f.do(http.MethodPut, "/api/v1/quality", `{"quality":"low"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.QualityLow, f.handler.Quality())

	w = f.do(http.MethodGet, "/api/v1/quality", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"quality":"low"}`, w.Body.String())

	assert.Equal(t, domain.QualityAuto, f.handler.Quality())
	w = f.do(http.MethodGet, "/api/v1/quality", "")
	assert.JSONEq(t, `{"quality":"auto"}`, w.Body.String())
}

func TestSessionHandler_SetQualityStaleSession(t *testing.T) {
	f := newHandlerFixture(t)
	f.manager.On("Snapshot").Return(connectedSnapshot())
	f.sender.err = domain.ErrStaleSession

	w := f.do(http.MethodPut, "/api/v1/quality", `{"quality":"high"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSessionHandler_DisplaySize(t *testing.T) {
	f := newHandlerFixture(t)
	f.frames.stats.Resolution = domain.Resolution{Width: 1920, Height: 1080}

	w := f.do(http.MethodGet, "/api/v1/display-size?width=1280&height=1024", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Video   domain.Resolution  `json:"video"`
		Display domain.Resolution  `json:"display"`
		Mode    domain.ScalingMode `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.Resolution{Width: 1280, Height: 720}, resp.Display)
	assert.Equal(t, domain.ScaleFit, resp.Mode)

	w = f.do(http.MethodGet, "/api/v1/display-size?width=1280&height=1024&mode=stretch", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, domain.Resolution{Width: 1280, Height: 1024}, resp.Display)

	w = f.do(http.MethodGet, "/api/v1/display-size?width=abc&height=1024", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/api/v1/display-size?width=1280&height=1024&mode=zoom", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionHandler_DisplaySizeFallsBackToDevice(t *testing.T) {
	f := newHandlerFixture(t)
	f.manager.On("Snapshot").Return(connectedSnapshot()).Once()
	f.manager.On("Snapshot").Return(domain.SessionSnapshot{Phase: domain.PhaseIdle})

	w := f.do(http.MethodGet, "/api/v1/display-size?width=540&height=540&mode=original", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"display":{"width":1080,"height":2400}`)

	w = f.do(http.MethodGet, "/api/v1/display-size?width=540&height=540", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type fakeCounter int

func (c fakeCounter) ConnectionCount() int { return int(c) }

func newSystemRouter(t *testing.T, health *monitoring.HealthChecker, manager *MockSessionManager) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(reg)
	collector.FrameReceived()

	addresses := func() ([]net.IP, error) {
		return []net.IP{net.ParseIP("192.168.1.20"), net.ParseIP("10.0.0.5")}, nil
	}
	handler := NewSystemHandler(health, manager, fakeCounter(1), addresses, 8081, reg)

	router := gin.New()
	handler.SetupRoutes(router)
	return router
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestSystemHandler_HealthAndNetworkInfo(t *testing.T) {
	manager := &MockSessionManager{}
	manager.On("Snapshot").Return(domain.SessionSnapshot{Phase: domain.PhaseIdle, Status: "Ready to accept connections"})
	router := newSystemRouter(t, monitoring.NewHealthChecker(), manager)

	w := get(router, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "idle", health["state"])
	assert.Equal(t, float64(1), health["connections"])

	w = get(router, "/network-info")
	require.Equal(t, http.StatusOK, w.Code)
	var info map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, []interface{}{"192.168.1.20", "10.0.0.5"}, info["local_ips"])
	assert.Equal(t, "ws://192.168.1.20:8081/ws", info["websocket_url"])
}

func TestSystemHandler_Ready(t *testing.T) {
	health := monitoring.NewHealthChecker()
	failing := true
	health.AddCheck("signal", func(ctx context.Context) error {
		if failing {
			return errors.New("not listening")
		}
		return nil
	}, 0, time.Second)
	router := newSystemRouter(t, health, &MockSessionManager{})

	assert.Equal(t, http.StatusServiceUnavailable, get(router, "/ready").Code)
	failing = false
	assert.Equal(t, http.StatusOK, get(router, "/ready").Code)
}

func TestSystemHandler_Metrics(t *testing.T) {
	router := newSystemRouter(t, monitoring.NewHealthChecker(), &MockSessionManager{})

	w := get(router, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mirrorcast_frames_received_total 1")
}
