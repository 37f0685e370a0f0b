package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"mirrorcast/internal/core/domain"
	"mirrorcast/internal/core/ports"
	"mirrorcast/pkg/tracing"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"
	"go.uber.org/zap"
)

// Metrics receives negotiation outcomes. A nil Metrics is allowed.
type Metrics interface {
	NegotiationFinished(success bool, d time.Duration)
	CandidateEvicted()
	PeerStateChanged(state string)
}

type noopMetrics struct{}

func (noopMetrics) NegotiationFinished(bool, time.Duration) {}
func (noopMetrics) CandidateEvicted()                       {}
func (noopMetrics) PeerStateChanged(string)                 {}

// remoteTrack is the part of *webrtc.TrackRemote read by the media loop.
type remoteTrack interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	Codec() webrtc.RTPCodecParameters
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
}

type rtcpReader interface {
	ReadRTCP() ([]rtcp.Packet, interceptor.Attributes, error)
}

const defaultCandidateBuffer = 64

// PeerSession owns the single peer connection of the active session. It
// answers offers, trickles candidates both ways and feeds received video
// into the frame sink.
type PeerSession struct {
	cfg     Config
	newPC   Factory
	manager ports.SessionManager
	sink    ports.FrameSink
	metrics Metrics
	logger  *zap.SugaredLogger

	// opMu serializes offer, answer and candidate handling.
	opMu sync.Mutex

	mu         sync.Mutex
	gen        domain.Generation
	pc         PeerConnection
	remoteSet  bool
	pending    []webrtc.ICECandidateInit
	resolution domain.Resolution
	signal     ports.SignalSender
	done       chan struct{}
}

func NewPeerSession(
	cfg Config,
	factory Factory,
	manager ports.SessionManager,
	sink ports.FrameSink,
	metrics Metrics,
	logger *zap.SugaredLogger,
) *PeerSession {
	if cfg.CandidateBufferSize <= 0 {
		cfg.CandidateBufferSize = defaultCandidateBuffer
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &PeerSession{
		cfg:        cfg,
		newPC:      factory,
		manager:    manager,
		sink:       sink,
		metrics:    metrics,
		logger:     logger,
		resolution: domain.DefaultDeviceResolution,
	}
}

// SetSignalSender installs the channel used to trickle local candidates.
func (p *PeerSession) SetSignalSender(sender ports.SignalSender) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signal = sender
}

func (p *PeerSession) Bind(gen domain.Generation) {
	p.mu.Lock()
	stale := p.resetLocked()
	p.gen = gen
	p.done = make(chan struct{})
	p.mu.Unlock()

	closePeerConnection(stale, p.logger)
}

func (p *PeerSession) SetExpectedResolution(gen domain.Generation, res domain.Resolution) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen || res.Width <= 0 || res.Height <= 0 {
		return
	}
	p.resolution = res
}

// Teardown closes the peer connection and stops every media goroutine of
// the session. It never calls back into the session manager.
func (p *PeerSession) Teardown() {
	p.mu.Lock()
	pc := p.resetLocked()
	p.mu.Unlock()

	closePeerConnection(pc, p.logger)
}

func (p *PeerSession) resetLocked() PeerConnection {
	pc := p.pc
	p.pc = nil
	p.gen = 0
	p.remoteSet = false
	p.pending = nil
	p.resolution = domain.DefaultDeviceResolution
	if p.done != nil {
		close(p.done)
		p.done = nil
	}
	return pc
}

func closePeerConnection(pc PeerConnection, logger *zap.SugaredLogger) {
	if pc == nil {
		return
	}
	if err := pc.Close(); err != nil {
		logger.Warnw("failed to close peer connection", "error", err)
	}
}

// HandleOffer applies the sender's offer and returns the answer SDP. Remote
// candidates buffered before the offer are applied in arrival order.
func (p *PeerSession) HandleOffer(ctx context.Context, gen domain.Generation, sdp string) (string, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	ctx, span := tracing.TraceNegotiation(ctx, "offer", uint64(gen))
	defer span.End()
	start := time.Now()

	answer, err := p.answer(gen, sdp)
	if err != nil {
		if !errors.Is(err, domain.ErrStaleSession) {
			p.metrics.NegotiationFinished(false, time.Since(start))
		}
		tracing.RecordError(ctx, err)
		return "", err
	}
	p.metrics.NegotiationFinished(true, time.Since(start))
	return answer, nil
}

func (p *PeerSession) answer(gen domain.Generation, sdp string) (string, error) {
	pc, err := p.peerConnection(gen)
	if err != nil {
		return "", err
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return "", &domain.NegotiationError{Op: "set_remote_description", Err: err}
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", &domain.NegotiationError{Op: "create_answer", Err: err}
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", &domain.NegotiationError{Op: "set_local_description", Err: err}
	}

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return "", domain.ErrStaleSession
	}
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			p.logger.Warnw("discarding buffered candidate",
				"session_generation", gen,
				"candidate", c.Candidate,
				"error", err,
			)
		}
	}

	p.logger.Infow("answered offer", "session_generation", gen, "buffered_candidates", len(pending))
	return answer.SDP, nil
}

// peerConnection returns the session's connection, creating it on the
// first offer.
func (p *PeerSession) peerConnection(gen domain.Generation) (PeerConnection, error) {
	p.mu.Lock()
	if gen == 0 || p.gen != gen {
		p.mu.Unlock()
		return nil, domain.ErrStaleSession
	}
	if p.pc != nil {
		pc := p.pc
		p.mu.Unlock()
		return pc, nil
	}
	p.mu.Unlock()

	pc, err := p.newPC()
	if err != nil {
		return nil, &domain.NegotiationError{Op: "create_peer_connection", Err: err}
	}

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		closePeerConnection(pc, p.logger)
		return nil, domain.ErrStaleSession
	}
	p.pc = pc
	done := p.done
	p.mu.Unlock()

	pc.OnICECandidate(p.handleLocalCandidate(gen))
	pc.OnConnectionStateChange(p.handleConnectionState(gen))
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		var reader rtcpReader
		if receiver != nil {
			reader = receiver
		}
		p.handleTrack(gen, pc, track, reader, done)
	})
	return pc, nil
}

// HandleAnswer accepts an answer only while a local offer is outstanding.
// The receiver never offers, so any other answer is logged and dropped.
func (p *PeerSession) HandleAnswer(ctx context.Context, gen domain.Generation, sdp string) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	ctx, span := tracing.TraceNegotiation(ctx, "answer", uint64(gen))
	defer span.End()

	p.mu.Lock()
	if gen == 0 || p.gen != gen {
		p.mu.Unlock()
		return domain.ErrStaleSession
	}
	pc := p.pc
	p.mu.Unlock()

	if pc == nil || pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		p.logger.Warnw("dropping unexpected answer", "session_generation", gen)
		return nil
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		negErr := &domain.NegotiationError{Op: "set_remote_answer", Err: err}
		tracing.RecordError(ctx, negErr)
		return negErr
	}
	return nil
}

// HandleICECandidate applies a remote candidate, or buffers it until the
// offer has been applied. The buffer keeps the newest candidates.
func (p *PeerSession) HandleICECandidate(ctx context.Context, gen domain.Generation, candidate domain.ICECandidatePayload) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if candidate.Candidate == "" {
		p.logger.Debugw("ignoring end-of-candidates marker", "session_generation", gen)
		return nil
	}

	remote := toCandidateInit(candidate)

	p.mu.Lock()
	if gen == 0 || p.gen != gen {
		p.mu.Unlock()
		return domain.ErrStaleSession
	}
	if p.pc == nil || !p.remoteSet {
		evicted := false
		if len(p.pending) >= p.cfg.CandidateBufferSize {
			p.pending = p.pending[1:]
			evicted = true
		}
		p.pending = append(p.pending, remote)
		buffered := len(p.pending)
		p.mu.Unlock()

		if evicted {
			p.metrics.CandidateEvicted()
			p.logger.Warnw("candidate buffer full, evicted oldest candidate",
				"session_generation", gen,
				"capacity", p.cfg.CandidateBufferSize,
			)
		}
		p.logger.Debugw("buffered remote candidate", "session_generation", gen, "buffered", buffered)
		return nil
	}
	pc := p.pc
	p.mu.Unlock()

	if err := pc.AddICECandidate(remote); err != nil {
		_, span := tracing.TraceNegotiation(ctx, "add_ice_candidate", uint64(gen))
		span.RecordError(err)
		span.End()
		p.logger.Warnw("discarding malformed candidate",
			"session_generation", gen,
			"candidate", candidate.Candidate,
			"error", err,
		)
	}
	return nil
}

// PendingCandidates reports how many remote candidates wait for the offer.
func (p *PeerSession) PendingCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *PeerSession) isCurrent(gen domain.Generation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen != 0 && p.gen == gen
}

func (p *PeerSession) handleLocalCandidate(gen domain.Generation) func(*webrtc.ICECandidate) {
	return func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}

		p.mu.Lock()
		sender := p.signal
		current := p.gen == gen
		p.mu.Unlock()
		if !current || sender == nil {
			return
		}

		payload := fromCandidateInit(c.ToJSON())
		if err := sender.Send(gen, domain.MessageICECandidate, payload); err != nil {
			p.logger.Debugw("failed to trickle local candidate", "session_generation", gen, "error", err)
		}
	}
}

func (p *PeerSession) handleConnectionState(gen domain.Generation) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		p.logger.Infow("peer connection state changed",
			"session_generation", gen,
			"state", state.String(),
		)
		p.metrics.PeerStateChanged(state.String())

		if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateClosed {
			return
		}

		p.mu.Lock()
		manager := p.manager
		current := gen != 0 && p.gen == gen
		p.mu.Unlock()
		if !current || manager == nil {
			return
		}
		// pion must not be re-entered from its own callback
		go manager.EndSession(gen, fmt.Sprintf("peer connection %s", state))
	}
}

func (p *PeerSession) handleTrack(gen domain.Generation, pc PeerConnection, track remoteTrack, receiver rtcpReader, done <-chan struct{}) {
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		p.logger.Debugw("ignoring non-video track", "session_generation", gen, "kind", track.Kind().String())
		return
	}

	codec := track.Codec()
	depacketizer, format, ok := depacketizerFor(codec.MimeType)
	if !ok {
		p.logger.Warnw("unsupported video codec", "session_generation", gen, "mime_type", codec.MimeType)
		return
	}
	clockRate := codec.ClockRate
	if clockRate == 0 {
		clockRate = h264ClockRate
	}

	p.logger.Infow("receiving video track",
		"session_generation", gen,
		"mime_type", codec.MimeType,
		"ssrc", uint32(track.SSRC()),
	)

	if receiver != nil {
		go p.drainRTCP(receiver)
	}
	go p.requestKeyframes(gen, pc, uint32(track.SSRC()), done)

	maxLate := p.cfg.SampleMaxLate
	if maxLate == 0 {
		maxLate = 512
	}
	builder := samplebuilder.New(maxLate, depacketizer, clockRate)

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debugw("video track ended", "session_generation", gen, "error", err)
			}
			return
		}
		if !p.isCurrent(gen) {
			return
		}

		builder.Push(pkt)
		for sample := builder.Pop(); sample != nil; sample = builder.Pop() {
			p.mu.Lock()
			res := p.resolution
			p.mu.Unlock()

			p.sink.Push(gen, domain.MediaFrame{
				Payload:    sample.Data,
				Width:      res.Width,
				Height:     res.Height,
				Format:     format,
				CapturedAt: time.Now(),
			})
		}
	}
}

// drainRTCP keeps the interceptor chain fed with sender reports.
func (p *PeerSession) drainRTCP(receiver rtcpReader) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// requestKeyframes sends a picture loss indication right away and then
// periodically so a decoder can join mid-stream.
func (p *PeerSession) requestKeyframes(gen domain.Generation, pc PeerConnection, ssrc uint32, done <-chan struct{}) {
	if p.cfg.PLIInterval <= 0 || done == nil {
		return
	}

	send := func() bool {
		if !p.isCurrent(gen) {
			return false
		}
		err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
		if err != nil {
			p.logger.Debugw("failed to request keyframe", "session_generation", gen, "error", err)
			return false
		}
		return true
	}

	if !send() {
		return
	}
	ticker := time.NewTicker(p.cfg.PLIInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}
