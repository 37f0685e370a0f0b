package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mirrorcast/internal/core/domain"
	"mirrorcast/internal/core/ports"

	"go.uber.org/zap"
)

// FrameMetrics receives pipeline counters. The prometheus collector
// implements it.
type FrameMetrics interface {
	FrameReceived()
	FrameDropped()
	ConversionFailed(format string)
	ObserveConversion(format string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) FrameReceived()                            {}
func (noopMetrics) FrameDropped()                             {}
func (noopMetrics) ConversionFailed(string)                   {}
func (noopMetrics) ObserveConversion(string, time.Duration) {}

type queuedFrame struct {
	gen   domain.Generation
	frame domain.MediaFrame
}

// Pipeline moves frames from the peer connection to the display. Producers
// never block: when the queue is full the newest frame is dropped.
type Pipeline struct {
	queue     chan queuedFrame
	converter *Converter
	targetFPS float64
	metrics   FrameMetrics
	logger    *zap.SugaredLogger
	now       func() time.Time

	gen    atomic.Uint64
	latest atomic.Pointer[domain.RenderableFrame]

	mu          sync.Mutex
	stats       domain.PipelineStatistics
	lastArrival time.Time
	sequence    uint64
}

var (
	_ ports.FramePipeline = (*Pipeline)(nil)
	_ ports.FrameSink     = (*Pipeline)(nil)
	_ ports.FrameSource   = (*Pipeline)(nil)
)

func NewPipeline(queueSize int, targetFPS float64, converter *Converter, metrics FrameMetrics, logger *zap.SugaredLogger) *Pipeline {
	if queueSize < 1 {
		queueSize = 1
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Pipeline{
		queue:     make(chan queuedFrame, queueSize),
		converter: converter,
		targetFPS: targetFPS,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		stats:     domain.PipelineStatistics{TargetFPS: targetFPS},
	}
}

// Push enqueues frame for the session gen. It reports false when the frame
// was discarded, either because gen is not current or the queue is full.
func (p *Pipeline) Push(gen domain.Generation, frame domain.MediaFrame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen == 0 || uint64(gen) != p.gen.Load() {
		return false
	}

	select {
	case p.queue <- queuedFrame{gen: gen, frame: frame}:
	default:
		p.stats.FramesDropped++
		p.metrics.FrameDropped()
		return false
	}

	arrival := p.now()
	if !p.lastArrival.IsZero() {
		if dt := arrival.Sub(p.lastArrival).Seconds(); dt > 0 {
			p.stats.CurrentFPS = 1 / dt
		}
	}
	p.lastArrival = arrival
	p.stats.FramesReceived++
	p.metrics.FrameReceived()
	return true
}

// Run converts queued frames until ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case q := <-p.queue:
			if err := p.process(q.gen, q.frame); err != nil {
				p.logger.Debugw("frame discarded",
					"session_generation", q.gen,
					"format", q.frame.Format.String(),
					"error", err,
				)
			}
		}
	}
}

// process converts and publishes one frame. Generation zero belongs to no
// session and is always stale.
func (p *Pipeline) process(gen domain.Generation, frame domain.MediaFrame) error {
	if gen == 0 || uint64(gen) != p.gen.Load() {
		return domain.ErrStaleSession
	}

	start := time.Now()
	pixels, err := p.converter.Convert(frame)
	format := frame.Format.String()
	if err != nil {
		p.mu.Lock()
		if uint64(gen) == p.gen.Load() {
			p.stats.ConversionErrors++
		}
		p.mu.Unlock()
		p.metrics.ConversionFailed(format)
		return err
	}
	p.metrics.ObserveConversion(format, time.Since(start))

	p.mu.Lock()
	defer p.mu.Unlock()
	if uint64(gen) != p.gen.Load() {
		return domain.ErrStaleSession
	}
	p.sequence++
	p.latest.Store(&domain.RenderableFrame{
		Pixels:   pixels,
		Width:    frame.Width,
		Height:   frame.Height,
		Sequence: p.sequence,
	})
	p.stats.Resolution = domain.Resolution{Width: frame.Width, Height: frame.Height}
	return nil
}

// Latest returns the most recently published frame without blocking.
func (p *Pipeline) Latest() (domain.RenderableFrame, bool) {
	f := p.latest.Load()
	if f == nil {
		return domain.RenderableFrame{}, false
	}
	return *f, true
}

func (p *Pipeline) Statistics() domain.PipelineStatistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Reset starts accepting frames for gen and clears everything recorded for
// the previous session.
func (p *Pipeline) Reset(gen domain.Generation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.gen.Store(uint64(gen))
	p.drainLocked()
	p.latest.Store(nil)
	p.stats = domain.PipelineStatistics{TargetFPS: p.targetFPS}
	p.lastArrival = time.Time{}
	p.sequence = 0
}

// Teardown stops accepting frames. Statistics stay readable until the next
// Reset.
func (p *Pipeline) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.gen.Store(0)
	p.drainLocked()
	p.latest.Store(nil)
}

func (p *Pipeline) drainLocked() {
	for {
		select {
		case <-p.queue:
		default:
			return
		}
	}
}
