package ports

import (
	"context"

	"mirrorcast/internal/core/domain"
)

type SessionManager interface {
	BeginPairing(ctx context.Context) (domain.ConnectionInfo, error)
	Authenticate(token string) (domain.Generation, error)
	OnDeviceIdentified(gen domain.Generation, identity domain.DeviceIdentity)
	EndSession(gen domain.Generation, reason string)
	FailNegotiation(gen domain.Generation, err error)
	Disconnect(reason string)
	Snapshot() domain.SessionSnapshot
}

// SessionResource is torn down synchronously whenever the active session ends.
type SessionResource interface {
	Teardown()
}

// FramePipeline is reset for every new session and torn down with it.
type FramePipeline interface {
	SessionResource
	Reset(gen domain.Generation)
}

type PeerSession interface {
	SessionResource
	Bind(gen domain.Generation)
	SetExpectedResolution(gen domain.Generation, res domain.Resolution)
	HandleOffer(ctx context.Context, gen domain.Generation, sdp string) (string, error)
	HandleAnswer(ctx context.Context, gen domain.Generation, sdp string) error
	HandleICECandidate(ctx context.Context, gen domain.Generation, candidate domain.ICECandidatePayload) error
}

// SignalChannel promotes at most one connection, and only for the bound
// generation.
type SignalChannel interface {
	SessionResource
	Bind(gen domain.Generation)
}

type SignalSender interface {
	Send(gen domain.Generation, msgType domain.MessageType, data interface{}) error
}

// FrameSink accepts frames without blocking. It reports false when the
// frame was discarded.
type FrameSink interface {
	Push(gen domain.Generation, frame domain.MediaFrame) bool
}

type FrameSource interface {
	Latest() (domain.RenderableFrame, bool)
	Statistics() domain.PipelineStatistics
}

// FrameDecoder turns encoded frames into pixels. Implementations live
// outside this module.
type FrameDecoder interface {
	Decode(frame domain.MediaFrame) (domain.RenderableFrame, error)
}

type SessionObserver interface {
	OnSessionEvent(event domain.SessionEvent)
}
