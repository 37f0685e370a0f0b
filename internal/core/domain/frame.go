package domain

import "time"

type PixelFormat int

const (
	FormatRGB24 PixelFormat = iota
	FormatRGBA32
	FormatYUV420P
	FormatEncodedH264
)

func (f PixelFormat) String() string {
	switch f {
	case FormatRGB24:
		return "RGB24"
	case FormatRGBA32:
		return "RGBA32"
	case FormatYUV420P:
		return "YUV420P"
	case FormatEncodedH264:
		return "H264"
	default:
		return "unknown"
	}
}

// MediaFrame is produced at the transport/decoder boundary and consumed
// exactly once by the frame pipeline.
type MediaFrame struct {
	Payload    []byte
	Width      int
	Height     int
	Format     PixelFormat
	CapturedAt time.Time
}

// RenderableFrame is the only thing the display surface ever sees.
// Pixels is tightly packed RGBA, Width*Height*4 bytes.
type RenderableFrame struct {
	Pixels   []byte
	Width    int
	Height   int
	Sequence uint64
}

type PipelineStatistics struct {
	FramesReceived   uint64     `json:"frames_received"`
	FramesDropped    uint64     `json:"frames_dropped"`
	ConversionErrors uint64     `json:"conversion_errors"`
	CurrentFPS       float64    `json:"current_fps"`
	TargetFPS        float64    `json:"target_fps"`
	Resolution       Resolution `json:"resolution"`
}

type VideoQuality string

const (
	QualityLow    VideoQuality = "low"
	QualityMedium VideoQuality = "medium"
	QualityHigh   VideoQuality = "high"
	QualityAuto   VideoQuality = "auto"
)

// Limits returns the maximum short-edge resolution and frame rate for the
// preset. Auto leaves both to the sender.
func (q VideoQuality) Limits() (maxShortEdge, framerate int, ok bool) {
	switch q {
	case QualityLow:
		return 480, 30, true
	case QualityMedium:
		return 720, 30, true
	case QualityHigh:
		return 1080, 60, true
	case QualityAuto:
		return 0, 0, true
	}
	return 0, 0, false
}

type ScalingMode string

const (
	ScaleFit      ScalingMode = "fit"
	ScaleFill     ScalingMode = "fill"
	ScaleStretch  ScalingMode = "stretch"
	ScaleOriginal ScalingMode = "original"
)
