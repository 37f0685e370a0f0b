package streaming

import (
	"fmt"

	"mirrorcast/internal/core/domain"
	"mirrorcast/internal/core/ports"

	"go.uber.org/zap"
)

// placeholderGray is shown for encoded frames nobody could decode.
const placeholderGray = 128

// Converter normalizes every MediaFrame format into tightly packed RGBA.
type Converter struct {
	decoder ports.FrameDecoder
	logger  *zap.SugaredLogger
}

// NewConverter returns a converter. decoder may be nil, in which case
// encoded frames become a gray placeholder of the same size.
func NewConverter(decoder ports.FrameDecoder, logger *zap.SugaredLogger) *Converter {
	return &Converter{decoder: decoder, logger: logger}
}

// Convert returns the RGBA rendition of frame in a freshly allocated buffer.
// Published frames are shared with readers, so buffers are never reused.
func (c *Converter) Convert(frame domain.MediaFrame) ([]byte, error) {
	if frame.Width <= 0 || frame.Height <= 0 {
		return nil, &domain.MalformedFrameError{
			Format: frame.Format,
			Reason: fmt.Sprintf("invalid dimensions %dx%d", frame.Width, frame.Height),
		}
	}

	switch frame.Format {
	case domain.FormatRGB24:
		return rgb24ToRGBA(frame)
	case domain.FormatRGBA32:
		return copyRGBA(frame)
	case domain.FormatYUV420P:
		return yuv420pToRGBA(frame)
	case domain.FormatEncodedH264:
		return c.decodeH264(frame), nil
	default:
		return nil, &domain.MalformedFrameError{Format: frame.Format, Reason: "unsupported pixel format"}
	}
}

func rgb24ToRGBA(frame domain.MediaFrame) ([]byte, error) {
	pixels := frame.Width * frame.Height
	if len(frame.Payload)%3 != 0 || len(frame.Payload)/3 != pixels {
		return nil, &domain.MalformedFrameError{
			Format: frame.Format,
			Reason: fmt.Sprintf("payload is %d bytes, want %d", len(frame.Payload), pixels*3),
		}
	}

	out := make([]byte, pixels*4)
	for i, j := 0, 0; i < len(frame.Payload); i, j = i+3, j+4 {
		out[j] = frame.Payload[i]
		out[j+1] = frame.Payload[i+1]
		out[j+2] = frame.Payload[i+2]
		out[j+3] = 255
	}
	return out, nil
}

func copyRGBA(frame domain.MediaFrame) ([]byte, error) {
	want := frame.Width * frame.Height * 4
	if len(frame.Payload) != want {
		return nil, &domain.MalformedFrameError{
			Format: frame.Format,
			Reason: fmt.Sprintf("payload is %d bytes, want %d", len(frame.Payload), want),
		}
	}
	out := make([]byte, want)
	copy(out, frame.Payload)
	return out, nil
}

// yuv420pToRGBA converts planar I420: a full resolution Y plane followed by
// U and V planes subsampled 2x2.
func yuv420pToRGBA(frame domain.MediaFrame) ([]byte, error) {
	w, h := frame.Width, frame.Height
	cw, ch := (w+1)/2, (h+1)/2
	ySize := w * h
	cSize := cw * ch
	if len(frame.Payload) < ySize+2*cSize {
		return nil, &domain.MalformedFrameError{
			Format: frame.Format,
			Reason: fmt.Sprintf("payload is %d bytes, want at least %d", len(frame.Payload), ySize+2*cSize),
		}
	}

	yPlane := frame.Payload[:ySize]
	uPlane := frame.Payload[ySize : ySize+cSize]
	vPlane := frame.Payload[ySize+cSize : ySize+2*cSize]

	out := make([]byte, ySize*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			luma := float64(yPlane[y*w+x])
			ci := (y/2)*cw + x/2
			u := float64(uPlane[ci]) - 128
			v := float64(vPlane[ci]) - 128

			o := (y*w + x) * 4
			out[o] = clamp(luma + 1.402*v)
			out[o+1] = clamp(luma - 0.344*u - 0.714*v)
			out[o+2] = clamp(luma + 1.772*u)
			out[o+3] = 255
		}
	}
	return out, nil
}

func (c *Converter) decodeH264(frame domain.MediaFrame) []byte {
	if c.decoder != nil {
		decoded, err := c.decoder.Decode(frame)
		if err == nil && decoded.Width == frame.Width && decoded.Height == frame.Height &&
			len(decoded.Pixels) == frame.Width*frame.Height*4 {
			out := make([]byte, len(decoded.Pixels))
			copy(out, decoded.Pixels)
			return out
		}
		if err != nil {
			c.logger.Debugw("h264 decode failed, showing placeholder", "error", err)
		} else {
			c.logger.Debugw("decoder returned mismatched frame, showing placeholder",
				"width", decoded.Width,
				"height", decoded.Height,
			)
		}
	}

	out := make([]byte, frame.Width*frame.Height*4)
	for i := 0; i < len(out); i += 4 {
		out[i] = placeholderGray
		out[i+1] = placeholderGray
		out[i+2] = placeholderGray
		out[i+3] = 255
	}
	return out
}

func clamp(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
