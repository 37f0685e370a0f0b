package streaming

import (
	"fmt"
	"math"

	"mirrorcast/internal/core/domain"
)

// DisplaySize computes how large video should be drawn inside available
// for the given scaling mode. Fit letterboxes, Fill crops, Stretch ignores
// the aspect ratio and Original keeps the native size.
func DisplaySize(video, available domain.Resolution, mode domain.ScalingMode) (domain.Resolution, error) {
	if video.Width <= 0 || video.Height <= 0 {
		return domain.Resolution{}, fmt.Errorf("invalid video size %dx%d", video.Width, video.Height)
	}
	if mode != domain.ScaleOriginal && (available.Width <= 0 || available.Height <= 0) {
		return domain.Resolution{}, fmt.Errorf("invalid display area %dx%d", available.Width, available.Height)
	}

	videoAspect := float64(video.Width) / float64(video.Height)
	availableAspect := float64(available.Width) / float64(available.Height)

	fitWidth := func() domain.Resolution {
		return domain.Resolution{Width: available.Width, Height: round(float64(available.Width) / videoAspect)}
	}
	fitHeight := func() domain.Resolution {
		return domain.Resolution{Width: round(float64(available.Height) * videoAspect), Height: available.Height}
	}

	switch mode {
	case domain.ScaleFit, "":
		if videoAspect > availableAspect {
			return fitWidth(), nil
		}
		return fitHeight(), nil
	case domain.ScaleFill:
		if videoAspect > availableAspect {
			return fitHeight(), nil
		}
		return fitWidth(), nil
	case domain.ScaleStretch:
		return available, nil
	case domain.ScaleOriginal:
		return video, nil
	default:
		return domain.Resolution{}, fmt.Errorf("unknown scaling mode %q", mode)
	}
}

// QualityLimits scales a sender resolution down so its short edge does not
// exceed the preset. Auto and presets above the source leave it unchanged.
func QualityLimits(source domain.Resolution, quality domain.VideoQuality) (domain.Resolution, int, error) {
	maxShortEdge, framerate, ok := quality.Limits()
	if !ok {
		return domain.Resolution{}, 0, fmt.Errorf("unknown video quality %q", quality)
	}
	if maxShortEdge == 0 || source.Width <= 0 || source.Height <= 0 {
		return source, framerate, nil
	}

	shortEdge := min(source.Width, source.Height)
	if shortEdge <= maxShortEdge {
		return source, framerate, nil
	}
	scale := float64(maxShortEdge) / float64(shortEdge)
	return domain.Resolution{
		Width:  evenRound(float64(source.Width) * scale),
		Height: evenRound(float64(source.Height) * scale),
	}, framerate, nil
}

func round(v float64) int {
	return int(math.Round(v))
}

// evenRound keeps dimensions even, which 4:2:0 encoders require.
func evenRound(v float64) int {
	n := round(v)
	return n - n%2
}
