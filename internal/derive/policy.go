package derive

import "math"

const (
	minThumbnails       = 8
	maxThumbnails       = 24
	secondsPerThumbnail = 5

	minWaveformPoints     = 600
	maxWaveformPoints     = 2000
	defaultWaveformPoints = 800
	waveformPointsPerSec  = 40
)

// ThumbnailCount returns the number of thumbnails to extract for media of
// the given duration: one every five seconds, clamped to [8, 24].
func ThumbnailCount(durationSeconds *float64) int {
	if durationSeconds == nil || *durationSeconds <= 0 {
		return minThumbnails
	}

	return clamp(int(math.Round(*durationSeconds/secondsPerThumbnail)), minThumbnails, maxThumbnails)
}

// WaveformPoints returns the resolution of the waveform envelope for media
// of the given duration: 40 points per second, clamped to [600, 2000].
func WaveformPoints(durationSeconds *float64) int {
	if durationSeconds == nil || *durationSeconds <= 0 {
		return defaultWaveformPoints
	}

	return clamp(int(math.Round(*durationSeconds*waveformPointsPerSec)), minWaveformPoints, maxWaveformPoints)
}

func clamp(value, lower, upper int) int {
	return min(upper, max(lower, value))
}
