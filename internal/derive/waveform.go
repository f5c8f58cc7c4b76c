package derive

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const fullScale = 32768.0

// Waveform is the peak envelope written to waveform.json.
type Waveform struct {
	SampleRate int       `json:"sampleRate"`
	Points     int       `json:"points"`
	Peaks      []float64 `json:"peaks"`
}

// ReducePeaks splits the samples in to min(points, len(samples)) equal
// buckets and returns the peak absolute amplitude of each, normalised to
// [0, 1]. Trailing samples which do not fill a whole bucket are ignored.
func ReducePeaks(samples []int16, points int) []float64 {
	if len(samples) == 0 || points <= 0 {
		return []float64{}
	}

	buckets := min(points, len(samples))
	bucketSize := max(1, len(samples)/buckets)
	peaks := make([]float64, buckets)
	for bucket := 0; bucket < buckets; bucket++ {
		start := bucket * bucketSize
		end := min(len(samples), start+bucketSize)

		peak := 0
		for _, sample := range samples[start:end] {
			value := int(sample)
			if value < 0 {
				value = -value
			}
			if value > peak {
				peak = value
			}
		}

		peaks[bucket] = float64(peak) / fullScale
	}

	return peaks
}

// decodePCM interprets raw bytes as signed 16-bit little-endian samples. A
// trailing odd byte is dropped.
func decodePCM(raw []byte) []int16 {
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}

	return samples
}

// pcmPathFor returns the path of the raw PCM intermediate which sits next to
// the waveform JSON.
func pcmPathFor(waveformPath string) string {
	return strings.TrimSuffix(waveformPath, filepath.Ext(waveformPath)) + ".pcm"
}

// buildWaveform reads the PCM file at the path provided and writes the
// reduced envelope as pretty-printed JSON to outputPath.
func buildWaveform(pcmPath, outputPath string, sampleRate, points int) (*Waveform, error) {
	raw, err := os.ReadFile(pcmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCM samples: %w", err)
	}

	peaks := ReducePeaks(decodePCM(raw), points)
	waveform := &Waveform{SampleRate: sampleRate, Points: len(peaks), Peaks: peaks}

	encoded, err := json.MarshalIndent(waveform, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(outputPath, encoded, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write waveform: %w", err)
	}

	return waveform, nil
}
