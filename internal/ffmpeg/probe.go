package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/isomoes/mvideo/internal/asset"
	"github.com/isomoes/mvideo/internal/metrics"
	"github.com/isomoes/mvideo/pkg/logger"
)

type (
	probeOutput struct {
		Streams []probeStream `json:"streams"`
		Format  *probeFormat  `json:"format"`
	}

	probeStream struct {
		Index        int    `json:"index"`
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        *int   `json:"width"`
		Height       *int   `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		Channels     *int   `json:"channels"`
		SampleRate   string `json:"sample_rate"`
	}

	probeFormat struct {
		Duration string `json:"duration"`
	}

	// Prober extracts technical metadata from media files using ffprobe.
	// A probe never writes to the file system.
	Prober struct {
		binPath string
		timeout time.Duration
	}
)

func NewProber(config Config) *Prober {
	return &Prober{binPath: config.FfprobeBinaryPath, timeout: config.ProbeTimeout()}
}

// Probe invokes ffprobe exactly once against the file at the path
// provided and converts the output in to MediaMetadata. Any failure to run
// ffprobe, or to decode its output, is returned as a *ProbeError.
func (prober *Prober) Probe(ctx context.Context, path string) (asset.MediaMetadata, error) {
	if prober.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, prober.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() { metrics.ProbeDuration.Observe(time.Since(start).Seconds()) }()

	cmd := exec.CommandContext(ctx, prober.binPath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Emit(logger.DEBUG, "Probing %s\n", path)
	if err := cmd.Run(); err != nil {
		metrics.ProbeFailuresTotal.Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		} else if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			// The tool itself is missing; the input was never inspected
			err = fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
		}

		return asset.MediaMetadata{}, &ProbeError{Path: path, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}

	metadata, err := parseProbeOutput(stdout.Bytes())
	if err != nil {
		metrics.ProbeFailuresTotal.Inc()
		return asset.MediaMetadata{}, &ProbeError{Path: path, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}

	return metadata, nil
}

// parseProbeOutput converts the JSON produced by ffprobe in to MediaMetadata.
//   - The first video stream is canonical for fps/width/height.
//   - Every audio stream becomes an audio track, preserving source order.
//   - Missing or unusable values become nil, they are never an error.
func parseProbeOutput(raw []byte) (asset.MediaMetadata, error) {
	var output probeOutput
	if err := json.Unmarshal(raw, &output); err != nil {
		return asset.MediaMetadata{}, fmt.Errorf("malformed ffprobe output: %w", err)
	}

	metadata := asset.MediaMetadata{AudioTracks: make([]asset.AudioTrack, 0)}
	if output.Format != nil {
		metadata.DurationSeconds = parseDuration(output.Format.Duration)
	}

	var video *probeStream
	for i := range output.Streams {
		stream := &output.Streams[i]
		switch stream.CodecType {
		case "video":
			if video == nil {
				video = stream
			}
		case "audio":
			metadata.AudioTracks = append(metadata.AudioTracks, audioTrackFromStream(stream))
		}
	}

	if video != nil {
		metadata.Width = positiveOrNil(video.Width)
		metadata.Height = positiveOrNil(video.Height)
		metadata.FPS = parseFraction(video.AvgFrameRate)
		if metadata.FPS == nil {
			metadata.FPS = parseFraction(video.RFrameRate)
		}
	}

	return metadata, nil
}

func audioTrackFromStream(stream *probeStream) asset.AudioTrack {
	track := asset.AudioTrack{Index: stream.Index, Channels: positiveOrNil(stream.Channels)}
	if stream.CodecName != "" {
		codec := stream.CodecName
		track.Codec = &codec
	}
	if rate, err := strconv.Atoi(strings.TrimSpace(stream.SampleRate)); err == nil && rate > 0 {
		track.SampleRate = &rate
	}

	return track
}

// parseFraction parses an ffprobe rational such as "30000/1001". Anything
// that is not two numeric parts with a non-zero numerator and denominator
// results in nil.
func parseFraction(value string) *float64 {
	numStr, denStr, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return nil
	}

	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return nil
	}
	den, err := strconv.ParseFloat(denStr, 64)
	if err != nil {
		return nil
	}
	if num == 0 || den == 0 {
		return nil
	}

	result := num / den
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return nil
	}

	return &result
}

func parseDuration(value string) *float64 {
	if value == "" {
		return nil
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return nil
	}

	return &duration
}

func positiveOrNil(value *int) *int {
	if value == nil || *value <= 0 {
		return nil
	}

	v := *value
	return &v
}
