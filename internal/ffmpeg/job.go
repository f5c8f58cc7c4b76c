package ffmpeg

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/floostack/transcoder"
)

type JobKind string

const (
	ThumbnailJobKind JobKind = "thumbnails"
	WaveformJobKind  JobKind = "waveform"
	TrimJobKind      JobKind = "trim"
	NormalizeJobKind JobKind = "normalize"
	ProxyJobKind     JobKind = "proxy"
)

const (
	DefaultThumbnailWidth      = 320
	DefaultWaveformSampleRate  = 44100
	DefaultNormalizeTargetLUFS = -16.0
	DefaultNormalizeTruePeak   = -1.5
	DefaultNormalizeLRA        = 11.0

	// ThumbnailPattern is the file name pattern thumbnail frames are
	// written with inside of the output directory.
	ThumbnailPattern = "thumb-%03d.jpg"
)

var ErrInvalidJobOptions = errors.New("invalid job options")

// Job is an executable description of one ffmpeg invocation. Jobs are
// produced by the builder functions in this file and executed by
// Runner.Run; constructing a Job never touches the file system.
//
// Job satisfies transcoder.Options, where GetStrArguments returns the
// options placed between the input and output.
type Job struct {
	kind             JobKind
	inputPath        string
	outputPath       string
	options          []string
	expectedDuration float64
}

var _ transcoder.Options = (*Job)(nil)

func (job *Job) Kind() JobKind      { return job.kind }
func (job *Job) InputPath() string  { return job.inputPath }
func (job *Job) OutputPath() string { return job.outputPath }

// GetStrArguments returns the output options for this job (excluding the
// input and output paths).
func (job *Job) GetStrArguments() []string {
	return append([]string(nil), job.options...)
}

// CommandArgs returns the complete argument list passed to ffmpeg, placing
// the output options of the job between the input and the output. Progress
// is written as key=value pairs on stdout.
func (job *Job) CommandArgs() []string {
	return buildCommandArgs(job.inputPath, job.outputPath, job)
}

func buildCommandArgs(inputPath, outputPath string, opts transcoder.Options) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-progress", "pipe:1", "-nostats", "-i", inputPath}
	args = append(args, opts.GetStrArguments()...)
	return append(args, outputPath)
}

// WithExpectedDuration informs the runner how much media time the job will
// process, allowing progress to be reported as a fraction. Non-positive values
// are ignored.
func (job *Job) WithExpectedDuration(seconds float64) *Job {
	if seconds > 0 {
		job.expectedDuration = seconds
	}

	return job
}

func (job *Job) ExpectedDuration() float64 { return job.expectedDuration }

func (job *Job) String() string {
	return fmt.Sprintf("Job{Kind=%s In=%s Out=%s}", job.kind, job.inputPath, job.outputPath)
}

type (
	ThumbnailOptions struct {
		InputPath string
		OutputDir string
		Count     int
		// Width of the extracted frames; height follows the aspect ratio.
		// Defaults to DefaultThumbnailWidth.
		Width int
		// DurationSeconds of the source. When unknown (<= 0) one frame per
		// second is taken from the start of the media.
		DurationSeconds float64
	}

	WaveformOptions struct {
		InputPath  string
		OutputPath string
		// SampleRate defaults to DefaultWaveformSampleRate.
		SampleRate int
		// Channels defaults to 1 (mono).
		Channels int
		// Format defaults to "s16le".
		Format string
	}

	TrimOptions struct {
		InputPath    string
		OutputPath   string
		StartSeconds float64
		// DurationSeconds, if nil, trims to the end of the source.
		DurationSeconds *float64
		VideoCodec      string
		AudioCodec      string
		Format          string
	}

	NormalizeAudioOptions struct {
		InputPath  string
		OutputPath string
		// TargetLUFS defaults to -16.
		TargetLUFS *float64
		// TruePeak defaults to -1.5 dB.
		TruePeak *float64
		// LoudnessRange defaults to 11 LU.
		LoudnessRange *float64
		Format        string
	}

	ProxyOptions struct {
		InputPath  string
		OutputPath string
		Width      int
		// Height of zero keeps the aspect ratio (rounded to an even number).
		Height       int
		FPS          *float64
		VideoBitrate string
		AudioBitrate string
		Format       string
	}
)

// ThumbnailJob extracts Count evenly spaced frames from the input. Frames are
// sampled at the centre of Count equal slices of the duration.
func ThumbnailJob(opts ThumbnailOptions) (*Job, error) {
	if err := requirePaths(opts.InputPath, opts.OutputDir); err != nil {
		return nil, err
	}
	if opts.Count <= 0 {
		return nil, fmt.Errorf("%w: thumbnail count must be positive, got %d", ErrInvalidJobOptions, opts.Count)
	}

	width := opts.Width
	if width <= 0 {
		width = DefaultThumbnailWidth
	}

	rate := "1"
	var seek []string
	if opts.DurationSeconds > 0 {
		interval := opts.DurationSeconds / float64(opts.Count)
		rate = formatFloat(1 / interval)
		seek = []string{"-ss", formatFloat(interval / 2)}
	}

	options := append(seek,
		"-vf", fmt.Sprintf("fps=%s,scale=%d:-2", rate, width),
		"-frames:v", strconv.Itoa(opts.Count),
		"-q:v", "3",
		"-an",
	)

	job := &Job{
		kind:       ThumbnailJobKind,
		inputPath:  opts.InputPath,
		outputPath: filepath.Join(opts.OutputDir, ThumbnailPattern),
		options:    options,
	}

	return job.WithExpectedDuration(opts.DurationSeconds), nil
}

// WaveformJob extracts raw PCM from the first audio track of the input.
func WaveformJob(opts WaveformOptions) (*Job, error) {
	if err := requirePaths(opts.InputPath, opts.OutputPath); err != nil {
		return nil, err
	}

	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = DefaultWaveformSampleRate
	}
	channels := opts.Channels
	if channels <= 0 {
		channels = 1
	}
	format := opts.Format
	if format == "" {
		format = "s16le"
	}

	return &Job{
		kind:       WaveformJobKind,
		inputPath:  opts.InputPath,
		outputPath: opts.OutputPath,
		options: []string{
			"-map", "0:a:0",
			"-vn",
			"-ac", strconv.Itoa(channels),
			"-ar", strconv.Itoa(sampleRate),
			"-acodec", "pcm_" + format,
			"-f", format,
		},
	}, nil
}

// TrimJob cuts a section out of the input, starting at StartSeconds.
func TrimJob(opts TrimOptions) (*Job, error) {
	if err := requirePaths(opts.InputPath, opts.OutputPath); err != nil {
		return nil, err
	}
	if opts.StartSeconds < 0 {
		return nil, fmt.Errorf("%w: trim start must not be negative", ErrInvalidJobOptions)
	}

	options := []string{"-ss", formatFloat(opts.StartSeconds)}
	job := &Job{kind: TrimJobKind, inputPath: opts.InputPath, outputPath: opts.OutputPath}
	if opts.DurationSeconds != nil {
		if *opts.DurationSeconds <= 0 {
			return nil, fmt.Errorf("%w: trim duration must be positive", ErrInvalidJobOptions)
		}

		options = append(options, "-t", formatFloat(*opts.DurationSeconds))
		job.WithExpectedDuration(*opts.DurationSeconds)
	}
	if opts.VideoCodec != "" {
		options = append(options, "-c:v", opts.VideoCodec)
	}
	if opts.AudioCodec != "" {
		options = append(options, "-c:a", opts.AudioCodec)
	}
	if opts.Format != "" {
		options = append(options, "-f", opts.Format)
	}

	job.options = options
	return job, nil
}

// NormalizeAudioJob applies EBU R128 loudness normalization to the input and
// drops any video.
func NormalizeAudioJob(opts NormalizeAudioOptions) (*Job, error) {
	if err := requirePaths(opts.InputPath, opts.OutputPath); err != nil {
		return nil, err
	}

	target := valueOr(opts.TargetLUFS, DefaultNormalizeTargetLUFS)
	truePeak := valueOr(opts.TruePeak, DefaultNormalizeTruePeak)
	lra := valueOr(opts.LoudnessRange, DefaultNormalizeLRA)

	options := []string{
		"-af", fmt.Sprintf("loudnorm=I=%s:TP=%s:LRA=%s", formatFloat(target), formatFloat(truePeak), formatFloat(lra)),
		"-vn",
	}
	if opts.Format != "" {
		options = append(options, "-f", opts.Format)
	}

	return &Job{kind: NormalizeJobKind, inputPath: opts.InputPath, outputPath: opts.OutputPath, options: options}, nil
}

// ProxyJob produces a scaled-down, fast-start copy of the input suitable for
// editing previews.
func ProxyJob(opts ProxyOptions) (*Job, error) {
	if err := requirePaths(opts.InputPath, opts.OutputPath); err != nil {
		return nil, err
	}
	if opts.Width <= 0 {
		return nil, fmt.Errorf("%w: proxy width must be positive, got %d", ErrInvalidJobOptions, opts.Width)
	}

	height := opts.Height
	if height <= 0 {
		height = -2
	}

	options := []string{
		"-vf", fmt.Sprintf("scale=%d:%d", opts.Width, height),
		"-movflags", "faststart",
	}
	if opts.FPS != nil {
		if *opts.FPS <= 0 {
			return nil, fmt.Errorf("%w: proxy fps must be positive", ErrInvalidJobOptions)
		}

		options = append(options, "-r", formatFloat(*opts.FPS))
	}
	if opts.VideoBitrate != "" {
		options = append(options, "-b:v", opts.VideoBitrate)
	}
	if opts.AudioBitrate != "" {
		options = append(options, "-b:a", opts.AudioBitrate)
	}
	if opts.Format != "" {
		options = append(options, "-f", opts.Format)
	}

	return &Job{kind: ProxyJobKind, inputPath: opts.InputPath, outputPath: opts.OutputPath, options: options}, nil
}

func requirePaths(input, output string) error {
	if input == "" {
		return fmt.Errorf("%w: input path is required", ErrInvalidJobOptions)
	} else if output == "" {
		return fmt.Errorf("%w: output path is required", ErrInvalidJobOptions)
	}

	return nil
}

func valueOr(value *float64, fallback float64) float64 {
	if value == nil {
		return fallback
	}

	return *value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
