package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/floostack/transcoder"
	"github.com/isomoes/mvideo/internal/metrics"
	"github.com/isomoes/mvideo/pkg/logger"
)

var log = logger.Get("FFmpeg")

type (
	// Handlers are the optional observers of a running job.
	Handlers struct {
		// OnStart receives the full command line once the process has spawned.
		OnStart func(commandLine string)
		// OnProgress receives each progress report from ffmpeg. The value of
		// GetProgress is the fractional completion in [0, 1].
		OnProgress func(transcoder.Progress)
	}

	// Progress is a single progress report parsed from ffmpeg's
	// '-progress' output.
	Progress struct {
		FramesProcessed string
		CurrentTime     string
		CurrentBitrate  string
		Fraction        float64
		Speed           string
	}

	// Runner executes Jobs using the ffmpeg binary on the host.
	Runner struct {
		binPath string
		timeout time.Duration
	}
)

var _ transcoder.Progress = (*Progress)(nil)

func (p *Progress) GetFramesProcessed() string { return p.FramesProcessed }
func (p *Progress) GetCurrentTime() string     { return p.CurrentTime }
func (p *Progress) GetCurrentBitrate() string  { return p.CurrentBitrate }
func (p *Progress) GetProgress() float64       { return p.Fraction }
func (p *Progress) GetSpeed() string           { return p.Speed }

func NewRunner(config Config) *Runner {
	return &Runner{binPath: config.FfmpegBinaryPath, timeout: config.JobTimeout()}
}

// Run executes exactly one job, returning only once the ffmpeg process has
// exited. A nil error is returned only for a clean exit; any spawn failure,
// non-zero exit, timeout or cancellation is returned as a *TranscodeError
// holding the command line and the captured stdout/stderr.
func (runner *Runner) Run(ctx context.Context, job *Job, handlers Handlers) error {
	if runner.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runner.timeout)
		defer cancel()
	}

	start := time.Now()
	err := runner.run(ctx, job, handlers)
	metrics.TranscodeJobDuration.WithLabelValues(string(job.kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TranscodeJobsTotal.WithLabelValues(string(job.kind), metrics.OutcomeFailure).Inc()
		return err
	}

	metrics.TranscodeJobsTotal.WithLabelValues(string(job.kind), metrics.OutcomeSuccess).Inc()
	return nil
}

func (runner *Runner) run(ctx context.Context, job *Job, handlers Handlers) error {
	args := job.CommandArgs()
	commandLine := formatCommandLine(runner.binPath, args)
	newError := func(err error, exitCode int, stdout, stderr string) *TranscodeError {
		return &TranscodeError{Kind: job.kind, CommandLine: commandLine, ExitCode: exitCode, Stdout: stdout, Stderr: stderr, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(job.outputPath), os.ModePerm); err != nil {
		return newError(fmt.Errorf("failed to create output directory: %w", err), -1, "", "")
	}

	cmd := exec.CommandContext(ctx, runner.binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return newError(err, -1, "", "")
	}

	log.Emit(logger.DEBUG, "Starting %s: %s\n", job, commandLine)
	if err := cmd.Start(); err != nil {
		return newError(err, -1, "", stderr.String())
	}

	if handlers.OnStart != nil {
		handlers.OnStart(commandLine)
	}

	// The pipe must be drained completely before Wait is called
	readProgress(io.TeeReader(stdoutPipe, &stdout), job.expectedDuration, handlers.OnProgress)

	if err := cmd.Wait(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}

		log.Emit(logger.WARNING, "%s failed: %v\n", job, err)
		return newError(err, exitCode, stdout.String(), stderr.String())
	}

	log.Emit(logger.DEBUG, "%s completed\n", job)
	return nil
}

// readProgress consumes ffmpeg '-progress' output, which is a sequence of
// key=value blocks each terminated by a 'progress=continue|end' line, and
// reports each block to the callback provided (if any).
func readProgress(reader io.Reader, expectedDuration float64, callback func(transcoder.Progress)) {
	scanner := bufio.NewScanner(reader)
	current := &Progress{}
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}

		switch key {
		case "frame":
			current.FramesProcessed = value
		case "bitrate":
			current.CurrentBitrate = value
		case "speed":
			current.Speed = value
		case "out_time":
			current.CurrentTime = value
		case "out_time_us", "out_time_ms":
			// Both keys are reported in microseconds by ffmpeg
			if micros, err := strconv.ParseFloat(value, 64); err == nil && expectedDuration > 0 {
				current.Fraction = clampFraction(micros / 1e6 / expectedDuration)
			}
		case "progress":
			if value == "end" {
				current.Fraction = 1
			}
			if callback != nil {
				report := *current
				callback(&report)
			}
		}
	}

	// Ensure the process is never blocked writing to a pipe nobody reads
	_, _ = io.Copy(io.Discard, reader)
}

func clampFraction(value float64) float64 {
	if value < 0 {
		return 0
	} else if value > 1 {
		return 1
	}

	return value
}

func formatCommandLine(bin string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, bin)
	for _, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \t'\"") {
			parts = append(parts, strconv.Quote(arg))
		} else {
			parts = append(parts, arg)
		}
	}

	return strings.Join(parts, " ")
}
