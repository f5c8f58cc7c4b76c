package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/isomoes/mvideo/internal/asset"
	"github.com/isomoes/mvideo/internal/metrics"
	"github.com/isomoes/mvideo/pkg/logger"
)

const availabilityTimeout = 15 * time.Second

type (
	// AvailabilityCheck performs a real probe of the transcoding engine.
	AvailabilityCheck func(context.Context) error

	// availability is a single-assignment cell holding the outcome of
	// the first availability check. done is closed once err is set.
	availability struct {
		done chan struct{}
		err  error
	}

	// Engine is the entry point to the external transcoding engine. It owns
	// the prober, the job runner, and the memoized availability outcome.
	Engine struct {
		prober *Prober
		runner *Runner

		check        AvailabilityCheck
		mutex        sync.Mutex
		availability *availability
	}
)

func NewEngine(config Config) *Engine {
	engine := &Engine{prober: NewProber(config), runner: NewRunner(config)}
	engine.check = func(ctx context.Context) error {
		return checkBinaries(ctx, config.FfmpegBinaryPath, config.FfprobeBinaryPath)
	}

	return engine
}

// WithAvailabilityCheck replaces the check used by EnsureAvailable. It must
// be called before the first call to EnsureAvailable.
func (engine *Engine) WithAvailabilityCheck(check AvailabilityCheck) *Engine {
	engine.check = check
	return engine
}

// EnsureAvailable returns nil if the transcoding engine is usable. The first
// caller starts the real check; concurrent callers wait on that same check,
// and every later caller receives the stored outcome (success or failure) for
// the lifetime of the Engine. The check is detached from the caller's
// context, so a caller giving up does not poison the result for others.
func (engine *Engine) EnsureAvailable(ctx context.Context) error {
	engine.mutex.Lock()
	cell := engine.availability
	if cell == nil {
		cell = &availability{done: make(chan struct{})}
		engine.availability = cell

		checkCtx := context.WithoutCancel(ctx)
		go func() {
			defer close(cell.done)
			cell.err = engine.runCheck(checkCtx)
		}()
	}
	engine.mutex.Unlock()

	select {
	case <-cell.done:
		return cell.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (engine *Engine) runCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()

	log.Emit(logger.INFO, "Checking transcoding engine availability...\n")
	if err := engine.check(ctx); err != nil {
		metrics.EngineAvailable.Set(0)
		log.Emit(logger.ERROR, "Transcoding engine is unavailable: %v\n", err)
		return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}

	metrics.EngineAvailable.Set(1)
	log.Emit(logger.SUCCESS, "Transcoding engine is available\n")
	return nil
}

func (engine *Engine) Probe(ctx context.Context, path string) (asset.MediaMetadata, error) {
	return engine.prober.Probe(ctx, path)
}

func (engine *Engine) Run(ctx context.Context, job *Job, handlers Handlers) error {
	return engine.runner.Run(ctx, job, handlers)
}

// checkBinaries verifies both binaries can be found, and that ffmpeg is able
// to list the formats it supports.
func checkBinaries(ctx context.Context, ffmpegBin, ffprobeBin string) error {
	if _, err := exec.LookPath(ffprobeBin); err != nil {
		return fmt.Errorf("ffprobe binary not found: %w", err)
	}

	if _, err := exec.LookPath(ffmpegBin); err != nil {
		return fmt.Errorf("ffmpeg binary not found: %w", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, ffmpegBin, "-hide_banner", "-formats")
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg could not list formats: %w (stderr: %s)", err, stderr.String())
	}

	return nil
}
