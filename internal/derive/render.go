package derive

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/isomoes/mvideo/internal/asset"
	"github.com/isomoes/mvideo/internal/event"
	"github.com/isomoes/mvideo/internal/ffmpeg"
	"github.com/isomoes/mvideo/internal/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/isomoes/mvideo/pkg/logger"
	"github.com/mitchellh/mapstructure"
)

var optionsValidator = validator.New()

// RenderKind is the kind of on-demand derived media which can be rendered
// for an existing asset.
type RenderKind string

const (
	TrimRender      RenderKind = "trim"
	NormalizeRender RenderKind = "normalize"
	ProxyRender     RenderKind = "proxy"
)

// RenderOptions is the union of the options accepted by each RenderKind.
// Options which do not apply to the requested kind are ignored.
type RenderOptions struct {
	StartSeconds    float64  `mapstructure:"startSeconds"`
	DurationSeconds *float64 `mapstructure:"durationSeconds"`
	VideoCodec      string   `mapstructure:"videoCodec"`
	AudioCodec      string   `mapstructure:"audioCodec"`

	TargetLUFS    *float64 `mapstructure:"targetLufs"`
	TruePeak      *float64 `mapstructure:"truePeak"`
	LoudnessRange *float64 `mapstructure:"loudnessRange"`

	Width        int      `mapstructure:"width"`
	Height       int      `mapstructure:"height"`
	FPS          *float64 `mapstructure:"fps"`
	VideoBitrate string   `mapstructure:"videoBitrate"`
	AudioBitrate string   `mapstructure:"audioBitrate"`

	// Format overrides the container, and the extension of the output file.
	Format string `mapstructure:"format" validate:"omitempty,alphanum,max=16"`
}

func (opts RenderOptions) validate() error {
	if err := optionsValidator.Struct(opts); err != nil {
		return fmt.Errorf("%w: %w", ffmpeg.ErrInvalidJobOptions, err)
	}

	return nil
}

// ParseRenderKind validates the kind provided.
func ParseRenderKind(kind string) (RenderKind, error) {
	switch k := RenderKind(kind); k {
	case TrimRender, NormalizeRender, ProxyRender:
		return k, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// DecodeRenderOptions decodes a loosely typed option map (typically from a
// JSON request body). Unknown keys are rejected.
func DecodeRenderOptions(input map[string]any) (RenderOptions, error) {
	var opts RenderOptions
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      &opts,
	})
	if err != nil {
		return opts, err
	}

	if err := decoder.Decode(input); err != nil {
		return opts, fmt.Errorf("%w: %w", ffmpeg.ErrInvalidJobOptions, err)
	}

	return opts, opts.validate()
}

// Render produces a piece of on-demand derived media for an existing asset
// and records its path (and back-link) on the asset record. The updated
// record is returned.
func (generator *Generator) Render(ctx context.Context, projectID, assetID string, kind RenderKind, opts RenderOptions) (*asset.Record, error) {
	record, err := generator.store.GetAssetByCompositeKey(projectID, assetID)
	if err != nil {
		return nil, err
	} else if record == nil {
		return nil, &asset.NotFoundError{ProjectID: projectID, AssetID: assetID}
	}

	job, artifact, err := generator.buildRenderJob(record, kind, opts)
	if err != nil {
		return nil, err
	}

	derivedDir := generator.store.DerivedDir(projectID, assetID)
	if filepath.Dir(filepath.Clean(job.OutputPath())) != filepath.Clean(derivedDir) {
		return nil, fmt.Errorf("%w: output %s is outside of %s", ffmpeg.ErrInvalidJobOptions, job.OutputPath(), derivedDir)
	}

	log.Emit(logger.INFO, "Rendering %s for %s\n", artifact, record)
	if err := generator.engine.Run(ctx, job, generator.handlersFor(record, artifact)); err != nil {
		return nil, &ArtifactError{Artifact: artifact, Err: err}
	}
	metrics.DerivedArtifactsTotal.WithLabelValues(string(artifact)).Inc()

	updated, err := generator.recordRender(projectID, assetID, artifact, job.OutputPath())
	if err != nil {
		return nil, err
	}

	if generator.eventBus != nil {
		generator.eventBus.Dispatch(event.DerivedCompleteEvent, event.DerivedComplete{
			ProjectID: projectID,
			AssetID:   assetID,
			Artifact:  string(artifact),
			Path:      job.OutputPath(),
		})
	}

	log.Emit(logger.SUCCESS, "Rendered %s for %s\n", artifact, record)
	return updated, nil
}

func (generator *Generator) buildRenderJob(record *asset.Record, kind RenderKind, opts RenderOptions) (*ffmpeg.Job, Artifact, error) {
	if err := opts.validate(); err != nil {
		return nil, "", err
	}

	derivedDir := generator.store.DerivedDir(record.ProjectID, record.ID)
	outputPath := func(name, defaultExt string) string {
		ext := defaultExt
		if opts.Format != "" {
			ext = "." + opts.Format
		}

		return filepath.Join(derivedDir, name+ext)
	}

	switch kind {
	case TrimRender:
		ext := strings.ToLower(filepath.Ext(record.SourcePath))
		if ext == "" {
			ext = ".mp4"
		}

		job, err := ffmpeg.TrimJob(ffmpeg.TrimOptions{
			InputPath:       record.SourcePath,
			OutputPath:      outputPath("trimmed", ext),
			StartSeconds:    opts.StartSeconds,
			DurationSeconds: opts.DurationSeconds,
			VideoCodec:      opts.VideoCodec,
			AudioCodec:      opts.AudioCodec,
			Format:          opts.Format,
		})
		return job, TrimmedVideoArtifact, err
	case NormalizeRender:
		if !record.Metadata.HasAudio() {
			return nil, NormalizedAudioArtifact, fmt.Errorf("%w: %s has no audio tracks", ErrNotApplicable, record)
		}

		job, err := ffmpeg.NormalizeAudioJob(ffmpeg.NormalizeAudioOptions{
			InputPath:     record.SourcePath,
			OutputPath:    outputPath("normalized-audio", ".m4a"),
			TargetLUFS:    opts.TargetLUFS,
			TruePeak:      opts.TruePeak,
			LoudnessRange: opts.LoudnessRange,
			Format:        opts.Format,
		})
		if err == nil {
			job.WithExpectedDuration(record.Metadata.Duration())
		}
		return job, NormalizedAudioArtifact, err
	case ProxyRender:
		if !record.Metadata.HasVideo() {
			return nil, ProxyVideoArtifact, fmt.Errorf("%w: %s has no visual stream", ErrNotApplicable, record)
		}

		job, err := ffmpeg.ProxyJob(ffmpeg.ProxyOptions{
			InputPath:    record.SourcePath,
			OutputPath:   outputPath("proxy", ".mp4"),
			Width:        opts.Width,
			Height:       opts.Height,
			FPS:          opts.FPS,
			VideoBitrate: opts.VideoBitrate,
			AudioBitrate: opts.AudioBitrate,
			Format:       opts.Format,
		})
		if err == nil {
			job.WithExpectedDuration(record.Metadata.Duration())
		}
		return job, ProxyVideoArtifact, err
	}

	return nil, "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// recordRender stores the path of a rendered artifact, and the matching
// back-link, on the derived section of the asset record.
func (generator *Generator) recordRender(projectID, assetID string, artifact Artifact, path string) (*asset.Record, error) {
	return generator.store.UpdateWith(projectID, assetID, func(current asset.Record) (asset.Patch, error) {
		derived := asset.DerivedRecord{}
		if current.Derived != nil {
			derived = *current.Derived
		}

		links := asset.DerivedLinks{SourcePath: current.SourcePath}
		if derived.Links != nil {
			links = *derived.Links
		}

		switch artifact {
		case TrimmedVideoArtifact:
			derived.TrimmedVideoPath = path
			links.TrimmedVideoPath = path
		case NormalizedAudioArtifact:
			derived.NormalizedAudioPath = path
			links.NormalizedAudioPath = path
		case ProxyVideoArtifact:
			derived.ProxyVideoPath = path
			links.ProxyVideoPath = path
		}
		derived.Links = &links

		return asset.Patch{Derived: &derived}, nil
	})
}
