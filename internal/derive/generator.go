package derive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/floostack/transcoder"
	"github.com/isomoes/mvideo/internal/asset"
	"github.com/isomoes/mvideo/internal/event"
	"github.com/isomoes/mvideo/internal/ffmpeg"
	"github.com/isomoes/mvideo/internal/metrics"
	"github.com/isomoes/mvideo/pkg/logger"
)

var log = logger.Get("Derive")

type Artifact string

const (
	ThumbnailsArtifact      Artifact = "thumbnails"
	WaveformArtifact        Artifact = "waveform"
	ContactSheetArtifact    Artifact = "contact-sheet"
	TrimmedVideoArtifact    Artifact = "trimmed-video"
	NormalizedAudioArtifact Artifact = "normalized-audio"
	ProxyVideoArtifact      Artifact = "proxy-video"
)

const (
	waveformFileName     = "waveform.json"
	thumbnailsDirName    = "thumbnails"
	contactSheetFileName = "contact-sheet.jpg"
)

type (
	// Engine runs transcoding jobs. Satisfied by *ffmpeg.Engine.
	Engine interface {
		Run(ctx context.Context, job *ffmpeg.Job, handlers ffmpeg.Handlers) error
	}

	// Store is the subset of the asset store the generator requires.
	Store interface {
		DerivedDir(projectID, assetID string) string
		GetAssetByCompositeKey(projectID, assetID string) (*asset.Record, error)
		UpdateWith(projectID, assetID string, patchFn func(current asset.Record) (asset.Patch, error)) (*asset.Record, error)
	}

	Config struct {
		ThumbnailWidth      int  `yaml:"thumbnail_width" env:"THUMBNAIL_WIDTH" env-default:"320" validate:"min=16"`
		ContactSheetEnabled bool `yaml:"contact_sheet" env:"CONTACT_SHEET_ENABLED" env-default:"true"`
	}

	// Generator decides which derived artifacts a source requires and
	// produces them using the transcoding engine.
	Generator struct {
		config   Config
		engine   Engine
		store    Store
		eventBus event.EventDispatcher
	}
)

func New(config Config, engine Engine, store Store, eventBus event.EventDispatcher) *Generator {
	if config.ThumbnailWidth <= 0 {
		config.ThumbnailWidth = ffmpeg.DefaultThumbnailWidth
	}

	return &Generator{config: config, engine: engine, store: store, eventBus: eventBus}
}

// Generate produces every derived artifact applicable to the record provided,
// writing them to the derived directory of the asset:
//   - thumbnails (and a contact sheet) if the source has a visual stream
//   - a waveform envelope of the first audio track, if any
//
// Artifacts for streams which are not present are omitted. A failure to
// transcode a present stream is returned as an *ArtifactError; the contact
// sheet is the exception, as it is purely cosmetic.
func (generator *Generator) Generate(ctx context.Context, record *asset.Record) (*asset.DerivedRecord, error) {
	derivedDir := generator.store.DerivedDir(record.ProjectID, record.ID)
	if err := os.MkdirAll(derivedDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create derived directory: %w", err)
	}

	derived := &asset.DerivedRecord{Links: &asset.DerivedLinks{SourcePath: record.SourcePath}}
	metadata := record.Metadata
	log.Emit(logger.INFO, "Generating derived assets for %s\n", record)

	if metadata.HasVideo() {
		thumbnailsDir := filepath.Join(derivedDir, thumbnailsDirName)
		if err := generator.generateThumbnails(ctx, record, thumbnailsDir); err != nil {
			return nil, &ArtifactError{Artifact: ThumbnailsArtifact, Err: err}
		}

		derived.ThumbnailsDir = thumbnailsDir
		derived.ThumbnailPaths = listThumbnails(thumbnailsDir)
		metrics.DerivedArtifactsTotal.WithLabelValues(string(ThumbnailsArtifact)).Inc()

		if generator.config.ContactSheetEnabled {
			sheetPath := filepath.Join(derivedDir, contactSheetFileName)
			if err := composeContactSheet(derived.ThumbnailPaths, sheetPath); err != nil {
				log.Emit(logger.WARNING, "Contact sheet for %s could not be composed: %v\n", record, err)
			} else {
				derived.ContactSheetPath = sheetPath
				metrics.DerivedArtifactsTotal.WithLabelValues(string(ContactSheetArtifact)).Inc()
			}
		}
	} else {
		log.Emit(logger.DEBUG, "%s has no visual stream, skipping thumbnails\n", record)
	}

	if metadata.HasAudio() {
		waveformPath := filepath.Join(derivedDir, waveformFileName)
		if err := generator.generateWaveform(ctx, record, waveformPath); err != nil {
			return nil, &ArtifactError{Artifact: WaveformArtifact, Err: err}
		}

		derived.WaveformPath = waveformPath
		metrics.DerivedArtifactsTotal.WithLabelValues(string(WaveformArtifact)).Inc()
	} else {
		log.Emit(logger.DEBUG, "%s has no audio tracks, skipping waveform\n", record)
	}

	log.Emit(logger.SUCCESS, "Derived assets for %s generated\n", record)
	return derived, nil
}

func (generator *Generator) generateThumbnails(ctx context.Context, record *asset.Record, outputDir string) error {
	count := ThumbnailCount(record.Metadata.DurationSeconds)
	job, err := ffmpeg.ThumbnailJob(ffmpeg.ThumbnailOptions{
		InputPath:       record.SourcePath,
		OutputDir:       outputDir,
		Count:           count,
		Width:           generator.config.ThumbnailWidth,
		DurationSeconds: record.Metadata.Duration(),
	})
	if err != nil {
		return err
	}

	log.Emit(logger.DEBUG, "Extracting %d thumbnails for %s\n", count, record)
	return generator.engine.Run(ctx, job, generator.handlersFor(record, ThumbnailsArtifact))
}

func (generator *Generator) generateWaveform(ctx context.Context, record *asset.Record, outputPath string) error {
	sampleRate := ffmpeg.DefaultWaveformSampleRate
	if rate := record.Metadata.AudioTracks[0].SampleRate; rate != nil && *rate > 0 {
		sampleRate = *rate
	}

	pcmPath := pcmPathFor(outputPath)
	job, err := ffmpeg.WaveformJob(ffmpeg.WaveformOptions{InputPath: record.SourcePath, OutputPath: pcmPath, SampleRate: sampleRate})
	if err != nil {
		return err
	}

	defer func() {
		if err := os.Remove(pcmPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Emit(logger.WARNING, "Failed to remove PCM intermediate %s: %v\n", pcmPath, err)
		}
	}()

	job.WithExpectedDuration(record.Metadata.Duration())
	if err := generator.engine.Run(ctx, job, generator.handlersFor(record, WaveformArtifact)); err != nil {
		return err
	}

	points := WaveformPoints(record.Metadata.DurationSeconds)
	if _, err := buildWaveform(pcmPath, outputPath, sampleRate, points); err != nil {
		return err
	}

	return nil
}

// handlersFor returns job handlers which relay progress for the artifact
// of the record provided on to the event bus.
func (generator *Generator) handlersFor(record *asset.Record, artifact Artifact) ffmpeg.Handlers {
	return ffmpeg.Handlers{
		OnStart: func(commandLine string) {
			log.Emit(logger.VERBOSE, "Started %s job for %s: %s\n", artifact, record, commandLine)
		},
		OnProgress: func(progress transcoder.Progress) {
			if generator.eventBus == nil {
				return
			}

			generator.eventBus.Dispatch(event.DerivedProgressEvent, event.DerivedProgress{
				ProjectID: record.ProjectID,
				AssetID:   record.ID,
				Artifact:  string(artifact),
				Progress:  progress.GetProgress(),
			})
		},
	}
}
