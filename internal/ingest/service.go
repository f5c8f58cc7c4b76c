package ingest

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/isomoes/mvideo/internal/asset"
	"github.com/isomoes/mvideo/internal/event"
	"github.com/isomoes/mvideo/internal/metrics"
	"github.com/isomoes/mvideo/pkg/logger"
)

var log = logger.Get("IngestServ")

type (
	// Engine is the subset of the transcoding engine the orchestrator
	// talks to directly. Satisfied by *ffmpeg.Engine.
	Engine interface {
		Probe(ctx context.Context, path string) (asset.MediaMetadata, error)
		EnsureAvailable(ctx context.Context) error
	}

	Generator interface {
		Generate(ctx context.Context, record *asset.Record) (*asset.DerivedRecord, error)
	}

	Store interface {
		WriteSource(projectID, assetID, filename string, contents io.Reader) (string, int64, error)
		Write(record *asset.Record) error
	}

	// Upload is a single file handed to the orchestrator, typically from a
	// multipart HTTP request or the watch folder.
	Upload struct {
		Name string
		Body io.Reader
	}

	// Service is the ingestion orchestrator. It takes an uploaded file
	// through each Stage in turn, and only commits an asset record once
	// every stage before it has succeeded.
	//
	// A failure before StageCommitted leaves the persisted source (and
	// possibly a partial derived directory) on disk, but never an asset.json.
	Service struct {
		engine    Engine
		generator Generator
		store     Store
		eventBus  event.EventDispatcher

		now func() time.Time
	}
)

func New(engine Engine, generator Generator, store Store, eventBus event.EventDispatcher) *Service {
	return &Service{
		engine:    engine,
		generator: generator,
		store:     store,
		eventBus:  eventBus,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Ingest persists, probes and generates derived assets for the upload
// provided, returning the committed record. Ingestions are independent of
// one another and may run concurrently; the stages of one ingestion are
// strictly sequential. Any failure is returned as a *StageError.
func (service *Service) Ingest(ctx context.Context, projectID string, upload Upload) (*asset.Record, error) {
	start := time.Now()
	metrics.IngestionsInFlight.Inc()
	defer metrics.IngestionsInFlight.Dec()

	record, err := service.ingest(ctx, projectID, upload)
	metrics.IngestionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		stage := ""
		if stageErr, ok := err.(*StageError); ok {
			stage = string(stageErr.Stage)
		}

		metrics.IngestionsTotal.WithLabelValues(metrics.OutcomeFailure, stage).Inc()
		log.Emit(logger.ERROR, "Ingestion of %q failed: %v\n", upload.Name, err)
		return nil, err
	}

	metrics.IngestionsTotal.WithLabelValues(metrics.OutcomeSuccess, "").Inc()
	return record, nil
}

func (service *Service) ingest(ctx context.Context, projectID string, upload Upload) (*asset.Record, error) {
	assetID := uuid.NewString()
	name := sanitizeFilename(upload.Name)
	fail := func(stage Stage, err error) error {
		service.dispatchUpdate(projectID, assetID, name, stage, err)
		return &StageError{Stage: stage, ProjectID: projectID, AssetID: assetID, Err: err}
	}

	log.Emit(logger.NEW, "Beginning ingestion of %q as asset %s in project %s\n", name, assetID, projectID)
	service.dispatchUpdate(projectID, assetID, name, StageReceived, nil)
	if upload.Body == nil {
		return nil, fail(StageSourcePersisted, ErrMissingUpload)
	}

	sourcePath, size, err := service.store.WriteSource(projectID, assetID, name, upload.Body)
	if err != nil {
		return nil, fail(StageSourcePersisted, err)
	}
	service.dispatchUpdate(projectID, assetID, name, StageSourcePersisted, nil)

	metadata, err := service.engine.Probe(ctx, sourcePath)
	if err != nil {
		return nil, fail(StageProbed, err)
	}
	service.dispatchUpdate(projectID, assetID, name, StageProbed, nil)
	log.Emit(logger.DEBUG, "Probed %s: duration=%v video=%v audioTracks=%d\n", sourcePath, metadata.Duration(), metadata.HasVideo(), len(metadata.AudioTracks))

	record := &asset.Record{
		ID:           assetID,
		ProjectID:    projectID,
		OriginalName: name,
		SourcePath:   sourcePath,
		SizeBytes:    size,
		CreatedAt:    service.now(),
		Metadata:     metadata,
	}

	if err := service.engine.EnsureAvailable(ctx); err != nil {
		return nil, fail(StageDerivedGenerated, err)
	}

	derived, err := service.generator.Generate(ctx, record)
	if err != nil {
		return nil, fail(StageDerivedGenerated, err)
	}
	record.Derived = derived
	service.dispatchUpdate(projectID, assetID, name, StageDerivedGenerated, nil)

	if err := service.store.Write(record); err != nil {
		return nil, fail(StageCommitted, err)
	}
	service.dispatchUpdate(projectID, assetID, name, StageCommitted, nil)

	if service.eventBus != nil {
		service.eventBus.Dispatch(event.IngestCompleteEvent, event.IngestComplete{ProjectID: projectID, AssetID: assetID})
	}

	log.Emit(logger.SUCCESS, "Ingested %s\n", record)
	return record, nil
}

// dispatchUpdate notifies the event bus that the ingestion has reached the
// stage provided, or that it failed to reach it if err is non-nil.
func (service *Service) dispatchUpdate(projectID, assetID, name string, stage Stage, err error) {
	if service.eventBus == nil {
		return
	}

	update := event.IngestUpdate{ProjectID: projectID, AssetID: assetID, Name: name, Stage: string(stage)}
	if err != nil {
		update.Error = err.Error()
	}

	service.eventBus.Dispatch(event.IngestUpdateEvent, update)
}
