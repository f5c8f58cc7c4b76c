package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/isomoes/mvideo/internal/api"
	"github.com/isomoes/mvideo/internal/asset"
	"github.com/isomoes/mvideo/internal/derive"
	"github.com/isomoes/mvideo/internal/event"
	"github.com/isomoes/mvideo/internal/ffmpeg"
	"github.com/isomoes/mvideo/internal/ingest"
	"github.com/isomoes/mvideo/pkg/logger"
)

var log = logger.Get("Core")

const startupEngineCheckTimeout = 10 * time.Second

type RunnableService interface {
	Run(context.Context) error
}

// mvideoImpl represents the top-level object for the server, and is responsible
// for constructing the store, the transcoding engine and the services
// which depend on them, and for running those services.
type mvideoImpl struct {
	config   Config
	eventBus event.EventCoordinator

	store     *asset.Store
	engine    *ffmpeg.Engine
	generator *derive.Generator

	ingestService   *ingest.Service
	watcher         *ingest.Watcher
	restGateway     *api.RestGateway
	activityService *activityService
}

func New(config Config) (*mvideoImpl, error) {
	log.Emit(logger.DEBUG, "Bootstrapping services using config: %#v\n", config)
	mvideo := &mvideoImpl{
		config:   config,
		eventBus: event.New(),
		store:    asset.NewStore(config.StorageRoot),
		engine:   ffmpeg.NewEngine(config.Ffmpeg),
	}

	mvideo.generator = derive.New(config.Derive, mvideo.engine, mvideo.store, mvideo.eventBus)
	mvideo.ingestService = ingest.New(mvideo.engine, mvideo.generator, mvideo.store, mvideo.eventBus)

	var watchService api.WatchService
	if config.Watch.Enabled {
		watcher, err := ingest.NewWatcher(config.Watch, mvideo.ingestService, mvideo.eventBus)
		if err != nil {
			return nil, fmt.Errorf("failed to construct watch folder service: %w", err)
		}

		mvideo.watcher = watcher
		watchService = watcher
	}

	mvideo.restGateway = api.NewRestGateway(&config.RestConfig, mvideo.ingestService, mvideo.generator, mvideo.store, watchService)
	mvideo.activityService = newActivityService(mvideo.restGateway, mvideo.eventBus)

	return mvideo, nil
}

// Run will start all services and will not return until they have stopped.
// To stop, the provided context must be cancelled. Errors from which a service
// cannot recover will also cause every other service to stop.
func (mvideo *mvideoImpl) Run(parent context.Context) error {
	if err := os.MkdirAll(mvideo.config.StorageRoot, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create storage root %s: %w", mvideo.config.StorageRoot, err)
	}

	// An unavailable engine is not fatal. The outcome is memoized, and every
	// ingestion is rejected with the same error until the server is restarted.
	checkCtx, checkCancel := context.WithTimeout(parent, startupEngineCheckTimeout)
	if err := mvideo.engine.EnsureAvailable(checkCtx); err != nil {
		log.Emit(logger.WARNING, "Transcoding engine check did not pass: %v\n", err)
	}
	checkCancel()

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel(fmt.Errorf("service %s crashed: %w", label, err))
	}

	wg := &sync.WaitGroup{}
	mvideo.spawnAsyncService(ctx, wg, mvideo.activityService, "activity-service", crashHandler)
	mvideo.spawnAsyncService(ctx, wg, mvideo.restGateway, "rest-gateway", crashHandler)
	if mvideo.watcher != nil {
		mvideo.spawnAsyncService(ctx, wg, mvideo.watcher, "watch-service", crashHandler)
	} else {
		log.Emit(logger.INFO, "Watch folder disabled\n")
	}
	log.Emit(logger.SUCCESS, "Services spawned!\n")

	wg.Wait()
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}

	return nil
}

// spawnAsyncService will run the provided service as it's own
// go-routine, ensuring that the service waitgroup is updated correctly
func (mvideo *mvideoImpl) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
