package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isomoes/mvideo/internal/asset"
	"github.com/isomoes/mvideo/internal/event"
	"github.com/isomoes/mvideo/pkg/logger"
	"github.com/isomoes/mvideo/pkg/worker"
	"github.com/rjeczalik/notify"
)

var watchLog = logger.Get("WatchServ")

type (
	Ingester interface {
		Ingest(ctx context.Context, projectID string, upload Upload) (*asset.Record, error)
	}

	// Watcher is responsible for managing the automatic detection and
	// ingestion of files placed in the watch folder. The detected files are:
	// - Checked against a blacklist to ensure they should be processed
	// - Held until their modtime is old enough that the copy is likely complete
	// - Passed through the ingestion orchestrator by a pool of workers
	// - Removed from the watch folder once ingested successfully
	Watcher struct {
		mutex     sync.Mutex
		config    WatchConfig
		ingester  Ingester
		eventBus  event.EventDispatcher
		blacklist []*regexp.Regexp

		items            []*WatchItem
		importHoldTimers map[uuid.UUID]*time.Timer
		// retained holds the paths of files which were ingested, but could not be
		// removed from the watch folder. They are never rediscovered.
		retained   map[string]struct{}
		workerPool *worker.WorkerPool
		ctx        context.Context
	}
)

// NewWatcher creates a new Watcher, using the provided config for
// subsequent calls to 'Run'.
//
// The configs 'Path' is validated to be an existing directory.
// If the directory is missing it will be created, if the path
// provided points to an existing FILE, an error is returned.
func NewWatcher(config WatchConfig, ingester Ingester, eventBus event.EventDispatcher) (*Watcher, error) {
	if info, err := os.Stat(config.Path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("watch path '%s' is not a directory", config.Path)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(config.Path, os.ModeDir|os.ModePerm); err != nil {
			return nil, fmt.Errorf("watch path '%s' could not be created: %w", config.Path, err)
		}
	} else {
		return nil, fmt.Errorf("watch path '%s' could not be accessed: %w", config.Path, err)
	}

	blacklist := make([]*regexp.Regexp, 0, len(config.Blacklist))
	for _, expr := range config.Blacklist {
		compiled, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("watch blacklist expression %q is invalid: %w", expr, err)
		}

		blacklist = append(blacklist, compiled)
	}

	if config.Parallelism <= 0 {
		config.Parallelism = 1
	}
	if config.ForceSyncSeconds <= 0 {
		config.ForceSyncSeconds = 120
	}

	service := &Watcher{
		config:           config,
		ingester:         ingester,
		eventBus:         eventBus,
		blacklist:        blacklist,
		items:            make([]*WatchItem, 0),
		importHoldTimers: make(map[uuid.UUID]*time.Timer),
		retained:         make(map[string]struct{}),
		workerPool:       worker.NewWorkerPool(),
		ctx:              context.Background(),
	}

	for i := 0; i < config.Parallelism; i++ {
		label := fmt.Sprintf("watch-ingest-worker-%d", i)
		if err := service.workerPool.PushWorker(worker.NewWorker(label, service.performItemIngest)); err != nil {
			return nil, err
		}
	}

	return service, nil
}

// Run is the main entry point of this service. It's responsible
// for listening to the OS file system and responding to change events,
// as well as regularly polling the file system irrespective of the
// watcher.
// To kill the service, the calling code should cancel the context
// provided. Run returns once every in-flight ingestion has stopped.
func (service *Watcher) Run(ctx context.Context) error {
	service.mutex.Lock()
	service.ctx = ctx
	service.mutex.Unlock()

	fsNotifyChannel := make(chan notify.EventInfo, 32)
	if err := notify.Watch(filepath.Join(service.config.Path, "..."), fsNotifyChannel, notify.Create, notify.Write, notify.Rename); err != nil {
		watchLog.Emit(logger.WARNING, "Failed to watch %s for changes, relying on forced sync: %v\n", service.config.Path, err)
	}
	defer notify.Stop(fsNotifyChannel)

	forceSyncTicker := time.NewTicker(service.config.ForceSyncDuration())
	defer forceSyncTicker.Stop()

	if err := service.workerPool.Start(); err != nil {
		return err
	}
	defer service.workerPool.Close()
	defer service.clearAllImportHoldTimers()

	watchLog.Emit(logger.NEW, "Watching %s for new media\n", service.config.Path)
	service.DiscoverNewFiles()

	for {
		select {
		case <-fsNotifyChannel:
			service.DiscoverNewFiles()
		case <-forceSyncTicker.C:
			service.DiscoverNewFiles()
		case <-ctx.Done():
			watchLog.Emit(logger.STOP, "Watch folder service stopping\n")
			return nil
		}
	}
}

// DiscoverNewFiles will scan the watch folder and check for items that
// need to be ingested (as in no current item in this service represents
// this path). Any files matching a configured blacklist, any hidden files
// and any files not inside of a project directory are ignored.
//
// Note: This function will take ownership of the mutex, and releases it when returning
func (service *Watcher) DiscoverNewFiles() {
	service.mutex.Lock()
	defer service.mutex.Unlock()

	known := make(map[string]bool, len(service.items)+len(service.retained))
	for _, item := range service.items {
		known[item.Path] = true
	}
	for path := range service.retained {
		known[path] = true
	}

	newItems, err := recursivelyWalkFileSystem(service.config.Path, known)
	if err != nil {
		watchLog.Emit(logger.ERROR, "File system polling failed: %v\n", err)
		return
	}

	minModtimeAge := service.config.RequiredModTimeAgeDuration()
	dirty := false
	for itemPath, itemInfo := range newItems {
		projectID, ok := service.projectForPath(itemPath)
		if !ok {
			continue
		}

		timeDiff := time.Since(itemInfo.ModTime())
		item := &WatchItem{ID: uuid.New(), Path: itemPath, ProjectID: projectID, State: IMPORT_HOLD}
		if timeDiff >= minModtimeAge {
			item.State = IDLE
			dirty = true
		}

		watchLog.Emit(logger.INFO, "Discovered %s at %s\n", item, itemPath)
		service.items = append(service.items, item)
		if item.State == IMPORT_HOLD {
			service.scheduleImportHoldTimer(item.ID, minModtimeAge-timeDiff)
		}
		service.dispatchUpdate(item.ID)
	}

	if dirty {
		service.wakeupWorkerPool()
	}
}

// projectForPath returns the project a file inside of the watch folder
// belongs to, which is the name of the first directory beneath the root.
// Files which should not be ingested return false.
func (service *Watcher) projectForPath(path string) (string, bool) {
	rel, err := filepath.Rel(service.config.Path, path)
	if err != nil {
		return "", false
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		watchLog.Emit(logger.VERBOSE, "Ignoring %s as it is not inside of a project directory\n", path)
		return "", false
	}

	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	for _, expr := range service.blacklist {
		if expr.MatchString(name) {
			watchLog.Emit(logger.VERBOSE, "Ignoring %s as it matches blacklist expression %s\n", path, expr)
			return "", false
		}
	}

	return parts[0], true
}

// performItemIngest is the worker function for the Watcher, which is called
// by the services WorkerPool.
// This function will claim the first IDLE item it finds and attempt to ingest it.
// If the ingestion fails the error is kept on the item and it's state set to
// TROUBLED, where it will remain until retried or removed.
func (service *Watcher) performItemIngest(w worker.Worker) (bool, error) {
	item, ctx := service.claimIdleItem()
	if item == nil {
		return false, nil
	}

	watchLog.Emit(logger.NEW, "Worker %s beginning ingestion of %s\n", w.Label(), item)
	record, err := service.ingestItem(ctx, item)

	service.mutex.Lock()
	defer service.mutex.Unlock()

	if err != nil {
		var stageErr *StageError
		if !errors.As(err, &stageErr) {
			stageErr = &StageError{Stage: StageReceived, ProjectID: item.ProjectID, Err: err}
		}

		item.State = TROUBLED
		item.Trouble = stageErr
		service.dispatchUpdate(item.ID)
		watchLog.Emit(logger.WARNING, "%s is troubled: %v\n", item, stageErr)
		return true, nil
	}

	if err := os.Remove(item.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		watchLog.Emit(logger.WARNING, "Ingested %s as asset %s, but the file could not be removed: %v\n", item.Path, record.ID, err)
		service.retained[item.Path] = struct{}{}
	}

	service.removeItem(item.ID)
	service.dispatchUpdate(item.ID)
	watchLog.Emit(logger.SUCCESS, "Ingested %s as asset %s\n", item.Path, record.ID)
	return true, nil
}

func (service *Watcher) ingestItem(ctx context.Context, item *WatchItem) (*asset.Record, error) {
	file, err := os.Open(item.Path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return service.ingester.Ingest(ctx, item.ProjectID, Upload{Name: filepath.Base(item.Path), Body: file})
}

// RemoveItem looks for an item with the ID provided in the services
// state, and removes it if it's found. The file itself is left in place,
// and will not be rediscovered until the service restarts.
// This method *fails* if the item is currently 'INGESTING' as interrupting
// the ingestion is not possible.
//
// Note: This function takes ownership of the mutex and releases it on return
func (service *Watcher) RemoveItem(itemID uuid.UUID) error {
	service.mutex.Lock()
	defer service.mutex.Unlock()

	item := service.getItem(itemID)
	if item == nil {
		return ErrItemNotFound
	} else if item.State == INGESTING {
		return fmt.Errorf("cannot remove item %v: %w", itemID, ErrItemIngesting)
	}

	service.retained[item.Path] = struct{}{}
	service.removeItem(itemID)
	service.dispatchUpdate(itemID)
	return nil
}

// RetryItem moves a TROUBLED item back to IDLE so that it's ingestion is
// attempted again.
func (service *Watcher) RetryItem(itemID uuid.UUID) error {
	service.mutex.Lock()
	defer service.mutex.Unlock()

	item := service.getItem(itemID)
	if item == nil {
		return ErrItemNotFound
	} else if item.State != TROUBLED {
		return ErrItemNotTrouble
	}

	item.State = IDLE
	item.Trouble = nil
	service.dispatchUpdate(itemID)
	service.wakeupWorkerPool()
	return nil
}

// GetItem returns a copy of the item with the ID provided, or nil if
// no such item exists.
func (service *Watcher) GetItem(itemID uuid.UUID) *WatchItem {
	service.mutex.Lock()
	defer service.mutex.Unlock()

	if item := service.getItem(itemID); item != nil {
		copied := *item
		return &copied
	}

	return nil
}

// GetAllItems returns a copy of every item being tracked by this service.
func (service *Watcher) GetAllItems() []*WatchItem {
	service.mutex.Lock()
	defer service.mutex.Unlock()

	items := make([]*WatchItem, 0, len(service.items))
	for _, item := range service.items {
		copied := *item
		items = append(items, &copied)
	}

	return items
}

func (service *Watcher) getItem(itemID uuid.UUID) *WatchItem {
	for _, item := range service.items {
		if item.ID == itemID {
			return item
		}
	}

	return nil
}

func (service *Watcher) removeItem(itemID uuid.UUID) {
	service.clearImportHoldTimer(itemID)
	for k, v := range service.items {
		if v.ID == itemID {
			service.items = append(service.items[:k], service.items[k+1:]...)
			return
		}
	}
}

// evaluateItemHold accepts the ID of an item that is on IMPORT_HOLD,
// and checks it's modtime to see if the item can be moved on to
// the 'IDLE' state.
// If the item with the ID provided no longer exists, the method is a NO-OP.
// If the item exists, but it's source file no longer exists, the item is removed
// from the services state.
// If the item exists and it's source still does not meet modtime requirements, then
// then a new timer will be scheduled to re-evaluate the item hold.
//
// Note: this function takes ownership of the mutex, and releases it when returning
func (service *Watcher) evaluateItemHold(id uuid.UUID) {
	service.mutex.Lock()
	defer service.mutex.Unlock()

	item := service.getItem(id)
	if item == nil || item.State != IMPORT_HOLD {
		return
	}

	timeDiff, err := item.modtimeDiff()
	if err != nil {
		// Item's source file has gone away!
		service.removeItem(id)
		service.dispatchUpdate(id)
		return
	}

	thresholdModTime := service.config.RequiredModTimeAgeDuration()
	if *timeDiff < thresholdModTime {
		service.scheduleImportHoldTimer(id, thresholdModTime-*timeDiff)
		return
	}

	item.State = IDLE
	service.dispatchUpdate(id)
	service.wakeupWorkerPool()
}

// scheduleImportHoldTimer will call evaluateItemHold for the item provided
// after the delay duration specified has elapsed. Any existing import hold timer
// for the item specified will be *cancelled* before the new timer is created.
func (service *Watcher) scheduleImportHoldTimer(id uuid.UUID, delay time.Duration) {
	service.clearImportHoldTimer(id)
	service.importHoldTimers[id] = time.AfterFunc(delay, func() {
		service.evaluateItemHold(id)
	})
}

// clearImportHoldTimer cancels and deletes the import hold timer associatted
// with the item ID specified.
func (service *Watcher) clearImportHoldTimer(id uuid.UUID) {
	if timer, ok := service.importHoldTimers[id]; ok {
		timer.Stop()
		delete(service.importHoldTimers, id)
	}
}

// clearAllImportHoldTimers cancels and deletes the import hold timers for
// all items.
func (service *Watcher) clearAllImportHoldTimers() {
	service.mutex.Lock()
	defer service.mutex.Unlock()

	for key, timer := range service.importHoldTimers {
		timer.Stop()
		delete(service.importHoldTimers, key)
	}
}

// claimIdleItem will try and find an IDLE item in the service,
// and set it's state to 'INGESTING' to prevent another
// worker from claiming it once the mutex lock is released.
//
// Note: This function takes ownership of the mutex, and releases it when returning
func (service *Watcher) claimIdleItem() (*WatchItem, context.Context) {
	service.mutex.Lock()
	defer service.mutex.Unlock()

	for _, item := range service.items {
		if item.State == IDLE {
			item.State = INGESTING
			service.dispatchUpdate(item.ID)
			return item, service.ctx
		}
	}

	return nil, nil
}

func (service *Watcher) wakeupWorkerPool() {
	if err := service.workerPool.WakeupWorkers(); err != nil {
		watchLog.Emit(logger.VERBOSE, "Worker pool not woken: %v\n", err)
	}
}

func (service *Watcher) dispatchUpdate(itemID uuid.UUID) {
	if service.eventBus != nil {
		service.eventBus.Dispatch(event.WatchUpdateEvent, itemID)
	}
}

// recursivelyWalkFileSystem will walk the file system, starting at the directory provided,
// and construct a map of all the files inside (including any inside of nested directories).
// Files whose paths are included in the 'known' map will NOT be included in the result.
// The key of the returned map is the path, and the value contains the FileInfo
func recursivelyWalkFileSystem(rootDirPath string, known map[string]bool) (map[string]fs.FileInfo, error) {
	foundItems := make(map[string]fs.FileInfo, 0)
	err := filepath.WalkDir(rootDirPath, func(path string, dir fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if dir.Type().IsRegular() {
			fileInfo, err := dir.Info()
			if err != nil {
				return err
			}

			if _, ok := known[path]; !ok {
				foundItems[path] = fileInfo
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk file system: %w", err)
	}

	return foundItems, nil
}
