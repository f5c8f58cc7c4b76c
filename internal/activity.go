package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isomoes/mvideo/internal/event"
	"github.com/isomoes/mvideo/pkg/logger"
)

const (
	DEBOUNCE_DURATION  time.Duration = time.Millisecond * 250
	MAX_TIMER_DURATION time.Duration = time.Second * 1

	RAPID_EVENT_DEBOUNCE_DURATION  time.Duration = time.Millisecond * 100
	RAPID_EVENT_MAX_TIMER_DURATION time.Duration = time.Millisecond * 500
)

type (
	broadcastHandler func() error

	broadcaster interface {
		BroadcastIngestUpdate(event.IngestUpdate) error
		BroadcastAssetCreated(projectID, assetID string) error
		BroadcastDerivedProgress(event.DerivedProgress) error
		BroadcastDerivedComplete(event.DerivedComplete) error
		BroadcastWatchUpdate(uuid.UUID) error
	}

	eventKey struct {
		ev event.Event
		id string
	}

	// activityService listens for events on the event bus and relays them
	// to the broadcaster. Stage transitions are relayed immediately, whereas
	// rapid events (progress, watch item churn) are debounced per resource so
	// that clients only receive the latest state.
	activityService struct {
		*sync.Mutex
		broadcaster
		eventBus       event.EventHandler
		debounceTimers map[eventKey]*time.Timer
		maxTimers      map[eventKey]*time.Timer
		pending        map[eventKey]broadcastHandler
	}
)

func newActivityService(broadcaster broadcaster, eventBus event.EventHandler) *activityService {
	return &activityService{
		Mutex:          &sync.Mutex{},
		broadcaster:    broadcaster,
		eventBus:       eventBus,
		debounceTimers: make(map[eventKey]*time.Timer),
		maxTimers:      make(map[eventKey]*time.Timer),
		pending:        make(map[eventKey]broadcastHandler),
	}
}

func (service *activityService) Run(ctx context.Context) error {
	messageChan := make(event.HandlerChannel, 100)
	service.eventBus.RegisterHandlerChannel(messageChan,
		event.IngestUpdateEvent, event.IngestCompleteEvent,
		event.DerivedProgressEvent, event.DerivedCompleteEvent,
		event.WatchUpdateEvent)

	log.Emit(logger.NEW, "Activity service started\n")
	defer service.stopAllTimers()
	for {
		select {
		case ev := <-messageChan:
			if err := service.handleEvent(ev); err != nil {
				log.Emit(logger.ERROR, "Handling of event %v failed: %v\n", ev.Event, err)
			}
		case <-ctx.Done():
			log.Emit(logger.STOP, "Activity service closed\n")
			return nil
		}
	}
}

func (service *activityService) handleEvent(ev event.HandlerEvent) error {
	switch payload := ev.Payload.(type) {
	case event.IngestUpdate:
		return service.BroadcastIngestUpdate(payload)
	case event.IngestComplete:
		return service.BroadcastAssetCreated(payload.ProjectID, payload.AssetID)
	case event.DerivedProgress:
		key := eventKey{ev: ev.Event, id: payload.AssetID + "/" + payload.Artifact}
		service.scheduleRapidEventBroadcast(key, func() error { return service.BroadcastDerivedProgress(payload) })
	case event.DerivedComplete:
		return service.BroadcastDerivedComplete(payload)
	case uuid.UUID:
		key := eventKey{ev: ev.Event, id: payload.String()}
		service.scheduleEventBroadcast(key, func() error { return service.BroadcastWatchUpdate(payload) })
	default:
		return fmt.Errorf("unknown payload %T for event %s", ev.Payload, ev.Event)
	}

	return nil
}

func (service *activityService) scheduleEventBroadcast(key eventKey, handler broadcastHandler) {
	service.schedule(key, handler, DEBOUNCE_DURATION, MAX_TIMER_DURATION)
}

func (service *activityService) scheduleRapidEventBroadcast(key eventKey, handler broadcastHandler) {
	service.schedule(key, handler, RAPID_EVENT_DEBOUNCE_DURATION, RAPID_EVENT_MAX_TIMER_DURATION)
}

// schedule stores the handler as the most recent broadcast for the key, and
// (re)sets a debounce timer for it. A max timer ensures a constant stream of
// events for the same key still results in periodic broadcasts.
func (service *activityService) schedule(key eventKey, handler broadcastHandler, debounceTime time.Duration, maxTime time.Duration) {
	service.Lock()
	defer service.Unlock()

	service.pending[key] = handler
	fire := func() { service.broadcast(key) }

	if t, ok := service.debounceTimers[key]; ok {
		t.Stop()
	}
	service.debounceTimers[key] = time.AfterFunc(debounceTime, fire)

	if _, ok := service.maxTimers[key]; !ok {
		service.maxTimers[key] = time.AfterFunc(maxTime, fire)
	}
}

// broadcast runs the pending handler for the key, if any. The lock is not
// held while the handler runs as handlers may call back in to services
// which are themselves dispatching events.
func (service *activityService) broadcast(key eventKey) {
	service.Lock()
	if t, ok := service.debounceTimers[key]; ok {
		t.Stop()
		delete(service.debounceTimers, key)
	}
	if t, ok := service.maxTimers[key]; ok {
		t.Stop()
		delete(service.maxTimers, key)
	}

	handler, ok := service.pending[key]
	delete(service.pending, key)
	service.Unlock()

	if !ok {
		return
	}
	if err := handler(); err != nil {
		log.Emit(logger.ERROR, "Broadcast of %s for %s failed: %v\n", key.ev, key.id, err)
	}
}

func (service *activityService) stopAllTimers() {
	service.Lock()
	defer service.Unlock()

	for key, t := range service.debounceTimers {
		t.Stop()
		delete(service.debounceTimers, key)
	}
	for key, t := range service.maxTimers {
		t.Stop()
		delete(service.maxTimers, key)
	}
	clear(service.pending)
}
