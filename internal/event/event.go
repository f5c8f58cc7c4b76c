// A collection of event names and common methods used to handle the events, typically
// redirecting the handling to a service method or other method via the `Handler` interface.
package event

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/isomoes/mvideo/pkg/logger"
)

var log = logger.Get("Activity")

// Events emitted by the ingestion pipeline which are of interest to another part
// of the system (typically the API gateway, which relays them to connected clients).
type (
	Event         string
	Payload       any
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	eventHandler struct {
		mutex        sync.RWMutex
		fnHandlers   map[Event][]handlerMethod
		chanHandlers map[Event][]HandlerChannel
	}

	handlerMethod struct {
		handle HandlerMethod
		async  bool
	}
)

type (
	// IngestUpdate is the payload of IngestUpdateEvent, dispatched each time an
	// ingestion enters a new stage.
	IngestUpdate struct {
		ProjectID string `json:"projectId"`
		AssetID   string `json:"assetId"`
		Name      string `json:"originalName"`
		Stage     string `json:"stage"`
		Error     string `json:"error,omitempty"`
	}

	// IngestComplete is the payload of IngestCompleteEvent, dispatched once an
	// asset record has been committed.
	IngestComplete struct {
		ProjectID string `json:"projectId"`
		AssetID   string `json:"assetId"`
	}

	// DerivedProgress is the payload of DerivedProgressEvent, dispatched as
	// the transcoding engine reports progress for a derived artifact.
	DerivedProgress struct {
		ProjectID string  `json:"projectId"`
		AssetID   string  `json:"assetId"`
		Artifact  string  `json:"artifact"`
		Progress  float64 `json:"progress"`
	}

	// DerivedComplete is the payload of DerivedCompleteEvent, dispatched when
	// on-demand derived media has been rendered and recorded.
	DerivedComplete struct {
		ProjectID string `json:"projectId"`
		AssetID   string `json:"assetId"`
		Artifact  string `json:"artifact"`
		Path      string `json:"path"`
	}
)

const (
	IngestUpdateEvent   Event = "ingest:update"
	IngestCompleteEvent Event = "ingest:complete"

	DerivedProgressEvent Event = "derived:update:progress"
	DerivedCompleteEvent Event = "derived:complete"

	WatchUpdateEvent Event = "watch:update"
)

func New() EventCoordinator {
	return &eventHandler{
		fnHandlers:   make(map[Event][]handlerMethod),
		chanHandlers: make(map[Event][]HandlerChannel),
	}
}

// RegisterHandlerChannel takes an event type and a channel and will send Event messages on
// the channel any time a Dispatch for the provided event occurs.
// This method can be used multiple times for different events on the same channel.
//
// If the channel is BLOCKED when the event bus attempts to send the message on the handler channel,
// then the thread dispatching the event will also be BLOCKED. It is recomended to buffer the handler channels
// appropiately to avoid dispatcher-side blocking.
func (handler *eventHandler) RegisterHandlerChannel(handle HandlerChannel, events ...Event) {
	handler.mutex.Lock()
	defer handler.mutex.Unlock()

	for _, event := range events {
		handler.chanHandlers[event] = append(handler.chanHandlers[event], handle)
	}
}

// RegisterHandlerFunction takes an event type and a handler method which will be stored
// and called with the payload for the event whenever it is dispatched.
// The handle provided should be guaranteed to return quickly, else other threads calling
// Dispatch on this event bus will be blocked.
func (handler *eventHandler) RegisterHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, false})
}

// RegisterAsyncHandlerFunction accepts an Event and a HandlerMethod which will be stored and
// called inside of a goroutine when the event is handled.
func (handler *eventHandler) RegisterAsyncHandlerFunction(event Event, handle HandlerMethod) {
	handler.registerHandlerMethod(event, handlerMethod{handle, true})
}

func (handler *eventHandler) registerHandlerMethod(event Event, handle handlerMethod) {
	handler.mutex.Lock()
	defer handler.mutex.Unlock()

	handler.fnHandlers[event] = append(handler.fnHandlers[event], handle)
}

// Dispatch takes an event type and a payload and dispatches the payload to the handlers
// registered for the event type provided.
// Note that this method WILL block if a synchronous handler function is blocking, or if channel
// handlers are blocked.
func (handler *eventHandler) Dispatch(event Event, payload Payload) {
	if err := validatePayload(event, payload); err != nil {
		log.Emit(logger.ERROR, "Dispatch for event %v FAILED validation: %v\n", event, err)
		return
	}

	handler.mutex.RLock()
	fnHandles := handler.fnHandlers[event]
	chanHandles := handler.chanHandlers[event]
	handler.mutex.RUnlock()

	for _, handle := range fnHandles {
		if handle.async {
			go handle.handle(event, payload)
		} else {
			handle.handle(event, payload)
		}
	}

	if len(chanHandles) > 0 {
		payload := HandlerEvent{event, payload}
		for _, handle := range chanHandles {
			handle <- payload
		}
	}
}

// validatePayload ensures that the payload provided is valid for the event specified. An error
// will be returned if the payload is not valid, and the event should not be sent to the registered
// handlers in this case.
func validatePayload(event Event, payload Payload) error {
	var payloadTypeName string
	if t := reflect.TypeOf(payload); t != nil {
		payloadTypeName = t.Name()
	} else {
		payloadTypeName = "Nil"
	}

	var ok bool
	switch event {
	case IngestUpdateEvent:
		_, ok = payload.(IngestUpdate)
	case IngestCompleteEvent:
		_, ok = payload.(IngestComplete)
	case DerivedProgressEvent:
		_, ok = payload.(DerivedProgress)
	case DerivedCompleteEvent:
		_, ok = payload.(DerivedComplete)
	case WatchUpdateEvent:
		_, ok = payload.(uuid.UUID)
	default:
		return errors.New("event type not recognized for validation")
	}

	if !ok {
		return fmt.Errorf("illegal payload (type %s) for %s event", payloadTypeName, event)
	}

	return nil
}
