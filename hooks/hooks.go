package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/nexushistory/core"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Log writer events
	EventPreAppend       EventType = "PreAppend"
	EventPostAppend      EventType = "PostAppend"
	EventPostRotate      EventType = "PostRotate"
	EventPostDiscontinue EventType = "PostDiscontinue"

	// Index backfill events
	EventPostBackfill EventType = "PostBackfill"

	// Query events
	EventPreQuery  EventType = "PreQuery"
	EventPostQuery EventType = "PostQuery"

	// Assignment events
	EventPostAssign EventType = "PostAssign"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event. Pre hooks run
	// synchronously and can cancel the operation; Post hooks may run async.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreAppendPayload carries a batch of change events about to be logged.
// Events is a pointer so listeners can drop or rewrite entries.
type PreAppendPayload struct {
	DeviceID string
	Events   *[]core.ChangeEvent
}

func NewPreAppendEvent(payload PreAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPreAppend, payload: payload}
}

// PostAppendPayload reports what a batch produced on disk.
type PostAppendPayload struct {
	DeviceID     string
	FileIndex    int
	LinesWritten int
	BytesWritten int64
}

func NewPostAppendEvent(payload PostAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPostAppend, payload: payload}
}

// PostRotatePayload is emitted when a raw file reached its maximum size and was closed.
type PostRotatePayload struct {
	DeviceID     string
	ClosedIndex  int
	ClosedSize   int64
	NewFileIndex int
}

func NewPostRotateEvent(payload PostRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostRotate, payload: payload}
}

// PostDiscontinuePayload is emitted after a LOGOUT line was written.
type PostDiscontinuePayload struct {
	DeviceID  string
	FileIndex int
	Offset    int64
	WasValid  bool
	Reason    string
}

func NewPostDiscontinueEvent(payload PostDiscontinuePayload) HookEvent {
	return &BaseEvent{eventType: EventPostDiscontinue, payload: payload}
}

// PostBackfillPayload reports the outcome of one fine index rebuild.
type PostBackfillPayload struct {
	JobID     string
	DeviceID  string
	Property  string
	FileIndex int
	Duration  time.Duration
	Error     error
}

func NewPostBackfillEvent(payload PostBackfillPayload) HookEvent {
	return &BaseEvent{eventType: EventPostBackfill, payload: payload}
}

// QueryKind distinguishes the two read operations.
type QueryKind string

const (
	QueryHistory       QueryKind = "history"
	QueryConfiguration QueryKind = "configuration"
)

// PreQueryPayload is emitted before a read; listeners may reject it by returning an error.
type PreQueryPayload struct {
	Kind     QueryKind
	DeviceID string
	Property string
}

func NewPreQueryEvent(payload PreQueryPayload) HookEvent {
	return &BaseEvent{eventType: EventPreQuery, payload: payload}
}

// PostQueryPayload contains information after a query has executed.
type PostQueryPayload struct {
	Kind     QueryKind
	DeviceID string
	Property string
	Returned int
	Duration time.Duration
	Error    error
}

func NewPostQueryEvent(payload PostQueryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostQuery, payload: payload}
}

// PostAssignPayload is emitted when the manager places a device's logger on a host.
type PostAssignPayload struct {
	DeviceID string
	LoggerID string
	HostID   string
}

func NewPostAssignEvent(payload PostAssignPayload) HookEvent {
	return &BaseEvent{eventType: EventPostAssign, payload: payload}
}

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook cancels the operation.
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int
	// IsAsync reports whether a Post hook may run in its own goroutine.
	IsAsync() bool
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// slices are kept sorted by priority
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]

	// insert after listeners of equal priority to keep registration order
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		if isPreHook || !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}
		m.wg.Add(1)
		go func(current *listenerWithPriority) {
			defer m.wg.Done()
			if err := current.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", current.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// Nop returns a manager with no listeners, used when a component gets none.
func Nop() HookManager {
	return NewHookManager(nil)
}

// ListenerFunc adapts a function to HookListener.
type ListenerFunc struct {
	Fn    func(ctx context.Context, event HookEvent) error
	Prio  int
	Async bool
}

func (f ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error { return f.Fn(ctx, event) }
func (f ListenerFunc) Priority() int                                       { return f.Prio }
func (f ListenerFunc) IsAsync() bool                                       { return f.Async }
