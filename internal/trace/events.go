package trace

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"finflow/internal/domain"
)

// Well-known flow event types.
const (
	EventEnvelope    = "flow.envelope"
	EventConversion  = "flow.conversion"
	EventCompression = "flow.compression"
	EventDelivery    = "flow.delivery"
)

// Event statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Event is one observation in the data-flow log: a message wrapped, a
// conversion attempted, a trajectory compressed, or a payload delivered.
type Event struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Source   string          `json:"source"`
	Target   string          `json:"target,omitempty"`
	DataType domain.DataType `json:"data_type,omitempty"`
	Size     int             `json:"size,omitempty"`
	Duration time.Duration   `json:"duration,omitempty"`
	Status   string          `json:"status"`
	Err      string          `json:"error,omitempty"`
	Time     time.Time       `json:"time"`
}

// Handler is a callback for flow events.
type Handler func(Event)

// namedHandler pairs a handler with an ID for unsubscription.
type namedHandler struct {
	id      string
	handler Handler
}

// EventLog is a topic-based publish/subscribe log for flow events with a
// bounded replay history. Subscribe with "*" to observe every event.
type EventLog struct {
	mu         sync.RWMutex
	handlers   map[string][]namedHandler
	history    []Event
	maxHistory int
	logger     *slog.Logger
}

// NewEventLog creates an event log holding up to 1000 events for replay.
func NewEventLog(logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{
		handlers:   make(map[string][]namedHandler),
		maxHistory: 1000,
		logger:     logger,
	}
}

// On registers a handler for the given event type. Use "*" to listen to all
// events. Returns the handler ID for unsubscription.
func (l *EventLog) On(eventType string, handler Handler) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := eventType + "-" + strconv.Itoa(len(l.handlers[eventType]))
	l.handlers[eventType] = append(l.handlers[eventType], namedHandler{id: id, handler: handler})
	return id
}

// Off removes a handler by its ID.
func (l *EventLog) Off(eventType, handlerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	handlers := l.handlers[eventType]
	for i, h := range handlers {
		if h.id == handlerID {
			l.handlers[eventType] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit records an event and delivers it to all matching handlers
// synchronously, in registration order. A zero ID or Time is filled in.
func (l *EventLog) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	if event.Status == "" {
		event.Status = StatusOK
	}

	l.mu.Lock()
	if len(l.history) >= l.maxHistory {
		l.history = l.history[1:]
	}
	l.history = append(l.history, event)

	handlers := make([]namedHandler, 0, len(l.handlers[event.Type])+len(l.handlers["*"]))
	handlers = append(handlers, l.handlers[event.Type]...)
	handlers = append(handlers, l.handlers["*"]...)
	l.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("flow event handler panic",
						"event", event.Type, "handler", nh.id, "panic", r)
				}
			}()
			nh.handler(event)
		}(h)
	}
}

// Replay returns historical events of the given type recorded at or after
// since. Use "*" for all event types.
func (l *EventLog) Replay(eventType string, since time.Time) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Event
	for _, e := range l.history {
		if e.Time.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// Recent returns up to n of the most recent events in chronological order.
func (l *EventLog) Recent(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || len(l.history) == 0 {
		return nil
	}
	if n > len(l.history) {
		n = len(l.history)
	}
	out := make([]Event, n)
	copy(out, l.history[len(l.history)-n:])
	return out
}

// HistoryLen returns the current number of events in the replay buffer.
func (l *EventLog) HistoryLen() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.history)
}
