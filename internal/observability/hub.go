// Package observability records one structured event per save or recall.
package observability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultStatus is used when an event carries no status.
const DefaultStatus = "unknown"

// Event is a normalized operation record.
type Event struct {
	TraceID    string         `json:"trace_id"`
	EventID    string         `json:"event_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Timestamp  string         `json:"timestamp"`
	Operation  string         `json:"operation"`
	Entity     string         `json:"entity,omitempty"`
	Payload    any            `json:"payload,omitempty"`
	Error      *ErrorInfo     `json:"error,omitempty"`
	Status     string         `json:"status"`
	DurationMs *float64       `json:"duration_ms,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`

	// StartedAt and FinishedAt derive DurationMs when it is unset.
	StartedAt  time.Time `json:"-"`
	FinishedAt time.Time `json:"-"`
}

// ErrorInfo is the serialized form of an error.
type ErrorInfo struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// Writer persists normalized events.
type Writer interface {
	Write(e Event) error
}

// ErrOperationRequired is returned for events without an operation.
var ErrOperationRequired = errors.New("operation is required")

// Hub normalizes events and hands them to a writer. A nil *Hub or a hub
// without a writer discards events.
type Hub struct {
	writer Writer
	clock  func() time.Time
	log    zerolog.Logger
	mu     sync.Mutex
}

// NewHub creates a hub writing to w.
func NewHub(w Writer, log zerolog.Logger) *Hub {
	return &Hub{
		writer: w,
		clock:  func() time.Time { return time.Now().UTC() },
		log:    log.With().Str("component", "observability").Logger(),
	}
}

// Normalize fills ids, timestamp, status and duration.
func (h *Hub) Normalize(e Event) (Event, error) {
	if e.Operation == "" {
		return e, ErrOperationRequired
	}
	if e.TraceID == "" {
		e.TraceID = uuid.New().String()
	}
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.Timestamp == "" {
		e.Timestamp = h.now().Format("2006-01-02T15:04:05.000000Z07:00")
	}
	if e.Status == "" {
		e.Status = DefaultStatus
	}
	if e.DurationMs == nil && !e.StartedAt.IsZero() && !e.FinishedAt.IsZero() {
		ms := float64(e.FinishedAt.Sub(e.StartedAt).Nanoseconds()) / 1e6
		ms = math.Round(ms*1000) / 1000
		e.DurationMs = &ms
	}
	return e, nil
}

// Emit normalizes and writes e. Write failures are logged and returned;
// callers treat them as non-fatal.
func (h *Hub) Emit(ctx context.Context, e Event) (Event, error) {
	if h == nil || h.writer == nil {
		return e, nil
	}
	if e.TraceID == "" {
		e.TraceID = TraceID(ctx)
	}
	e, err := h.Normalize(e)
	if err != nil {
		return e, err
	}

	h.mu.Lock()
	err = h.writer.Write(e)
	h.mu.Unlock()
	if err != nil {
		h.log.Warn().Err(err).Str("operation", e.Operation).Msg("write observability event")
	}
	return e, err
}

func (h *Hub) now() time.Time {
	if h.clock == nil {
		return time.Now().UTC()
	}
	return h.clock()
}

// ErrorFrom converts err to its serialized form.
func ErrorFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Class: fmt.Sprintf("%T", err), Message: err.Error()}
}

type traceKey struct{}

// WithTraceID attaches a trace id to ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// TraceID returns the trace id attached to ctx, or "".
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
