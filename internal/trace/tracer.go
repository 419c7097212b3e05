// Package trace observes inter-stage conversions: every conversion routed
// through the Tracer is timed, snapshotted, and recorded for diagnosis,
// alongside a replayable log of flow events.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"finflow/internal/domain"
	"finflow/internal/metrics"
)

// Converter turns a message into the target data type for the target agent.
// *convert.Engine is the production implementation.
type Converter interface {
	Convert(msg domain.Message, target domain.DataType, targetAgent string) domain.Message
}

// ConversionTrace is the recorded evidence of one conversion attempt. Both
// message snapshots are deep copies, so a trace stays valid even when the
// live messages move on through the pipeline.
type ConversionTrace struct {
	TraceID     string             `json:"trace_id"`
	Original    domain.Message     `json:"original"`
	Converted   domain.Message     `json:"converted"`
	Path        [2]domain.DataType `json:"path"`
	TargetAgent string             `json:"target_agent"`
	Duration    time.Duration      `json:"duration"`
	Success     bool               `json:"success"`
	Errors      []string           `json:"errors,omitempty"`
	RecordedAt  time.Time          `json:"recorded_at"`
}

// TracerConfig configures a Tracer.
type TracerConfig struct {
	// Converter performs the actual conversions. Required.
	Converter Converter
	Logger    *slog.Logger
	// Events receives a flow.conversion event per trace. A fresh log is
	// created when nil.
	Events *EventLog
}

// Tracer wraps a Converter and keeps an append-only record of every
// conversion it performs. All methods are safe for concurrent use.
type Tracer struct {
	converter Converter
	logger    *slog.Logger
	events    *EventLog

	mu     sync.RWMutex
	traces map[string]ConversionTrace
	order  []string
	seen   map[string]int // base trace ID -> occurrences
}

// NewTracer builds a tracer around the given converter.
func NewTracer(cfg TracerConfig) *Tracer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := cfg.Events
	if events == nil {
		events = NewEventLog(logger)
	}
	return &Tracer{
		converter: cfg.Converter,
		logger:    logger,
		events:    events,
		traces:    make(map[string]ConversionTrace),
		seen:      make(map[string]int),
	}
}

// Events exposes the flow-event log so callers can emit and subscribe to
// events of their own alongside the tracer's.
func (t *Tracer) Events() *EventLog { return t.events }

// Trace converts msg through the underlying converter, timing the call and
// recording a ConversionTrace. The converted message is returned exactly as
// the converter produced it; failure surfaces as an error_info message, so
// Trace itself never fails.
func (t *Tracer) Trace(msg domain.Message, target domain.DataType, targetAgent string) (domain.Message, ConversionTrace) {
	start := time.Now()
	converted := t.converter.Convert(msg, target, targetAgent)
	elapsed := time.Since(start)

	trace := ConversionTrace{
		Original:    msg.Clone(),
		Converted:   converted.Clone(),
		Path:        [2]domain.DataType{msg.DataType, target},
		TargetAgent: targetAgent,
		Duration:    elapsed,
		Success:     converted.DataType != domain.TypeErrorInfo,
		RecordedAt:  time.Now(),
	}
	if !trace.Success {
		if reason, ok := converted.Content["reason"].(string); ok && reason != "" {
			trace.Errors = []string{reason}
		} else {
			trace.Errors = []string{"unknown conversion error"}
		}
	}

	t.mu.Lock()
	base := traceID(msg.Sender, targetAgent, trace.RecordedAt)
	t.seen[base]++
	trace.TraceID = base
	if n := t.seen[base]; n > 1 {
		trace.TraceID = base + "-" + strconv.Itoa(n)
	}
	t.traces[trace.TraceID] = trace
	t.order = append(t.order, trace.TraceID)
	t.mu.Unlock()

	metrics.TracesRecorded.Inc()

	status := StatusOK
	var errMsg string
	if !trace.Success {
		status = StatusError
		errMsg = trace.Errors[0]
	}
	t.events.Emit(Event{
		Type:     EventConversion,
		Source:   msg.Sender,
		Target:   targetAgent,
		DataType: converted.DataType,
		Size:     len(domain.MarshalContent(msg.Content)),
		Duration: elapsed,
		Status:   status,
		Err:      errMsg,
		Time:     trace.RecordedAt,
	})
	t.logger.Debug("conversion traced",
		"trace_id", trace.TraceID,
		"from", string(msg.DataType),
		"to", string(target),
		"target_agent", targetAgent,
		"success", trace.Success,
		"duration", elapsed)

	return converted, trace
}

// traceID derives a stable identifier from the conversion pair and the
// minute it happened in. Repeats within the same minute get an ordinal
// suffix so the store never overwrites.
func traceID(sender, targetAgent string, at time.Time) string {
	sum := sha256.Sum256([]byte(sender + "|" + targetAgent + "|" + at.UTC().Format("200601021504")))
	return hex.EncodeToString(sum[:])[:12]
}

// Get returns the trace with the given ID.
func (t *Tracer) Get(id string) (ConversionTrace, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	trace, ok := t.traces[id]
	return trace, ok
}

// TracesFor returns all traces addressed to the given target agent, oldest
// first.
func (t *Tracer) TracesFor(targetAgent string) []ConversionTrace {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []ConversionTrace
	for _, id := range t.order {
		if trace := t.traces[id]; trace.TargetAgent == targetAgent {
			out = append(out, trace)
		}
	}
	return out
}

// Recent returns up to n of the most recent traces, oldest first.
func (t *Tracer) Recent(n int) []ConversionTrace {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n <= 0 || len(t.order) == 0 {
		return nil
	}
	if n > len(t.order) {
		n = len(t.order)
	}
	out := make([]ConversionTrace, 0, n)
	for _, id := range t.order[len(t.order)-n:] {
		out = append(out, t.traces[id])
	}
	return out
}

// Count returns the total number of recorded traces.
func (t *Tracer) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// SuccessRate returns the fraction of successful conversions recorded
// within the given window. A window of zero or less covers all traces; no
// traces in the window counts as fully healthy.
func (t *Tracer) SuccessRate(window time.Duration) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var cutoff time.Time
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}
	total, succeeded := 0, 0
	for _, id := range t.order {
		trace := t.traces[id]
		if !cutoff.IsZero() && trace.RecordedAt.Before(cutoff) {
			continue
		}
		total++
		if trace.Success {
			succeeded++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(succeeded) / float64(total)
}
