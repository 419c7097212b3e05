// Package pipeline is the orchestrator-facing surface of the data-exchange
// layer. An Exchange serves one analysis request: it wraps raw stage output
// into typed envelopes, adapts trajectories to what the next stage expects,
// fits them to the stage's context budget, and serializes them for prompt
// assembly.
package pipeline

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"finflow/internal/compress"
	"finflow/internal/convert"
	"finflow/internal/domain"
	"finflow/internal/metrics"
	"finflow/internal/trace"
)

// serializedContentCap bounds one message's rendering inside a serialized
// context so a single oversized payload cannot crowd out the rest.
const serializedContentCap = 2000

// ExchangeConfig configures an Exchange. Zero-value fields get working
// defaults, so ExchangeConfig{} is a usable in-memory setup.
type ExchangeConfig struct {
	// Query is the analysis request this run serves, kept for the archive.
	Query string
	// Profiles supplies stage expectations; nil means the built-in five
	// stages.
	Profiles *Profiles
	// Tracer routes conversions; nil builds one over a fresh engine.
	Tracer *trace.Tracer
	// Compressor fits trajectories to budgets; nil builds a default one.
	Compressor *compress.Compressor
	// DefaultBudget is the token budget for stages without a profile;
	// values below 1 fall back to DefaultBudgetTokens.
	DefaultBudget int
	Logger        *slog.Logger
}

// Exchange is the per-request data-exchange session. It is used
// sequentially by a single orchestrating goroutine; the shared pieces
// underneath (rule table, trace store, metrics) handle their own locking.
type Exchange struct {
	id            string
	query         string
	startedAt     time.Time
	profiles      *Profiles
	tracer        *trace.Tracer
	compressor    *compress.Compressor
	defaultBudget int
	logger        *slog.Logger

	lastStamp map[string]time.Time
	wrapped   int
	fallbacks int
}

// Summary is the run-level accounting an Exchange reports for archiving.
type Summary struct {
	RunID     string    `json:"run_id"`
	Query     string    `json:"query"`
	StartedAt time.Time `json:"started_at"`
	Wrapped   int       `json:"messages_wrapped"`
	Fallbacks int       `json:"schema_fallbacks"`
	Traced    int       `json:"conversions_traced"`
}

// NewExchange opens a data-exchange session for one analysis request.
func NewExchange(cfg ExchangeConfig) *Exchange {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	profiles := cfg.Profiles
	if profiles == nil {
		profiles = NewProfiles(DefaultProfiles())
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = trace.NewTracer(trace.TracerConfig{
			Converter: convert.NewEngine(convert.EngineConfig{Logger: logger}),
			Logger:    logger,
		})
	}
	compressor := cfg.Compressor
	if compressor == nil {
		compressor = compress.NewCompressor(compress.CompressorConfig{Logger: logger})
	}
	defaultBudget := cfg.DefaultBudget
	if defaultBudget < 1 {
		defaultBudget = DefaultBudgetTokens
	}
	return &Exchange{
		id:            uuid.NewString(),
		query:         cfg.Query,
		startedAt:     time.Now(),
		profiles:      profiles,
		tracer:        tracer,
		compressor:    compressor,
		defaultBudget: defaultBudget,
		logger:        logger,
		lastStamp:     make(map[string]time.Time),
	}
}

// ID returns the run identifier.
func (ex *Exchange) ID() string { return ex.id }

// Profiles returns the stage registry backing this exchange.
func (ex *Exchange) Profiles() *Profiles { return ex.profiles }

// Tracer returns the conversion tracer backing this exchange.
func (ex *Exchange) Tracer() *trace.Tracer { return ex.tracer }

// Events returns the flow-event log shared with the tracer.
func (ex *Exchange) Events() *trace.EventLog { return ex.tracer.Events() }

// Summary reports the run accounting so far.
func (ex *Exchange) Summary() Summary {
	return Summary{
		RunID:     ex.id,
		Query:     ex.query,
		StartedAt: ex.startedAt,
		Wrapped:   ex.wrapped,
		Fallbacks: ex.fallbacks,
		Traced:    ex.tracer.Count(),
	}
}

// Wrap builds a typed envelope from one stage's raw output. An empty data
// type is inferred from the content. Wrap never fails: content that does
// not satisfy the declared type's schema is wrapped as text_summary with
// the violation recorded in metadata.
func (ex *Exchange) Wrap(sender string, dt domain.DataType, content, metadata map[string]any) domain.Message {
	if dt == "" {
		dt = domain.Infer(content)
	}
	msg, err := domain.NewMessage(sender, dt, content, metadata)
	if err != nil {
		ex.logger.Warn("schema mismatch, degrading to text_summary",
			"sender", sender, "intended", string(dt), "err", err)
		metrics.SchemaFallbacks.Inc()
		ex.fallbacks++
		msg = domain.FallbackMessage(sender, dt, content, metadata, err)
	}
	msg.Timestamp = ex.stamp(sender)
	msg.Metadata["run_id"] = ex.id

	ex.wrapped++
	metrics.MessagesWrapped.Inc()
	ex.Events().Emit(trace.Event{
		Type:     trace.EventEnvelope,
		Source:   sender,
		DataType: msg.DataType,
		Size:     len(domain.MarshalContent(msg.Content)),
		Time:     msg.Timestamp,
	})
	return msg
}

// stamp issues a per-sender monotonic timestamp so a sender's messages
// always sort in wrap order, even inside one clock tick.
func (ex *Exchange) stamp(sender string) time.Time {
	now := time.Now()
	if last, ok := ex.lastStamp[sender]; ok && !now.After(last) {
		now = last.Add(time.Nanosecond)
	}
	ex.lastStamp[sender] = now
	return now
}

// AdaptFor converts one message into what the given stage expects, through
// the tracer. Stages without a profile expect text_summary.
func (ex *Exchange) AdaptFor(msg domain.Message, stage string) (domain.Message, trace.ConversionTrace) {
	return ex.tracer.Trace(msg, ex.expects(stage), stage)
}

// AdaptTrajectory prepares a whole trajectory for the given stage. Messages
// already of the expected type are re-addressed without a conversion trace;
// everything else goes through AdaptFor's path.
func (ex *Exchange) AdaptTrajectory(msgs []domain.Message, stage string) []domain.Message {
	target := ex.expects(stage)
	out := make([]domain.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.DataType == target {
			out = append(out, msg.WithReceiver(stage))
			continue
		}
		converted, _ := ex.tracer.Trace(msg, target, stage)
		out = append(out, converted)
	}
	return out
}

// Fit compresses a trajectory to the stage's context budget and records a
// flow.compression event.
func (ex *Exchange) Fit(trajectory []domain.Message, stage string) ([]domain.Message, compress.Metrics) {
	budget := ex.defaultBudget
	comp := ex.compressor
	if profile, ok := ex.profiles.Get(stage); ok {
		budget = profile.BudgetTokens
		if profile.KeepRecent > 0 && profile.KeepRecent != comp.KeepRecent() {
			comp = compress.NewCompressor(compress.CompressorConfig{
				KeepRecent: profile.KeepRecent,
				Logger:     ex.logger,
			})
		}
	}

	out, m := comp.Compress(trajectory, budget)
	ex.Events().Emit(trace.Event{
		Type:   trace.EventCompression,
		Source: "context_compressor",
		Target: stage,
		Size:   m.EstimatedAfter,
		Status: trace.StatusOK,
	})
	return out, m
}

// Serialize renders a trajectory into the prompt-context form consumed by
// downstream stages: one subtask/output pair per message, newline-joined,
// chronological. The task label comes from metadata["task"] when present,
// otherwise the sender name.
func (ex *Exchange) Serialize(trajectory []domain.Message) string {
	parts := make([]string, 0, len(trajectory))
	for _, msg := range trajectory {
		label := msg.Sender
		if task, ok := msg.Metadata["task"].(string); ok && task != "" {
			label = task
		}
		body := domain.Truncate(domain.MarshalContent(msg.Content), serializedContentCap)
		parts = append(parts, "<subtask>"+label+"</subtask>\n<output>"+body+"</output>")
	}
	return strings.Join(parts, "\n")
}

func (ex *Exchange) expects(stage string) domain.DataType {
	if profile, ok := ex.profiles.Get(stage); ok {
		return profile.Expects
	}
	return domain.TypeTextSummary
}
