// Package convert adapts message content between the data types
// exchanged by adjacent pipeline stages. Rules are registered per
// (source, target) pair and are deterministic: identical input content
// always produces identical output content.
package convert

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"finflow/internal/domain"
	"finflow/internal/metrics"
)

// Pair keys the rule table.
type Pair struct {
	Source domain.DataType
	Target domain.DataType
}

// Rule transforms message content. The engine hands every rule its own
// copy of the content, so rules may build on it freely.
type Rule func(content map[string]any) (map[string]any, error)

type EngineConfig struct {
	Logger *slog.Logger
}

// Engine holds an immutable rule table. Construct once, share across
// goroutines.
type Engine struct {
	rules  map[Pair]Rule
	logger *slog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules: map[Pair]Rule{
			{domain.TypeFinancialRatios, domain.TypeChartData}:   ratiosToChart,
			{domain.TypeRawFinancialData, domain.TypeChartData}:  rawToChart,
			{domain.TypeFinancialAnalysis, domain.TypeChartData}: analysisToChart,
			{domain.TypeTextSummary, domain.TypeFinancialRatios}: textToRatios,
			{domain.TypeTextSummary, domain.TypeChartData}:       textToChart,
		},
		logger: logger,
	}
}

// Convert adapts msg to target. Matching types pass through untouched.
// A missing rule or a failed rule degrades to an error_info message
// that preserves the original content under metadata, so the pipeline
// keeps moving instead of halting on a conversion gap.
func (e *Engine) Convert(msg domain.Message, target domain.DataType, targetAgent string) domain.Message {
	if msg.DataType == target {
		metrics.ConversionsIdentity.Inc()
		return msg
	}
	start := time.Now()
	rule, ok := e.rules[Pair{Source: msg.DataType, Target: target}]
	if !ok {
		metrics.ConversionsNoRule.Inc()
		e.logger.Warn("no conversion rule", "source", msg.DataType, "target", target)
		return errorMessage(msg, target, fmt.Sprintf("no conversion rule from %s to %s", msg.DataType, target))
	}

	converted, err := rule(domain.CloneContent(msg.Content))
	if err != nil {
		metrics.ConversionsFailed.Inc()
		e.logger.Error("conversion failed", "source", msg.DataType, "target", target, "error", err)
		return errorMessage(msg, target, err.Error())
	}

	out, err := domain.NewMessage(msg.Sender, target, converted, convertedMetadata(msg, targetAgent))
	if err != nil {
		metrics.ConversionsFailed.Inc()
		e.logger.Error("converted content rejected", "source", msg.DataType, "target", target, "error", err)
		return errorMessage(msg, target, fmt.Sprintf("converted content rejected: %v", err))
	}
	if targetAgent != "" {
		out = out.WithReceiver(targetAgent)
	}

	metrics.ConversionsOK.Inc()
	metrics.ConversionLatency.Observe(time.Since(start).Seconds())
	e.logger.Debug("converted message", "source", msg.DataType, "target", target, "agent", targetAgent)
	return out
}

// HasRule reports whether a direct rule exists for the pair. Identity
// pairs need no rule.
func (e *Engine) HasRule(source, target domain.DataType) bool {
	if source == target {
		return true
	}
	_, ok := e.rules[Pair{Source: source, Target: target}]
	return ok
}

// Pairs lists the registered rule pairs in stable order.
func (e *Engine) Pairs() []Pair {
	pairs := make([]Pair, 0, len(e.rules))
	for pair := range e.rules {
		pairs = append(pairs, pair)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Source != pairs[j].Source {
			return pairs[i].Source < pairs[j].Source
		}
		return pairs[i].Target < pairs[j].Target
	})
	return pairs
}

// Report grades how well content already fits a target type's schema.
type Report struct {
	Score       float64
	Missing     []string
	Suggestions []string
}

// Compatibility checks content against the target type's alternative
// key set. Score 1.0 means every alternative is present; any score
// above zero already satisfies the schema.
func (e *Engine) Compatibility(content map[string]any, target domain.DataType) Report {
	alternatives := domain.RequiredAlternatives(target)
	if len(alternatives) == 0 {
		return Report{Score: 1}
	}
	present := 0
	var missing []string
	for _, key := range alternatives {
		if _, ok := content[key]; ok {
			present++
		} else {
			missing = append(missing, key)
		}
	}
	report := Report{
		Score:   float64(present) / float64(len(alternatives)),
		Missing: missing,
	}
	if present == 0 {
		report.Suggestions = append(report.Suggestions,
			fmt.Sprintf("add at least one of %s to satisfy %s", strings.Join(alternatives, ", "), target))
		if !e.HasRule(domain.Infer(content), target) {
			report.Suggestions = append(report.Suggestions,
				fmt.Sprintf("no conversion rule reaches %s from the inferred type", target))
		}
	}
	return report
}

func convertedMetadata(msg domain.Message, targetAgent string) map[string]any {
	by := targetAgent
	if by == "" {
		by = "ConversionEngine"
	}
	meta := domain.CloneContent(msg.Metadata)
	meta["converted_from"] = string(msg.DataType)
	meta["converted_by"] = by
	meta["conversion_timestamp"] = msg.Timestamp.Format(time.RFC3339Nano)
	return meta
}

func errorMessage(msg domain.Message, target domain.DataType, reason string) domain.Message {
	content := map[string]any{
		"reason":    reason,
		"requested": string(target),
	}
	meta := domain.CloneContent(msg.Metadata)
	meta["original_content"] = domain.CloneContent(msg.Content)
	meta["source_type"] = string(msg.DataType)
	// "reason" always satisfies the error_info schema.
	out, _ := domain.NewMessage(msg.Sender, domain.TypeErrorInfo, content, meta)
	return out
}
