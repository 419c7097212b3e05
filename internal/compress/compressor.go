// Package compress shrinks stage trajectories to fit a downstream context
// budget. Strategy selection is driven only by how far the estimated size
// exceeds the budget; every strategy degrades gracefully and none of them
// ever fails.
package compress

import (
	"log/slog"

	"finflow/internal/domain"
	"finflow/internal/metrics"
)

// DefaultKeepRecent is how many messages per data type temporal compression
// retains when the caller does not configure a count.
const DefaultKeepRecent = 1

// Metrics reports what one Compress call did. It is advisory output for
// logging and history, not an error channel: compression always returns a
// usable trajectory.
type Metrics struct {
	Strategy          Strategy `json:"strategy"`
	OriginalCount     int      `json:"original_count"`
	CompressedCount   int      `json:"compressed_count"`
	EstimatedBefore   int      `json:"estimated_before"`
	EstimatedAfter    int      `json:"estimated_after"`
	BudgetUnreachable bool     `json:"budget_unreachable,omitempty"`
}

// CompressorConfig configures a Compressor.
type CompressorConfig struct {
	// KeepRecent is the per-type retention count for temporal compression.
	// Values below 1 fall back to DefaultKeepRecent.
	KeepRecent int
	Logger     *slog.Logger
}

// Compressor applies budget-driven trajectory compression. It carries no
// mutable state, so one instance is safe for concurrent use.
type Compressor struct {
	keepRecent int
	logger     *slog.Logger
}

// NewCompressor builds a compressor from the given config.
func NewCompressor(cfg CompressorConfig) *Compressor {
	keep := cfg.KeepRecent
	if keep < 1 {
		keep = DefaultKeepRecent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{keepRecent: keep, logger: logger}
}

// KeepRecent reports the per-type retention count used by temporal
// compression.
func (c *Compressor) KeepRecent() int { return c.keepRecent }

// Compress fits a trajectory to maxTokens. The input slice and its messages
// are never mutated; any message the chosen strategy modifies is replaced by
// an annotated clone. A budget of zero or less disables compression.
func (c *Compressor) Compress(messages []domain.Message, maxTokens int) ([]domain.Message, Metrics) {
	before := EstimateTokens(messages)
	m := Metrics{
		Strategy:        StrategyNone,
		OriginalCount:   len(messages),
		CompressedCount: len(messages),
		EstimatedBefore: before,
		EstimatedAfter:  before,
	}
	if maxTokens <= 0 || len(messages) == 0 {
		return messages, m
	}

	ratio := float64(before) / float64(maxTokens)
	strategy := selectStrategy(ratio)

	var out []domain.Message
	switch strategy {
	case StrategySelective:
		out = selectivePreservation(messages)
	case StrategySemantic:
		out = semanticCompression(messages)
	case StrategyExtraction:
		out = dataExtraction(messages)
	case StrategyTemporal:
		out = temporalCompression(messages, c.keepRecent)
	default:
		out = hierarchicalCompression(messages)
	}

	after := EstimateTokens(out)
	m.Strategy = strategy
	m.CompressedCount = len(out)
	m.EstimatedAfter = after
	if strategy == StrategyHierarchical && after > maxTokens {
		m.BudgetUnreachable = true
	}

	metrics.Compressions(string(strategy)).Inc()
	if saved := before - after; saved > 0 {
		metrics.TokensSaved.Add(int64(saved))
	}
	c.logger.Debug("trajectory compressed",
		"strategy", string(strategy),
		"messages_in", m.OriginalCount,
		"messages_out", m.CompressedCount,
		"tokens_before", before,
		"tokens_after", after,
		"budget", maxTokens)
	return out, m
}
