package compress

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"finflow/internal/domain"
)

// Strategy names a compression behavior. Selection is purely a function of
// the estimated-size-to-budget ratio, one band per strategy.
type Strategy string

const (
	StrategyNone         Strategy = "none"
	StrategySelective    Strategy = "selective_preservation"
	StrategySemantic     Strategy = "semantic_compression"
	StrategyExtraction   Strategy = "data_extraction"
	StrategyTemporal     Strategy = "temporal_compression"
	StrategyHierarchical Strategy = "hierarchical_compression"
)

const (
	// Strings shorter than this are never summarized.
	longTextThreshold = 120
	// Extractive summaries and merged text fields are capped here.
	summaryMaxChars = 500
	// data_extraction keeps categorical strings up to this length.
	shortStringMax = 32
)

// selectStrategy maps a size ratio to its band. Band edges belong to the
// lower (less aggressive) band: a ratio of exactly 3.0 still gets
// semantic_compression.
func selectStrategy(ratio float64) Strategy {
	switch {
	case ratio <= 1.5:
		return StrategySelective
	case ratio <= 3:
		return StrategySemantic
	case ratio <= 6:
		return StrategyExtraction
	case ratio <= 10:
		return StrategyTemporal
	default:
		return StrategyHierarchical
	}
}

// lastIndexByType returns the position of the most recent message of each
// data type. Recency is input order: trajectories are chronological by
// construction, so the last occurrence wins regardless of timestamps.
func lastIndexByType(msgs []domain.Message) map[domain.DataType]int {
	last := make(map[domain.DataType]int, len(msgs))
	for i, msg := range msgs {
		last[msg.DataType] = i
	}
	return last
}

// selectivePreservation collapses consecutive runs of the same data type to
// the run's most recent message. Distinct kinds keep their relative order
// and no surviving message is altered.
func selectivePreservation(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	for i, msg := range msgs {
		if i+1 < len(msgs) && msgs[i+1].DataType == msg.DataType {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// semanticCompression replaces long free-text fields with an extractive
// summary in every message that is not the most recent of its type. The
// most recent message of each type passes through untouched, as do all
// structured fields.
func semanticCompression(msgs []domain.Message) []domain.Message {
	last := lastIndexByType(msgs)
	out := make([]domain.Message, len(msgs))
	for i, msg := range msgs {
		if last[msg.DataType] == i {
			out[i] = msg
			continue
		}
		out[i] = summarizeText(msg)
	}
	return out
}

func summarizeText(msg domain.Message) domain.Message {
	content := domain.CloneContent(msg.Content)
	changed := false
	for key, value := range content {
		text, ok := value.(string)
		if !ok || utf8.RuneCountInString(text) < longTextThreshold {
			continue
		}
		content[key] = extractiveSummary(text)
		changed = true
	}
	if !changed {
		return msg
	}
	out := msg.Clone()
	out.Content = content
	out.Metadata["compressed"] = true
	return out
}

var numberPattern = regexp.MustCompile(`[-+]?[0-9]+(?:\.[0-9]+)?%?`)

// extractiveSummary keeps the first and last sentence of a text plus every
// numeric token it contains, capped at the summary length.
func extractiveSummary(text string) string {
	sentences := splitSentences(text)
	var b strings.Builder
	if len(sentences) > 0 {
		b.WriteString(sentences[0])
		if len(sentences) > 1 {
			b.WriteString(" ... ")
			b.WriteString(sentences[len(sentences)-1])
		}
	}
	if numbers := numberPattern.FindAllString(text, -1); len(numbers) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(numbers, ", "))
		b.WriteString("]")
	}
	return domain.Truncate(b.String(), summaryMaxChars)
}

// dataExtraction drops free-text narrative entirely from every message that
// is not the most recent of its type, keeping numeric and boolean scalars,
// short categorical strings, and any structure that still holds at least
// one such leaf.
func dataExtraction(msgs []domain.Message) []domain.Message {
	last := lastIndexByType(msgs)
	out := make([]domain.Message, len(msgs))
	for i, msg := range msgs {
		if last[msg.DataType] == i {
			out[i] = msg
			continue
		}
		pruned := structuredOnly(msg.Content)
		if domain.MarshalContent(pruned) == domain.MarshalContent(msg.Content) {
			out[i] = msg
			continue
		}
		result := msg.Clone()
		result.Content = pruned
		result.Metadata["compressed"] = true
		out[i] = result
	}
	return out
}

func structuredOnly(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for key, value := range m {
		if kept, ok := structuredValue(value); ok {
			out[key] = kept
		}
	}
	return out
}

func structuredValue(value any) (any, bool) {
	switch v := value.(type) {
	case string:
		if utf8.RuneCountInString(v) <= shortStringMax {
			return v, true
		}
		return nil, false
	case map[string]any:
		pruned := structuredOnly(v)
		if len(pruned) == 0 {
			return nil, false
		}
		return pruned, true
	case []any:
		kept := make([]any, 0, len(v))
		for _, item := range v {
			if kv, ok := structuredValue(item); ok {
				kept = append(kept, kv)
			}
		}
		if len(kept) == 0 {
			return nil, false
		}
		return kept, true
	case nil:
		return nil, false
	default:
		return v, true
	}
}

// temporalCompression keeps the keep most recent messages per data type.
// The most recent retained message of a type records how many older
// messages of that type were removed; its content is never touched.
func temporalCompression(msgs []domain.Message, keep int) []domain.Message {
	if keep < 1 {
		keep = 1
	}
	total := make(map[domain.DataType]int, len(msgs))
	for _, msg := range msgs {
		total[msg.DataType]++
	}

	seen := make(map[domain.DataType]int, len(total))
	kept := make([]domain.Message, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if seen[msg.DataType] >= keep {
			continue
		}
		seen[msg.DataType]++
		if seen[msg.DataType] == 1 {
			retained := min(total[msg.DataType], keep)
			if dropped := total[msg.DataType] - retained; dropped > 0 {
				msg = msg.WithMetadata("n_dropped", dropped)
			}
		}
		kept = append(kept, msg)
	}

	// Walked newest-first; restore chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// hierarchicalCompression merges all messages of each data type into one
// synthetic message positioned where the type's most recent member stood.
// Non-text fields take the latest value; text fields concatenate
// oldest-to-newest and are truncated to the summary cap.
func hierarchicalCompression(msgs []domain.Message) []domain.Message {
	groups := make(map[domain.DataType][]domain.Message)
	last := lastIndexByType(msgs)
	for _, msg := range msgs {
		groups[msg.DataType] = append(groups[msg.DataType], msg)
	}

	out := make([]domain.Message, 0, len(groups))
	for i, msg := range msgs {
		if last[msg.DataType] != i {
			continue
		}
		out = append(out, mergeMessages(groups[msg.DataType]))
	}
	return out
}

func mergeMessages(group []domain.Message) domain.Message {
	newest := group[len(group)-1]
	if len(group) == 1 {
		return newest
	}

	content := make(map[string]any)
	senders := make([]any, 0, len(group))
	for _, msg := range group {
		if len(senders) == 0 || senders[len(senders)-1] != msg.Sender {
			senders = append(senders, msg.Sender)
		}
		for key, value := range domain.CloneContent(msg.Content) {
			text, isText := value.(string)
			if !isText {
				content[key] = value
				continue
			}
			if prev, ok := content[key].(string); ok {
				content[key] = prev + "\n" + text
			} else {
				content[key] = text
			}
		}
	}
	for key, value := range content {
		if text, ok := value.(string); ok {
			content[key] = domain.Truncate(text, summaryMaxChars)
		}
	}

	merged := newest.Clone()
	merged.Content = content
	merged.Metadata["n_merged"] = len(group)
	merged.Metadata["merged_from"] = senders
	return merged
}

func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case '。', '！', '？', '.', '!', '?':
			return true
		}
		return false
	})
	sentences := parts[:0]
	for _, part := range parts {
		if s := strings.TrimSpace(part); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
