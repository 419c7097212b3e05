package compress

import (
	"reflect"
	"strings"
	"testing"

	"finflow/internal/domain"
)

func mustMessage(t *testing.T, sender string, dt domain.DataType, content map[string]any) domain.Message {
	t.Helper()
	msg, err := domain.NewMessage(sender, dt, content, nil)
	if err != nil {
		t.Fatalf("NewMessage(%s): %v", dt, err)
	}
	return msg
}

func TestSelectStrategy_BandEdges(t *testing.T) {
	tests := []struct {
		ratio float64
		want  Strategy
	}{
		{0.2, StrategySelective},
		{1.0, StrategySelective},
		{1.5, StrategySelective},
		{1.6, StrategySemantic},
		{3.0, StrategySemantic},
		{3.1, StrategyExtraction},
		{6.0, StrategyExtraction},
		{6.1, StrategyTemporal},
		{10.0, StrategyTemporal},
		{10.1, StrategyHierarchical},
		{50.0, StrategyHierarchical},
	}
	for _, tt := range tests {
		if got := selectStrategy(tt.ratio); got != tt.want {
			t.Errorf("selectStrategy(%v) = %s, want %s", tt.ratio, got, tt.want)
		}
	}
}

func TestSelectivePreservation_CollapsesConsecutiveRuns(t *testing.T) {
	older := mustMessage(t, "data_agent", domain.TypeRawFinancialData,
		map[string]any{"income_statement": map[string]any{"revenue": 100.0}})
	newer := mustMessage(t, "data_agent", domain.TypeRawFinancialData,
		map[string]any{"income_statement": map[string]any{"revenue": 120.0}})
	ratios := mustMessage(t, "data_analysis_agent", domain.TypeFinancialRatios,
		map[string]any{"profitability": map[string]any{"roe": 0.15}})
	trailing := mustMessage(t, "data_agent", domain.TypeRawFinancialData,
		map[string]any{"balance_sheet": map[string]any{"assets": 900.0}})

	out := selectivePreservation([]domain.Message{older, newer, ratios, trailing})
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	if !reflect.DeepEqual(out[0].Content, newer.Content) {
		t.Errorf("run collapsed to %v, want most recent member", out[0].Content)
	}
	if out[1].DataType != domain.TypeFinancialRatios {
		t.Errorf("out[1].DataType = %s, want financial_ratios", out[1].DataType)
	}
	if !reflect.DeepEqual(out[2].Content, trailing.Content) {
		t.Errorf("non-consecutive repeat was collapsed: %v", out[2].Content)
	}
}

func TestSelectivePreservation_DistinctTypesUntouched(t *testing.T) {
	msgs := []domain.Message{
		mustMessage(t, "data_agent", domain.TypeRawFinancialData,
			map[string]any{"income_statement": map[string]any{"revenue": 100.0}}),
		mustMessage(t, "data_analysis_agent", domain.TypeFinancialRatios,
			map[string]any{"profitability": map[string]any{"roe": 0.15}}),
	}
	out := selectivePreservation(msgs)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
}

func TestExtractiveSummary(t *testing.T) {
	text := "营收同比增长 15% 创下新高。毛利率保持稳定。净利润达到 3200 万元。"
	got := extractiveSummary(text)
	want := "营收同比增长 15% 创下新高 ... 净利润达到 3200 万元 [15%, 3200]"
	if got != want {
		t.Errorf("extractiveSummary = %q, want %q", got, want)
	}
}

func TestExtractiveSummary_SingleSentence(t *testing.T) {
	got := extractiveSummary("Margins held steady across all segments")
	if got != "Margins held steady across all segments" {
		t.Errorf("extractiveSummary = %q", got)
	}
}

func TestSemanticCompression_SummarizesOlderLongText(t *testing.T) {
	long := strings.Repeat("业绩持续改善。", 30)
	older := mustMessage(t, "analysis_agent", domain.TypeTextSummary,
		map[string]any{"raw_output": long})
	newest := mustMessage(t, "analysis_agent", domain.TypeTextSummary,
		map[string]any{"raw_output": "最终结论"})

	out := semanticCompression([]domain.Message{older, newest})
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	summary, _ := out[0].Content["raw_output"].(string)
	if summary != "业绩持续改善 ... 业绩持续改善" {
		t.Errorf("summary = %q", summary)
	}
	if out[0].Metadata["compressed"] != true {
		t.Error("older message missing compressed annotation")
	}
	if !reflect.DeepEqual(out[1].Content, newest.Content) {
		t.Errorf("most recent message altered: %v", out[1].Content)
	}
	if _, ok := out[1].Metadata["compressed"]; ok {
		t.Error("most recent message gained compressed annotation")
	}
	if got, _ := older.Content["raw_output"].(string); got != long {
		t.Error("input message was mutated")
	}
}

func TestSemanticCompression_ShortTextUntouched(t *testing.T) {
	older := mustMessage(t, "analysis_agent", domain.TypeTextSummary,
		map[string]any{"raw_output": "短文本"})
	newest := mustMessage(t, "analysis_agent", domain.TypeTextSummary,
		map[string]any{"raw_output": "结论"})

	out := semanticCompression([]domain.Message{older, newest})
	if !reflect.DeepEqual(out[0].Content, older.Content) {
		t.Errorf("short text was summarized: %v", out[0].Content)
	}
	if _, ok := out[0].Metadata["compressed"]; ok {
		t.Error("unchanged message gained compressed annotation")
	}
}

func TestDataExtraction_DropsNarrativeKeepsStructure(t *testing.T) {
	narrative := strings.Repeat("a", 40)
	older := mustMessage(t, "analysis_agent", domain.TypeTextSummary, map[string]any{
		"narrative": narrative,
		"revenue":   1250.0,
		"healthy":   true,
		"tag":       "q3",
		"nested":    map[string]any{"note": strings.Repeat("b", 40), "value": 5.0},
		"memos":     []any{strings.Repeat("c", 40)},
	})
	newest := mustMessage(t, "analysis_agent", domain.TypeTextSummary,
		map[string]any{"narrative": narrative})

	out := dataExtraction([]domain.Message{older, newest})
	got := out[0].Content
	if _, ok := got["narrative"]; ok {
		t.Error("long narrative survived extraction")
	}
	if _, ok := got["memos"]; ok {
		t.Error("list of long strings survived extraction")
	}
	if got["revenue"] != 1250.0 || got["healthy"] != true || got["tag"] != "q3" {
		t.Errorf("scalar fields damaged: %v", got)
	}
	nested, _ := got["nested"].(map[string]any)
	if nested == nil || nested["value"] != 5.0 {
		t.Errorf("nested structure lost its numeric leaf: %v", got["nested"])
	}
	if _, ok := nested["note"]; ok {
		t.Error("nested long text survived extraction")
	}
	if out[0].Metadata["compressed"] != true {
		t.Error("pruned message missing compressed annotation")
	}
	if !reflect.DeepEqual(out[1].Content, newest.Content) {
		t.Error("most recent message altered")
	}
}

func TestDataExtraction_PureStructureUnchanged(t *testing.T) {
	older := mustMessage(t, "data_analysis_agent", domain.TypeFinancialRatios,
		map[string]any{"profitability": map[string]any{"roe": 0.15}})
	newest := mustMessage(t, "data_analysis_agent", domain.TypeFinancialRatios,
		map[string]any{"profitability": map[string]any{"roe": 0.18}})

	out := dataExtraction([]domain.Message{older, newest})
	if _, ok := out[0].Metadata["compressed"]; ok {
		t.Error("structure-only message gained compressed annotation")
	}
	if !reflect.DeepEqual(out[0].Content, older.Content) {
		t.Errorf("structure-only content changed: %v", out[0].Content)
	}
}

func TestTemporalCompression_KeepsMostRecentPerType(t *testing.T) {
	raw := func(rev float64) domain.Message {
		return mustMessage(t, "data_agent", domain.TypeRawFinancialData,
			map[string]any{"income_statement": map[string]any{"revenue": rev}})
	}
	ratio := func(roe float64) domain.Message {
		return mustMessage(t, "data_analysis_agent", domain.TypeFinancialRatios,
			map[string]any{"profitability": map[string]any{"roe": roe}})
	}
	analysis := mustMessage(t, "financial_analysis_agent", domain.TypeFinancialAnalysis,
		map[string]any{"recommendation": "hold"})

	msgs := []domain.Message{raw(1), raw(2), raw(3), ratio(0.1), ratio(0.2), analysis}
	out := temporalCompression(msgs, 1)
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}

	if !reflect.DeepEqual(out[0].Content, msgs[2].Content) {
		t.Errorf("out[0] is not the most recent raw message: %v", out[0].Content)
	}
	if out[0].Metadata["n_dropped"] != 2 {
		t.Errorf("out[0].n_dropped = %v, want 2", out[0].Metadata["n_dropped"])
	}
	if out[1].Metadata["n_dropped"] != 1 {
		t.Errorf("out[1].n_dropped = %v, want 1", out[1].Metadata["n_dropped"])
	}
	if _, ok := out[2].Metadata["n_dropped"]; ok {
		t.Error("sole analysis message gained n_dropped")
	}
	if out[2].DataType != domain.TypeFinancialAnalysis {
		t.Errorf("chronological order broken: out[2] = %s", out[2].DataType)
	}
}

func TestTemporalCompression_KeepTwo(t *testing.T) {
	raw := func(rev float64) domain.Message {
		return mustMessage(t, "data_agent", domain.TypeRawFinancialData,
			map[string]any{"income_statement": map[string]any{"revenue": rev}})
	}
	out := temporalCompression([]domain.Message{raw(1), raw(2), raw(3)}, 2)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if !reflect.DeepEqual(out[0].Content,
		map[string]any{"income_statement": map[string]any{"revenue": 2.0}}) {
		t.Errorf("out[0].Content = %v", out[0].Content)
	}
	if _, ok := out[0].Metadata["n_dropped"]; ok {
		t.Error("second newest message gained n_dropped")
	}
	if out[1].Metadata["n_dropped"] != 1 {
		t.Errorf("newest n_dropped = %v, want 1", out[1].Metadata["n_dropped"])
	}
}

func TestHierarchicalCompression_MergesPerType(t *testing.T) {
	t1 := mustMessage(t, "analysis_agent", domain.TypeTextSummary,
		map[string]any{"raw_output": "first analysis"})
	chart := mustMessage(t, "chart_generator_agent", domain.TypeChartData,
		map[string]any{"charts": []any{map[string]any{"title": "t"}}})
	t2 := mustMessage(t, "analysis_agent", domain.TypeTextSummary,
		map[string]any{"raw_output": "second analysis"})
	t3 := mustMessage(t, "report_agent", domain.TypeTextSummary,
		map[string]any{"raw_output": "third analysis"})

	out := hierarchicalCompression([]domain.Message{t1, chart, t2, t3})
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}

	if out[0].DataType != domain.TypeChartData {
		t.Fatalf("out[0].DataType = %s, want chart_data", out[0].DataType)
	}
	if _, ok := out[0].Metadata["n_merged"]; ok {
		t.Error("singleton group gained n_merged")
	}

	merged := out[1]
	if got, _ := merged.Content["raw_output"].(string); got != "first analysis\nsecond analysis\nthird analysis" {
		t.Errorf("merged text = %q", got)
	}
	if merged.Metadata["n_merged"] != 3 {
		t.Errorf("n_merged = %v, want 3", merged.Metadata["n_merged"])
	}
	if !reflect.DeepEqual(merged.Metadata["merged_from"], []any{"analysis_agent", "report_agent"}) {
		t.Errorf("merged_from = %v", merged.Metadata["merged_from"])
	}
	if merged.Sender != t3.Sender {
		t.Errorf("merged sender = %q, want newest member's sender", merged.Sender)
	}
}

func TestHierarchicalCompression_StructuredLastWins(t *testing.T) {
	older := mustMessage(t, "data_analysis_agent", domain.TypeFinancialRatios,
		map[string]any{"profitability": map[string]any{"roe": 0.10}})
	newer := mustMessage(t, "data_analysis_agent", domain.TypeFinancialRatios,
		map[string]any{"profitability": map[string]any{"roe": 0.18}})

	out := hierarchicalCompression([]domain.Message{older, newer})
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if !reflect.DeepEqual(out[0].Content["profitability"], map[string]any{"roe": 0.18}) {
		t.Errorf("structured field = %v, want newest value", out[0].Content["profitability"])
	}
}

func TestHierarchicalCompression_TruncatesMergedText(t *testing.T) {
	chunk := strings.Repeat("x", 300)
	msgs := []domain.Message{
		mustMessage(t, "a", domain.TypeTextSummary, map[string]any{"raw_output": chunk}),
		mustMessage(t, "b", domain.TypeTextSummary, map[string]any{"raw_output": chunk}),
	}
	out := hierarchicalCompression(msgs)
	got, _ := out[0].Content["raw_output"].(string)
	want := domain.Truncate(chunk+"\n"+chunk, summaryMaxChars)
	if got != want {
		t.Errorf("merged text length = %d, want %d", len(got), len(want))
	}
}

func TestEstimateTokens(t *testing.T) {
	msg := mustMessage(t, "a", domain.TypeTextSummary, map[string]any{"raw_output": "abc"})
	// {"raw_output":"abc"} renders as 20 chars -> 5 tokens.
	if got := EstimateTokens([]domain.Message{msg}); got != 5 {
		t.Errorf("EstimateTokens = %d, want 5", got)
	}
	if got := EstimateTokens(nil); got != 0 {
		t.Errorf("EstimateTokens(nil) = %d, want 0", got)
	}
}
