package pipeline

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"finflow/internal/compress"
	"finflow/internal/domain"
	"finflow/internal/trace"
)

func testExchange(t *testing.T) *Exchange {
	t.Helper()
	return NewExchange(ExchangeConfig{
		Query:  "分析贵州茅台2024年财务状况",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestNewExchange_Defaults(t *testing.T) {
	ex := NewExchange(ExchangeConfig{})
	if ex.ID() == "" {
		t.Error("run ID not assigned")
	}
	if ex.Profiles().Len() != 5 {
		t.Errorf("default profiles = %d, want 5", ex.Profiles().Len())
	}
	if ex.Tracer() == nil || ex.Events() == nil {
		t.Error("tracer or event log not wired")
	}
}

func TestWrap_BuildsTypedEnvelope(t *testing.T) {
	ex := testExchange(t)

	msg := ex.Wrap("data_agent", domain.TypeRawFinancialData,
		map[string]any{"income_statement": map[string]any{"revenue": 100}},
		map[string]any{"task": "collect"})

	if msg.DataType != domain.TypeRawFinancialData {
		t.Fatalf("DataType = %s", msg.DataType)
	}
	if msg.Sender != "data_agent" {
		t.Errorf("Sender = %q", msg.Sender)
	}
	if msg.Metadata["run_id"] != ex.ID() {
		t.Errorf("run_id = %v, want %s", msg.Metadata["run_id"], ex.ID())
	}
	if msg.Metadata["task"] != "collect" {
		t.Errorf("caller metadata lost: %v", msg.Metadata)
	}
	if msg.Version != domain.Version {
		t.Errorf("Version = %q", msg.Version)
	}

	events := ex.Events().Replay(trace.EventEnvelope, time.Time{})
	if len(events) != 1 || events[0].Source != "data_agent" {
		t.Errorf("envelope event missing or wrong: %v", events)
	}
}

func TestWrap_InfersEmptyDataType(t *testing.T) {
	ex := testExchange(t)

	ratios := ex.Wrap("data_analysis_agent", "",
		map[string]any{"profitability": map[string]any{"roe": 0.15}}, nil)
	if ratios.DataType != domain.TypeFinancialRatios {
		t.Errorf("inferred %s, want financial_ratios", ratios.DataType)
	}

	free := ex.Wrap("someone", "", map[string]any{"notes": "hello"}, nil)
	if free.DataType != domain.TypeTextSummary {
		t.Errorf("inferred %s, want text_summary", free.DataType)
	}
}

func TestWrap_SchemaMismatchDegrades(t *testing.T) {
	ex := testExchange(t)

	msg := ex.Wrap("data_analysis_agent", domain.TypeFinancialRatios,
		map[string]any{"wrong_key": 1}, nil)

	if msg.DataType != domain.TypeTextSummary {
		t.Fatalf("DataType = %s, want text_summary fallback", msg.DataType)
	}
	if msg.Metadata["intended_type"] != string(domain.TypeFinancialRatios) {
		t.Errorf("intended_type = %v", msg.Metadata["intended_type"])
	}
	if msg.Metadata["schema_error"] == nil {
		t.Error("schema_error not recorded")
	}
	if msg.Content["wrong_key"] != 1 {
		t.Errorf("original content not carried: %v", msg.Content)
	}
	if ex.Summary().Fallbacks != 1 {
		t.Errorf("Fallbacks = %d, want 1", ex.Summary().Fallbacks)
	}
}

func TestWrap_TimestampsMonotonicPerSender(t *testing.T) {
	ex := testExchange(t)

	first := ex.Wrap("data_agent", domain.TypeTextSummary, map[string]any{"raw_output": "a"}, nil)
	second := ex.Wrap("data_agent", domain.TypeTextSummary, map[string]any{"raw_output": "b"}, nil)
	third := ex.Wrap("data_agent", domain.TypeTextSummary, map[string]any{"raw_output": "c"}, nil)

	if !second.Timestamp.After(first.Timestamp) {
		t.Errorf("second (%v) not after first (%v)", second.Timestamp, first.Timestamp)
	}
	if !third.Timestamp.After(second.Timestamp) {
		t.Errorf("third (%v) not after second (%v)", third.Timestamp, second.Timestamp)
	}
}

func TestAdaptFor_ConvertsTowardStageExpectation(t *testing.T) {
	ex := testExchange(t)
	msg := ex.Wrap("data_analysis_agent", domain.TypeFinancialRatios,
		map[string]any{"profitability": map[string]any{"roe": 0.15}}, nil)

	converted, tr := ex.AdaptFor(msg, "chart_generator_agent")
	if converted.DataType != domain.TypeChartData {
		t.Fatalf("converted to %s, want chart_data", converted.DataType)
	}
	if converted.Receiver != "chart_generator_agent" {
		t.Errorf("Receiver = %q", converted.Receiver)
	}
	if !tr.Success {
		t.Errorf("trace failed: %v", tr.Errors)
	}
	if tr.Path != [2]domain.DataType{domain.TypeFinancialRatios, domain.TypeChartData} {
		t.Errorf("trace path = %v", tr.Path)
	}
}

func TestAdaptFor_UnknownStageWantsTextSummary(t *testing.T) {
	ex := testExchange(t)
	msg := ex.Wrap("data_agent", domain.TypeRawFinancialData,
		map[string]any{"income_statement": map[string]any{"revenue": 100}}, nil)

	converted, tr := ex.AdaptFor(msg, "mystery_agent")
	if tr.Path[1] != domain.TypeTextSummary {
		t.Errorf("target type = %s, want text_summary", tr.Path[1])
	}
	// raw_financial_data -> text_summary has no rule, so this degrades.
	if converted.DataType != domain.TypeErrorInfo {
		t.Errorf("converted to %s, want error_info degradation", converted.DataType)
	}
	if tr.Success {
		t.Error("trace reported success for a missing rule")
	}
}

func TestAdaptTrajectory_SkipsTracingForIdentity(t *testing.T) {
	ex := testExchange(t)
	ratios := ex.Wrap("data_analysis_agent", domain.TypeFinancialRatios,
		map[string]any{"profitability": map[string]any{"roe": 0.15}}, nil)
	charts := ex.Wrap("chart_generator_agent", domain.TypeChartData,
		map[string]any{"charts": []any{map[string]any{"title": "前期图表"}}}, nil)

	out := ex.AdaptTrajectory([]domain.Message{ratios, charts}, "chart_generator_agent")
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0].DataType != domain.TypeChartData {
		t.Errorf("out[0] = %s, want chart_data", out[0].DataType)
	}
	if out[1].Receiver != "chart_generator_agent" {
		t.Errorf("identity message not re-addressed: %q", out[1].Receiver)
	}
	if _, ok := out[1].Metadata["converted_from"]; ok {
		t.Error("identity message gained conversion metadata")
	}
	if got := ex.Tracer().Count(); got != 1 {
		t.Errorf("traces recorded = %d, want 1 (identity skips tracing)", got)
	}
}

func TestFit_UsesStageBudget(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ex := NewExchange(ExchangeConfig{Logger: logger})

	trajectory := []domain.Message{
		ex.Wrap("data_agent", domain.TypeRawFinancialData,
			map[string]any{"income_statement": map[string]any{"revenue": 100.0}}, nil),
		ex.Wrap("report_agent", domain.TypeTextSummary,
			map[string]any{"raw_output": strings.Repeat("摘要。", 100)}, nil),
	}

	out, m := ex.Fit(trajectory, "report_agent")
	if m.Strategy != compress.StrategySelective {
		t.Errorf("Strategy = %s, want selective_preservation under the default budget", m.Strategy)
	}
	if len(out) != 2 {
		t.Errorf("len(out) = %d, want 2", len(out))
	}

	events := ex.Events().Replay(trace.EventCompression, time.Time{})
	if len(events) != 1 || events[0].Target != "report_agent" {
		t.Errorf("compression event missing or wrong: %v", events)
	}
}

func TestFit_HonorsProfileKeepRecent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	text := func(i int) map[string]any {
		return map[string]any{"raw_output": strings.Repeat("x", 100) + strings.Repeat("y", i)}
	}
	var msgs []domain.Message
	scratch := NewExchange(ExchangeConfig{Logger: logger})
	for i := 0; i < 4; i++ {
		msgs = append(msgs, scratch.Wrap("report_agent", domain.TypeTextSummary, text(i), nil))
	}

	profiles := NewProfiles(DefaultProfiles())
	profiles.Add(StageProfile{
		Name:         "squeeze_stage",
		Expects:      domain.TypeTextSummary,
		BudgetTokens: compress.EstimateTokens(msgs) / 8,
		KeepRecent:   2,
	})
	ex := NewExchange(ExchangeConfig{Profiles: profiles, Logger: logger})

	out, m := ex.Fit(msgs, "squeeze_stage")
	if m.Strategy != compress.StrategyTemporal {
		t.Fatalf("Strategy = %s, want temporal_compression", m.Strategy)
	}
	if len(out) != 2 {
		t.Errorf("len(out) = %d, want 2 (profile keep_recent)", len(out))
	}
}

func TestFit_DefaultBudgetForUnknownStage(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var msgs []domain.Message
	scratch := NewExchange(ExchangeConfig{Logger: logger})
	for i := 0; i < 3; i++ {
		msgs = append(msgs, scratch.Wrap("quant_agent", domain.TypeTextSummary,
			map[string]any{"raw_output": strings.Repeat("z", 400+i)}, nil))
	}

	ex := NewExchange(ExchangeConfig{
		DefaultBudget: compress.EstimateTokens(msgs) / 8,
		Logger:        logger,
	})

	out, m := ex.Fit(msgs, "quant_stage")
	if m.Strategy != compress.StrategyTemporal {
		t.Fatalf("Strategy = %s, want temporal_compression under the configured budget", m.Strategy)
	}
	if len(out) != 1 {
		t.Errorf("len(out) = %d, want 1", len(out))
	}
}

func TestSerialize_Format(t *testing.T) {
	ex := testExchange(t)
	first := ex.Wrap("data_agent", domain.TypeRawFinancialData,
		map[string]any{"income_statement": map[string]any{"revenue": 100}},
		map[string]any{"task": "collect"})
	second := ex.Wrap("report_agent", domain.TypeTextSummary,
		map[string]any{"raw_output": "done"}, nil)

	got := ex.Serialize([]domain.Message{first, second})
	want := "<subtask>collect</subtask>\n<output>{\"income_statement\":{\"revenue\":100}}</output>\n" +
		"<subtask>report_agent</subtask>\n<output>{\"raw_output\":\"done\"}</output>"
	if got != want {
		t.Errorf("Serialize =\n%s\nwant:\n%s", got, want)
	}
}

func TestSerialize_CapsOversizedContent(t *testing.T) {
	ex := testExchange(t)
	big := ex.Wrap("data_agent", domain.TypeTextSummary,
		map[string]any{"raw_output": strings.Repeat("x", 3000)}, nil)

	got := ex.Serialize([]domain.Message{big})
	if !strings.Contains(got, "...") {
		t.Error("oversized content not truncated")
	}
	if utf8.RuneCountInString(got) > serializedContentCap+100 {
		t.Errorf("serialized length = %d, want capped near %d",
			utf8.RuneCountInString(got), serializedContentCap)
	}
}

func TestSerialize_Empty(t *testing.T) {
	ex := testExchange(t)
	if got := ex.Serialize(nil); got != "" {
		t.Errorf("Serialize(nil) = %q, want empty", got)
	}
}

func TestSummary_Accounting(t *testing.T) {
	ex := testExchange(t)
	ex.Wrap("data_agent", domain.TypeRawFinancialData,
		map[string]any{"income_statement": map[string]any{}}, nil)
	ex.Wrap("data_analysis_agent", domain.TypeFinancialRatios,
		map[string]any{"nope": 1}, nil) // schema fallback
	msg := ex.Wrap("data_analysis_agent", domain.TypeFinancialRatios,
		map[string]any{"profitability": map[string]any{"roe": 0.1}}, nil)
	ex.AdaptFor(msg, "chart_generator_agent")

	s := ex.Summary()
	if s.RunID != ex.ID() {
		t.Errorf("RunID = %q", s.RunID)
	}
	if s.Query != "分析贵州茅台2024年财务状况" {
		t.Errorf("Query = %q", s.Query)
	}
	if s.Wrapped != 3 {
		t.Errorf("Wrapped = %d, want 3", s.Wrapped)
	}
	if s.Fallbacks != 1 {
		t.Errorf("Fallbacks = %d, want 1", s.Fallbacks)
	}
	if s.Traced != 1 {
		t.Errorf("Traced = %d, want 1", s.Traced)
	}
	if s.StartedAt.IsZero() {
		t.Error("StartedAt not set")
	}
}
