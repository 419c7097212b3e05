package domain

import (
	"errors"
	"testing"
)

func TestNewMessage_ValidRatios(t *testing.T) {
	content := map[string]any{
		"profitability": map[string]any{"net_profit_margin": 0.0192},
	}
	msg, err := NewMessage("data_analysis_agent", TypeFinancialRatios, content, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Version != "1.0" {
		t.Errorf("expected version 1.0, got %q", msg.Version)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
	if msg.DataType != TypeFinancialRatios {
		t.Errorf("unexpected data type %q", msg.DataType)
	}
}

func TestNewMessage_SchemaMismatch(t *testing.T) {
	content := map[string]any{"random_field": 1}
	_, err := NewMessage("data_analysis_agent", TypeFinancialRatios, content, nil)
	if err == nil {
		t.Fatal("expected schema error for ratios without category keys")
	}
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SchemaError, got %T", err)
	}
	if se.DataType != TypeFinancialRatios {
		t.Errorf("schema error carries wrong type: %q", se.DataType)
	}
	if len(se.Missing) != 4 {
		t.Errorf("expected 4 missing alternatives, got %v", se.Missing)
	}
}

func TestNewMessage_UnknownType(t *testing.T) {
	_, err := NewMessage("a", DataType("bogus"), nil, nil)
	if !errors.Is(err, ErrUnknownDataType) {
		t.Errorf("expected ErrUnknownDataType, got %v", err)
	}
}

func TestNewMessage_TextSummaryAcceptsAnything(t *testing.T) {
	if _, err := NewMessage("a", TypeTextSummary, nil, nil); err != nil {
		t.Errorf("text_summary with nil content should validate: %v", err)
	}
	if _, err := NewMessage("a", TypeTextSummary, map[string]any{"x": 1}, nil); err != nil {
		t.Errorf("text_summary with arbitrary content should validate: %v", err)
	}
}

func TestNewMessage_SnapshotsInput(t *testing.T) {
	content := map[string]any{"profitability": map[string]any{"roe": 0.0282}}
	msg, err := NewMessage("a", TypeFinancialRatios, content, nil)
	if err != nil {
		t.Fatal(err)
	}
	content["profitability"].(map[string]any)["roe"] = 9.9
	got := msg.Content["profitability"].(map[string]any)["roe"].(float64)
	if got != 0.0282 {
		t.Errorf("message content aliased caller's map: roe=%v", got)
	}
}

func TestFallbackMessage_NeverFails(t *testing.T) {
	cause := &SchemaError{DataType: TypeFinancialRatios, Missing: RatioCategories}
	msg := FallbackMessage("data_analysis_agent", TypeFinancialRatios,
		map[string]any{"oops": true}, nil, cause)
	if msg.DataType != TypeTextSummary {
		t.Fatalf("fallback must be text_summary, got %q", msg.DataType)
	}
	if msg.Metadata["intended_type"] != string(TypeFinancialRatios) {
		t.Error("fallback should record the intended type")
	}
	if msg.Metadata["schema_error"] == "" {
		t.Error("fallback should record the cause")
	}
	if msg.Content["oops"] != true {
		t.Error("fallback must carry the original content unchanged")
	}
}

func TestMessage_CloneIsDeep(t *testing.T) {
	msg, err := NewMessage("a", TypeRawFinancialData, map[string]any{
		"income_statement": map[string]any{"revenue": 100.0},
	}, map[string]any{"period": "2024"})
	if err != nil {
		t.Fatal(err)
	}
	clone := msg.Clone()
	clone.Content["income_statement"].(map[string]any)["revenue"] = 0.0
	clone.Metadata["period"] = "mutated"

	if msg.Content["income_statement"].(map[string]any)["revenue"] != 100.0 {
		t.Error("clone shares content with original")
	}
	if msg.Metadata["period"] != "2024" {
		t.Error("clone shares metadata with original")
	}
}

func TestMessage_WithMetadataLeavesOriginal(t *testing.T) {
	msg, _ := NewMessage("a", TypeTextSummary, map[string]any{"raw_output": "ok"}, nil)
	annotated := msg.WithMetadata("n_dropped", 3)
	if _, ok := msg.Metadata["n_dropped"]; ok {
		t.Error("WithMetadata mutated the original")
	}
	if annotated.Metadata["n_dropped"] != 3 {
		t.Error("annotation missing on the copy")
	}
}

func TestMessage_WithReceiver(t *testing.T) {
	msg, _ := NewMessage("a", TypeTextSummary, nil, nil)
	addressed := msg.WithReceiver("chart_generator_agent")
	if msg.Receiver != "" {
		t.Error("WithReceiver mutated the original")
	}
	if addressed.Receiver != "chart_generator_agent" {
		t.Errorf("unexpected receiver %q", addressed.Receiver)
	}
}
