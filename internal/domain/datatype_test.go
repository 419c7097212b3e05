package domain

import (
	"errors"
	"testing"
)

func TestParseDataType_Valid(t *testing.T) {
	for _, dt := range AllDataTypes() {
		parsed, err := ParseDataType(string(dt))
		if err != nil {
			t.Fatalf("ParseDataType(%q) returned error: %v", dt, err)
		}
		if parsed != dt {
			t.Errorf("ParseDataType(%q) = %q", dt, parsed)
		}
	}
}

func TestParseDataType_Unknown(t *testing.T) {
	_, err := ParseDataType("stock_prices")
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
	if !errors.Is(err, ErrUnknownDataType) {
		t.Errorf("expected ErrUnknownDataType, got %v", err)
	}
}

func TestDataType_Valid(t *testing.T) {
	if !TypeChartData.Valid() {
		t.Error("chart_data should be valid")
	}
	if DataType("").Valid() {
		t.Error("empty tag should be invalid")
	}
	if DataType("CHART_DATA").Valid() {
		t.Error("tags are case sensitive")
	}
}

func TestAllDataTypes_ClosedSet(t *testing.T) {
	all := AllDataTypes()
	if len(all) != 8 {
		t.Fatalf("expected 8 data types, got %d", len(all))
	}
	if all[0] != TypeRawFinancialData || all[len(all)-1] != TypeErrorInfo {
		t.Error("canonical order changed")
	}
}

func TestRequiredAlternatives_TextSummaryOpen(t *testing.T) {
	if alts := RequiredAlternatives(TypeTextSummary); len(alts) != 0 {
		t.Errorf("text_summary must accept any content, got requirements %v", alts)
	}
}

func TestRequiredAlternatives_ReturnsCopy(t *testing.T) {
	alts := RequiredAlternatives(TypeFinancialRatios)
	if len(alts) == 0 {
		t.Fatal("financial_ratios must have required alternatives")
	}
	alts[0] = "mutated"
	again := RequiredAlternatives(TypeFinancialRatios)
	if again[0] == "mutated" {
		t.Error("RequiredAlternatives must not expose internal state")
	}
}
