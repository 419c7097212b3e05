package domain

import (
	"errors"
	"fmt"
)

// DataType identifies the kind of payload a Message carries. The set is
// closed: every message in the pipeline carries exactly one of these tags,
// and conversion rules are keyed on (source, target) pairs of them.
type DataType string

const (
	TypeRawFinancialData  DataType = "raw_financial_data"
	TypeFinancialRatios   DataType = "financial_ratios"
	TypeFinancialAnalysis DataType = "financial_analysis"
	TypeChartData         DataType = "chart_data"
	TypeAnalysisInsights  DataType = "analysis_insights"
	TypeReportData        DataType = "report_data"
	TypeTextSummary       DataType = "text_summary"
	TypeErrorInfo         DataType = "error_info"
)

// ErrUnknownDataType is returned when a string tag is not in the closed set.
var ErrUnknownDataType = errors.New("unknown data type")

// AllDataTypes returns every valid data type in canonical order.
func AllDataTypes() []DataType {
	return []DataType{
		TypeRawFinancialData,
		TypeFinancialRatios,
		TypeFinancialAnalysis,
		TypeChartData,
		TypeAnalysisInsights,
		TypeReportData,
		TypeTextSummary,
		TypeErrorInfo,
	}
}

// Valid reports whether dt is a member of the closed enumeration.
func (dt DataType) Valid() bool {
	switch dt {
	case TypeRawFinancialData, TypeFinancialRatios, TypeFinancialAnalysis,
		TypeChartData, TypeAnalysisInsights, TypeReportData,
		TypeTextSummary, TypeErrorInfo:
		return true
	}
	return false
}

// ParseDataType converts a string tag into a DataType.
func ParseDataType(s string) (DataType, error) {
	dt := DataType(s)
	if !dt.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownDataType, s)
	}
	return dt, nil
}

// RatioCategories lists the financial ratio category keys in canonical
// order. Chart extraction and classification iterate them in this order.
var RatioCategories = []string{"profitability", "solvency", "efficiency", "growth"}

// StatementSections lists the raw statement section keys in canonical order.
var StatementSections = []string{"income_statement", "balance_sheet", "cash_flow"}

// requiredAlternatives maps each data type to the keys of which at least one
// must be present in message content. Types absent from the map (or mapped to
// nil) accept any content; text_summary is the universal fallback.
var requiredAlternatives = map[DataType][]string{
	TypeFinancialRatios:   RatioCategories,
	TypeRawFinancialData:  StatementSections,
	TypeChartData:         {"charts"},
	TypeFinancialAnalysis: {"performance_analysis", "risk_assessment", "recommendation"},
	TypeAnalysisInsights:  {"insights", "key_insights"},
	TypeReportData:        {"report_summary", "key_findings", "sections"},
	TypeErrorInfo:         {"reason", "error"},
	TypeTextSummary:       nil,
}

// RequiredAlternatives returns the content keys of which at least one must be
// present for the given data type. An empty result means any content is valid.
func RequiredAlternatives(dt DataType) []string {
	alts := requiredAlternatives[dt]
	out := make([]string, len(alts))
	copy(out, alts)
	return out
}
