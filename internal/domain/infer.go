package domain

// Infer classifies untyped content at the ingestion boundary. Ratio category
// keys are checked before statement section keys: ratios are the more
// specific, post-computation shape, so they win when content carries both.
// Anything unrecognized is text_summary. Infer is pure and is never called
// by conversion or compression.
func Infer(content map[string]any) DataType {
	for _, key := range RatioCategories {
		if _, ok := content[key]; ok {
			return TypeFinancialRatios
		}
	}
	for _, key := range StatementSections {
		if _, ok := content[key]; ok {
			return TypeRawFinancialData
		}
	}
	return TypeTextSummary
}
