package convert

import (
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"finflow/internal/domain"
)

// ratiosToChart renders one bar chart per present ratio category and,
// when two or more categories carry data, a single aggregate radar
// chart spanning every metric.
func ratiosToChart(content map[string]any) (map[string]any, error) {
	charts := make([]any, 0, len(domain.RatioCategories)+1)
	var radarLabels, radarValues []any
	present := 0
	for _, category := range domain.RatioCategories {
		group, ok := content[category].(map[string]any)
		if !ok || len(group) == 0 {
			continue
		}
		labels, values := labelledValues(group)
		if len(values) == 0 {
			continue
		}
		present++
		charts = append(charts, barChart(category+" 指标分析", "指标值", labels, values))
		radarLabels = append(radarLabels, labels...)
		radarValues = append(radarValues, values...)
	}
	if present == 0 {
		return nil, errors.New("financial_ratios content carries no ratio categories")
	}
	if present >= 2 {
		charts = append(charts, map[string]any{
			"title":      "综合财务指标雷达图",
			"type":       "radar",
			"categories": radarLabels,
			"series":     []any{map[string]any{"name": "指标值", "data": radarValues}},
		})
	}
	return map[string]any{"charts": charts}, nil
}

// rawToChart renders one bar chart per present statement section. No
// aggregate chart: raw line items across statements share no scale.
func rawToChart(content map[string]any) (map[string]any, error) {
	charts := make([]any, 0, len(domain.StatementSections))
	for _, section := range domain.StatementSections {
		items, ok := content[section].(map[string]any)
		if !ok || len(items) == 0 {
			continue
		}
		labels, values := labelledValues(items)
		if len(values) == 0 {
			continue
		}
		charts = append(charts, barChart(section+" 指标分析", "指标值", labels, values))
	}
	if len(charts) == 0 {
		return nil, errors.New("raw_financial_data content carries no statement sections")
	}
	return map[string]any{"charts": charts}, nil
}

var analysisSections = []struct {
	key   string
	label string
}{
	{"performance_analysis", "业绩分析"},
	{"risk_assessment", "风险评估"},
	{"recommendation", "投资建议"},
	{"key_insights", "关键洞察"},
}

// analysisToChart reduces a narrative analysis to a bar chart of key
// point counts per section.
func analysisToChart(content map[string]any) (map[string]any, error) {
	labels := make([]any, 0, len(analysisSections))
	counts := make([]any, 0, len(analysisSections))
	for _, section := range analysisSections {
		value, ok := content[section.key]
		if !ok {
			continue
		}
		n := keyPointCount(value)
		if n == 0 {
			continue
		}
		labels = append(labels, section.label)
		counts = append(counts, float64(n))
	}
	if len(labels) == 0 {
		return nil, errors.New("financial_analysis content carries no narrative sections")
	}
	chart := barChart("财务分析要点", "要点数", labels, counts)
	return map[string]any{"charts": []any{chart}}, nil
}

// keyPointCount counts the points a section contributes: up to five
// sentences for free text, element count for lists and mappings.
func keyPointCount(value any) int {
	switch v := value.(type) {
	case string:
		n := len(splitSentences(v))
		if n > 5 {
			n = 5
		}
		return n
	case []any:
		return len(v)
	case map[string]any:
		return len(v)
	default:
		return 0
	}
}

var ratioPatterns = []struct {
	key      string
	category string
	percent  bool
	re       *regexp.Regexp
}{
	{"roe", "profitability", true, regexp.MustCompile(`(?i)(?:ROE|净资产收益率)[：:]\s*([0-9.]+)%`)},
	{"roa", "profitability", true, regexp.MustCompile(`(?i)(?:ROA|总资产收益率)[：:]\s*([0-9.]+)%`)},
	{"gross_profit_margin", "profitability", true, regexp.MustCompile(`(?:毛利率|销售毛利率)[：:]\s*([0-9.]+)%`)},
	{"net_profit_margin", "profitability", true, regexp.MustCompile(`(?:净利率|销售净利率)[：:]\s*([0-9.]+)%`)},
	{"debt_to_asset_ratio", "solvency", true, regexp.MustCompile(`(?:资产负债率|负债率)[：:]\s*([0-9.]+)%`)},
	{"current_ratio", "solvency", false, regexp.MustCompile(`流动比率[：:]\s*([0-9.]+)`)},
}

// textToRatios scans free text for the ratio figures analysts usually
// quote. Percentages are normalised to fractions; named ratios keep
// their raw value.
func textToRatios(content map[string]any) (map[string]any, error) {
	text := narrativeText(content)
	out := map[string]any{}
	for _, p := range ratioPatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		value, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if p.percent {
			value /= 100
		}
		group, ok := out[p.category].(map[string]any)
		if !ok {
			group = map[string]any{}
			out[p.category] = group
		}
		group[p.key] = value
	}
	if len(out) == 0 {
		return nil, errors.New("no financial ratios found in text")
	}
	return out, nil
}

// textToChart summarises free text as a word/sentence statistics chart.
func textToChart(content map[string]any) (map[string]any, error) {
	text := narrativeText(content)
	words := strings.Fields(text)
	sentences := splitSentences(text)
	average := 0.0
	if len(sentences) > 0 {
		average = float64(len(words)) / float64(len(sentences))
	}
	chart := barChart("文本统计分析", "统计值",
		[]any{"总字数", "总句数", "平均句长"},
		[]any{float64(len(words)), float64(len(sentences)), average})
	return map[string]any{"charts": []any{chart}}, nil
}

func barChart(title, seriesName string, labels, values []any) map[string]any {
	return map[string]any{
		"title":  title,
		"type":   "bar",
		"x_axis": labels,
		"series": []any{map[string]any{"name": seriesName, "data": values}},
	}
}

// labelledValues flattens a metric group into parallel label and value
// slices, keys sorted for a stable chart layout.
func labelledValues(group map[string]any) (labels, values []any) {
	keys := make([]string, 0, len(group))
	for key := range group {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value, ok := toFloat(group[key])
		if !ok {
			continue
		}
		labels = append(labels, labelFor(key))
		values = append(values, value)
	}
	return labels, values
}

func narrativeText(content map[string]any) string {
	if text, ok := content["raw_output"].(string); ok && text != "" {
		return text
	}
	return domain.MarshalContent(content)
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

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}
