package convert

// metricLabels maps canonical metric and statement-item keys to the
// Chinese display labels used on generated charts. Keys absent from the
// table keep their original name so no metric is ever dropped.
var metricLabels = map[string]string{
	// profitability
	"gross_profit_margin": "毛利率",
	"net_profit_margin":   "净利率",
	"roe":                 "净资产收益率(ROE)",
	"roa":                 "总资产收益率(ROA)",
	"operating_margin":    "营业利润率",

	// solvency
	"debt_to_asset_ratio":  "资产负债率",
	"current_ratio":        "流动比率",
	"quick_ratio":          "速动比率",
	"debt_to_equity_ratio": "产权比率",

	// efficiency
	"asset_turnover":       "总资产周转率",
	"inventory_turnover":   "存货周转率",
	"receivables_turnover": "应收账款周转率",

	// growth
	"revenue_growth": "营收增长率",
	"profit_growth":  "利润增长率",
	"eps_growth":     "每股收益增长率",

	// cash flow
	"operating_cash_flow": "经营活动现金流",
	"cash_flow_ratio":     "现金流比率",
	"free_cash_flow":      "自由现金流",

	// statement items
	"revenue":           "营业收入",
	"net_profit":        "净利润",
	"gross_profit":      "毛利润",
	"total_assets":      "总资产",
	"total_liabilities": "总负债",
	"total_equity":      "净资产",
}

func labelFor(key string) string {
	if label, ok := metricLabels[key]; ok {
		return label
	}
	return key
}
