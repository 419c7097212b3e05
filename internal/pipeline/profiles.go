package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"finflow/internal/domain"
)

// DefaultBudgetTokens is the context budget applied to a stage whose
// profile does not set one.
const DefaultBudgetTokens = 4000

// StageProfile describes what one pipeline stage expects to receive: the
// data type its prompt is written for, its context budget, and how many
// messages per type survive temporal compression.
type StageProfile struct {
	Name         string          `yaml:"name" json:"name"`
	Task         string          `yaml:"task" json:"task"`
	Expects      domain.DataType `yaml:"expects" json:"expects"`
	BudgetTokens int             `yaml:"budget_tokens" json:"budget_tokens"`
	KeepRecent   int             `yaml:"keep_recent" json:"keep_recent"`
}

// DefaultProfiles returns the built-in five-stage financial pipeline in
// execution order.
func DefaultProfiles() []StageProfile {
	return []StageProfile{
		{Name: "data_agent", Task: "财务数据采集", Expects: domain.TypeRawFinancialData,
			BudgetTokens: DefaultBudgetTokens, KeepRecent: 1},
		{Name: "data_analysis_agent", Task: "财务比率计算", Expects: domain.TypeFinancialRatios,
			BudgetTokens: DefaultBudgetTokens, KeepRecent: 1},
		{Name: "financial_analysis_agent", Task: "财务深度分析", Expects: domain.TypeFinancialAnalysis,
			BudgetTokens: DefaultBudgetTokens, KeepRecent: 1},
		{Name: "chart_generator_agent", Task: "图表生成", Expects: domain.TypeChartData,
			BudgetTokens: DefaultBudgetTokens, KeepRecent: 1},
		{Name: "report_agent", Task: "报告撰写", Expects: domain.TypeReportData,
			BudgetTokens: DefaultBudgetTokens, KeepRecent: 2},
	}
}

// Profiles is a by-name stage registry. Adding a profile with an existing
// name replaces it; iteration order is insertion order, which for the
// defaults is pipeline execution order.
type Profiles struct {
	byName map[string]StageProfile
	order  []string
}

// NewProfiles builds a registry seeded with the given profiles.
func NewProfiles(seed []StageProfile) *Profiles {
	p := &Profiles{byName: make(map[string]StageProfile, len(seed))}
	for _, profile := range seed {
		p.Add(profile)
	}
	return p
}

// Add registers or replaces a profile by name. Unset budget and retention
// fall back to the defaults.
func (p *Profiles) Add(profile StageProfile) {
	if profile.Name == "" {
		return
	}
	if profile.BudgetTokens <= 0 {
		profile.BudgetTokens = DefaultBudgetTokens
	}
	if profile.KeepRecent <= 0 {
		profile.KeepRecent = 1
	}
	if profile.Expects == "" {
		profile.Expects = domain.TypeTextSummary
	}
	if _, exists := p.byName[profile.Name]; !exists {
		p.order = append(p.order, profile.Name)
	}
	p.byName[profile.Name] = profile
}

// Get returns the profile registered under name.
func (p *Profiles) Get(name string) (StageProfile, bool) {
	profile, ok := p.byName[name]
	return profile, ok
}

// List returns all profiles in registration order.
func (p *Profiles) List() []StageProfile {
	out := make([]StageProfile, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.byName[name])
	}
	return out
}

// Len returns the number of registered profiles.
func (p *Profiles) Len() int { return len(p.order) }

// LoadProfiles builds a registry from the built-in defaults plus any YAML
// profile files found in dir, one profile per file. A profile whose name
// matches a default overrides it. A missing directory is not an error.
func LoadProfiles(dir string, logger *slog.Logger) (*Profiles, error) {
	profiles := NewProfiles(DefaultProfiles())
	if err := profiles.LoadDir(dir, logger); err != nil {
		return nil, err
	}
	return profiles, nil
}

// LoadDir merges YAML profile files from dir into the registry.
func (p *Profiles) LoadDir(dir string, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("profile directory does not exist, skipping", "dir", dir)
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read profile dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("cannot read profile file", "path", path, "err", err)
			continue
		}

		var profile StageProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			logger.Warn("cannot parse profile file", "path", path, "err", err)
			continue
		}

		if profile.Name == "" {
			profile.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if profile.Expects != "" && !profile.Expects.Valid() {
			logger.Warn("profile declares unknown data type, skipping",
				"path", path, "expects", string(profile.Expects))
			continue
		}

		logger.Info("loaded stage profile", "name", profile.Name, "path", path)
		p.Add(profile)
	}

	return nil
}
