package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.finflow",
			LogLevel: "info",
		},
		Compression: CompressionConfig{
			DefaultBudgetTokens: 4000,
			KeepRecent:          1,
		},
		Pipeline: PipelineConfig{
			ProfileDir:      "~/.finflow/profiles",
			BuiltinProfiles: true,
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  "~/.finflow/history.db",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9109,
		},
	}
}
