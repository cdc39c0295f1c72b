package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	WhatsApp   WhatsAppConfig   `toml:"whatsapp"`
	LLM        LLMConfig        `toml:"llm"`
	Embedding  EmbeddingConfig  `toml:"embedding"`
	Database   DatabaseConfig   `toml:"database"`
	Brain      BrainConfig      `toml:"brain"`
	Tools      ToolsConfig      `toml:"tools"`
	Guardrails GuardrailsConfig `toml:"guardrails"`
	Tracing    TracingConfig    `toml:"tracing"`
	RateLimit  RateLimitConfig  `toml:"rate_limit"`
	Agent      AgentConfig      `toml:"agent"`
	Policy     PolicyConfig     `toml:"policy"`
	Search     SearchConfig     `toml:"search"`
	Observer   ObserverConfig   `toml:"observer"`
}

type WhatsAppConfig struct {
	Token         string `toml:"token"`
	PhoneNumberID string `toml:"phone_number_id"`
	AppSecret     string `toml:"app_secret"`
	VerifyToken   string `toml:"verify_token"`
	ListenAddr    string `toml:"listen_addr"`
	BaseURL       string `toml:"base_url"`
	// Principal is the single allowed sender. Messages from anyone else are
	// dropped before the pipeline.
	Principal string `toml:"principal"`
}

type LLMConfig struct {
	BaseURL         string `toml:"base_url"`
	Model           string `toml:"model"`
	ClassifierModel string `toml:"classifier_model"`
	JudgeModel      string `toml:"judge_model"`
}

type EmbeddingConfig struct {
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type BrainConfig struct {
	Persona          string  `toml:"persona"`
	HistoryWindow    int     `toml:"history_window"`
	SummaryThreshold int     `toml:"summary_threshold"`
	VectorTopK       int     `toml:"vector_top_k"`
	MemoryThreshold  float64 `toml:"memory_threshold"`
	ContextTokens    int     `toml:"context_tokens"`
	Timezone         string  `toml:"timezone"`
	WorkspacePath    string  `toml:"workspace_path"`
	MirrorPath       string  `toml:"mirror_path"`
	MirrorWatch      bool    `toml:"mirror_watch"`
	SnapshotDir      string  `toml:"snapshot_dir"`
	// ProjectsRoot holds one subdirectory per active project; its listing is
	// injected into the prompt.
	ProjectsRoot string `toml:"projects_root"`
	// ActivityDir holds the per-day activity logs.
	ActivityDir        string `toml:"activity_dir"`
	MemoryFlushEnabled bool   `toml:"memory_flush_enabled"`
}

type ToolsConfig struct {
	Budget        int `toml:"budget"`
	MaxIterations int `toml:"max_iterations"`
	ShellTimeout  int `toml:"shell_timeout"`
}

type GuardrailsConfig struct {
	Enabled       bool `toml:"enabled"`
	LanguageCheck bool `toml:"language_check"`
	PIICheck      bool `toml:"pii_check"`
	LLMChecks     bool `toml:"llm_checks"`
	LLMTimeoutSec int  `toml:"llm_timeout_sec"`
}

type TracingConfig struct {
	Enabled       bool    `toml:"enabled"`
	SampleRate    float64 `toml:"sample_rate"`
	RetentionDays int     `toml:"retention_days"`
	// EvalAutoCurate promotes thumbs-up replies into the golden dataset.
	EvalAutoCurate bool `toml:"eval_auto_curate"`
}

type RateLimitConfig struct {
	WindowSec int `toml:"window_sec"`
	Max       int `toml:"max"`
}

type AgentConfig struct {
	MaxReplans     int      `toml:"max_replans"`
	ToolsPerRound  int      `toml:"tools_per_round"`
	WriteEnabled   bool     `toml:"write_enabled"`
	ShellAllowlist []string `toml:"shell_allowlist"`
	HITLTimeoutSec int      `toml:"hitl_timeout_sec"`
}

type PolicyConfig struct {
	RulesPath string `toml:"rules_path"`
	AuditPath string `toml:"audit_path"`
}

type SearchConfig struct {
	BraveAPIKey string `toml:"brave_api_key"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	dataDir := filepath.Join(home, "paloma")
	return Config{
		WhatsApp: WhatsAppConfig{
			ListenAddr: ":8080",
			BaseURL:    "https://graph.facebook.com/v21.0",
		},
		LLM: LLMConfig{
			BaseURL:         "http://localhost:11434",
			Model:           "qwen3:8b",
			ClassifierModel: "qwen3:1.7b",
		},
		Embedding: EmbeddingConfig{Model: "nomic-embed-text", Dimensions: 768},
		Database:  DatabaseConfig{Path: filepath.Join(dataDir, "paloma.db")},
		Brain: BrainConfig{
			HistoryWindow:      20,
			SummaryThreshold:   30,
			VectorTopK:         5,
			MemoryThreshold:    0.8,
			ContextTokens:      8192,
			Timezone:           "UTC",
			WorkspacePath:      filepath.Join(dataDir, "workspace"),
			MirrorPath:         filepath.Join(dataDir, "memories.md"),
			MirrorWatch:        true,
			SnapshotDir:        filepath.Join(dataDir, "snapshots"),
			ProjectsRoot:       filepath.Join(dataDir, "projects"),
			ActivityDir:        filepath.Join(dataDir, "activity"),
			MemoryFlushEnabled: true,
		},
		Tools: ToolsConfig{Budget: 12, MaxIterations: 5, ShellTimeout: 30},
		Guardrails: GuardrailsConfig{
			Enabled:       true,
			LanguageCheck: true,
			PIICheck:      true,
			LLMTimeoutSec: 3,
		},
		Tracing:   TracingConfig{Enabled: true, SampleRate: 1.0, RetentionDays: 30, EvalAutoCurate: true},
		RateLimit: RateLimitConfig{WindowSec: 60, Max: 20},
		Agent: AgentConfig{
			MaxReplans:     3,
			ToolsPerRound:  8,
			WriteEnabled:   true,
			HITLTimeoutSec: 300,
		},
		Policy: PolicyConfig{
			RulesPath: filepath.Join(dataDir, "policy.yaml"),
			AuditPath: filepath.Join(dataDir, "audit.jsonl"),
		},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "paloma.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("PALOMA_WHATSAPP_TOKEN"); v != "" {
		cfg.WhatsApp.Token = v
	}
	if v := os.Getenv("PALOMA_WHATSAPP_APP_SECRET"); v != "" {
		cfg.WhatsApp.AppSecret = v
	}
	if v := os.Getenv("PALOMA_WHATSAPP_VERIFY_TOKEN"); v != "" {
		cfg.WhatsApp.VerifyToken = v
	}
	if v := os.Getenv("PALOMA_WHATSAPP_PHONE_NUMBER_ID"); v != "" {
		cfg.WhatsApp.PhoneNumberID = v
	}
	if v := os.Getenv("PALOMA_PRINCIPAL"); v != "" {
		cfg.WhatsApp.Principal = v
	}
	if v := os.Getenv("PALOMA_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("PALOMA_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PALOMA_BRAVE_API_KEY"); v != "" {
		cfg.Search.BraveAPIKey = v
	}
	if v := os.Getenv("PALOMA_TRACE_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("PALOMA_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.LLM.ClassifierModel == "" {
		cfg.LLM.ClassifierModel = cfg.LLM.Model
	}
	if cfg.LLM.JudgeModel == "" {
		cfg.LLM.JudgeModel = cfg.LLM.ClassifierModel
	}

	return cfg
}
