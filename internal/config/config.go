// Package config loads the control-plane configuration from a YAML file
// merged with environment variables. Unknown keys are ignored.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v2"
)

type Config struct {
	LLM        LLMConfig      `yaml:"llm"`
	Registry   RegistryConfig `yaml:"registry"`
	Monitor    MonitorConfig  `yaml:"monitor"`
	Redis      RedisConfig    `yaml:"redis"`
	Storage    StorageConfig  `yaml:"storage"`
	DemoMode   bool           `yaml:"demo_mode"`
	CORSOrigin string         `yaml:"cors_origin"`
}

type LLMConfig struct {
	BaseURL        string            `yaml:"base_url"`
	APIKey         string            `yaml:"api_key"`
	StrategicModel string            `yaml:"strategic_model"`
	GuardianModel  string            `yaml:"guardian_model"`
	ZoneModels     map[string]string `yaml:"zone_models"`
	ContextWindow  int               `yaml:"context_window"`
}

type RegistryConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// URL returns the base URL agents use to reach the registry service.
func (r RegistryConfig) URL() string {
	return fmt.Sprintf("http://%s:%d", r.Host, r.Port)
}

type MonitorConfig struct {
	IntervalSeconds         int `yaml:"interval_seconds"`
	EscalationMinViolations int `yaml:"escalation_min_violations"`
}

// RedisConfig enables the optional cross-process event bridge when Addr is
// set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StorageConfig struct {
	AuditDBPath    string `yaml:"audit_db_path"`
	MemoryDBPath   string `yaml:"memory_db_path"`
	RegistryFile   string `yaml:"registry_file"`
	GridStateFile  string `yaml:"grid_state_file"`
}

// Defaults returns the configuration used when no file and no env are present.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			StrategicModel: "claude-sonnet-4-20250514",
			GuardianModel:  "claude-3-5-haiku-20241022",
			ZoneModels:     map[string]string{},
			ContextWindow:  200000,
		},
		Registry: RegistryConfig{Host: "localhost", Port: 8000},
		Monitor:  MonitorConfig{IntervalSeconds: 5, EscalationMinViolations: 1},
		Storage: StorageConfig{
			AuditDBPath:   "data/zone_audit.db",
			MemoryDBPath:  "data/agent_memory.db",
			RegistryFile:  "data/registry_store.json",
			GridStateFile: "data/grid_state.json",
		},
		DemoMode:   false,
		CORSOrigin: "http://localhost:5173",
	}
}

// Load reads the YAML config at path (if it exists), then applies .env and
// environment overrides. A missing file is not an error; an unparseable
// file is.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setStr(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setStr(&cfg.LLM.APIKey, "ANTHROPIC_API_KEY")
	setStr(&cfg.LLM.StrategicModel, "AGENT_MODEL")
	setStr(&cfg.LLM.GuardianModel, "GUARDIAN_MODEL")
	setInt(&cfg.LLM.ContextWindow, "LLM_CONTEXT_WINDOW")
	setStr(&cfg.Registry.Host, "REGISTRY_HOST")
	setInt(&cfg.Registry.Port, "REGISTRY_PORT")
	setInt(&cfg.Monitor.IntervalSeconds, "MONITOR_INTERVAL_SECONDS")
	setInt(&cfg.Monitor.EscalationMinViolations, "ESCALATION_MIN_VIOLATIONS")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setStr(&cfg.CORSOrigin, "CORS_ORIGIN")

	if v := os.Getenv("DEMO_MODE"); v != "" {
		cfg.DemoMode = v == "1" || v == "true"
	}
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
