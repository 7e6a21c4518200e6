// Package config loads the control-plane configuration from YAML and
// applies environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Redis  RedisConfig  `yaml:"redis"`
	Judge  JudgeConfig  `yaml:"judge"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// StoreConfig selects the persistence backend. Backend is "file" or "sql";
// the sql backend needs a Postgres DSN.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`
	DSN     string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JudgeConfig drives the dispatcher. Mode 0 runs one submission per server,
// mode 1 splits one submission's testcases across all servers.
type JudgeConfig struct {
	Mode              int `yaml:"mode"`
	ReconnectTimeout  int `yaml:"reconnect_timeout"`
	RecvTimeout       int `yaml:"recv_timeout"`
	MaxRetry          int `yaml:"max_retry"`
	HeartbeatInterval int `yaml:"heartbeat_interval"`

	// Declared capability documents sent to every worker at connect time.
	LanguageFile string `yaml:"language_file"`
	CompilerFile string `yaml:"compiler_file"`
}

func (j JudgeConfig) ReconnectEvery() time.Duration {
	return time.Duration(j.ReconnectTimeout) * time.Second
}

func (j JudgeConfig) RecvDeadline() time.Duration {
	return time.Duration(j.RecvTimeout) * time.Second
}

func (j JudgeConfig) HeartbeatEvery() time.Duration {
	return time.Duration(j.HeartbeatInterval) * time.Second
}

// Defaults returns the baseline configuration before file and env overrides.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Store:  StoreConfig{Backend: "file", DataDir: "data"},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Judge: JudgeConfig{
			Mode:              0,
			ReconnectTimeout:  10,
			RecvTimeout:       5,
			MaxRetry:          5,
			HeartbeatInterval: 5,
			LanguageFile:      "data/declare/language.json",
			CompilerFile:      "data/declare/compiler.json",
		},
	}
}

// Load reads path on top of Defaults and then applies ARBITER_* environment
// overrides. A missing file is not an error; env-only deployments are fine.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	f, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		// env-only
	case err != nil:
		return nil, fmt.Errorf("open config: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr("PORT", &cfg.Server.Port)
	setStr("ARBITER_ENV", &cfg.Server.Env)
	setStr("ARBITER_STORE", &cfg.Store.Backend)
	setStr("ARBITER_DATA_DIR", &cfg.Store.DataDir)
	setStr("ARBITER_POSTGRES_DSN", &cfg.Store.DSN)
	setStr("ARBITER_REDIS_ADDR", &cfg.Redis.Addr)
	setStr("ARBITER_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("ARBITER_REDIS_DB", &cfg.Redis.DB)
	setInt("ARBITER_JUDGE_MODE", &cfg.Judge.Mode)
	setInt("ARBITER_RECONNECT_TIMEOUT", &cfg.Judge.ReconnectTimeout)
	setInt("ARBITER_RECV_TIMEOUT", &cfg.Judge.RecvTimeout)
	setInt("ARBITER_MAX_RETRY", &cfg.Judge.MaxRetry)
	setInt("ARBITER_HEARTBEAT_INTERVAL", &cfg.Judge.HeartbeatInterval)
}

func (c *Config) validate() error {
	if c.Judge.Mode != 0 && c.Judge.Mode != 1 {
		return fmt.Errorf("judge.mode must be 0 or 1, got %d", c.Judge.Mode)
	}
	if c.Store.Backend != "file" && c.Store.Backend != "sql" {
		return fmt.Errorf("store.backend must be file or sql, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "sql" && c.Store.DSN == "" {
		return fmt.Errorf("store.backend sql requires a dsn")
	}
	return nil
}
