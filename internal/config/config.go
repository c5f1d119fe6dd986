package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"

	"github.com/zsprackett/prd-relay/internal/apiclient"
)

const DefaultAPIBaseURL = apiclient.DefaultBaseURL

type NotificationsConfig struct {
	Enabled bool   `json:"enabled"`
	Webhook string `json:"webhook"`
	NtfyURL string `json:"ntfy"`
}

// BridgeConfig controls the local HTTP bridge the UI connects to.
type BridgeConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"token"` // optional bearer token required from UI clients
}

type Config struct {
	APIBaseURL  string `json:"apiBaseUrl"`
	IsDeveloper bool   `json:"isDeveloper"`
	ClientID    string `json:"clientId"`
	LogDir      string `json:"logDir"`
	LogLevel    string `json:"logLevel"`
	// HeartbeatInterval is in seconds.
	HeartbeatInterval int                 `json:"heartbeatInterval"`
	HistoryLimit      int                 `json:"historyLimit"`
	Bridge            BridgeConfig        `json:"bridge"`
	Notifications     NotificationsConfig `json:"notifications"`
}

// envConfig holds the variables that seed the defaults. Values in the
// config file win over them.
type envConfig struct {
	APIBaseURL  string `env:"API_BASE_URL"`
	LogLevel    string `env:"PRD_RELAY_LOG_LEVEL"`
	BridgePort  int    `env:"PRD_RELAY_BRIDGE_PORT"`
	BridgeToken string `env:"PRD_RELAY_BRIDGE_TOKEN"`
}

func Defaults() Config {
	return Config{
		APIBaseURL:        DefaultAPIBaseURL,
		LogDir:            filepath.Join(Dir(), "logs"),
		LogLevel:          "info",
		HeartbeatInterval: 30,
		HistoryLimit:      500,
		Bridge: BridgeConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8787,
		},
	}
}

// Dir is the per-user state directory.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".prd-relay")
}

func DefaultPath() string {
	return filepath.Join(Dir(), "config.json")
}

func DBPath() string {
	return filepath.Join(Dir(), "state.db")
}

// Load returns the defaults, overlaid with the environment and then with the
// file at path. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	err := overlayFile(path, &cfg)
	return cfg, err
}

// overlayFile decodes the file at path over cfg.
func overlayFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var env envConfig
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("decode environment: %w", err)
	}
	if env.APIBaseURL != "" {
		cfg.APIBaseURL = env.APIBaseURL
	}
	if env.LogLevel != "" {
		cfg.LogLevel = env.LogLevel
	}
	if env.BridgePort != 0 {
		cfg.Bridge.Port = env.BridgePort
	}
	if env.BridgeToken != "" {
		cfg.Bridge.Token = env.BridgeToken
	}
	return nil
}

// Save writes cfg to path, creating the directory if needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}

// Update applies fn to the config stored at path and writes it back.
// Environment overrides are not read, so they never end up in the file.
func Update(path string, fn func(*Config)) error {
	cfg := Defaults()
	if err := overlayFile(path, &cfg); err != nil {
		return err
	}
	fn(&cfg)
	return Save(path, cfg)
}

// EnsureClientID assigns a stable client id on first run and persists it.
// It reports whether a new id was generated.
func EnsureClientID(path string, cfg *Config) (bool, error) {
	if strings.TrimSpace(cfg.ClientID) != "" {
		return false, nil
	}
	id := uuid.NewString()
	cfg.ClientID = id
	if err := Update(path, func(c *Config) { c.ClientID = id }); err != nil {
		return true, fmt.Errorf("save client id: %w", err)
	}
	return true, nil
}
