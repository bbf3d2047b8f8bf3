package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "MARGINALIA"
	defaultHTTPAddress      = "127.0.0.1:8787"
	defaultWorkspaceRoot    = "."
	defaultStoreBackend     = BackendFile
	defaultStorePath        = "_comments.json"
	defaultDatabasePath     = "marginalia.db"
	defaultCollection       = "default"
	defaultFocusedOpacity   = 1.0
	defaultUnfocusedOpacity = 0.75
	defaultTokenTTLMinutes  = 720
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
)

const (
	// BackendFile keeps the state document in a JSON file.
	BackendFile = "file"
	// BackendSQLite keeps the state document in a SQLite row.
	BackendSQLite = "sqlite"
)

// AppConfig captures runtime configuration for the CLI and daemon.
type AppConfig struct {
	HTTPAddress      string
	WorkspaceRoot    string
	StoreBackend     string
	StorePath        string
	DatabasePath     string
	Collection       string
	ActiveProfile    string
	FocusedOpacity   float64
	UnfocusedOpacity float64
	SigningSecret    string
	TokenTTL         time.Duration
	LogLevel         string
	LogFormat        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("workspace.root", defaultWorkspaceRoot)
	configViper.SetDefault("store.backend", defaultStoreBackend)
	configViper.SetDefault("store.path", defaultStorePath)
	configViper.SetDefault("store.collection", defaultCollection)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("profile.active", "")
	configViper.SetDefault("focus.focused_opacity", defaultFocusedOpacity)
	configViper.SetDefault("focus.unfocused_opacity", defaultUnfocusedOpacity)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		WorkspaceRoot:    configViper.GetString("workspace.root"),
		StoreBackend:     strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		StorePath:        configViper.GetString("store.path"),
		DatabasePath:     configViper.GetString("database.path"),
		Collection:       configViper.GetString("store.collection"),
		ActiveProfile:    strings.TrimSpace(configViper.GetString("profile.active")),
		FocusedOpacity:   configViper.GetFloat64("focus.focused_opacity"),
		UnfocusedOpacity: configViper.GetFloat64("focus.unfocused_opacity"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		LogLevel:         configViper.GetString("log.level"),
		LogFormat:        configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.WorkspaceRoot) == "" {
		return fmt.Errorf("workspace.root is required")
	}
	switch c.StoreBackend {
	case BackendFile:
		if strings.TrimSpace(c.StorePath) == "" {
			return fmt.Errorf("store.path is required")
		}
	case BackendSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.StoreBackend)
	}
	if c.FocusedOpacity < 0 || c.FocusedOpacity > 1 {
		return fmt.Errorf("focus.focused_opacity must be within [0,1]")
	}
	if c.UnfocusedOpacity < 0 || c.UnfocusedOpacity > 1 {
		return fmt.Errorf("focus.unfocused_opacity must be within [0,1]")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	return nil
}

// ValidateServe checks the settings only the daemon needs.
func (c AppConfig) ValidateServe() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	return nil
}

// StateFilePath resolves store.path against the workspace root.
func (c AppConfig) StateFilePath() string {
	return c.resolve(c.StorePath)
}

// DatabaseFilePath resolves database.path against the workspace root.
func (c AppConfig) DatabaseFilePath() string {
	return c.resolve(c.DatabasePath)
}

func (c AppConfig) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.WorkspaceRoot, path)
}
