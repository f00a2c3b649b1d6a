package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/reqflow/internal/plugins"
	"github.com/rendis/reqflow/internal/transport"
	"github.com/rendis/reqflow/pkg/schema"
)

// Config holds the CLI configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	LogLevel     string   `json:"log_level"`
	LogFormat    string   `json:"log_format"`
	HistoryDB    string   `json:"history_db"`
	Plugins      []string `json:"plugins,omitempty"`
	Timeout      string   `json:"timeout"`
	MaxBodyBytes int64    `json:"max_body_bytes"`
	UserAgent    string   `json:"user_agent"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:     "warn",
		LogFormat:    "text",
		HistoryDB:    filepath.Join(reqflowDir(), "history.db"),
		Timeout:      "30s",
		MaxBodyBytes: 10 * 1024 * 1024,
		UserAgent:    "reqflow/" + version,
	}
}

func reqflowDir() string {
	if v := os.Getenv("REQFLOW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reqflow"
	}
	return filepath.Join(home, ".reqflow")
}

func settingsPath() string {
	return filepath.Join(reqflowDir(), "settings.json")
}

// loadConfig layers settings.json and REQFLOW_* variables over the
// defaults. A missing settings file is fine; a malformed one is not.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(settingsPath())
	switch {
	case err == nil:
		if jerr := json.Unmarshal(data, &cfg); jerr != nil {
			return cfg, schema.NewErrorf(schema.ErrCodeValidation, "parse %s: %s", settingsPath(), jerr.Error())
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read settings: %w", err)
	}

	if v := os.Getenv("REQFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REQFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("REQFLOW_HISTORY_DB"); v != "" {
		cfg.HistoryDB = v
	}
	if v := os.Getenv("REQFLOW_PLUGINS"); v != "" {
		cfg.Plugins = splitList(v)
	}
	if v := os.Getenv("REQFLOW_TIMEOUT"); v != "" {
		cfg.Timeout = v
	}
	if v := os.Getenv("REQFLOW_MAX_BODY_BYTES"); v != "" {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return cfg, schema.NewErrorf(schema.ErrCodeValidation, "REQFLOW_MAX_BODY_BYTES: %s", perr.Error())
		}
		cfg.MaxBodyBytes = n
	}
	if v := os.Getenv("REQFLOW_USER_AGENT"); v != "" {
		cfg.UserAgent = v
	}

	return cfg, cfg.check()
}

func (c Config) check() error {
	if _, err := c.timeout(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "log_format must be text or json, got %q", c.LogFormat)
	}
	if c.MaxBodyBytes < 0 {
		return schema.NewError(schema.ErrCodeValidation, "max_body_bytes must not be negative")
	}
	return nil
}

func (c Config) timeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", c.Timeout)
	}
	return d, nil
}

// httpConfig maps the config onto the bundled transports.
func (c Config) httpConfig() transport.HTTPConfig {
	d, _ := c.timeout()
	return transport.HTTPConfig{
		MaxResponseBody: c.MaxBodyBytes,
		DefaultTimeout:  d,
		UserAgent:       c.UserAgent,
	}
}

// pluginConfigs turns plugin paths into plugin definitions named after
// the executable.
func (c Config) pluginConfigs() []plugins.PluginConfig {
	out := make([]plugins.PluginConfig, 0, len(c.Plugins))
	for _, p := range c.Plugins {
		out = append(out, plugins.PluginConfig{
			Name:    strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)),
			Command: p,
		})
	}
	return out
}

// writeSettings stores cfg as settings.json, creating the directory.
func writeSettings(cfg Config) (string, error) {
	dir := reqflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	path := settingsPath()
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
