package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the VoxJournal server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	DBURL    string // postgres:// URL; empty means SQLite under DataDir
	HTTPPort int
	BaseURL  string // public base URL for webhook and media-stream callbacks

	TelephonyAccount string // provider account SID
	TelephonyToken   string // provider auth token
	TelephonyFrom    string // outbound caller ID (E.164)
	STTKey           string
	TTSKey           string
	LLMKey           string

	EncryptionMasterKey string // 32-byte hex-encoded key for recording URL encryption

	PauseThresholdSec int // minimum silence before endpointing is considered
	PauseHardSec      int // silence failsafe that always completes a turn
	WindowPollSec     int // window materializer period
	DispatchPollSec   int // dispatch worker period
	MaxCallMinutes    int // per-call wall clock ceiling
	DispatchBatch     int // max scheduled calls claimed per dispatch tick

	UseMocks bool // substitute in-memory providers for all external services

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultHTTPPort        = 8080
	defaultBaseURL         = "http://localhost:8080"
	defaultPauseThreshold  = 3
	defaultPauseHard       = 12
	defaultWindowPollSec   = 300
	defaultDispatchPollSec = 15
	defaultMaxCallMinutes  = 15
	defaultDispatchBatch   = 10
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
)

// envPrefix is the prefix for all VoxJournal environment variables.
const envPrefix = "VOXJOURNAL_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voxjournal", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the SQLite store")
	fs.StringVar(&cfg.DBURL, "db-url", "", "postgres:// connection URL (empty uses SQLite in data-dir)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.BaseURL, "base-url", defaultBaseURL, "public base URL the telephony provider calls back to")
	fs.StringVar(&cfg.TelephonyAccount, "telephony-account", "", "telephony provider account SID")
	fs.StringVar(&cfg.TelephonyToken, "telephony-token", "", "telephony provider auth token")
	fs.StringVar(&cfg.TelephonyFrom, "telephony-from", "", "outbound caller ID in E.164 format")
	fs.StringVar(&cfg.STTKey, "stt-key", "", "speech-to-text service API key")
	fs.StringVar(&cfg.TTSKey, "tts-key", "", "text-to-speech service API key")
	fs.StringVar(&cfg.LLMKey, "llm-key", "", "LLM service API key")
	fs.StringVar(&cfg.EncryptionMasterKey, "encryption-master-key", "", "hex-encoded 32-byte master key for recording URL encryption")
	fs.IntVar(&cfg.PauseThresholdSec, "pause-threshold-sec", defaultPauseThreshold, "minimum seconds of silence before a turn may complete")
	fs.IntVar(&cfg.PauseHardSec, "pause-hard-sec", defaultPauseHard, "seconds of silence after which a non-empty turn always completes")
	fs.IntVar(&cfg.WindowPollSec, "window-poll-sec", defaultWindowPollSec, "window materializer poll interval in seconds")
	fs.IntVar(&cfg.DispatchPollSec, "dispatch-poll-sec", defaultDispatchPollSec, "dispatch worker poll interval in seconds")
	fs.IntVar(&cfg.MaxCallMinutes, "max-call-minutes", defaultMaxCallMinutes, "wall clock ceiling for a single call in minutes")
	fs.IntVar(&cfg.DispatchBatch, "dispatch-batch", defaultDispatchBatch, "max scheduled calls claimed per dispatch tick")
	fs.BoolVar(&cfg.UseMocks, "use-mocks", false, "use in-memory providers instead of live external services")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command
	// line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":              envPrefix + "DATA_DIR",
		"db-url":                envPrefix + "DB_URL",
		"http-port":             envPrefix + "HTTP_PORT",
		"base-url":              envPrefix + "BASE_URL",
		"telephony-account":     envPrefix + "TELEPHONY_ACCOUNT",
		"telephony-token":       envPrefix + "TELEPHONY_TOKEN",
		"telephony-from":        envPrefix + "TELEPHONY_FROM",
		"stt-key":               envPrefix + "STT_KEY",
		"tts-key":               envPrefix + "TTS_KEY",
		"llm-key":               envPrefix + "LLM_KEY",
		"encryption-master-key": envPrefix + "ENCRYPTION_MASTER_KEY",
		"pause-threshold-sec":   envPrefix + "PAUSE_THRESHOLD_SEC",
		"pause-hard-sec":        envPrefix + "PAUSE_HARD_SEC",
		"window-poll-sec":       envPrefix + "WINDOW_POLL_SEC",
		"dispatch-poll-sec":     envPrefix + "DISPATCH_POLL_SEC",
		"max-call-minutes":      envPrefix + "MAX_CALL_MINUTES",
		"dispatch-batch":        envPrefix + "DISPATCH_BATCH",
		"use-mocks":             envPrefix + "USE_MOCKS",
		"log-level":             envPrefix + "LOG_LEVEL",
		"log-format":            envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "db-url":
			cfg.DBURL = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "base-url":
			cfg.BaseURL = val
		case "telephony-account":
			cfg.TelephonyAccount = val
		case "telephony-token":
			cfg.TelephonyToken = val
		case "telephony-from":
			cfg.TelephonyFrom = val
		case "stt-key":
			cfg.STTKey = val
		case "tts-key":
			cfg.TTSKey = val
		case "llm-key":
			cfg.LLMKey = val
		case "encryption-master-key":
			cfg.EncryptionMasterKey = val
		case "pause-threshold-sec":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.PauseThresholdSec = v
			}
		case "pause-hard-sec":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.PauseHardSec = v
			}
		case "window-poll-sec":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.WindowPollSec = v
			}
		case "dispatch-poll-sec":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DispatchPollSec = v
			}
		case "max-call-minutes":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxCallMinutes = v
			}
		case "dispatch-batch":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DispatchBatch = v
			}
		case "use-mocks":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.UseMocks = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("base-url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base-url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("base-url must include a host")
	}

	if c.PauseThresholdSec < 1 {
		return fmt.Errorf("pause-threshold-sec must be >= 1, got %d", c.PauseThresholdSec)
	}
	if c.PauseHardSec <= c.PauseThresholdSec {
		return fmt.Errorf("pause-hard-sec (%d) must exceed pause-threshold-sec (%d)", c.PauseHardSec, c.PauseThresholdSec)
	}
	if c.WindowPollSec < 1 || c.DispatchPollSec < 1 {
		return fmt.Errorf("poll intervals must be >= 1 second")
	}
	if c.MaxCallMinutes < 1 {
		return fmt.Errorf("max-call-minutes must be >= 1, got %d", c.MaxCallMinutes)
	}
	if c.DispatchBatch < 1 {
		return fmt.Errorf("dispatch-batch must be >= 1, got %d", c.DispatchBatch)
	}

	if !c.UseMocks {
		missing := []string{}
		if c.TelephonyAccount == "" {
			missing = append(missing, "telephony-account")
		}
		if c.TelephonyToken == "" {
			missing = append(missing, "telephony-token")
		}
		if c.TelephonyFrom == "" {
			missing = append(missing, "telephony-from")
		}
		if c.STTKey == "" {
			missing = append(missing, "stt-key")
		}
		if c.TTSKey == "" {
			missing = append(missing, "tts-key")
		}
		if c.LLMKey == "" {
			missing = append(missing, "llm-key")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required credentials (or set use-mocks): %s", strings.Join(missing, ", "))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// EncryptionKeyBytes returns the decoded 32-byte master encryption key, or
// nil if no key is configured.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.EncryptionMasterKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionMasterKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption master key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// StreamURL returns the WebSocket URL the telephony provider should open its
// media stream to. The protocol is derived from the base URL scheme:
// http -> ws, https -> wss.
func (c *Config) StreamURL() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/telephony/stream"
	return u.String()
}

// WebhookURL returns the absolute URL for a webhook path under the base URL.
func (c *Config) WebhookURL(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

// PauseThreshold returns the configured minimum endpointing pause.
func (c *Config) PauseThreshold() time.Duration {
	return time.Duration(c.PauseThresholdSec) * time.Second
}

// PauseHard returns the configured failsafe pause.
func (c *Config) PauseHard() time.Duration {
	return time.Duration(c.PauseHardSec) * time.Second
}

// MaxCallDuration returns the per-call wall clock ceiling.
func (c *Config) MaxCallDuration() time.Duration {
	return time.Duration(c.MaxCallMinutes) * time.Minute
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
