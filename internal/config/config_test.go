package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load([]string{"--use-mocks"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.PauseThresholdSec != defaultPauseThreshold {
		t.Errorf("PauseThresholdSec = %d, want %d", cfg.PauseThresholdSec, defaultPauseThreshold)
	}
	if cfg.PauseHardSec != defaultPauseHard {
		t.Errorf("PauseHardSec = %d, want %d", cfg.PauseHardSec, defaultPauseHard)
	}
	if cfg.MaxCallMinutes != defaultMaxCallMinutes {
		t.Errorf("MaxCallMinutes = %d, want %d", cfg.MaxCallMinutes, defaultMaxCallMinutes)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat)
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("VOXJOURNAL_HTTP_PORT", "9999")
	t.Setenv("VOXJOURNAL_LOG_LEVEL", "debug")

	cfg, err := load([]string{"--use-mocks", "--http-port", "8081"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != 8081 {
		t.Errorf("HTTPPort = %d, want flag value 8081", cfg.HTTPPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want env value debug", cfg.LogLevel)
	}
}

func TestLoadRequiresCredentialsWithoutMocks(t *testing.T) {
	_, err := load([]string{})
	if err == nil {
		t.Fatal("expected error for missing credentials")
	}
	if !strings.Contains(err.Error(), "telephony-account") {
		t.Errorf("error %q does not name the missing credential", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad port", []string{"--use-mocks", "--http-port", "0"}},
		{"bad base url scheme", []string{"--use-mocks", "--base-url", "ftp://example.com"}},
		{"hard pause below threshold", []string{"--use-mocks", "--pause-threshold-sec", "10", "--pause-hard-sec", "5"}},
		{"bad log level", []string{"--use-mocks", "--log-level", "verbose"}},
		{"bad log format", []string{"--use-mocks", "--log-format", "xml"}},
		{"zero max call minutes", []string{"--use-mocks", "--max-call-minutes", "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(tt.args); err == nil {
				t.Errorf("load(%v) succeeded, want error", tt.args)
			}
		})
	}
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		baseURL string
		want    string
	}{
		{"http://localhost:8080", "ws://localhost:8080/telephony/stream"},
		{"https://calls.example.com", "wss://calls.example.com/telephony/stream"},
	}

	for _, tt := range tests {
		cfg, err := load([]string{"--use-mocks", "--base-url", tt.baseURL})
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got := cfg.StreamURL(); got != tt.want {
			t.Errorf("StreamURL() with base %q = %q, want %q", tt.baseURL, got, tt.want)
		}
	}
}

func TestEncryptionKeyBytes(t *testing.T) {
	cfg, err := load([]string{"--use-mocks",
		"--encryption-master-key", strings.Repeat("ab", 32)})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		t.Fatalf("EncryptionKeyBytes: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}

	cfg.EncryptionMasterKey = "deadbeef"
	if _, err := cfg.EncryptionKeyBytes(); err == nil {
		t.Error("expected error for short key")
	}

	cfg.EncryptionMasterKey = ""
	key, err = cfg.EncryptionKeyBytes()
	if err != nil || key != nil {
		t.Errorf("empty key should yield (nil, nil), got (%v, %v)", key, err)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := load([]string{"--use-mocks", "--pause-threshold-sec", "4", "--pause-hard-sec", "10"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PauseThreshold() != 4*time.Second {
		t.Errorf("PauseThreshold = %v", cfg.PauseThreshold())
	}
	if cfg.PauseHard() != 10*time.Second {
		t.Errorf("PauseHard = %v", cfg.PauseHard())
	}
	if cfg.MaxCallDuration() != 15*time.Minute {
		t.Errorf("MaxCallDuration = %v", cfg.MaxCallDuration())
	}
}
