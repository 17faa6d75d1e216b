package config

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		expected     string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_KEY_1",
			defaultValue: "default",
			envValue:     "env_value",
			expected:     "env_value",
		},
		{
			name:         "returns default when environment variable is not set",
			key:          "TEST_KEY_2",
			defaultValue: "default",
			envValue:     "",
			expected:     "default",
		},
		{
			name:         "handles empty default value",
			key:          "TEST_KEY_3",
			defaultValue: "",
			envValue:     "env_value",
			expected:     "env_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			result := getenv(tt.key, tt.defaultValue)
			if result != tt.expected {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, result, tt.expected)
			}
		})
	}
}

func TestGetenvDuration(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      time.Duration
		expected time.Duration
	}{
		{"valid duration", "30s", time.Minute, 30 * time.Second},
		{"invalid duration falls back", "not-a-duration", time.Minute, time.Minute},
		{"unset falls back", "", time.Minute, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv("TEST_DURATION", tt.envValue)
				defer os.Unsetenv("TEST_DURATION")
			}
			if got := getenvDuration("TEST_DURATION", tt.def); got != tt.expected {
				t.Errorf("getenvDuration = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []int
	}{
		{"empty", "", nil},
		{"single code", "429", []int{429}},
		{"multiple with spaces", "429, 408, 425", []int{429, 408, 425}},
		{"skips invalid entries", "429,abc,99,600", []int{429}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseStatusCodes(tt.input)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("parseStatusCodes(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.AppName != "webhookd" {
		t.Errorf("AppName = %q, want webhookd", cfg.AppName)
	}
	if cfg.Defaults.MaxRetries != 5 {
		t.Errorf("Defaults.MaxRetries = %d, want 5", cfg.Defaults.MaxRetries)
	}
	if cfg.Defaults.RetryDelaySeconds != 60 {
		t.Errorf("Defaults.RetryDelaySeconds = %d, want 60", cfg.Defaults.RetryDelaySeconds)
	}
	if cfg.Webhook.SignatureHeader != "X-Clarus-Signature" {
		t.Errorf("SignatureHeader = %q", cfg.Webhook.SignatureHeader)
	}
	if cfg.NSQ.WakeTopic != "deliveries" {
		t.Errorf("WakeTopic = %q, want deliveries", cfg.NSQ.WakeTopic)
	}
}

func TestFromEnvLeaseCoversRequestTimeout(t *testing.T) {
	os.Setenv("LEASE_DURATION", "5s")
	os.Setenv("REQUEST_TIMEOUT", "15s")
	defer os.Unsetenv("LEASE_DURATION")
	defer os.Unsetenv("REQUEST_TIMEOUT")

	cfg := FromEnv()
	if cfg.Worker.LeaseDuration < 2*cfg.Worker.RequestTimeout {
		t.Errorf("LeaseDuration %v not raised to cover 2x RequestTimeout %v",
			cfg.Worker.LeaseDuration, cfg.Worker.RequestTimeout)
	}
}

func TestDSN(t *testing.T) {
	cfg := Config{DB: DB{User: "u", Pass: "p", Host: "h", Port: "5432", Name: "n"}}
	want := "postgres://u:p@h:5432/n?sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
