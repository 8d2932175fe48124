package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DISPATCH_RESPONSE_WINDOW", "")
	t.Setenv("ESCALATION_CONCURRENCY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8090" {
		t.Errorf("Port = %q, want 8090", cfg.Port)
	}
	if got := cfg.DispatchResponseWindow(); got != 10*time.Second {
		t.Errorf("DispatchResponseWindow = %v, want 10s", got)
	}
	if got := cfg.SessionGrace(); got != 10*time.Second {
		t.Errorf("SessionGrace = %v, want 10s", got)
	}
	if cfg.EscalationConcurrency != 5 {
		t.Errorf("EscalationConcurrency = %d, want 5", cfg.EscalationConcurrency)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DISPATCH_RESPONSE_WINDOW", "15s")
	t.Setenv("SESSION_DEFAULT_GRACE", "3s")
	t.Setenv("RATE_LIMIT_PER_MIN", "120")
	t.Setenv("PUBNUB_PUBLISH_KEY", "pub")
	t.Setenv("PUBNUB_SUBSCRIBE_KEY", "sub")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9000" || cfg.RateLimitPerMinute != 120 {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.DispatchResponseWindow() != 15*time.Second || cfg.SessionGrace() != 3*time.Second {
		t.Errorf("durations not applied: %+v", cfg)
	}
	if !cfg.PubNubEnabled() {
		t.Errorf("PubNub should be enabled when both keys are set")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"DISPATCH_RESPONSE_WINDOW", "soon"},
		{"SESSION_DEFAULT_GRACE", "-1s"},
		{"ESCALATION_CONCURRENCY", "0"},
		{"RATE_LIMIT_BURST", "-5"},
		{"STAFF_STALE_AFTER", "20s"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("%s=%s should be rejected", tc.key, tc.value)
			}
		})
	}
}
