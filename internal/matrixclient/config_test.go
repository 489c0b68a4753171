package matrixclient

import (
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{
		Homeserver:  "https://matrix.example.org",
		UserID:      "@mindroom-coder:example.org",
		AccessToken: "secret",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.SyncTimeout != 30*time.Second {
		t.Fatalf("SyncTimeout = %v, want default 30s", cfg.SyncTimeout)
	}
	if cfg.Logger == nil {
		t.Fatalf("expected default logger to be set")
	}
}

func TestConfigValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"missing homeserver", Config{UserID: "@a:b", AccessToken: "x"}},
		{"missing user id", Config{Homeserver: "https://a", AccessToken: "x"}},
		{"missing access token", Config{Homeserver: "https://a", UserID: "@a:b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestConfigValidatePreservesExplicitSyncTimeout(t *testing.T) {
	cfg := Config{
		Homeserver:  "https://matrix.example.org",
		UserID:      "@mindroom-coder:example.org",
		AccessToken: "secret",
		SyncTimeout: 5 * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.SyncTimeout != 5*time.Second {
		t.Fatalf("SyncTimeout = %v, want preserved 5s", cfg.SyncTimeout)
	}
}
