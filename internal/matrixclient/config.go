package matrixclient

import (
	"fmt"
	"log/slog"
	"time"
)

// Config configures one Matrix connection, one per Bot instance. Allow-
// lists live in the Dispatch Engine, not the transport layer.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	DeviceID    string

	SyncTimeout time.Duration
	Logger      *slog.Logger
}

// Validate applies defaults and rejects an unusable configuration.
func (c *Config) Validate() error {
	if c.Homeserver == "" {
		return fmt.Errorf("matrixclient: homeserver is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("matrixclient: user_id is required")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("matrixclient: access_token is required")
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
