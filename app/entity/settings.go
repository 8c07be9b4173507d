package entity

import (
	"fmt"
	"strings"
)

type AuthMode string

const (
	AuthNone  AuthMode = "none"
	AuthPlain AuthMode = "plain"
)

const (
	DefaultAddress = "localhost"
	DefaultPort    = 25
	DefaultDomain  = "localhost.localdomain"
)

// DeliverySettings configures how a message is handed to the remote SMTP server.
// It is built once at startup and passed by value afterwards.
type DeliverySettings struct {
	Address            string   `yaml:"address"`
	Port               int      `yaml:"port"`
	Domain             string   `yaml:"domain"`
	UserName           string   `yaml:"user_name,omitempty"`
	Password           string   `yaml:"-"`
	Authentication     AuthMode `yaml:"authentication"`
	EnableStartTLSAuto bool     `yaml:"enable_starttls_auto"`
	// MaxAttempts caps the number of send attempts; nil retries forever.
	MaxAttempts *int `yaml:"max_attempts,omitempty"`
}

// DefaultDeliverySettings returns settings for an unauthenticated local relay.
func DefaultDeliverySettings() DeliverySettings {
	return DeliverySettings{
		Address:            DefaultAddress,
		Port:               DefaultPort,
		Domain:             DefaultDomain,
		Authentication:     AuthNone,
		EnableStartTLSAuto: true,
	}
}

// ParseAuthMode maps a configured authentication value to an AuthMode.
func ParseAuthMode(value string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(AuthNone):
		return AuthNone, nil
	case string(AuthPlain):
		return AuthPlain, nil
	default:
		return "", &ConfigurationError{Reason: fmt.Sprintf("unsupported authentication %q, only plain is supported", value)}
	}
}

// Validate reports configuration problems that must surface before any send.
func (s DeliverySettings) Validate() error {
	if _, err := ParseAuthMode(string(s.Authentication)); err != nil {
		return err
	}
	if s.MaxAttempts != nil && *s.MaxAttempts < 1 {
		return &ConfigurationError{Reason: fmt.Sprintf("max_attempts must be positive, got %d", *s.MaxAttempts)}
	}
	if strings.TrimSpace(s.Address) == "" {
		return &ConfigurationError{Reason: "address is required"}
	}
	if s.Port <= 0 || s.Port > 65535 {
		return &ConfigurationError{Reason: fmt.Sprintf("invalid port %d", s.Port)}
	}
	return nil
}

// UsesPlainAuth reports whether credentials are sent with AUTH PLAIN.
func (s DeliverySettings) UsesPlainAuth() bool {
	mode, err := ParseAuthMode(string(s.Authentication))
	return err == nil && mode == AuthPlain
}

// IntPtr is a helper for optional integer settings.
func IntPtr(v int) *int {
	return &v
}
