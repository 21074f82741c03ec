package httpapi

import (
	"fmt"
	"strings"
)

const (
	defaultListenAddr          = ":8080"
	defaultAllowedOrigin       = "http://localhost:5173"
	defaultSessionIssuer       = "tauth"
	defaultSessionCookie       = "app_session"
	defaultSiteURL             = "http://localhost:5173"
	defaultMediaDir            = "./media"
	defaultMediaRoute          = "/media"
	defaultSignupCredits int64 = 30
	walletHistoryLimit         = 10
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	SiteURL           string
	MediaDir          string
	SignupCredits     int64
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.SiteURL = defaultIfEmpty(cfg.SiteURL, defaultSiteURL)
	cfg.MediaDir = defaultIfEmpty(cfg.MediaDir, defaultMediaDir)
	if cfg.SignupCredits < 0 {
		return fmt.Errorf("signup credits must not be negative")
	}
	if cfg.SignupCredits == 0 {
		cfg.SignupCredits = defaultSignupCredits
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("session signing key is required")
	}
	return nil
}

// MediaBaseURL returns the public prefix under which uploaded media is
// served.
func (cfg *Config) MediaBaseURL() string {
	return strings.TrimRight(cfg.SiteURL, "/") + defaultMediaRoute
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
