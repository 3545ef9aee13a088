package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded proxy defaults
const (
	// DefaultScope is substituted whenever a client omits scopes on
	// authorize or supplies its own on registration. Strict upstream
	// servers reject scope-less requests; clients should not need to know
	// the default to complete a flow.
	DefaultScope = "openid profile email"

	// DefaultProtectedPrefix guards the MCP endpoint by default.
	DefaultProtectedPrefix = "/mcp"

	DefaultUpstreamTimeout = 30 * time.Second
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL   string    `yaml:"public_url"`
	ListenAddr  string    `yaml:"listen_addr"`
	DevMode     bool      `yaml:"dev_mode"`
	ForceHTTPS  bool      `yaml:"force_https"`
	SecretsPath string    `yaml:"secrets_path"`
	TLS         TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// AuthConfig controls token verification and the legacy OAuth proxy.
type AuthConfig struct {
	// WellKnownURL overrides the authorization server discovery endpoint.
	WellKnownURL string `yaml:"well_known_url"`

	// ClientID pins the expected client/tenant binding on verified tokens.
	ClientID string `yaml:"client_id"`

	// JWKSPath points at a local JSON Web Key Set file; when set, remote
	// key resolution is bypassed entirely.
	JWKSPath string `yaml:"jwks_path"`

	// Scopes advertised in the protected resource metadata.
	Scopes []string `yaml:"scopes"`

	// ProtectedPrefix is the route prefix guarded by the authenticator.
	ProtectedPrefix string `yaml:"protected_prefix"`

	// Legacy enables the backward-compatible OAuth proxy endpoints.
	Legacy bool `yaml:"legacy"`

	// UpstreamTimeout bounds forwards to the authorization server.
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w (check for typos or deprecated fields)", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:   "http://127.0.0.1:8080",
			ListenAddr:  "127.0.0.1:8080",
			DevMode:     true,
			SecretsPath: ".secrets",
			TLS:         TLSConfig{HSTSMaxAge: 31536000},
		},
		Auth: AuthConfig{
			Scopes:          strings.Fields(DefaultScope),
			ProtectedPrefix: DefaultProtectedPrefix,
			Legacy:          true,
			UpstreamTimeout: DefaultUpstreamTimeout,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"MCPAUTHD_SERVER_PUBLIC_URL":     func(v string) { cfg.Server.PublicURL = v },
		"MCPAUTHD_SERVER_LISTEN_ADDR":    func(v string) { cfg.Server.ListenAddr = v },
		"MCPAUTHD_SERVER_DEV_MODE":       func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"MCPAUTHD_SERVER_FORCE_HTTPS":    func(v string) { cfg.Server.ForceHTTPS = parseBool(v, cfg.Server.ForceHTTPS) },
		"MCPAUTHD_SERVER_SECRETS_PATH":   func(v string) { cfg.Server.SecretsPath = v },
		"MCPAUTHD_SERVER_TLS_DOMAINS":    func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"MCPAUTHD_SERVER_TLS_EMAIL":      func(v string) { cfg.Server.TLS.Email = v },
		"MCPAUTHD_AUTH_WELL_KNOWN_URL":   func(v string) { cfg.Auth.WellKnownURL = v },
		"MCPAUTHD_AUTH_CLIENT_ID":        func(v string) { cfg.Auth.ClientID = v },
		"MCPAUTHD_AUTH_JWKS_PATH":        func(v string) { cfg.Auth.JWKSPath = v },
		"MCPAUTHD_AUTH_SCOPES":           func(v string) { cfg.Auth.Scopes = splitAndTrim(v) },
		"MCPAUTHD_AUTH_PROTECTED_PREFIX": func(v string) { cfg.Auth.ProtectedPrefix = v },
		"MCPAUTHD_AUTH_LEGACY":           func(v string) { cfg.Auth.Legacy = parseBool(v, cfg.Auth.Legacy) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Auth.WellKnownURL != "" &&
		!strings.HasPrefix(c.Auth.WellKnownURL, "http://") &&
		!strings.HasPrefix(c.Auth.WellKnownURL, "https://") {
		return fmt.Errorf("auth.well_known_url must be an HTTP(S) URL, got: %s", c.Auth.WellKnownURL)
	}

	if c.Auth.ProtectedPrefix != "" && !strings.HasPrefix(c.Auth.ProtectedPrefix, "/") {
		return fmt.Errorf("auth.protected_prefix must start with /, got: %s", c.Auth.ProtectedPrefix)
	}

	if c.Auth.JWKSPath != "" {
		if _, err := os.Stat(c.Auth.JWKSPath); err != nil {
			return fmt.Errorf("auth.jwks_path: %w", err)
		}
	}

	if c.Auth.UpstreamTimeout < 0 {
		return errors.New("auth.upstream_timeout must not be negative")
	}

	return nil
}
