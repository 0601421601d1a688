// Package config provides configuration parsing and validation for
// win-remote-media-ctrl.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the TLS file paths from YAML.
const (
	EnvTLSCertPath = "WIN_REMOTE_MEDIA_CTRL_TLS_CERT_PATH"
	EnvTLSKeyPath  = "WIN_REMOTE_MEDIA_CTRL_TLS_KEY_PATH"
)

// Config represents the complete server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Media   MediaConfig   `yaml:"media"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig contains the listener settings. TLS is mandatory: when
// neither the env vars nor the file paths supply a certificate, the
// chain is fetched from the fallback endpoint at startup.
type ServerConfig struct {
	Listen string    `yaml:"listen"`
	TLS    TLSConfig `yaml:"tls"`
}

// TLSConfig points at the certificate chain and key on disk.
type TLSConfig struct {
	Cert string `yaml:"cert"` // Certificate chain file path
	Key  string `yaml:"key"`  // Private key file path

	// FallbackURL is the HTTPS base the chain is fetched from when no
	// local cert is configured.
	FallbackURL string `yaml:"fallback_url"`
}

// AuthConfig locates the long-term secret.
type AuthConfig struct {
	// PSKFile is the base64-encoded 64-byte pre-shared key. Read once
	// at startup, never rewritten.
	PSKFile string `yaml:"psk_file"`

	// SessionRatePerMinute caps /session requests accepted per
	// minute; 0 disables the limiter.
	SessionRatePerMinute int `yaml:"session_rate_per_minute"`
}

// MediaConfig tunes the providers.
type MediaConfig struct {
	// ScraperEnabled allows disabling the process scraper, leaving
	// only the system media transport provider.
	ScraperEnabled bool `yaml:"scraper_enabled"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig configures the optional metrics/pprof listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the listener
}

// ResolveTLSPaths applies the env-var overrides and returns the cert
// and key paths, either both set or both empty.
func (c *ServerConfig) ResolveTLSPaths() (cert, key string) {
	cert, key = c.TLS.Cert, c.TLS.Key
	if v := os.Getenv(EnvTLSCertPath); v != "" {
		cert = v
	}
	if v := os.Getenv(EnvTLSKeyPath); v != "" {
		key = v
	}
	if cert == "" || key == "" {
		return "", ""
	}
	return cert, key
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: ":9201",
			TLS: TLSConfig{
				FallbackURL: "https://traefik.me",
			},
		},
		Auth: AuthConfig{
			PSKFile:              "private_key.txt",
			SessionRatePerMinute: 30,
		},
		Media: MediaConfig{
			ScraperEnabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault loads the file when it exists and falls back to the
// defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Listen == "" {
		errs = append(errs, "server.listen is required")
	} else if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("invalid server.listen: %v", err))
	}
	if (c.Server.TLS.Cert == "") != (c.Server.TLS.Key == "") {
		errs = append(errs, "server.tls.cert and server.tls.key must be set together")
	}
	if c.Server.TLS.Cert == "" && c.Server.TLS.FallbackURL == "" {
		errs = append(errs, "server.tls needs either cert/key paths or a fallback_url")
	}

	if c.Auth.PSKFile == "" {
		errs = append(errs, "auth.psk_file is required")
	}
	if c.Auth.SessionRatePerMinute < 0 {
		errs = append(errs, "auth.session_rate_per_minute must not be negative")
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs = append(errs, fmt.Sprintf("invalid metrics.listen: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}
