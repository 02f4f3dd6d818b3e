// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port          int    `koanf:"port"`
	Env           string `koanf:"env"`
	PublicBaseURL string `koanf:"public_base_url"` // prefix for join_link/websocket_url; if unset the links are relative paths

	// Durable Store (DS)
	DatabaseURL string `koanf:"database_url"`
	DBPoolMin   int    `koanf:"db_pool_min"`
	DBPoolMax   int    `koanf:"db_pool_max"`

	// Ephemeral Store (ES)
	RedisURL string `koanf:"redis_url"`

	// Token Mint/Verify (TMV)
	JWTSecret         string `koanf:"jwt_secret"`          // Legacy: single secret (backward compatibility)
	JWTSecretCurrent  string `koanf:"jwt_secret_current"`  // Current signing key
	JWTSecretPrevious string `koanf:"jwt_secret_previous"` // Previous key for rotation window

	// Session/participant limits (Session Coordinator + Supervisor)
	AutoExpireMinutes        int `koanf:"auto_expire_minutes"`
	MaxParticipantsPerSession int `koanf:"max_participants_per_session"`

	// Supervisor sweep cadence, in minutes.
	ExpirySweepMinutes   int `koanf:"supervisor_expiry_sweep_minutes"`
	LivenessSweepMinutes int `koanf:"supervisor_liveness_sweep_minutes"`

	// Tracing (OpenTelemetry)
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporterType string  `koanf:"tracing_exporter_type"` // otlp-http, otlp-grpc
	TracingOTLPEndpoint string  `koanf:"tracing_otlp_endpoint"`
	TracingSampleRate   float64 `koanf:"tracing_sample_rate"`
	TracingInsecure     bool    `koanf:"tracing_insecure"`

	// CORS (Cross-Origin Resource Sharing)
	CORSAllowedOrigins   string `koanf:"cors_allowed_origins"`
	CORSAllowedMethods   string `koanf:"cors_allowed_methods"`
	CORSAllowedHeaders   string `koanf:"cors_allowed_headers"`
	CORSAllowCredentials bool   `koanf:"cors_allow_credentials"`
	CORSMaxAge           int    `koanf:"cors_max_age"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret   = errors.New("JWT_SECRET, or JWT_SECRET_CURRENT is required")
	ErrJWTSecretTooShort  = errors.New("JWT_SECRET (or JWT_SECRET_CURRENT) must be at least 32 bytes")
	ErrInvalidPort        = errors.New("PORT must be a valid integer")
)

// MinJWTSecretLength is the minimum signing-secret length per SPEC_FULL.md §3's
// Token data model (symmetric secret >= 32 bytes).
const MinJWTSecretLength = 32

// Default values for non-secret configuration.
const (
	DefaultPort                      = 8080
	DefaultEnv                       = "development"
	DefaultDBPoolMin                 = 5
	DefaultDBPoolMax                 = 20
	DefaultAutoExpireMinutes         = 60
	DefaultMaxParticipantsPerSession = 50
	DefaultExpirySweepMinutes        = 5
	DefaultLivenessSweepMinutes      = 5
	DefaultTracingEnabled            = false
	DefaultTracingExporterType       = "otlp-http"
	DefaultTracingSampleRate         = 0.1
	DefaultTracingInsecure           = false
	DefaultCORSAllowedOrigins        = "" // empty means CORS is disabled
	DefaultCORSAllowedMethods        = "GET,POST,DELETE,OPTIONS"
	DefaultCORSAllowedHeaders        = "Content-Type,Authorization,X-Request-ID"
	DefaultCORSAllowCredentials      = true
	DefaultCORSMaxAge                = 3600
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, portErr := getEnvIntOrDefault("PORT", k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	dbPoolMin, dbPoolMinErr := getEnvIntOrDefault("DB_POOL_MIN", k.Int("db_pool_min"), DefaultDBPoolMin)
	if dbPoolMinErr != nil {
		loadErrs = append(loadErrs, dbPoolMinErr)
	}
	dbPoolMax, dbPoolMaxErr := getEnvIntOrDefault("DB_POOL_MAX", k.Int("db_pool_max"), DefaultDBPoolMax)
	if dbPoolMaxErr != nil {
		loadErrs = append(loadErrs, dbPoolMaxErr)
	}

	autoExpireMinutes, autoExpireErr := getEnvIntOrDefault("AUTO_EXPIRE_MINUTES", k.Int("auto_expire_minutes"), DefaultAutoExpireMinutes)
	if autoExpireErr != nil {
		loadErrs = append(loadErrs, autoExpireErr)
	}
	maxParticipants, maxParticipantsErr := getEnvIntOrDefault("MAX_PARTICIPANTS_PER_SESSION", k.Int("max_participants_per_session"), DefaultMaxParticipantsPerSession)
	if maxParticipantsErr != nil {
		loadErrs = append(loadErrs, maxParticipantsErr)
	}

	expirySweepMinutes, expirySweepErr := getEnvIntOrDefault("SUPERVISOR_EXPIRY_SWEEP_MINUTES", k.Int("supervisor_expiry_sweep_minutes"), DefaultExpirySweepMinutes)
	if expirySweepErr != nil {
		loadErrs = append(loadErrs, expirySweepErr)
	}
	livenessSweepMinutes, livenessSweepErr := getEnvIntOrDefault("SUPERVISOR_LIVENESS_SWEEP_MINUTES", k.Int("supervisor_liveness_sweep_minutes"), DefaultLivenessSweepMinutes)
	if livenessSweepErr != nil {
		loadErrs = append(loadErrs, livenessSweepErr)
	}

	tracingEnabled := boolFromEnvOrKoanf(k, "tracing_enabled", "TRACING_ENABLED", DefaultTracingEnabled)

	tracingSampleRate := DefaultTracingSampleRate
	if k.Exists("tracing_sample_rate") {
		tracingSampleRate = k.Float64("tracing_sample_rate")
	}
	if val := os.Getenv("TRACING_SAMPLE_RATE"); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("TRACING_SAMPLE_RATE must be a valid float: %w", err))
		} else {
			tracingSampleRate = parsed
		}
	}

	tracingInsecure := boolFromEnvOrKoanf(k, "tracing_insecure", "TRACING_INSECURE", DefaultTracingInsecure)

	corsAllowedOrigins := getEnvOrDefault("CORS_ALLOWED_ORIGINS", k.String("cors_allowed_origins"), DefaultCORSAllowedOrigins)
	corsAllowedMethods := getEnvOrDefault("CORS_ALLOWED_METHODS", k.String("cors_allowed_methods"), DefaultCORSAllowedMethods)
	corsAllowedHeaders := getEnvOrDefault("CORS_ALLOWED_HEADERS", k.String("cors_allowed_headers"), DefaultCORSAllowedHeaders)
	corsAllowCredentials := boolFromEnvOrKoanf(k, "cors_allow_credentials", "CORS_ALLOW_CREDENTIALS", DefaultCORSAllowCredentials)

	corsMaxAge, corsMaxAgeErr := getEnvIntOrDefault("CORS_MAX_AGE", k.Int("cors_max_age"), DefaultCORSMaxAge)
	if corsMaxAgeErr != nil {
		loadErrs = append(loadErrs, corsMaxAgeErr)
	}

	cfg := &Config{
		Port:                      port,
		Env:                       getEnvOrDefault("ENV", k.String("env"), DefaultEnv),
		PublicBaseURL:             getEnvOrKoanf("PUBLIC_BASE_URL", k, "public_base_url"),
		DatabaseURL:               getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		DBPoolMin:                 dbPoolMin,
		DBPoolMax:                 dbPoolMax,
		RedisURL:                  getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		JWTSecret:                 getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTSecretCurrent:          getEnvOrKoanf("JWT_SECRET_CURRENT", k, "jwt_secret_current"),
		JWTSecretPrevious:         getEnvOrKoanf("JWT_SECRET_PREVIOUS", k, "jwt_secret_previous"),
		AutoExpireMinutes:         autoExpireMinutes,
		MaxParticipantsPerSession: maxParticipants,
		ExpirySweepMinutes:        expirySweepMinutes,
		LivenessSweepMinutes:      livenessSweepMinutes,
		TracingEnabled:            tracingEnabled,
		TracingExporterType:       getEnvOrDefault("TRACING_EXPORTER_TYPE", k.String("tracing_exporter_type"), DefaultTracingExporterType),
		TracingOTLPEndpoint:       getEnvOrKoanf("TRACING_OTLP_ENDPOINT", k, "tracing_otlp_endpoint"),
		TracingSampleRate:         tracingSampleRate,
		TracingInsecure:           tracingInsecure,
		CORSAllowedOrigins:        corsAllowedOrigins,
		CORSAllowedMethods:        corsAllowedMethods,
		CORSAllowedHeaders:        corsAllowedHeaders,
		CORSAllowCredentials:      corsAllowCredentials,
		CORSMaxAge:                corsMaxAge,
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

func boolFromEnvOrKoanf(k *koanf.Koanf, koanfKey, envKey string, def bool) bool {
	val := def
	if k.Exists(koanfKey) {
		val = k.Bool(koanfKey)
	}
	if envVal := os.Getenv(envKey); envVal != "" {
		switch strings.ToLower(envVal) {
		case "true", "1", "yes", "on":
			val = true
		case "false", "0", "no", "off":
			val = false
		}
	}
	return val
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidPort)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}

	current, _ := c.GetJWTSecrets()
	if current == "" {
		errs = append(errs, ErrMissingJWTSecret)
	} else if len(current) < MinJWTSecretLength {
		errs = append(errs, ErrJWTSecretTooShort)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                         fmt.Sprintf("%d", c.Port),
		"env":                          c.Env,
		"public_base_url":              c.PublicBaseURL,
		"database_url":                 maskDatabaseURL(c.DatabaseURL),
		"db_pool_min":                  fmt.Sprintf("%d", c.DBPoolMin),
		"db_pool_max":                  fmt.Sprintf("%d", c.DBPoolMax),
		"redis_url":                    maskDatabaseURL(c.RedisURL),
		"jwt_secret":                   maskSecret(c.JWTSecret),
		"jwt_secret_current":           maskSecret(c.JWTSecretCurrent),
		"jwt_secret_previous":          maskSecret(c.JWTSecretPrevious),
		"auto_expire_minutes":          fmt.Sprintf("%d", c.AutoExpireMinutes),
		"max_participants_per_session": fmt.Sprintf("%d", c.MaxParticipantsPerSession),
		"supervisor_expiry_sweep_minutes":   fmt.Sprintf("%d", c.ExpirySweepMinutes),
		"supervisor_liveness_sweep_minutes": fmt.Sprintf("%d", c.LivenessSweepMinutes),
		"tracing_enabled":              fmt.Sprintf("%t", c.TracingEnabled),
		"tracing_exporter_type":        c.TracingExporterType,
		"tracing_otlp_endpoint":        c.TracingOTLPEndpoint,
		"tracing_sample_rate":          fmt.Sprintf("%.2f", c.TracingSampleRate),
		"tracing_insecure":             fmt.Sprintf("%t", c.TracingInsecure),
		"cors_allowed_origins":         c.CORSAllowedOrigins,
		"cors_allowed_methods":         c.CORSAllowedMethods,
		"cors_allowed_headers":         c.CORSAllowedHeaders,
		"cors_allow_credentials":       fmt.Sprintf("%t", c.CORSAllowCredentials),
		"cors_max_age":                 fmt.Sprintf("%d", c.CORSMaxAge),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a database or cache connection URL.
// Supports postgres://, postgresql://, and redis:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}

// GetJWTSecrets returns the current and previous JWT secrets for rotation support.
// Returns (currentSecret, previousSecret).
// For backward compatibility, if JWT_SECRET is set and JWT_SECRET_CURRENT is not,
// JWT_SECRET is used as the current secret.
func (c *Config) GetJWTSecrets() (current, previous string) {
	if c.JWTSecretCurrent != "" {
		return c.JWTSecretCurrent, c.JWTSecretPrevious
	}
	return c.JWTSecret, ""
}
