// Package config loads service configuration from the environment (optionally seeded from a .env file).
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr            = ":8080"
	defaultGRPCAddr            = ":9090"
	defaultAgencyDomain        = "youragency.com"
	defaultPublicBaseURL       = "http://localhost:8080"
	defaultExternalCallTimeout = 15 * time.Second
	defaultAuditStream         = "accessdesk:audit"
)

// Config is the resolved runtime configuration.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	DatabaseURL string
	// AutoMigrate applies embedded migrations at startup when DatabaseURL is set.
	AutoMigrate bool

	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisAuditStream string

	// VaultMasterKey wraps per-secret data keys. 32 bytes.
	VaultMasterKey    []byte
	VaultKeyID        string
	EphemeralVaultKey bool

	OAuthStateSecret []byte
	OAuthStateTTL    time.Duration

	AgencyDomain        string
	PublicBaseURL       string
	ExternalCallTimeout time.Duration

	RateLimitBurst     int
	RateLimitPerSecond int
	AllowedOrigins     []string

	lookup func(string) (string, bool)
}

// Load reads .env (if present) and then the process environment.
func Load() (Config, error) {
	// Missing .env is fine; real deployments inject env directly.
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name, def string) string {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := Config{
		HTTPAddr:         get("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:         get("GRPC_ADDR", defaultGRPCAddr),
		DatabaseURL:      get("DATABASE_URL", ""),
		RedisAddr:        get("REDIS_ADDR", ""),
		RedisPassword:    get("REDIS_PASSWORD", ""),
		RedisAuditStream: get("REDIS_AUDIT_STREAM", defaultAuditStream),
		VaultKeyID:       get("VAULT_KEY_ID", "local-1"),
		AgencyDomain:     get("AGENCY_DOMAIN", defaultAgencyDomain),
		PublicBaseURL:    strings.TrimRight(get("PUBLIC_BASE_URL", defaultPublicBaseURL), "/"),
		lookup:           lookup,
	}
	for _, o := range strings.Split(get("CORS_ALLOWED_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
		}
	}

	var err error
	if cfg.AutoMigrate, err = strconv.ParseBool(get("AUTO_MIGRATE", "false")); err != nil {
		return Config{}, fmt.Errorf("config: AUTO_MIGRATE must be a boolean: %w", err)
	}
	if cfg.RedisDB, err = intVar(get("REDIS_DB", "0"), "REDIS_DB"); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitBurst, err = intVar(get("RATE_LIMIT_BURST", "20"), "RATE_LIMIT_BURST"); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitPerSecond, err = intVar(get("RATE_LIMIT_PER_SECOND", "10"), "RATE_LIMIT_PER_SECOND"); err != nil {
		return Config{}, err
	}
	if cfg.ExternalCallTimeout, err = durationVar(get("EXTERNAL_CALL_TIMEOUT", ""), defaultExternalCallTimeout, "EXTERNAL_CALL_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if cfg.OAuthStateTTL, err = durationVar(get("OAUTH_STATE_TTL", ""), 10*time.Minute, "OAUTH_STATE_TTL"); err != nil {
		return Config{}, err
	}

	if raw := get("VAULT_MASTER_KEY", ""); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: VAULT_MASTER_KEY must be base64: %w", err)
		}
		if len(key) != 32 {
			return Config{}, fmt.Errorf("config: VAULT_MASTER_KEY must decode to 32 bytes, got %d", len(key))
		}
		cfg.VaultMasterKey = key
	} else {
		cfg.VaultMasterKey = randomBytes(32)
		cfg.EphemeralVaultKey = true
	}

	if raw := get("OAUTH_STATE_SECRET", ""); raw != "" {
		cfg.OAuthStateSecret = []byte(raw)
	} else {
		cfg.OAuthStateSecret = randomBytes(32)
	}
	return cfg, nil
}

// Env returns a raw variable from the same source the config was loaded from.
// Platform adapters use it for their OAuth application credentials.
func (c Config) Env(name string) string {
	if c.lookup == nil {
		return ""
	}
	v, _ := c.lookup(name)
	return strings.TrimSpace(v)
}

func intVar(raw, name string) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", name, err)
	}
	return v, nil
}

func durationVar(raw string, def time.Duration, name string) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", name)
	}
	return d, nil
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("config: read random: %v", err))
	}
	return b
}
