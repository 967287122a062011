// Package config loads service settings from defaults, an optional TOML
// file and PRJEVENT_* environment variables, in that order.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PRJEVENT_"

// Config is the complete runtime configuration.
type Config struct {
	HTTP      HTTPConfig      `toml:"http"`
	GRPC      GRPCConfig      `toml:"grpc"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	Keys      KeysConfig      `toml:"keys"`
	Session   SessionConfig   `toml:"session"`
	Audit     AuditConfig     `toml:"audit"`
	Log       LogConfig       `toml:"log"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

type HTTPConfig struct {
	Addr              string        `toml:"addr"`
	ReadTimeout       time.Duration `toml:"read_timeout"`
	ReadHeaderTimeout time.Duration `toml:"read_header_timeout"`
	WriteTimeout      time.Duration `toml:"write_timeout"`
	IdleTimeout       time.Duration `toml:"idle_timeout"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout"`
	CookieName        string        `toml:"cookie_name"`
	CookieSecure      bool          `toml:"cookie_secure"`
}

// GRPCConfig configures the health endpoint. An empty Addr disables it.
type GRPCConfig struct {
	Addr string `toml:"addr"`
}

// PostgresConfig selects the relational backend. An empty DSN keeps
// identities in memory.
type PostgresConfig struct {
	DSN string `toml:"dsn"`
}

// RedisConfig selects the Redis session store. An empty Addr keeps
// sessions in process memory.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

type KeysConfig struct {
	PrivateKeyFile string `toml:"private_key_file"`
	PublicKeyFile  string `toml:"public_key_file"`
	// AllowEphemeral generates a throwaway key pair when no files are set.
	AllowEphemeral bool `toml:"allow_ephemeral"`
}

type SessionConfig struct {
	TTL             time.Duration `toml:"ttl"`
	IdleTimeout     time.Duration `toml:"idle_timeout"`
	ChallengeTTL    time.Duration `toml:"challenge_ttl"`
	ChallengeLength int           `toml:"challenge_length"`
	SweepInterval   time.Duration `toml:"sweep_interval"`
}

type AuditConfig struct {
	Mode string `toml:"mode"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type RateLimitConfig struct {
	LoginRPS   float64 `toml:"login_rps"`
	LoginBurst int     `toml:"login_burst"`

	// TrustedProxies are addresses or CIDRs whose X-Forwarded-For is honoured.
	TrustedProxies []string `toml:"trusted_proxies"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			CookieName:        "prjevent_session",
			CookieSecure:      true,
		},
		GRPC:    GRPCConfig{Addr: ":9090"},
		Redis:   RedisConfig{Prefix: "prjevent:"},
		Keys:    KeysConfig{AllowEphemeral: true},
		Session: SessionConfig{TTL: 12 * time.Hour, IdleTimeout: 30 * time.Minute, ChallengeTTL: 5 * time.Minute, ChallengeLength: 4, SweepInterval: time.Minute},
		Audit:   AuditConfig{Mode: "strict"},
		Log:     LogConfig{Level: "info"},
		RateLimit: RateLimitConfig{
			LoginRPS:   1,
			LoginBurst: 5,
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML decodes path into cfg. Unknown keys are rejected so typos do
// not silently fall back to defaults.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnvOverrides applies PRJEVENT_* variables on top of cfg.
func (c *Config) ApplyEnvOverrides() error {
	var errs ValidateErrors
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, ValidationError{Field: EnvPrefix + name, Message: err.Error()})
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, ValidationError{Field: EnvPrefix + name, Message: err.Error()})
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, ValidationError{Field: EnvPrefix + name, Message: err.Error()})
				return
			}
			*dst = b
		}
	}

	str("HTTP_ADDR", &c.HTTP.Addr)
	str("COOKIE_NAME", &c.HTTP.CookieName)
	boolean("COOKIE_SECURE", &c.HTTP.CookieSecure)
	str("GRPC_ADDR", &c.GRPC.Addr)
	str("PG_DSN", &c.Postgres.DSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)
	str("REDIS_PREFIX", &c.Redis.Prefix)
	str("PRIVATE_KEY_FILE", &c.Keys.PrivateKeyFile)
	str("PUBLIC_KEY_FILE", &c.Keys.PublicKeyFile)
	boolean("ALLOW_EPHEMERAL_KEYS", &c.Keys.AllowEphemeral)
	dur("SESSION_TTL", &c.Session.TTL)
	dur("SESSION_IDLE_TIMEOUT", &c.Session.IdleTimeout)
	dur("CHALLENGE_TTL", &c.Session.ChallengeTTL)
	integer("CHALLENGE_LENGTH", &c.Session.ChallengeLength)
	dur("SWEEP_INTERVAL", &c.Session.SweepInterval)
	str("AUDIT_MODE", &c.Audit.Mode)
	str("LOG_LEVEL", &c.Log.Level)
	if v, ok := os.LookupEnv(EnvPrefix + "LOGIN_RPS"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, ValidationError{Field: EnvPrefix + "LOGIN_RPS", Message: err.Error()})
		} else {
			c.RateLimit.LoginRPS = f
		}
	}
	integer("LOGIN_BURST", &c.RateLimit.LoginBurst)
	if v, ok := os.LookupEnv(EnvPrefix + "TRUSTED_PROXIES"); ok {
		c.RateLimit.TrustedProxies = splitList(v)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills zero values left by the file or environment.
func (c *Config) SetDefaults() {
	d := Default()
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = d.HTTP.Addr
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = d.HTTP.ReadTimeout
	}
	if c.HTTP.ReadHeaderTimeout == 0 {
		c.HTTP.ReadHeaderTimeout = d.HTTP.ReadHeaderTimeout
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = d.HTTP.WriteTimeout
	}
	if c.HTTP.IdleTimeout == 0 {
		c.HTTP.IdleTimeout = d.HTTP.IdleTimeout
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = d.HTTP.ShutdownTimeout
	}
	if c.HTTP.CookieName == "" {
		c.HTTP.CookieName = d.HTTP.CookieName
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = d.Redis.Prefix
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = d.Session.TTL
	}
	if c.Session.ChallengeTTL == 0 {
		c.Session.ChallengeTTL = d.Session.ChallengeTTL
	}
	if c.Session.ChallengeLength == 0 {
		c.Session.ChallengeLength = d.Session.ChallengeLength
	}
	if c.Session.SweepInterval == 0 {
		c.Session.SweepInterval = d.Session.SweepInterval
	}
	if c.Audit.Mode == "" {
		c.Audit.Mode = d.Audit.Mode
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// ValidationError describes one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs ValidateErrors
	if c.Session.TTL <= 0 {
		errs = append(errs, ValidationError{Field: "session.ttl", Message: "must be positive"})
	}
	if c.Session.IdleTimeout < 0 {
		errs = append(errs, ValidationError{Field: "session.idle_timeout", Message: "must not be negative"})
	}
	if c.Session.IdleTimeout > c.Session.TTL {
		errs = append(errs, ValidationError{Field: "session.idle_timeout", Message: "must not exceed session.ttl"})
	}
	if c.Session.ChallengeLength < 4 || c.Session.ChallengeLength > 12 {
		errs = append(errs, ValidationError{Field: "session.challenge_length", Message: "must be between 4 and 12"})
	}
	switch strings.ToLower(c.Audit.Mode) {
	case "strict", "best_effort":
	default:
		errs = append(errs, ValidationError{Field: "audit.mode", Message: fmt.Sprintf("invalid mode '%s', must be one of: strict, best_effort", c.Audit.Mode)})
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{Field: "log.level", Message: fmt.Sprintf("invalid level '%s'", c.Log.Level)})
	}
	if c.Keys.PublicKeyFile != "" && c.Keys.PrivateKeyFile == "" {
		errs = append(errs, ValidationError{Field: "keys.private_key_file", Message: "required when public_key_file is set"})
	}
	if c.Keys.PrivateKeyFile == "" && !c.Keys.AllowEphemeral {
		errs = append(errs, ValidationError{Field: "keys.private_key_file", Message: "required unless allow_ephemeral is true"})
	}
	if c.RateLimit.LoginRPS < 0 || c.RateLimit.LoginBurst < 0 {
		errs = append(errs, ValidationError{Field: "rate_limit", Message: "must not be negative"})
	}
	for _, p := range c.RateLimit.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, ValidationError{Field: "rate_limit.trusted_proxies", Message: fmt.Sprintf("invalid address or CIDR '%s'", p)})
		}
	}
	if c.Redis.DB < 0 {
		errs = append(errs, ValidationError{Field: "redis.db", Message: "must not be negative"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func validProxy(entry string) bool {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, err := netip.ParsePrefix(entry)
		return err == nil
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}
