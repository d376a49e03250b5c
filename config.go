package neutralgate

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig                  `yaml:"server"`
	Logging   LoggingConfig                 `yaml:"logging"`
	Quota     QuotaConfig                   `yaml:"quota"`
	License   LicenseConfig                 `yaml:"license"`
	Identity  IdentityConfig                `yaml:"identity"`
	Access    AccessConfig                  `yaml:"access"`
	Summary   SummaryConfig                 `yaml:"summary"`
	Providers map[ProviderID]ProviderConfig `yaml:"providers"`
	Store     StoreConfig                   `yaml:"store"`
	RateLimit RateLimitConfig               `yaml:"rate_limit"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`

	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For and X-Real-IP
	// headers are honored. Empty means the connection address is always used.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// QuotaConfig configures the daily request ledger. ProDailyLimit meters pro callers
// outside real mode; 0 means unlimited.
type QuotaConfig struct {
	FreeDailyLimit int64         `yaml:"free_daily_limit"`
	ProDailyLimit  int64         `yaml:"pro_daily_limit"`
	DebugSecret    string        `yaml:"debug_secret"`
	AllowList      []string      `yaml:"allow_list"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// LicenseConfig configures token signing and activation keys.
type LicenseConfig struct {
	Secret     string        `yaml:"secret"`
	Issuer     string        `yaml:"issuer"`
	TTL        time.Duration `yaml:"ttl"`
	Keys       []string      `yaml:"keys"`
	HashedKeys []string      `yaml:"hashed_keys"`
	HashSecret string        `yaml:"hash_secret"`
}

// IdentityConfig configures how callers are identified.
type IdentityConfig struct {
	TrustPlanHeader bool     `yaml:"trust_plan_header"`
	AdminIDs        []string `yaml:"admin_ids"`
	ProAppKeys      []string `yaml:"pro_app_keys"`
}

// AccessConfig configures the real-mode policy.
type AccessConfig struct {
	DeviceBinding bool `yaml:"device_binding"`
	DeviceMax     int  `yaml:"device_max"`
}

// SummaryConfig configures the cross-provider summary.
type SummaryConfig struct {
	Provider  ProviderID    `yaml:"provider"`
	AllowFree bool          `yaml:"allow_free"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ProviderConfig configures a single provider.
type ProviderConfig struct {
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Temperature *float64      `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// StoreConfig selects the backend for quota counters and device sets.
type StoreConfig struct {
	Backend       string `yaml:"backend"`
	KeyPrefix     string `yaml:"key_prefix"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	PostgresDSN   string `yaml:"postgres_dsn"`
}

// RateLimitConfig configures the per-identity burst limiter.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// DefaultConfig returns a configuration usable without any file.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:       ":8787",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 90 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Quota: QuotaConfig{
			FreeDailyLimit: 20,
			SweepInterval:  10 * time.Minute,
		},
		License: LicenseConfig{
			Issuer: "neutralgate",
			TTL:    30 * 24 * time.Hour,
		},
		Access: AccessConfig{DeviceBinding: true, DeviceMax: 3},
		Summary: SummaryConfig{
			Provider: ProviderOpenAI,
			Timeout:  20 * time.Second,
		},
		Providers: map[ProviderID]ProviderConfig{
			ProviderOpenAI: {Model: "gpt-4o-mini", Timeout: 30 * time.Second},
			ProviderGemini: {Model: "gemini-2.0-flash", Timeout: 30 * time.Second},
			ProviderClaude: {Model: "claude-3-5-haiku-latest", Timeout: 30 * time.Second},
		},
		Store:     StoreConfig{Backend: BackendMemory, KeyPrefix: "neutralgate:"},
		RateLimit: RateLimitConfig{RPS: 2, Burst: 10},
	}
}

// LoadConfig reads and parses a YAML config file on top of DefaultConfig.
// Environment variables in the format ${VAR} are expanded before parsing, and the
// well-known overrides (FREE_DAILY_LIMIT, OPENAI_API_KEY, ...) are applied after.
// An empty path yields the defaults plus environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("neutralgate: read config: %w", err)
		}

		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("neutralgate: parse config: %w", err)
		}
	}

	fillProviderDefaults(&cfg)
	ApplyEnv(&cfg, os.Getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyEnv overlays environment overrides onto cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("NEUTRAL_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := getenv("FREE_DAILY_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Quota.FreeDailyLimit = n
		}
	}
	if v := getenv("DEVICE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Access.DeviceMax = n
		}
	}
	if v := getenv("LICENSE_SECRET"); v != "" {
		cfg.License.Secret = v
	}
	if v := getenv("DEBUG_SECRET"); v != "" {
		cfg.Quota.DebugSecret = v
	}
	if v := getenv("ACTIVATION_KEYS"); v != "" {
		cfg.License.Keys = append(cfg.License.Keys, splitList(v)...)
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[ProviderID]ProviderConfig)
	}
	envKeys := map[ProviderID]string{
		ProviderOpenAI: "OPENAI_API_KEY",
		ProviderGemini: "GEMINI_API_KEY",
		ProviderClaude: "ANTHROPIC_API_KEY",
	}
	for id, name := range envKeys {
		if v := getenv(name); v != "" {
			pc := cfg.Providers[id]
			if pc.APIKey == "" {
				pc.APIKey = v
			}
			cfg.Providers[id] = pc
		}
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("neutralgate: config: server.listen is required")
	}
	if _, err := ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		return err
	}
	if c.Quota.FreeDailyLimit < 0 {
		return fmt.Errorf("neutralgate: config: quota.free_daily_limit must be >= 0")
	}
	if c.Quota.ProDailyLimit < 0 {
		return fmt.Errorf("neutralgate: config: quota.pro_daily_limit must be >= 0")
	}
	if c.Access.DeviceMax <= 0 {
		return fmt.Errorf("neutralgate: config: access.device_max must be > 0")
	}
	if c.License.TTL <= 0 {
		return fmt.Errorf("neutralgate: config: license.ttl must be > 0")
	}
	if (len(c.License.Keys) > 0 || len(c.License.HashedKeys) > 0) && c.License.Secret == "" {
		return fmt.Errorf("neutralgate: config: license.secret is required when activation keys are configured")
	}
	if len(c.License.HashedKeys) > 0 && c.License.HashSecret == "" {
		return fmt.Errorf("neutralgate: config: license.hash_secret is required with hashed_keys")
	}

	for id, pc := range c.Providers {
		if _, ok := ParseProviderID(string(id)); !ok {
			return fmt.Errorf("neutralgate: config: unknown provider %q", id)
		}
		if pc.Model == "" {
			return fmt.Errorf("neutralgate: config: providers.%s: model is required", id)
		}
		if pc.Timeout < 0 {
			return fmt.Errorf("neutralgate: config: providers.%s: timeout must be >= 0", id)
		}
	}

	if c.Summary.Provider != "" {
		if _, ok := c.Providers[c.Summary.Provider]; !ok {
			return fmt.Errorf("neutralgate: config: summary.provider %q is not configured", c.Summary.Provider)
		}
	}

	switch c.Store.Backend {
	case "", BackendMemory:
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("neutralgate: config: store.redis_addr is required for the redis backend")
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("neutralgate: config: store.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("neutralgate: config: invalid store.backend %q", c.Store.Backend)
	}

	return nil
}

// fillProviderDefaults restores model and timeout for provider entries that a file
// only partially specified.
func fillProviderDefaults(cfg *Config) {
	defaults := DefaultConfig().Providers
	for id, pc := range cfg.Providers {
		d, ok := defaults[id]
		if !ok {
			continue
		}
		if pc.Model == "" {
			pc.Model = d.Model
		}
		if pc.Timeout == 0 {
			pc.Timeout = d.Timeout
		}
		cfg.Providers[id] = pc
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseTrustedProxies parses IPs and CIDRs into prefixes. A bare IP becomes a
// single-address prefix.
func ParseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("neutralgate: config: server.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("neutralgate: config: server.trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
