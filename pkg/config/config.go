// Package config assembles the runtime configuration from the environment
// and an optional YAML policy profile. Precedence is fixed: defaults, then
// profile values, then environment variables. Load fails fast on anything
// unparseable; a misconfigured gate must not start.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Defaults mirrored by Load when neither environment nor profile override.
const (
	DefaultListenAddr       = ":8080"
	DefaultLogLevel         = "info"
	DefaultDataDir          = "data"
	DefaultMaxRisk          = "high"
	DefaultDeadlineMS       = 30_000
	DefaultIdempotencyTTL   = time.Hour
	DefaultQueueMax         = 256
	DefaultBreakerThreshold = 5
	DefaultBreakerReset     = 30 * time.Second
	DefaultHeartbeat        = 60 * time.Second
	DefaultRateLimitRPS     = 50.0
	DefaultRateLimitBurst   = 100
)

// Config is the full runtime configuration. One instance is built at
// startup and handed to the composition root; nothing reads the
// environment after Load returns.
type Config struct {
	// Server surface.
	ListenAddr string
	RequireTLS bool
	TLSCert    string
	TLSKey     string
	LogLevel   string
	DataDir    string

	// Invocation policy.
	KillSwitch       bool
	ToolAllowlist    []string
	ToolDenylist     []string
	DomainAllowlist  []string
	DomainDenylist   []string
	MaxRisk          string
	ToolBudgets      map[string]float64
	TenantBudgets    map[string]float64
	DeadlineMS       int64
	IdempotencyTTL   time.Duration
	QueueMax         int
	WorkerEnabled    bool
	BreakerThreshold uint32
	BreakerReset     time.Duration
	CanonPatterns    []string

	// Authorization and admission.
	Tokens         map[string][]string
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int

	// Storage.
	DBURL       string
	RedisURL    string
	EconomyPath string
	TrustPath   string
	IntentsPath string
	ExplainPath string
	AuditPath   string
	AuditSecret string
	ArchiveType string

	// Autonomy.
	AutonomyEnabled   bool
	HeartbeatInterval time.Duration

	// Telemetry.
	OTLPEndpoint string
}

// Load builds the configuration: defaults, then the profile named by
// ORCHESTRATOR_PROFILE (when set), then the environment.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("ORCHESTRATOR_PROFILE"); path != "" {
		profile, err := LoadProfile(path)
		if err != nil {
			return nil, err
		}
		profile.apply(cfg)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.resolvePaths()

	if cfg.RequireTLS && (cfg.TLSCert == "" || cfg.TLSKey == "") {
		return nil, fmt.Errorf("config: ORCHESTRATOR_REQUIRE_TLS is set but ORCHESTRATOR_TLS_CERT or ORCHESTRATOR_TLS_KEY is missing")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddr:        DefaultListenAddr,
		LogLevel:          DefaultLogLevel,
		DataDir:           DefaultDataDir,
		MaxRisk:           DefaultMaxRisk,
		DeadlineMS:        DefaultDeadlineMS,
		IdempotencyTTL:    DefaultIdempotencyTTL,
		QueueMax:          DefaultQueueMax,
		WorkerEnabled:     true,
		BreakerThreshold:  DefaultBreakerThreshold,
		BreakerReset:      DefaultBreakerReset,
		RateLimitRPS:      DefaultRateLimitRPS,
		RateLimitBurst:    DefaultRateLimitBurst,
		AutonomyEnabled:   true,
		HeartbeatInterval: DefaultHeartbeat,
	}
}

// resolvePaths fills the state file locations that default relative to the
// data directory. Explicit settings are left alone.
func (c *Config) resolvePaths() {
	if c.EconomyPath == "" {
		c.EconomyPath = filepath.Join(c.DataDir, "economy.json")
	}
	if c.TrustPath == "" {
		c.TrustPath = filepath.Join(c.DataDir, "trust.json")
	}
	if c.IntentsPath == "" {
		c.IntentsPath = filepath.Join(c.DataDir, "intents.json")
	}
	if c.ExplainPath == "" {
		c.ExplainPath = filepath.Join(c.DataDir, "explain.json")
	}
	if c.AuditPath == "" {
		c.AuditPath = filepath.Join(c.DataDir, "audit.jsonl")
	}
}

// LedgerURL is the database the execution ledger opens: ORCHESTRATOR_DB_URL
// when set, otherwise a SQLite file under the data directory.
func (c *Config) LedgerURL() string {
	if c.DBURL != "" {
		return c.DBURL
	}
	return filepath.Join(c.DataDir, "ledger.db")
}

func applyEnv(cfg *Config) error {
	r := envReader{}

	r.str("ORCHESTRATOR_LISTEN_ADDR", &cfg.ListenAddr)
	r.boolean("ORCHESTRATOR_REQUIRE_TLS", &cfg.RequireTLS)
	r.str("ORCHESTRATOR_TLS_CERT", &cfg.TLSCert)
	r.str("ORCHESTRATOR_TLS_KEY", &cfg.TLSKey)
	r.str("ORCHESTRATOR_LOG_LEVEL", &cfg.LogLevel)
	r.str("ORCHESTRATOR_DATA_DIR", &cfg.DataDir)

	r.boolean("ORCHESTRATOR_KILL_SWITCH", &cfg.KillSwitch)
	r.csv("ORCHESTRATOR_TOOL_ALLOWLIST", &cfg.ToolAllowlist)
	r.csv("ORCHESTRATOR_TOOL_DENYLIST", &cfg.ToolDenylist)
	r.csv("ORCHESTRATOR_DOMAIN_ALLOWLIST", &cfg.DomainAllowlist)
	r.csv("ORCHESTRATOR_DOMAIN_DENYLIST", &cfg.DomainDenylist)
	r.str("ORCHESTRATOR_MAX_RISK", &cfg.MaxRisk)
	r.jsonFloats("ORCHESTRATOR_TOOL_BUDGETS", &cfg.ToolBudgets)
	r.jsonFloats("ORCHESTRATOR_TENANT_BUDGETS", &cfg.TenantBudgets)
	r.i64("ORCHESTRATOR_DEADLINE_MS", &cfg.DeadlineMS)
	r.seconds("ORCHESTRATOR_IDEMPOTENCY_TTL", &cfg.IdempotencyTTL)
	r.integer("ORCHESTRATOR_QUEUE_MAX", &cfg.QueueMax)
	r.boolean("ORCHESTRATOR_WORKER", &cfg.WorkerEnabled)
	r.u32("ORCHESTRATOR_BREAKER_THRESHOLD", &cfg.BreakerThreshold)
	r.seconds("ORCHESTRATOR_BREAKER_RESET_SECONDS", &cfg.BreakerReset)

	r.jsonScopes("ORCHESTRATOR_TOKENS_JSON", &cfg.Tokens)
	r.str("ORCHESTRATOR_JWT_SECRET", &cfg.JWTSecret)
	r.f64("ORCHESTRATOR_RATE_LIMIT_RPS", &cfg.RateLimitRPS)
	r.integer("ORCHESTRATOR_RATE_LIMIT_BURST", &cfg.RateLimitBurst)

	r.str("ORCHESTRATOR_DB_URL", &cfg.DBURL)
	r.str("ORCHESTRATOR_REDIS_URL", &cfg.RedisURL)
	r.str("ECONOMY_PATH", &cfg.EconomyPath)
	r.str("TRUST_PATH", &cfg.TrustPath)
	r.str("AUTONOMY_STATE_PATH", &cfg.IntentsPath)
	r.str("AUTONOMY_EXPLAIN_PATH", &cfg.ExplainPath)
	r.str("ORCHESTRATOR_AUDIT_PATH", &cfg.AuditPath)
	r.str("ORCHESTRATOR_AUDIT_SECRET", &cfg.AuditSecret)
	r.str("ORCHESTRATOR_ARCHIVE_TYPE", &cfg.ArchiveType)

	r.boolean("IPPOC_AUTONOMY", &cfg.AutonomyEnabled)
	r.seconds("IPPOC_HEARTBEAT_SECONDS", &cfg.HeartbeatInterval)

	r.str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTLPEndpoint)

	return r.err
}

// envReader applies environment overrides, accumulating the first parse
// failure so callers check one error.
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	if r.err != nil {
		return "", false
	}
	v, ok := os.LookupEnv(key)
	return v, ok
}

func (r *envReader) fail(key, value string, err error) {
	r.err = fmt.Errorf("config: %s=%q: %w", key, value, err)
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = b
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = n
}

func (r *envReader) i64(key string, dst *int64) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = n
}

func (r *envReader) u32(key string, dst *uint32) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = uint32(n)
}

func (r *envReader) f64(key string, dst *float64) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = f
}

// seconds parses a whole number of seconds into a duration.
func (r *envReader) seconds(key string, dst *time.Duration) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	if n < 0 {
		r.fail(key, v, fmt.Errorf("must be non-negative"))
		return
	}
	*dst = time.Duration(n) * time.Second
}

// csv splits a comma-separated list, trimming blanks. An empty value
// clears the list.
func (r *envReader) csv(key string, dst *[]string) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	*dst = splitCSV(v)
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *envReader) jsonFloats(key string, dst *map[string]float64) {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	m := map[string]float64{}
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = m
}

func (r *envReader) jsonScopes(key string, dst *map[string][]string) {
	v, ok := r.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	m := map[string][]string{}
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = m
}
