package ciris

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigScope is one of the three precedence layers a runtime-control
// config/set call may target.
type ConfigScope string

const (
	ScopeRuntime    ConfigScope = "runtime"
	ScopeSession    ConfigScope = "session"
	ScopePersistent ConfigScope = "persistent"
)

// RegistryConfig tunes the service registry and its per-provider circuit
// breakers.
type RegistryConfig struct {
	CircuitFailureThreshold int           `yaml:"circuit_failure_threshold" json:"circuit_failure_threshold" env:"CIRIS_CIRCUIT_FAILURE_THRESHOLD" default:"3"`
	CircuitResetTimeout     time.Duration `yaml:"circuit_reset_timeout" json:"circuit_reset_timeout" env:"CIRIS_CIRCUIT_RESET_TIMEOUT" default:"300s"`
	RedisURL                string        `yaml:"redis_url" json:"redis_url" env:"CIRIS_REGISTRY_REDIS_URL"`
	Namespace               string        `yaml:"namespace" json:"namespace" env:"CIRIS_REGISTRY_NAMESPACE" default:"ciris"`
}

// AuditConfig selects the audit chain's signing algorithm and storage
// paths.
type AuditConfig struct {
	SigningAlgorithm string `yaml:"signing_algorithm" json:"signing_algorithm" env:"CIRIS_AUDIT_SIGNING_ALGORITHM" default:"ed25519"`
	JournalPath      string `yaml:"journal_path" json:"journal_path" env:"CIRIS_AUDIT_JOURNAL_PATH" default:"./data/audit/journal.jsonl"`
	IndexDBPath      string `yaml:"index_db_path" json:"index_db_path" env:"CIRIS_AUDIT_INDEX_DB_PATH" default:"./data/audit/index.db"`
}

// PersistenceConfig points the typed stores at a sqlite file.
type PersistenceConfig struct {
	DBPath         string        `yaml:"db_path" json:"db_path" env:"CIRIS_PERSISTENCE_DB_PATH" default:"./data/main.db"`
	BusyRetryBase  time.Duration `yaml:"busy_retry_base" json:"busy_retry_base" env:"CIRIS_PERSISTENCE_RETRY_BASE" default:"100ms"`
	BusyRetryMax   time.Duration `yaml:"busy_retry_max" json:"busy_retry_max" env:"CIRIS_PERSISTENCE_RETRY_MAX" default:"1s"`
	BusyRetryCap   int           `yaml:"busy_retry_cap" json:"busy_retry_cap" env:"CIRIS_PERSISTENCE_RETRY_CAP" default:"3"`
}

// BusConfig holds the default retry policy applied to every bus kind
// unless a per-kind override is registered.
type BusConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout" env:"CIRIS_BUS_DEFAULT_TIMEOUT" default:"30s"`
	DefaultRetries int           `yaml:"default_retries" json:"default_retries" env:"CIRIS_BUS_DEFAULT_RETRIES" default:"3"`
}

// DMAConfig tunes the DMA pipeline and conscience thresholds.
type DMAConfig struct {
	TimeoutSeconds             float64            `yaml:"dma_timeout_seconds" json:"dma_timeout_seconds" env:"CIRIS_DMA_TIMEOUT_SECONDS" default:"30"`
	RetryLimit                 int                `yaml:"dma_retry_limit" json:"dma_retry_limit" env:"CIRIS_DMA_RETRY_LIMIT" default:"3"`
	ConscienceEntropyThreshold float64            `yaml:"conscience_entropy_threshold" json:"conscience_entropy_threshold" env:"CIRIS_CONSCIENCE_ENTROPY_THRESHOLD" default:"0.40"`
	ConscienceCoherenceThresh  float64            `yaml:"conscience_coherence_threshold" json:"conscience_coherence_threshold" env:"CIRIS_CONSCIENCE_COHERENCE_THRESHOLD" default:"0.60"`
	IdentityVarianceLimit      float64            `yaml:"identity_variance_limit" json:"identity_variance_limit" env:"CIRIS_IDENTITY_VARIANCE_LIMIT" default:"0.20"`
	IdentityAttributeWeights   map[string]float64 `yaml:"identity_attribute_weights,omitempty" json:"identity_attribute_weights,omitempty"`
}

// ProcessorConfig tunes the cognitive processor's round loop.
type ProcessorConfig struct {
	MaxActiveThoughts int           `yaml:"max_active_thoughts" json:"max_active_thoughts" env:"CIRIS_MAX_ACTIVE_THOUGHTS" default:"50"`
	MaxThoughtDepth   int           `yaml:"max_thought_depth" json:"max_thought_depth" env:"CIRIS_MAX_THOUGHT_DEPTH" default:"7"`
	RoundDelay        time.Duration `yaml:"round_delay_seconds" json:"round_delay_seconds" env:"CIRIS_ROUND_DELAY_SECONDS" default:"5s"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace" json:"shutdown_grace" env:"CIRIS_SHUTDOWN_GRACE" default:"10s"`
}

// SecurityConfig holds the emergency-shutdown signer allow-list.
type SecurityConfig struct {
	ShutdownAllowlist  []string      `yaml:"shutdown_allowlist,omitempty" json:"shutdown_allowlist,omitempty"`
	ShutdownValidWindow time.Duration `yaml:"shutdown_valid_window" json:"shutdown_valid_window" env:"CIRIS_SHUTDOWN_VALID_WINDOW" default:"5m"`
}

// Config is the root configuration object, assembled with three-layer
// precedence: built-in defaults, then environment variables, then
// functional Options (highest). Scope-tagged overrides written through the
// runtime-control surface are tracked separately in scopedOverrides
// so persistent writes survive a restart and runtime writes don't.
type Config struct {
	Registry    RegistryConfig    `yaml:"registry" json:"registry"`
	Audit       AuditConfig       `yaml:"audit" json:"audit"`
	Persistence PersistenceConfig `yaml:"persistence" json:"persistence"`
	Bus         BusConfig         `yaml:"bus" json:"bus"`
	DMA         DMAConfig         `yaml:"dma" json:"dma"`
	Processor   ProcessorConfig   `yaml:"processor" json:"processor"`
	Security    SecurityConfig    `yaml:"security" json:"security"`

	logger          Logger
	scopedOverrides map[ConfigScope]map[string]interface{}
}

// Option mutates a Config during construction; applied after defaults and
// environment variables, so an explicit option always wins.
type Option func(*Config)

// WithLogger attaches a logger used for configuration-loading diagnostics.
func WithLogger(l Logger) Option {
	return func(c *Config) { c.logger = l }
}

// WithShutdownAllowlist sets the Ed25519 public keys permitted to issue an
// emergency SHUTDOWN_NOW command.
func WithShutdownAllowlist(keys ...string) Option {
	return func(c *Config) { c.Security.ShutdownAllowlist = keys }
}

// WithYAMLFile overlays the given YAML file's contents onto the Config
// being built; the file's top-level keys mirror Config's JSON field names
// (registry, audit, persistence, bus, dma, processor, security). A missing
// path is silently ignored, since a deployment may rely on environment
// variables alone; a malformed file is reported through the logger rather
// than aborting construction.
func WithYAMLFile(path string) Option {
	return func(c *Config) {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) && c.logger != nil {
				c.logger.Warn("config: reading yaml file", map[string]interface{}{"path": path, "error": err.Error()})
			}
			return
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			if c.logger != nil {
				c.logger.Error("config: parsing yaml file", map[string]interface{}{"path": path, "error": err.Error()})
			}
			return
		}
	}
}

// LoadYAMLFile is a standalone helper for callers that want to validate a
// config file before it is applied, independent of NewConfig's precedence
// chain.
func LoadYAMLFile(path string) (*Config, error) {
	c := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ciris: read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("ciris: parse config file: %w", err)
	}
	return c, nil
}

// NewConfig builds a Config from defaults, environment variables, and the
// given options, in that precedence order.
func NewConfig(opts ...Option) *Config {
	c := defaultConfig()
	c.applyEnv()
	c.scopedOverrides = map[ConfigScope]map[string]interface{}{
		ScopeRuntime:    {},
		ScopeSession:    {},
		ScopePersistent: {},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = NoOpLogger{}
	}
	return c
}

func defaultConfig() *Config {
	return &Config{
		Registry: RegistryConfig{
			CircuitFailureThreshold: 3,
			CircuitResetTimeout:     300 * time.Second,
			Namespace:               "ciris",
		},
		Audit: AuditConfig{
			SigningAlgorithm: "ed25519",
			JournalPath:      "./data/audit/journal.jsonl",
			IndexDBPath:      "./data/audit/index.db",
		},
		Persistence: PersistenceConfig{
			DBPath:        "./data/main.db",
			BusyRetryBase: 100 * time.Millisecond,
			BusyRetryMax:  1 * time.Second,
			BusyRetryCap:  3,
		},
		Bus: BusConfig{
			DefaultTimeout: 30 * time.Second,
			DefaultRetries: 3,
		},
		DMA: DMAConfig{
			TimeoutSeconds:             30,
			RetryLimit:                 3,
			ConscienceEntropyThreshold: 0.40,
			ConscienceCoherenceThresh:  0.60,
			IdentityVarianceLimit:      0.20,
		},
		Processor: ProcessorConfig{
			MaxActiveThoughts: 50,
			MaxThoughtDepth:   7,
			RoundDelay:        5 * time.Second,
			ShutdownGrace:     10 * time.Second,
		},
		Security: SecurityConfig{
			ShutdownValidWindow: 5 * time.Minute,
		},
	}
}

// applyEnv overlays the registry, audit, persistence db path, DMA
// (timeout, retry limit, conscience thresholds) and processor (max active
// thoughts, max depth, round delay) environment variables named in the
// struct tags above. Kept as explicit os.Getenv calls rather than a
// reflect-based decoder. The persistence busy-retry, bus, identity
// variance limit, shutdown grace and shutdown window variables are not
// read.
func (c *Config) applyEnv() {
	if v := os.Getenv("CIRIS_CIRCUIT_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Registry.CircuitFailureThreshold = n
		}
	}
	if v := os.Getenv("CIRIS_CIRCUIT_RESET_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Registry.CircuitResetTimeout = d
		}
	}
	if v := os.Getenv("CIRIS_REGISTRY_REDIS_URL"); v != "" {
		c.Registry.RedisURL = v
	}
	if v := os.Getenv("CIRIS_REGISTRY_NAMESPACE"); v != "" {
		c.Registry.Namespace = v
	}
	if v := os.Getenv("CIRIS_AUDIT_SIGNING_ALGORITHM"); v != "" {
		c.Audit.SigningAlgorithm = v
	}
	if v := os.Getenv("CIRIS_AUDIT_JOURNAL_PATH"); v != "" {
		c.Audit.JournalPath = v
	}
	if v := os.Getenv("CIRIS_AUDIT_INDEX_DB_PATH"); v != "" {
		c.Audit.IndexDBPath = v
	}
	if v := os.Getenv("CIRIS_PERSISTENCE_DB_PATH"); v != "" {
		c.Persistence.DBPath = v
	}
	if v := os.Getenv("CIRIS_DMA_TIMEOUT_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.DMA.TimeoutSeconds = f
		}
	}
	if v := os.Getenv("CIRIS_DMA_RETRY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DMA.RetryLimit = n
		}
	}
	if v := os.Getenv("CIRIS_CONSCIENCE_ENTROPY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.DMA.ConscienceEntropyThreshold = f
		}
	}
	if v := os.Getenv("CIRIS_CONSCIENCE_COHERENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.DMA.ConscienceCoherenceThresh = f
		}
	}
	if v := os.Getenv("CIRIS_MAX_ACTIVE_THOUGHTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Processor.MaxActiveThoughts = n
		}
	}
	if v := os.Getenv("CIRIS_MAX_THOUGHT_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Processor.MaxThoughtDepth = n
		}
	}
	if v := os.Getenv("CIRIS_ROUND_DELAY_SECONDS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Processor.RoundDelay = d
		} else if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Processor.RoundDelay = time.Duration(f * float64(time.Second))
		}
	}
}

// Get reads a config value by dotted path, checking runtime then session
// then persistent overrides. It does not fall back to the compiled-in
// struct fields: a path with no scoped override reports absent.
func (c *Config) Get(path string) (interface{}, bool) {
	for _, scope := range []ConfigScope{ScopeRuntime, ScopeSession, ScopePersistent} {
		if v, ok := c.scopedOverrides[scope][path]; ok {
			return v, true
		}
	}
	return nil, false
}

// Set records a scoped override. Persistent-scope overrides are expected
// to be flushed to the config-backup store by the RuntimeControl bus so
// they survive a restart; runtime-scope overrides are process-local only.
func (c *Config) Set(scope ConfigScope, path string, value interface{}) {
	if c.scopedOverrides == nil {
		c.scopedOverrides = map[ConfigScope]map[string]interface{}{}
	}
	if c.scopedOverrides[scope] == nil {
		c.scopedOverrides[scope] = map[string]interface{}{}
	}
	c.scopedOverrides[scope][path] = value
}

// Backup returns a snapshot of persistent-scope overrides suitable for
// serializing to disk by config/backup.
func (c *Config) Backup() map[string]interface{} {
	out := make(map[string]interface{}, len(c.scopedOverrides[ScopePersistent]))
	for k, v := range c.scopedOverrides[ScopePersistent] {
		out[k] = v
	}
	return out
}

// Restore replaces the persistent-scope overrides wholesale, used by
// config/restore.
func (c *Config) Restore(snapshot map[string]interface{}) {
	if c.scopedOverrides == nil {
		c.scopedOverrides = map[ConfigScope]map[string]interface{}{}
	}
	restored := make(map[string]interface{}, len(snapshot))
	for k, v := range snapshot {
		restored[k] = v
	}
	c.scopedOverrides[ScopePersistent] = restored
}
