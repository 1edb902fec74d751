// Package config defines the bridge's hierarchical configuration and its
// strict loader. Unknown keys are rejected at load time; every group
// carries its own Validate.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the bridge daemon.
type Config struct {
	Broker        BrokerConfig        `koanf:"broker"`
	UNS           UNSConfig           `koanf:"uns"`
	Sparkplug     SparkplugConfig     `koanf:"sparkplug"`
	FileWatcher   FileWatcherConfig   `koanf:"file_watcher"`
	RepoClient    RepoClientConfig    `koanf:"repo_client"`
	State         StateConfig         `koanf:"state"`
	Observability ObservabilityConfig `koanf:"observability"`
	Mapping       MappingConfig       `koanf:"mapping"`
	Semantic      SemanticConfig      `koanf:"semantic"`
	Hypervisor    HypervisorConfig    `koanf:"hypervisor"`

	PreferredLanguage string `koanf:"preferred_language"`
	Parallelism       int    `koanf:"parallelism"`
	ShutdownTimeout   string `koanf:"shutdown_timeout"`
}

// BrokerConfig holds MQTT broker connection settings.
type BrokerConfig struct {
	Host              string  `koanf:"host"`
	Port              int     `koanf:"port"`
	ClientID          string  `koanf:"client_id"`
	Username          string  `koanf:"username"`
	Password          string  `koanf:"password"`
	UseTLS            bool    `koanf:"use_tls"`
	CACert            string  `koanf:"ca_cert"`
	ClientCert        string  `koanf:"client_cert"`
	ClientKey         string  `koanf:"client_key"`
	KeepaliveSeconds  int     `koanf:"keepalive"`
	ReconnectDelayMin float64 `koanf:"reconnect_delay_min"`
	ReconnectDelayMax float64 `koanf:"reconnect_delay_max"`
}

// Validate checks broker settings.
func (c BrokerConfig) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("broker.host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid broker.port %d (must be 1-65535)", c.Port)
	}
	if c.ReconnectDelayMin <= 0 || c.ReconnectDelayMax < c.ReconnectDelayMin {
		return fmt.Errorf("broker reconnect delays must satisfy 0 < min <= max")
	}
	if c.UseTLS && c.ClientCert != "" && c.ClientKey == "" {
		return fmt.Errorf("broker.client_key is required when broker.client_cert is set")
	}
	return nil
}

// URL returns the broker URL for the MQTT client.
func (c BrokerConfig) URL() string {
	scheme := "tcp"
	if c.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// UNSConfig controls the retained-plane publication.
type UNSConfig struct {
	Enabled   bool   `koanf:"enabled"`
	RootTopic string `koanf:"root_topic"`
	QoS       int    `koanf:"qos"`
	Retain    bool   `koanf:"retain"`
}

// Validate checks retained-plane settings.
func (c UNSConfig) Validate() error {
	if c.QoS < 0 || c.QoS > 2 {
		return fmt.Errorf("uns.qos must be 0, 1 or 2")
	}
	if strings.ContainsAny(c.RootTopic, "+#") {
		return fmt.Errorf("uns.root_topic must not contain wildcards")
	}
	return nil
}

// SparkplugConfig controls the lifecycle-plane publication.
type SparkplugConfig struct {
	Enabled    bool   `koanf:"enabled"`
	GroupID    string `koanf:"group_id"`
	EdgeNodeID string `koanf:"edge_node_id"`
	QoS        int    `koanf:"qos"`
}

// Validate checks lifecycle-plane settings.
func (c SparkplugConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.GroupID) == "" {
		return fmt.Errorf("sparkplug.group_id is required")
	}
	if strings.TrimSpace(c.EdgeNodeID) == "" {
		return fmt.Errorf("sparkplug.edge_node_id is required")
	}
	for _, s := range []string{c.GroupID, c.EdgeNodeID} {
		if strings.ContainsAny(s, "/+#") {
			return fmt.Errorf("sparkplug identifiers must not contain '/', '+' or '#': %q", s)
		}
	}
	if c.QoS != 0 {
		return fmt.Errorf("sparkplug.qos must be 0")
	}
	return nil
}

// FileWatcherConfig controls the AAS bundle watch directory.
type FileWatcherConfig struct {
	Enabled         bool     `koanf:"enabled"`
	WatchDir        string   `koanf:"watch_dir"`
	Patterns        []string `koanf:"patterns"`
	DebounceSeconds float64  `koanf:"debounce_seconds"`
}

// Validate checks file-watcher settings.
func (c FileWatcherConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.WatchDir) == "" {
		return fmt.Errorf("file_watcher.watch_dir is required")
	}
	if c.DebounceSeconds < 0 {
		return fmt.Errorf("file_watcher.debounce_seconds cannot be negative")
	}
	return nil
}

// RepoClientConfig controls AAS repository polling and write-back.
type RepoClientConfig struct {
	Enabled             bool    `koanf:"enabled"`
	BaseURL             string  `koanf:"base_url"`
	PollIntervalSeconds float64 `koanf:"poll_interval_seconds"`
	TimeoutSeconds      float64 `koanf:"timeout_seconds"`
	AuthToken           string  `koanf:"auth_token"`
	WriteRetries        int     `koanf:"write_retries"`
}

// Validate checks repository-client settings.
func (c RepoClientConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("repo_client.base_url must be an http(s) URL")
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("repo_client.poll_interval_seconds must be > 0")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("repo_client.timeout_seconds must be > 0")
	}
	return nil
}

// Timeout returns the per-call timeout as a duration.
func (c RepoClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// StateConfig controls the persistence layer.
type StateConfig struct {
	Dir                  string `koanf:"dir"`
	DeduplicatePublishes bool   `koanf:"deduplicate_publishes"`
	CacheBirths          bool   `koanf:"cache_births"`

	// Per-table entry caps; least-recently-touched rows are evicted past
	// the cap. Zero means the table default.
	MaxAliases      int `koanf:"max_aliases"`
	MaxHashes       int `koanf:"max_hashes"`
	MaxBirths       int `koanf:"max_births"`
	MaxContexts     int `koanf:"max_contexts"`
	MaxFingerprints int `koanf:"max_fingerprints"`
	MaxLifecycle    int `koanf:"max_lifecycle"`
	MaxFidelity     int `koanf:"max_fidelity"`
}

// Validate checks persistence settings.
func (c StateConfig) Validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return fmt.Errorf("state.dir is required")
	}
	for name, v := range map[string]int{
		"max_aliases":      c.MaxAliases,
		"max_hashes":       c.MaxHashes,
		"max_births":       c.MaxBirths,
		"max_contexts":     c.MaxContexts,
		"max_fingerprints": c.MaxFingerprints,
		"max_lifecycle":    c.MaxLifecycle,
		"max_fidelity":     c.MaxFidelity,
	} {
		if v < 0 {
			return fmt.Errorf("state.%s cannot be negative", name)
		}
	}
	return nil
}

// ObservabilityConfig controls logging, metrics and health endpoints.
type ObservabilityConfig struct {
	LogLevel    string `koanf:"log_level"`
	LogFormat   string `koanf:"log_format"`
	MetricsPort int    `koanf:"metrics_port"`
	HealthPort  int    `koanf:"health_port"`
}

// Validate checks observability settings.
func (c ObservabilityConfig) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid observability.log_level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console", "text":
	default:
		return fmt.Errorf("invalid observability.log_format %q", c.LogFormat)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid observability.metrics_port %d", c.MetricsPort)
	}
	if c.HealthPort < 0 || c.HealthPort > 65535 {
		return fmt.Errorf("invalid observability.health_port %d", c.HealthPort)
	}
	return nil
}

// MappingConfig points to the ISA-95 hierarchy mapping document.
type MappingConfig struct {
	File string `koanf:"file"`
}

// Validate checks mapping settings. An empty file means defaults only.
func (c MappingConfig) Validate() error {
	return nil
}

// ValueConstraint limits values carrying a given semantic ID.
type ValueConstraint struct {
	Min     *float64 `koanf:"min"`
	Max     *float64 `koanf:"max"`
	Unit    string   `koanf:"unit"`
	Pattern string   `koanf:"pattern"`
}

// SemanticConfig controls validation and payload composition.
type SemanticConfig struct {
	ValidationLevel    int                        `koanf:"validation_level"` // 0, 1, 2
	EnforceSemanticIDs bool                       `koanf:"enforce_semantic_ids"`
	RequiredForTypes   []string                   `koanf:"required_for_types"`
	ValueConstraints   map[string]ValueConstraint `koanf:"value_constraints"`
	RejectInvalid      bool                       `koanf:"reject_invalid"`

	PayloadMode       string `koanf:"payload_mode"` // inline | pointer | hybrid
	UseUserProperties bool   `koanf:"use_user_properties"`
	ContextDictionary string `koanf:"context_dictionary"`
	PointerCacheSize  int    `koanf:"pointer_cache_size"`
}

// Validate checks semantic settings.
func (c SemanticConfig) Validate() error {
	if c.ValidationLevel < 0 || c.ValidationLevel > 2 {
		return fmt.Errorf("semantic.validation_level must be 0, 1 or 2")
	}
	switch c.PayloadMode {
	case "inline", "pointer", "hybrid":
	default:
		return fmt.Errorf("semantic.payload_mode must be inline, pointer or hybrid")
	}
	if c.PointerCacheSize < 0 {
		return fmt.Errorf("semantic.pointer_cache_size cannot be negative")
	}
	for id, vc := range c.ValueConstraints {
		if vc.Min != nil && vc.Max != nil && *vc.Min > *vc.Max {
			return fmt.Errorf("semantic.value_constraints[%s]: min > max", id)
		}
	}
	return nil
}

// DriftConfig controls schema and streaming drift detection.
type DriftConfig struct {
	Enabled            bool               `koanf:"enabled"`
	SeverityMap        map[string]string  `koanf:"severity_map"`
	NumTrees           int                `koanf:"num_trees"`
	MaxDepth           int                `koanf:"max_depth"`
	WindowSize         int                `koanf:"window_size"`
	SeverityThresholds map[string]float64 `koanf:"severity_thresholds"`
}

// LifecycleConfig controls asset online/stale/offline tracking.
type LifecycleConfig struct {
	Enabled                bool    `koanf:"enabled"`
	StaleThresholdSeconds  float64 `koanf:"stale_threshold_seconds"`
	ClearRetainedOnOffline bool    `koanf:"clear_retained_on_offline"`
}

// BidirectionalConfig controls the command write-back path.
type BidirectionalConfig struct {
	Enabled              bool     `koanf:"enabled"`
	AllowedWritePatterns []string `koanf:"allowed_write_patterns"`
	DeniedWritePatterns  []string `koanf:"denied_write_patterns"`
	ValidateBeforeWrite  bool     `koanf:"validate_before_write"`
}

// FidelityConfig controls snapshot fidelity scoring.
type FidelityConfig struct {
	Enabled          bool               `koanf:"enabled"`
	Weights          map[string]float64 `koanf:"weights"`
	AlertThreshold   float64            `koanf:"alert_threshold"`
}

// HypervisorConfig groups the semantic hypervisor subsystems.
type HypervisorConfig struct {
	Drift         DriftConfig         `koanf:"drift"`
	Lifecycle     LifecycleConfig     `koanf:"lifecycle"`
	Bidirectional BidirectionalConfig `koanf:"bidirectional"`
	Fidelity      FidelityConfig      `koanf:"fidelity"`
}

// Validate checks hypervisor settings.
func (c HypervisorConfig) Validate() error {
	if c.Lifecycle.Enabled && c.Lifecycle.StaleThresholdSeconds <= 0 {
		return fmt.Errorf("hypervisor.lifecycle.stale_threshold_seconds must be > 0")
	}
	for kind, sev := range c.Drift.SeverityMap {
		switch sev {
		case "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("hypervisor.drift.severity_map[%s]: invalid severity %q", kind, sev)
		}
	}
	if c.Drift.NumTrees < 0 || c.Drift.MaxDepth < 0 || c.Drift.WindowSize < 0 {
		return fmt.Errorf("hypervisor.drift tree parameters cannot be negative")
	}
	if c.Fidelity.Enabled {
		if c.Fidelity.AlertThreshold < 0 || c.Fidelity.AlertThreshold > 1 {
			return fmt.Errorf("hypervisor.fidelity.alert_threshold must be in [0, 1]")
		}
	}
	return nil
}

// Validate validates the complete configuration.
func (c *Config) Validate() error {
	if err := c.Broker.Validate(); err != nil {
		return err
	}
	if err := c.UNS.Validate(); err != nil {
		return err
	}
	if err := c.Sparkplug.Validate(); err != nil {
		return err
	}
	if err := c.FileWatcher.Validate(); err != nil {
		return err
	}
	if err := c.RepoClient.Validate(); err != nil {
		return err
	}
	if err := c.State.Validate(); err != nil {
		return err
	}
	if err := c.Observability.Validate(); err != nil {
		return err
	}
	if err := c.Mapping.Validate(); err != nil {
		return err
	}
	if err := c.Semantic.Validate(); err != nil {
		return err
	}
	if err := c.Hypervisor.Validate(); err != nil {
		return err
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism cannot be negative")
	}
	if c.ShutdownTimeout != "" {
		d, err := time.ParseDuration(c.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("invalid shutdown_timeout %q: %w", c.ShutdownTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("shutdown_timeout must be > 0")
		}
	}
	return nil
}

// ShutdownDeadline returns the graceful-shutdown deadline.
func (c *Config) ShutdownDeadline() time.Duration {
	if c.ShutdownTimeout == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.ShutdownTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Default returns the configuration defaults applied before file and
// environment overrides.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:              "localhost",
			Port:              1883,
			ClientID:          "aas-uns-bridge",
			KeepaliveSeconds:  60,
			ReconnectDelayMin: 1.0,
			ReconnectDelayMax: 120.0,
		},
		UNS: UNSConfig{
			Enabled: true,
			QoS:     1,
			Retain:  true,
		},
		Sparkplug: SparkplugConfig{
			Enabled:    true,
			GroupID:    "AAS",
			EdgeNodeID: "Bridge",
			QoS:        0,
		},
		FileWatcher: FileWatcherConfig{
			Enabled:         true,
			WatchDir:        "./watch",
			Patterns:        []string{"*.aasx", "*.json"},
			DebounceSeconds: 2.0,
		},
		RepoClient: RepoClientConfig{
			Enabled:             false,
			BaseURL:             "http://localhost:8080",
			PollIntervalSeconds: 60.0,
			TimeoutSeconds:      30.0,
			WriteRetries:        3,
		},
		State: StateConfig{
			Dir:                  "./state",
			DeduplicatePublishes: true,
			CacheBirths:          true,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "console",
			MetricsPort: 9090,
			HealthPort:  8081,
		},
		Semantic: SemanticConfig{
			ValidationLevel:   1,
			RequiredForTypes:  []string{"Property"},
			PayloadMode:       "inline",
			ContextDictionary: "default",
			PointerCacheSize:  4096,
		},
		Hypervisor: HypervisorConfig{
			Drift: DriftConfig{
				Enabled: true,
				SeverityMap: map[string]string{
					"metric_added":   "low",
					"type_changed":   "medium",
					"metric_removed": "high",
				},
				NumTrees:   25,
				MaxDepth:   10,
				WindowSize: 1000,
				SeverityThresholds: map[string]float64{
					"low":      0.3,
					"medium":   0.5,
					"high":     0.7,
					"critical": 0.9,
				},
			},
			Lifecycle: LifecycleConfig{
				Enabled:               true,
				StaleThresholdSeconds: 300,
			},
			Bidirectional: BidirectionalConfig{
				Enabled:             false,
				ValidateBeforeWrite: true,
			},
			Fidelity: FidelityConfig{
				Enabled: true,
				Weights: map[string]float64{
					"structural": 0.3,
					"semantic":   0.5,
					"entropy":    0.2,
				},
				AlertThreshold: 0.6,
			},
		},
		PreferredLanguage: "en",
	}
}
