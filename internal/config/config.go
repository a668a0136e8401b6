package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/n3tuk/action-branch-deploy-lock/internal/store"
)

// Lock backends.
const (
	BackendGitHub = "github"
	BackendOlric  = "olric"
	BackendMemory = "memory"
)

// Config holds all configuration for the service.
type Config struct {
	// API server settings
	APIPort int
	APIHost string

	// Probe server settings
	ProbePort int
	ProbeHost string

	// Metrics server settings
	MetricsPort int
	MetricsHost string

	// TLS settings
	TLSEnabled bool
	TLSCert    string
	TLSKey     string

	// Logging settings
	LogLevel  string
	LogFormat string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Health check settings
	HealthCheckTimeout       time.Duration
	HealthCheckCacheDuration time.Duration

	// Metrics settings
	MetricsNamespace string

	GitHub GitHubConfig
	Lock   LockConfig

	// Olric is only used by the olric backend.
	Olric *store.OlricConfig
}

// GitHubConfig identifies the repository the locks live in.
type GitHubConfig struct {
	Token      string
	Repository string

	// APIURL is set for GitHub Enterprise Server.
	APIURL string

	// ServerURL is used to build links in lock messages.
	ServerURL string
}

// LockConfig holds the lock conventions of the repository.
type LockConfig struct {
	Backend            string
	File               string
	Environments       []string
	DefaultEnvironment string
	Trigger            string
	UnlockTrigger      string
	InfoAlias          string
	GlobalFlag         string
}

func setDefaults() {
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("probe.port", 8081)
	viper.SetDefault("probe.host", "0.0.0.0")
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.host", "0.0.0.0")
	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.cert", "")
	viper.SetDefault("tls.key", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("shutdown.timeout", "30s")
	viper.SetDefault("health.check_timeout", "5s")
	viper.SetDefault("health.cache_duration", "10s")

	viper.SetDefault("github.token", "")
	viper.SetDefault("github.repository", "")
	viper.SetDefault("github.api_url", "")
	viper.SetDefault("github.server_url", "https://github.com")

	viper.SetDefault("lock.backend", BackendGitHub)
	viper.SetDefault("lock.file", "lock.json")
	viper.SetDefault("lock.environments", []string{"production"})
	viper.SetDefault("lock.default_environment", "production")
	viper.SetDefault("lock.trigger", ".lock")
	viper.SetDefault("lock.unlock_trigger", ".unlock")
	viper.SetDefault("lock.info_alias", ".wcid")
	viper.SetDefault("lock.global_flag", "--global")

	viper.SetDefault("olric.host", store.DefaultBindAddr)
	viper.SetDefault("olric.port", store.DefaultBindPort)
	viper.SetDefault("olric.join_addrs", []string{})
	viper.SetDefault("olric.replication_mode", store.DefaultReplicationMode)
	viper.SetDefault("olric.replication_factor", store.DefaultReplicationFactor)
	viper.SetDefault("olric.partition_count", store.DefaultPartitionCount)
	viper.SetDefault("olric.member_count_quorum", store.DefaultMemberCountQuorum)
	viper.SetDefault("olric.join_retry_interval", store.DefaultJoinRetryInterval.String())
	viper.SetDefault("olric.max_join_attempts", store.DefaultMaxJoinAttempts)
	viper.SetDefault("olric.log_level", store.DefaultLogLevel)
	viper.SetDefault("olric.keep_alive_period", store.DefaultKeepAlivePeriod.String())
	viper.SetDefault("olric.request_timeout", store.DefaultRequestTimeout.String())
	viper.SetDefault("olric.dmap_name", store.DefaultDMapName)
}

// Load reads configuration from environment variables, config file, and flags.
func Load() (*Config, error) {
	setDefaults()

	// Environment variables use the LOCK_ prefix with . replaced by _,
	// e.g. lock.default_environment -> LOCK_LOCK_DEFAULT_ENVIRONMENT.
	viper.SetEnvPrefix("LOCK")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Inside a GitHub Actions runner the repository settings are already
	// in the environment.
	_ = viper.BindEnv("github.token", "LOCK_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = viper.BindEnv("github.repository", "LOCK_GITHUB_REPOSITORY", "GITHUB_REPOSITORY")
	_ = viper.BindEnv("github.api_url", "LOCK_GITHUB_API_URL", "GITHUB_API_URL")
	_ = viper.BindEnv("github.server_url", "LOCK_GITHUB_SERVER_URL", "GITHUB_SERVER_URL")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/deployment-lock/")

	// Reading config file is optional
	_ = viper.ReadInConfig()

	cfg := &Config{
		APIPort:          viper.GetInt("api.port"),
		APIHost:          viper.GetString("api.host"),
		ProbePort:        viper.GetInt("probe.port"),
		ProbeHost:        viper.GetString("probe.host"),
		MetricsPort:      viper.GetInt("metrics.port"),
		MetricsHost:      viper.GetString("metrics.host"),
		TLSEnabled:       viper.GetBool("tls.enabled"),
		TLSCert:          viper.GetString("tls.cert"),
		TLSKey:           viper.GetString("tls.key"),
		LogLevel:         viper.GetString("log.level"),
		LogFormat:        viper.GetString("log.format"),
		MetricsNamespace: "deployment_lock", // Fixed value, not configurable
		GitHub: GitHubConfig{
			Token:      viper.GetString("github.token"),
			Repository: viper.GetString("github.repository"),
			APIURL:     viper.GetString("github.api_url"),
			ServerURL:  viper.GetString("github.server_url"),
		},
		Lock: LockConfig{
			Backend:            strings.ToLower(viper.GetString("lock.backend")),
			File:               viper.GetString("lock.file"),
			Environments:       splitList(viper.GetStringSlice("lock.environments")),
			DefaultEnvironment: viper.GetString("lock.default_environment"),
			Trigger:            viper.GetString("lock.trigger"),
			UnlockTrigger:      viper.GetString("lock.unlock_trigger"),
			InfoAlias:          viper.GetString("lock.info_alias"),
			GlobalFlag:         viper.GetString("lock.global_flag"),
		},
	}

	durations := []struct {
		key    string
		target *time.Duration
		desc   string
	}{
		{"shutdown.timeout", &cfg.ShutdownTimeout, "shutdown timeout"},
		{"health.check_timeout", &cfg.HealthCheckTimeout, "health check timeout"},
		{"health.cache_duration", &cfg.HealthCheckCacheDuration, "health check cache duration"},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(viper.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.desc, err)
		}
		*d.target = v
	}

	olric, err := loadOlric()
	if err != nil {
		return nil, err
	}
	cfg.Olric = olric

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadOlric() (*store.OlricConfig, error) {
	oc := &store.OlricConfig{
		BindAddr:          viper.GetString("olric.host"),
		BindPort:          viper.GetInt("olric.port"),
		JoinAddrs:         splitList(viper.GetStringSlice("olric.join_addrs")),
		ReplicationMode:   viper.GetString("olric.replication_mode"),
		ReplicationFactor: viper.GetInt("olric.replication_factor"),
		PartitionCount:    viper.GetUint64("olric.partition_count"),
		MemberCountQuorum: viper.GetInt("olric.member_count_quorum"),
		MaxJoinAttempts:   viper.GetInt("olric.max_join_attempts"),
		LogLevel:          strings.ToUpper(viper.GetString("olric.log_level")),
		DMapName:          viper.GetString("olric.dmap_name"),
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"olric.join_retry_interval", &oc.JoinRetryInterval},
		{"olric.keep_alive_period", &oc.KeepAlivePeriod},
		{"olric.request_timeout", &oc.RequestTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(viper.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.target = v
	}

	return oc, nil
}

// splitList accepts both YAML lists and comma separated environment
// variables.
func splitList(in []string) []string {
	out := []string{}
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", c.APIPort)
	}
	if c.ProbePort < 1 || c.ProbePort > 65535 {
		return fmt.Errorf("invalid probe port: %d", c.ProbePort)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}

	if c.TLSEnabled {
		if c.TLSCert == "" {
			return fmt.Errorf("TLS enabled but no certificate path provided")
		}
		if c.TLSKey == "" {
			return fmt.Errorf("TLS enabled but no key path provided")
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.LogFormat)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s (must be positive)", c.ShutdownTimeout)
	}

	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("invalid health check timeout: %s (must be positive)", c.HealthCheckTimeout)
	}

	if c.HealthCheckCacheDuration < 0 {
		return fmt.Errorf("invalid health check cache duration: %s (must be non-negative, zero disables caching)", c.HealthCheckCacheDuration)
	}

	if c.MetricsNamespace == "" {
		return fmt.Errorf("metrics namespace cannot be empty")
	}

	return c.validateLock()
}

func (c *Config) validateLock() error {
	switch c.Lock.Backend {
	case BackendGitHub:
		if c.GitHub.Token == "" {
			return fmt.Errorf("github backend requires github.token")
		}
		owner, name, ok := strings.Cut(c.GitHub.Repository, "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("invalid github repository: %q (must be owner/name)", c.GitHub.Repository)
		}
	case BackendOlric:
		if c.Olric == nil {
			return fmt.Errorf("olric backend requires olric settings")
		}
		if err := c.Olric.Validate(); err != nil {
			return fmt.Errorf("invalid olric configuration: %w", err)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("invalid lock backend: %s (must be github, olric, or memory)", c.Lock.Backend)
	}

	if c.Lock.File == "" {
		return fmt.Errorf("lock file path cannot be empty")
	}
	if c.Lock.Trigger == "" || c.Lock.UnlockTrigger == "" {
		return fmt.Errorf("lock and unlock triggers cannot be empty")
	}
	if c.Lock.Trigger == c.Lock.UnlockTrigger || c.Lock.Trigger == c.Lock.InfoAlias || c.Lock.UnlockTrigger == c.Lock.InfoAlias {
		return fmt.Errorf("lock, unlock, and info triggers must differ")
	}
	if c.Lock.GlobalFlag == "" {
		return fmt.Errorf("global flag cannot be empty")
	}
	for _, env := range c.Lock.Environments {
		if strings.EqualFold(env, "global") {
			return fmt.Errorf("environment name %q is reserved", env)
		}
	}
	if c.Lock.DefaultEnvironment != "" && len(c.Lock.Environments) > 0 &&
		!slices.Contains(c.Lock.Environments, c.Lock.DefaultEnvironment) {
		return fmt.Errorf("default environment %q is not in lock.environments", c.Lock.DefaultEnvironment)
	}

	return nil
}
