package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

func envLookup(name string) string {
	return os.Getenv(name)
}

// Config is the fully resolved runtime configuration for the paygress
// service, assembled from environment variables (with an optional
// config.yaml overlay) via viper.
type Config struct {
	Transports TransportsConfig
	HTTP       HTTPConfig
	Relay      RelayConfig
	Identity   IdentityConfig
	Ledger     LedgerConfig
	Catalog    CatalogConfig
	Ports      PortsConfig
	Duration   DurationConfig
	Reaper     ReaperConfig
	Driver     DriverConfig
	Redis      RedisConfig
}

type TransportsConfig struct {
	EnableHTTP  bool `mapstructure:"enable_http"`
	EnableRelay bool `mapstructure:"enable_relay"`
	EnableStdio bool `mapstructure:"enable_stdio"`
}

type HTTPConfig struct {
	Bind string `mapstructure:"bind"`
}

type RelayConfig struct {
	URLs []string `mapstructure:"-"`
}

type IdentityConfig struct {
	ServicePrivateKey string `mapstructure:"service_private_key"`
}

type LedgerConfig struct {
	Path             string   `mapstructure:"path"`
	WhitelistedMints []string `mapstructure:"-"`
}

type CatalogConfig struct {
	PodSpecsFile string `mapstructure:"pod_specs_file"`
}

type PortsConfig struct {
	RangeStart     uint16 `mapstructure:"range_start"`
	RangeEnd       uint16 `mapstructure:"range_end"`
	HostPublicAddr string `mapstructure:"host_public_address"`
}

type DurationConfig struct {
	MinSecs int64 `mapstructure:"min_secs"`
	MaxSecs int64 `mapstructure:"max_secs"`
}

type ReaperConfig struct {
	IntervalSecs int64 `mapstructure:"interval_secs"`
}

type DriverConfig struct {
	Kind            string `mapstructure:"kind"`
	DefaultImage    string `mapstructure:"default_image"`
	OrchestratorURL string `mapstructure:"orchestrator_url"`
	OrchestratorKey string `mapstructure:"orchestrator_key"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// Load builds a Config from environment variables, applying the
// defaults set with v.SetDefault below.
// An optional config.yaml in the working directory or /app is merged
// in before env vars are read, mirroring the teacher's layering.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("transports.enable_http", true)
	v.SetDefault("transports.enable_relay", false)
	v.SetDefault("transports.enable_stdio", false)
	v.SetDefault("http.bind", "0.0.0.0:8080")
	v.SetDefault("ports.range_start", 20000)
	v.SetDefault("ports.range_end", 21000)
	v.SetDefault("duration.min_secs", 300)
	v.SetDefault("duration.max_secs", 86400)
	v.SetDefault("reaper.interval_secs", 30)
	v.SetDefault("driver.kind", "noop")
	v.SetDefault("driver.default_image", "alpine:3.19")
	v.SetDefault("ledger.path", "paygress-ledger.db")
	v.SetDefault("catalog.pod_specs_file", "pod_specs.json")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string]string{
		"transports.enable_http":       "ENABLE_HTTP",
		"transports.enable_relay":      "ENABLE_RELAY",
		"transports.enable_stdio":      "ENABLE_STDIO",
		"http.bind":                    "HTTP_BIND",
		"identity.service_private_key": "SERVICE_PRIVATE_KEY",
		"ledger.path":                  "LEDGER_PATH",
		"catalog.pod_specs_file":       "POD_SPECS_FILE",
		"ports.range_start":            "PORT_RANGE_START",
		"ports.range_end":              "PORT_RANGE_END",
		"ports.host_public_address":    "HOST_PUBLIC_ADDRESS",
		"duration.min_secs":            "MIN_DURATION_SECS",
		"duration.max_secs":            "MAX_DURATION_SECS",
		"reaper.interval_secs":         "REAP_INTERVAL_SECS",
		"driver.kind":                  "CONTAINER_DRIVER",
		"driver.default_image":         "DEFAULT_CONTAINER_IMAGE",
		"driver.orchestrator_url":      "ORCHESTRATOR_API_URL",
		"driver.orchestrator_key":      "ORCHESTRATOR_ADMIN_KEY",
		"redis.addr":                   "REDIS_ADDR",
		"redis.password":               "REDIS_PASSWORD",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Relay.URLs = splitCSVEnv("RELAY_URLS")
	cfg.Ledger.WhitelistedMints = splitCSVEnv("WHITELISTED_MINTS")

	return cfg, cfg.validate()
}

// splitCSVEnv reads a comma-separated environment variable directly,
// since viper's AutomaticEnv does not coerce scalar env strings into
// string slices during Unmarshal.
func splitCSVEnv(name string) []string {
	raw := strings.TrimSpace(envLookup(name))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Identity.ServicePrivateKey == "" {
		return fmt.Errorf("required config missing: SERVICE_PRIVATE_KEY")
	}
	if len(c.Ledger.WhitelistedMints) == 0 {
		return fmt.Errorf("required config missing: WHITELISTED_MINTS")
	}
	if c.Ports.HostPublicAddr == "" {
		return fmt.Errorf("required config missing: HOST_PUBLIC_ADDRESS")
	}
	if c.Ports.RangeStart >= c.Ports.RangeEnd {
		return fmt.Errorf("invalid port range: %d >= %d", c.Ports.RangeStart, c.Ports.RangeEnd)
	}
	if c.Duration.MinSecs <= 0 || c.Duration.MaxSecs < c.Duration.MinSecs {
		return fmt.Errorf("invalid duration bounds: min=%d max=%d", c.Duration.MinSecs, c.Duration.MaxSecs)
	}
	if !c.Transports.EnableHTTP && !c.Transports.EnableRelay && !c.Transports.EnableStdio {
		return fmt.Errorf("at least one transport must be enabled")
	}
	switch c.Driver.Kind {
	case "noop", "local-docker", "orchestrator":
	default:
		return fmt.Errorf("unknown CONTAINER_DRIVER: %s", c.Driver.Kind)
	}
	if c.Driver.Kind == "orchestrator" && c.Driver.OrchestratorURL == "" {
		return fmt.Errorf("required config missing: ORCHESTRATOR_API_URL")
	}
	return nil
}
