package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"livefeed/pkg/analytics"
	"livefeed/pkg/coordinator"
)

var ErrInvalid = errors.New("invalid config")

// TLSFiles enables HTTPS on the feed server when Cert and Key are set.
type TLSFiles struct {
	Cert     string `yaml:"cert"`
	Key      string `yaml:"key"`
	ClientCA string `yaml:"client_ca"`
}

// Config is shared by the feed server and the feed client; each binary
// reads the fields it needs.
type Config struct {
	Listen            string        `yaml:"listen"`
	Endpoint          string        `yaml:"endpoint"`
	CanisterID        string        `yaml:"canister_id"`
	SnapshotURL       string        `yaml:"snapshot_url"`
	Token             string        `yaml:"token"`
	JWTSecret         string        `yaml:"jwt_secret"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AnalysisInterval  time.Duration `yaml:"analysis_interval"`
	DemoInterval      time.Duration `yaml:"demo_interval"`
	TLS               TLSFiles      `yaml:"tls"`

	Feed     coordinator.Config        `yaml:"feed"`
	Baseline analytics.NetworkBaseline `yaml:"baseline"`
}

func Default() Config {
	return Config{
		Listen:            ":8080",
		Endpoint:          "ws://127.0.0.1:8080/api/v1/ws/feed",
		SnapshotURL:       "http://127.0.0.1:8080/api/v1/snapshot",
		LogLevel:          "info",
		LogFormat:         "text",
		HeartbeatInterval: 30 * time.Second,
		AnalysisInterval:  time.Minute,
		Feed:              coordinator.DefaultConfig(),
		Baseline:          analytics.DefaultBaseline(),
	}
}

func (c Config) Validate() error {
	if err := c.Feed.Validate(); err != nil {
		return err
	}
	switch {
	case c.HeartbeatInterval < 0:
		return fmt.Errorf("%w: heartbeat interval must not be negative", ErrInvalid)
	case c.AnalysisInterval < 0:
		return fmt.Errorf("%w: analysis interval must not be negative", ErrInvalid)
	case c.DemoInterval < 0:
		return fmt.Errorf("%w: demo interval must not be negative", ErrInvalid)
	case c.TLS.Cert != "" && c.TLS.Key == "", c.TLS.Cert == "" && c.TLS.Key != "":
		return fmt.Errorf("%w: tls cert and key must be set together", ErrInvalid)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.LogFormat)
	}
	return nil
}

// Load layers defaults, the YAML file named by -config (or LIVEFEED_CONFIG),
// the .env file, process environment and finally explicitly set flags.
func Load(name string, args []string) (Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	bindFlags(fs, &cfg)
	path := fs.String("config", "", "YAML config file")
	envFile := fs.String("env-file", ".env", "dotenv file (ignored when missing)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	cfg = Default()
	dotenv, err := readDotEnv(*envFile)
	if err != nil {
		return Config{}, err
	}
	env := lookup(dotenv)
	file := *path
	if file == "" {
		file, _ = env("LIVEFEED_CONFIG")
	}
	if file != "" {
		if err := loadFile(file, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}
	for name, v := range explicit {
		if err := fs.Set(name, v); err != nil {
			return Config{}, fmt.Errorf("flag -%s: %w", name, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	m, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return m, nil
}

// lookup prefers the process environment over dotenv values.
func lookup(dotenv map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
}

func applyEnv(cfg *Config, env func(string) (string, bool)) error {
	strs := map[string]*string{
		"LIVEFEED_LISTEN":       &cfg.Listen,
		"LIVEFEED_ENDPOINT":     &cfg.Endpoint,
		"LIVEFEED_CANISTER_ID":  &cfg.CanisterID,
		"LIVEFEED_SNAPSHOT_URL": &cfg.SnapshotURL,
		"LIVEFEED_TOKEN":        &cfg.Token,
		"JWT_SECRET":            &cfg.JWTSecret,
		"LIVEFEED_METRICS_ADDR": &cfg.MetricsAddr,
		"LOG_LEVEL":             &cfg.LogLevel,
		"LOG_FORMAT":            &cfg.LogFormat,
		"LIVEFEED_TLS_CERT":     &cfg.TLS.Cert,
		"LIVEFEED_TLS_KEY":      &cfg.TLS.Key,
		"LIVEFEED_CLIENT_CA":    &cfg.TLS.ClientCA,
	}
	for k, p := range strs {
		if v, ok := env(k); ok {
			*p = v
		}
	}
	durs := map[string]*time.Duration{
		"LIVEFEED_HEARTBEAT_INTERVAL": &cfg.HeartbeatInterval,
		"LIVEFEED_ANALYSIS_INTERVAL":  &cfg.AnalysisInterval,
		"LIVEFEED_DEMO_INTERVAL":      &cfg.DemoInterval,
		"LIVEFEED_POLLING_INTERVAL":   &cfg.Feed.PollingInterval,
		"LIVEFEED_THROTTLE_INTERVAL":  &cfg.Feed.ThrottleInterval,
	}
	for k, p := range durs {
		if v, ok := env(k); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, k, v, err)
			}
			*p = d
		}
	}
	bools := map[string]*bool{
		"LIVEFEED_ENABLE_PUSH":             &cfg.Feed.EnablePush,
		"LIVEFEED_ENABLE_POLLING_FALLBACK": &cfg.Feed.EnablePollingFallback,
		"LIVEFEED_THROTTLE_ENABLED":        &cfg.Feed.ThrottleEnabled,
		"LIVEFEED_BANDWIDTH_OPTIMIZATION":  &cfg.Feed.BandwidthOptimization,
		"LIVEFEED_ADAPTIVE_THROTTLING":     &cfg.Feed.AdaptiveThrottling,
	}
	for k, p := range bools {
		if v, ok := env(k); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, k, v, err)
			}
			*p = b
		}
	}
	ints := map[string]*int{
		"LIVEFEED_MAX_RECONNECT_ATTEMPTS":     &cfg.Feed.MaxReconnectAttempts,
		"LIVEFEED_MAX_CONCURRENT_CONNECTIONS": &cfg.Feed.MaxConcurrentConnections,
		"LIVEFEED_MAX_BATCH_SIZE":             &cfg.Feed.MaxBatchSize,
	}
	for k, p := range ints {
		if v, ok := env(k); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, k, v, err)
			}
			*p = n
		}
	}
	return nil
}

func bindFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Listen, "addr", cfg.Listen, "listen address (feed server)")
	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "push feed websocket URL")
	fs.StringVar(&cfg.CanisterID, "canister", cfg.CanisterID, "canister to watch")
	fs.StringVar(&cfg.SnapshotURL, "snapshot-url", cfg.SnapshotURL, "pull-mode snapshot URL")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer token sent by the client")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HS256 secret for stream tokens")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve /metrics on this address (client)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text|json")
	fs.StringVar(&cfg.TLS.Cert, "tls-cert", cfg.TLS.Cert, "TLS cert path (enables HTTPS if set with --tls-key)")
	fs.StringVar(&cfg.TLS.Key, "tls-key", cfg.TLS.Key, "TLS key path (enables HTTPS if set with --tls-cert)")
	fs.StringVar(&cfg.TLS.ClientCA, "client-ca", cfg.TLS.ClientCA, "require and verify client certs using this CA (optional)")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "push channel heartbeat interval")
	fs.DurationVar(&cfg.AnalysisInterval, "analysis-interval", cfg.AnalysisInterval, "how often the client runs analytics")
	fs.DurationVar(&cfg.DemoInterval, "demo", cfg.DemoInterval, "publish synthetic updates at this interval (feed server, 0 disables)")
	fs.BoolVar(&cfg.Feed.EnablePush, "push", cfg.Feed.EnablePush, "use the push channel")
	fs.BoolVar(&cfg.Feed.EnablePollingFallback, "polling-fallback", cfg.Feed.EnablePollingFallback, "poll when push is unavailable")
	fs.DurationVar(&cfg.Feed.PollingInterval, "polling-interval", cfg.Feed.PollingInterval, "snapshot polling interval")
	fs.IntVar(&cfg.Feed.MaxReconnectAttempts, "max-reconnect", cfg.Feed.MaxReconnectAttempts, "reconnect attempts before giving up")
	fs.BoolVar(&cfg.Feed.ThrottleEnabled, "throttle", cfg.Feed.ThrottleEnabled, "batch updates per throttle interval")
	fs.DurationVar(&cfg.Feed.ThrottleInterval, "throttle-interval", cfg.Feed.ThrottleInterval, "throttle flush interval")
	fs.BoolVar(&cfg.Feed.BandwidthOptimization, "bandwidth-opt", cfg.Feed.BandwidthOptimization, "suppress near-identical metrics")
	fs.BoolVar(&cfg.Feed.AdaptiveThrottling, "adaptive-throttle", cfg.Feed.AdaptiveThrottling, "widen the throttle under load")
	fs.IntVar(&cfg.Feed.MaxConcurrentConnections, "max-connections", cfg.Feed.MaxConcurrentConnections, "feed server connection cap")
}
