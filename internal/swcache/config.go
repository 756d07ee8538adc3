package swcache

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"octoedge/internal/outbox"
)

type Config struct {
	Storage struct {
		Dir string `yaml:"dir"`
		RAM struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Server struct {
		Port         int    `yaml:"port"`
		Origin       string `yaml:"origin"`
		FetchTimeout string `yaml:"fetchTimeout"`
		AdminPrefix  string `yaml:"adminPrefix"`
	} `yaml:"server"`

	Cache struct {
		Prefix         string   `yaml:"prefix"`
		Version        string   `yaml:"version"`
		OfflinePage    string   `yaml:"offlinePage"`
		Precache       []string `yaml:"precache"`
		// BypassHosts exempts hosts within the origin from interception.
		// Requests to other origins pass through regardless.
		BypassHosts    []string `yaml:"bypassHosts"`
		APIMarker      string   `yaml:"apiMarker"`
		RespectNoStore *bool    `yaml:"respectNoStore"`
		WarmSitemaps   []string `yaml:"warmSitemaps"`
		WarmDelay      string   `yaml:"warmDelay"`
	} `yaml:"cache"`

	Outbox struct {
		MaxRetries      int    `yaml:"maxRetries"`
		DeliveryTimeout string `yaml:"deliveryTimeout"`
		Probe           struct {
			URL   string `yaml:"url"`
			Every string `yaml:"every"`
		} `yaml:"probe"`
	} `yaml:"outbox"`

	Logging struct {
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	ramMax          int64
	diskMax         int64
	fetchTimeout    time.Duration
	deliveryTimeout time.Duration
	probeEvery      time.Duration
	statsEvery      time.Duration
	warmDelay       time.Duration
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.AdminPrefix == "" {
		cfg.Server.AdminPrefix = "/_octoedge"
	}
	cfg.Server.AdminPrefix = "/" + strings.Trim(cfg.Server.AdminPrefix, "/")

	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "./data"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64mb"
	}
	var err error
	if cfg.ramMax, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.diskMax, err = parseOptionalBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}

	if cfg.Cache.Version == "" {
		return fmt.Errorf("cache.version is required")
	}
	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "octomatic"
	}
	if cfg.Cache.OfflinePage == "" {
		cfg.Cache.OfflinePage = "/offline.html"
	}
	if !strings.HasPrefix(cfg.Cache.OfflinePage, "/") {
		return fmt.Errorf("cache.offlinePage: must be an absolute path, got %q", cfg.Cache.OfflinePage)
	}
	for i, p := range cfg.Cache.Precache {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.precache[%d]: must be an absolute path, got %q", i, p)
		}
	}
	if cfg.Cache.APIMarker == "" {
		cfg.Cache.APIMarker = "/api/"
	}
	if cfg.Cache.RespectNoStore == nil {
		v := true
		cfg.Cache.RespectNoStore = &v
	}

	if cfg.Outbox.MaxRetries == 0 {
		cfg.Outbox.MaxRetries = 3
	}
	if cfg.Outbox.MaxRetries < 0 {
		return fmt.Errorf("outbox.maxRetries: must be positive")
	}
	if cfg.Outbox.Probe.URL == "" {
		cfg.Outbox.Probe.URL = cfg.Server.Origin + "/"
	}

	durations := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"server.fetchTimeout", cfg.Server.FetchTimeout, 0, &cfg.fetchTimeout},
		{"outbox.deliveryTimeout", cfg.Outbox.DeliveryTimeout, 30 * time.Second, &cfg.deliveryTimeout},
		{"outbox.probe.every", cfg.Outbox.Probe.Every, 15 * time.Second, &cfg.probeEvery},
		{"logging.statsEvery", cfg.Logging.StatsEvery, 0, &cfg.statsEvery},
		{"cache.warmDelay", cfg.Cache.WarmDelay, 0, &cfg.warmDelay},
	}
	for _, d := range durations {
		if d.raw == "" {
			*d.dst = d.def
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.name)
		}
		*d.dst = v
	}
	return nil
}

// Generations returns the generation names for the configured version.
func (cfg Config) Generations() GenerationNames {
	return NewGenerationNames(cfg.Cache.Prefix, cfg.Cache.Version)
}

func (cfg Config) CacheDir() string { return filepath.Join(cfg.Storage.Dir, "cache") }
func (cfg Config) OutboxDir() string { return filepath.Join(cfg.Storage.Dir, "outbox") }

// OutboxOptions builds the outbox settings from the config.
func (cfg Config) OutboxOptions(client *http.Client, mon *outbox.Monitor) outbox.Options {
	return outbox.Options{
		BaseURL:         cfg.Server.Origin,
		MaxRetries:      cfg.Outbox.MaxRetries,
		DeliveryTimeout: cfg.deliveryTimeout,
		Client:          client,
		Monitor:         mon,
	}
}

func (cfg Config) FetchTimeout() time.Duration { return cfg.fetchTimeout }
func (cfg Config) DeliveryTimeout() time.Duration { return cfg.deliveryTimeout }
func (cfg Config) ProbeEvery() time.Duration { return cfg.probeEvery }
func (cfg Config) StatsEvery() time.Duration { return cfg.statsEvery }

func parseOptionalBytes(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return parseBytes(s)
}
