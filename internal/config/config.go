package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults reproduce the production NDFD CONUS temperature setup. The bbox is
// the CONUS extent in EPSG:3857 meters.
const (
	DefaultWMSBaseURL = "https://digital.weather.gov/ndfd/wms"
	DefaultLayer      = "ndfd.conus.temp"
	DefaultBBox       = "-14200679.12,2500000,-7400000,6505689.94"
	DefaultLegendURL  = "https://digital.weather.gov/staticpages/legend/tempscale_conus.png"
	DefaultOutputPath = "conus_temp_live.kml"
)

// Document modes. ModeGround embeds a GroundOverlay that the refresh cycle
// re-times; ModeNetworkLink emits a self-refreshing NetworkLink instead.
const (
	ModeGround      = "ground"
	ModeNetworkLink = "network_link"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	WMSBaseURL string
	Layer      string
	WMSTimeout time.Duration
	BBox       string
	Width      int
	Height     int
	LegendURL  string

	OutputPath   string
	DocumentMode string // "ground" or "network_link"

	RefreshInterval time.Duration
	CycleTimeout    time.Duration
	StalenessFactor int // health degrades after StalenessFactor * RefreshInterval without success

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	UpstreamRateLimitRPS   float64
	UpstreamRateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	CacheTTL     time.Duration
	CacheBackend string // "in_memory" or "memcached"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	ShutdownTimeout time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WMS struct {
		BaseURL   string `yaml:"base_url"`
		Layer     string `yaml:"layer"`
		Timeout   string `yaml:"timeout"`
		BBox      string `yaml:"bbox"`
		Width     int    `yaml:"width"`
		Height    int    `yaml:"height"`
		LegendURL string `yaml:"legend_url"`
	} `yaml:"wms"`

	Output struct {
		Path string `yaml:"path"`
		Mode string `yaml:"mode"`
	} `yaml:"output"`

	Refresh struct {
		Interval        string `yaml:"interval"`
		CycleTimeout    string `yaml:"cycle_timeout"`
		StalenessFactor int    `yaml:"staleness_factor"`
	} `yaml:"refresh"`

	Reliability struct {
		RetryMaxAttempts  int     `yaml:"retry_max_attempts"`
		RetryBaseDelay    string  `yaml:"retry_base_delay"`
		RetryMaxDelay     string  `yaml:"retry_max_delay"`
		UpstreamRateRPS   float64 `yaml:"upstream_rate_limit_rps"`
		UpstreamRateBurst int     `yaml:"upstream_rate_limit_burst"`
		CircuitBreaker    struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev).
// Selected fields can be overridden by env (OUTPUT_PATH, WMS_BASE_URL,
// CACHE_BACKEND, MEMCACHED_ADDRS). Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.WMSBaseURL = strings.TrimSpace(os.Getenv("WMS_BASE_URL"))
	if cfg.WMSBaseURL == "" {
		cfg.WMSBaseURL = strings.TrimSpace(fc.WMS.BaseURL)
	}
	if cfg.WMSBaseURL == "" {
		cfg.WMSBaseURL = DefaultWMSBaseURL
	}
	cfg.Layer = strings.TrimSpace(fc.WMS.Layer)
	if cfg.Layer == "" {
		cfg.Layer = DefaultLayer
	}
	cfg.WMSTimeout = parseDuration(fc.WMS.Timeout, 10*time.Second)
	cfg.BBox = strings.TrimSpace(fc.WMS.BBox)
	if cfg.BBox == "" {
		cfg.BBox = DefaultBBox
	}
	cfg.Width = fc.WMS.Width
	if cfg.Width <= 0 {
		cfg.Width = 1024
	}
	cfg.Height = fc.WMS.Height
	if cfg.Height <= 0 {
		cfg.Height = 768
	}
	cfg.LegendURL = strings.TrimSpace(fc.WMS.LegendURL)
	if cfg.LegendURL == "" {
		cfg.LegendURL = DefaultLegendURL
	}

	cfg.OutputPath = strings.TrimSpace(os.Getenv("OUTPUT_PATH"))
	if cfg.OutputPath == "" {
		cfg.OutputPath = strings.TrimSpace(fc.Output.Path)
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = DefaultOutputPath
	}
	cfg.DocumentMode = strings.TrimSpace(strings.ToLower(fc.Output.Mode))
	if cfg.DocumentMode == "" {
		cfg.DocumentMode = ModeGround
	}

	cfg.RefreshInterval = parseDuration(fc.Refresh.Interval, 30*time.Minute)
	cfg.CycleTimeout = parseDuration(fc.Refresh.CycleTimeout, 2*time.Minute)
	cfg.StalenessFactor = fc.Refresh.StalenessFactor
	if cfg.StalenessFactor <= 0 {
		cfg.StalenessFactor = 3
	}

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.UpstreamRateLimitRPS = fc.Reliability.UpstreamRateRPS
	if cfg.UpstreamRateLimitRPS <= 0 {
		cfg.UpstreamRateLimitRPS = 1
	}
	cfg.UpstreamRateLimitBurst = fc.Reliability.UpstreamRateBurst
	if cfg.UpstreamRateLimitBurst <= 0 {
		cfg.UpstreamRateLimitBurst = 2
	}

	cfg.CircuitBreakerEnabled = true
	if fc.Reliability.CircuitBreaker.Enabled != nil {
		cfg.CircuitBreakerEnabled = *fc.Reliability.CircuitBreaker.Enabled
	}
	cfg.CircuitBreakerFailureThreshold = fc.Reliability.CircuitBreaker.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = fc.Reliability.CircuitBreaker.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(fc.Reliability.CircuitBreaker.Timeout, 60*time.Second)

	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 5*time.Minute)
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("CACHE_BACKEND")))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = strings.TrimSpace(strings.ToLower(fc.Cache.Backend))
	}
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing
// fails or the result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values. The cycle
// timeout is stretched when retries could not fit inside it.
func validate(cfg *Config) error {
	switch cfg.DocumentMode {
	case ModeGround, ModeNetworkLink:
		// valid
	default:
		return fmt.Errorf("output.mode must be %s or %s, got %q", ModeGround, ModeNetworkLink, cfg.DocumentMode)
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached":
		// valid
	default:
		return fmt.Errorf("cache.backend must be in_memory or memcached, got %q", cfg.CacheBackend)
	}
	if parts := strings.Split(cfg.BBox, ","); len(parts) != 4 {
		return fmt.Errorf("wms.bbox must have 4 comma-separated values, got %q", cfg.BBox)
	}
	if cfg.CacheTTL >= cfg.RefreshInterval {
		return fmt.Errorf("cache.ttl (%s) must be shorter than refresh.interval (%s)", cfg.CacheTTL, cfg.RefreshInterval)
	}
	worstRetry := time.Duration(cfg.RetryAttempts) * (cfg.WMSTimeout + cfg.RetryMaxDelay)
	if cfg.CycleTimeout <= worstRetry {
		cfg.CycleTimeout = worstRetry + time.Second
	}
	return nil
}
