package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"qingxi/models"
)

type Config struct {
	Qingxi     QingxiConfig     `yaml:"qingxi"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Batch      BatchConfig      `yaml:"batch"`
	Cleaner    CleanerConfig    `yaml:"cleaner"`
	ThreadPool ThreadPoolConfig `yaml:"thread_pool"`
	MemoryPool MemoryPoolConfig `yaml:"memory_pool"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Connection ConnectionConfig `yaml:"connection"`
	Book       BookConfig       `yaml:"book"`
	Sources    []SourceConfig   `yaml:"sources"`
}

type QingxiConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// ReportSchedule is a cron spec with a seconds field, e.g. "*/30 * * * * *".
	ReportSchedule string `yaml:"report_schedule"`
	// HealthSilence marks an exchange unhealthy when no message arrived for this long.
	HealthSilence time.Duration `yaml:"health_silence"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Address    string           `yaml:"address"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Namespace       string `yaml:"namespace"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type BatchConfig struct {
	MaxBatchSize   int           `yaml:"max_batch_size"`
	MaxWaitTime    time.Duration `yaml:"max_wait_time"`
	Concurrency    int           `yaml:"concurrency"`
	MaxQueueLen    int           `yaml:"max_queue_len"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type ThresholdsConfig struct {
	Basic      float64 `yaml:"basic"`
	Deep       float64 `yaml:"deep"`
	Aggressive float64 `yaml:"aggressive"`
}

type CleanerConfig struct {
	// Kind selects "progressive" or "unified".
	Kind     string `yaml:"kind"`
	Mode     string `yaml:"mode"`
	Disabled bool   `yaml:"disabled"`

	Thresholds        ThresholdsConfig `yaml:"thresholds"`
	MaxSpreadRatio    float64          `yaml:"max_spread_ratio"`
	MidPriceTolerance float64          `yaml:"mid_price_tolerance"`
	MinQuantity       float64          `yaml:"min_quantity"`
	MinDepth          int              `yaml:"min_depth"`
	WindowSize        int              `yaml:"window_size"`
	TuneInterval      int              `yaml:"tune_interval"`

	QualityThreshold    float64 `yaml:"quality_threshold"`
	PricePrecision      int32   `yaml:"price_precision"`
	BucketSortThreshold int     `yaml:"bucket_sort_threshold"`
	SIMDThreshold       int     `yaml:"simd_threshold"`
}

type ThreadPoolConfig struct {
	Enabled         bool          `yaml:"enabled"`
	CoreWorkers     int           `yaml:"core_workers"`
	MaxWorkers      int           `yaml:"max_workers"`
	IdleSleep       time.Duration `yaml:"idle_sleep"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	ScaleCPUCeiling float64       `yaml:"scale_cpu_ceiling"`
	PinCPU          bool          `yaml:"pin_cpu"`
}

type MemoryPoolConfig struct {
	Capacity int `yaml:"capacity"`
}

type ReconnectConfig struct {
	Base          time.Duration `yaml:"base"`
	Max           time.Duration `yaml:"max"`
	Multiplier    float64       `yaml:"multiplier"`
	Jitter        float64       `yaml:"jitter"`
	MaxRetries      int           `yaml:"max_retries"`
	StableAfter     time.Duration `yaml:"stable_after"`
	QualityAlpha    float64       `yaml:"quality_alpha"`
	QualityWeight   float64       `yaml:"quality_weight"`
	QualityDegraded float64       `yaml:"quality_degraded"`
	MinHeartbeat    time.Duration `yaml:"min_heartbeat"`
	MaxHeartbeat    time.Duration `yaml:"max_heartbeat"`
}

type ConnectionConfig struct {
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	SnapshotTimeout  time.Duration `yaml:"snapshot_timeout"`
	SnapshotRate     float64       `yaml:"snapshot_rate"`
	SnapshotBurst    int           `yaml:"snapshot_burst"`
	DisableSnapshots bool          `yaml:"disable_snapshots"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
}

type BookConfig struct {
	// Depth bounds the levels per side handed to the cleaner; 0 keeps all.
	Depth int `yaml:"depth"`
}

// SourceConfig is one exchange connection. Symbols expand to an orderbook
// subscription of Depth plus a trades subscription each; Subscriptions are
// appended verbatim.
type SourceConfig struct {
	Exchange      string                `yaml:"exchange"`
	Disabled      bool                  `yaml:"disabled"`
	WSURL         string                `yaml:"ws_url"`
	RESTURL       string                `yaml:"rest_url"`
	InstType      string                `yaml:"inst_type"`
	LocalIP       string                `yaml:"local_ip"`
	Symbols       []models.Symbol       `yaml:"symbols"`
	Depth         int                   `yaml:"depth"`
	Channels      []models.Channel      `yaml:"channels"`
	Subscriptions []models.Subscription `yaml:"subscriptions"`
}

// AllSubscriptions expands Symbols and appends explicit Subscriptions.
func (s SourceConfig) AllSubscriptions() []models.Subscription {
	channels := s.Channels
	if len(channels) == 0 {
		channels = []models.Channel{models.ChannelOrderBook, models.ChannelTrades}
	}
	out := make([]models.Subscription, 0, len(s.Symbols)*len(channels)+len(s.Subscriptions))
	for _, sym := range s.Symbols {
		for _, ch := range channels {
			sub := models.Subscription{Symbol: sym, Channel: ch}
			if ch == models.ChannelOrderBook {
				sub.Depth = s.Depth
			}
			out = append(out, sub)
		}
	}
	return append(out, s.Subscriptions...)
}

// Default returns the configuration used for every key the file leaves out.
func Default() Config {
	return Config{
		Qingxi: QingxiConfig{
			Name:           "qingxi",
			ReportSchedule: "*/30 * * * * *",
			HealthSilence:  30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Metrics: MetricsConfig{
			Enabled:    true,
			Address:    "0.0.0.0:2112",
			CloudWatch: CloudWatchConfig{Namespace: "Qingxi"},
		},
		Batch: BatchConfig{
			MaxBatchSize: 100,
			MaxWaitTime:  10 * time.Millisecond,
			Concurrency:  4,
		},
		Cleaner: CleanerConfig{
			Kind:                "progressive",
			Mode:                "standard",
			Thresholds:          ThresholdsConfig{Basic: 0.8, Deep: 0.6, Aggressive: 0.4},
			MaxSpreadRatio:      0.05,
			MidPriceTolerance:   0.10,
			MinDepth:            5,
			WindowSize:          100,
			TuneInterval:        10,
			QualityThreshold:    0.3,
			PricePrecision:      8,
			BucketSortThreshold: 64,
			SIMDThreshold:       10,
		},
		ThreadPool: ThreadPoolConfig{
			Enabled:         true,
			IdleSleep:       100 * time.Microsecond,
			MonitorInterval: time.Second,
			ScaleCPUCeiling: 90,
		},
		MemoryPool: MemoryPoolConfig{Capacity: 2000},
		Reconnect: ReconnectConfig{
			Base:            time.Second,
			Max:             30 * time.Second,
			Multiplier:      2,
			Jitter:          0.1,
			StableAfter:     10 * time.Second,
			QualityAlpha:    0.2,
			QualityWeight:   1,
			QualityDegraded: 0.5,
			MinHeartbeat:    5 * time.Second,
			MaxHeartbeat:    20 * time.Second,
		},
		Connection: ConnectionConfig{
			ConnectTimeout:  10 * time.Second,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Second,
			SnapshotTimeout: 10 * time.Second,
			SnapshotRate:    5,
			SnapshotBurst:   1,
			HTTPTimeout:     10 * time.Second,
		},
		Book: BookConfig{Depth: 100},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("QINGXI_CLEANER_MODE")); v != "" {
		cfg.Cleaner.Mode = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("QINGXI_CLEANER_KIND")); v != "" {
		cfg.Cleaner.Kind = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("QINGXI_BATCH_CONCURRENCY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Batch.Concurrency = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if cfg.Metrics.CloudWatch.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.Metrics.CloudWatch.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.Metrics.CloudWatch.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.Metrics.CloudWatch.SecretAccessKey = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Qingxi.Name == "" {
		return fmt.Errorf("qingxi.name is required")
	}

	if cfg.Batch.MaxBatchSize <= 0 {
		return fmt.Errorf("batch.max_batch_size must be greater than 0")
	}
	if cfg.Batch.MaxWaitTime <= 0 {
		return fmt.Errorf("batch.max_wait_time must be greater than 0")
	}
	if cfg.Batch.Concurrency <= 0 {
		return fmt.Errorf("batch.concurrency must be greater than 0")
	}

	switch cfg.Cleaner.Kind {
	case "progressive", "unified":
	default:
		return fmt.Errorf("cleaner.kind %q must be progressive or unified", cfg.Cleaner.Kind)
	}
	switch cfg.Cleaner.Mode {
	case "fast", "standard", "ultra":
	default:
		return fmt.Errorf("cleaner.mode %q must be fast, standard or ultra", cfg.Cleaner.Mode)
	}
	th := cfg.Cleaner.Thresholds
	if !(th.Basic > th.Deep && th.Deep > th.Aggressive && th.Aggressive > 0 && th.Basic <= 1) {
		return fmt.Errorf("cleaner.thresholds must satisfy 1 >= basic > deep > aggressive > 0")
	}
	if cfg.Cleaner.QualityThreshold < 0 || cfg.Cleaner.QualityThreshold > 1 {
		return fmt.Errorf("cleaner.quality_threshold must be within [0,1]")
	}

	if cfg.ThreadPool.MaxWorkers > 0 && cfg.ThreadPool.MaxWorkers < cfg.ThreadPool.CoreWorkers {
		return fmt.Errorf("thread_pool.max_workers must not be below core_workers")
	}

	r := cfg.Reconnect
	if r.Base <= 0 || r.Max < r.Base {
		return fmt.Errorf("reconnect.base must be positive and not above reconnect.max")
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be at least 1")
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		return fmt.Errorf("reconnect.jitter must be within [0,1)")
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("reconnect.max_retries must not be negative")
	}
	if r.StableAfter < 0 {
		return fmt.Errorf("reconnect.stable_after must not be negative")
	}
	if r.QualityDegraded <= 0 || r.QualityDegraded >= 1 {
		return fmt.Errorf("reconnect.quality_degraded must be within (0,1)")
	}
	if r.MinHeartbeat <= 0 || r.MaxHeartbeat < r.MinHeartbeat {
		return fmt.Errorf("reconnect heartbeat bounds are invalid")
	}
	if cfg.Connection.ReadTimeout > 0 && r.MaxHeartbeat >= cfg.Connection.ReadTimeout {
		return fmt.Errorf("reconnect.max_heartbeat must be below connection.read_timeout")
	}

	if len(cfg.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	for i, s := range cfg.Sources {
		if s.Exchange == "" {
			return fmt.Errorf("sources[%d].exchange is required", i)
		}
		if s.LocalIP != "" && net.ParseIP(s.LocalIP) == nil {
			return fmt.Errorf("sources[%d].local_ip %q is not an IP address", i, s.LocalIP)
		}
		if !s.Disabled && len(s.AllSubscriptions()) == 0 {
			return fmt.Errorf("sources[%d] (%s) has no subscriptions", i, s.Exchange)
		}
		for _, sub := range s.AllSubscriptions() {
			if sub.Channel != models.ChannelOrderBook && sub.Channel != models.ChannelTrades {
				return fmt.Errorf("sources[%d] (%s): unknown channel %q", i, s.Exchange, sub.Channel)
			}
		}
	}
	return nil
}

// EnabledSources returns the sources that are not disabled.
func (c *Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, s := range c.Sources {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}
