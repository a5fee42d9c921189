package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gridflow/internal/governor"
	"gridflow/internal/storage"
	"gridflow/internal/stream"
	"gridflow/models"
)

type Config struct {
	Gridflow    GridflowConfig    `yaml:"gridflow"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Grids       []GridEntry       `yaml:"grids"`
	Governor    governor.Config   `yaml:"governor"`
	Stream      stream.Config     `yaml:"stream"`
	Restoration RestorationConfig `yaml:"restoration"`
	Session     SessionConfig     `yaml:"session"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type GridflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
	// Asset used for margin balance checks, defaults to USDT.
	MarginAsset string `yaml:"margin_asset"`
}

// GridEntry is one configured grid session. Credentials may be set per
// grid; empty fields fall back to the top-level exchange credentials.
type GridEntry struct {
	Grid      models.GridConfig `yaml:"grid"`
	APIKey    string            `yaml:"api_key"`
	APISecret string            `yaml:"api_secret"`
}

type RestorationConfig struct {
	Policy          string        `yaml:"policy"`
	Window          time.Duration `yaml:"window"`
	MaxDeviationPct float64       `yaml:"max_deviation_pct"`
	MaxPerHour      int           `yaml:"max_per_hour"`
}

type SessionConfig struct {
	OrderPacing       time.Duration `yaml:"order_pacing"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	AccountCacheTTL   time.Duration `yaml:"account_cache_ttl"`
	OrderRetention    time.Duration `yaml:"order_retention"`
}

type StorageConfig struct {
	SummaryDir string          `yaml:"summary_dir"`
	S3Enabled  bool            `yaml:"s3_enabled"`
	S3         storage.S3Config `yaml:"s3"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	DashboardName  string        `yaml:"dashboard_name"`
	Namespace      string        `yaml:"namespace"`
	Region         string        `yaml:"region"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Governor: governor.DefaultConfig(),
		Stream:   stream.DefaultConfig(),
		Restoration: RestorationConfig{
			Policy:          string(models.RestoreSmart),
			Window:          300 * time.Second,
			MaxDeviationPct: 2,
			MaxPerHour:      10,
		},
		Session: SessionConfig{
			OrderPacing:       100 * time.Millisecond,
			ReconcileInterval: 120 * time.Second,
			AccountCacheTTL:   30 * time.Second,
			OrderRetention:    10 * time.Minute,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override credentials from environment variables if available
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		config.Exchange.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		config.Exchange.APISecret = strings.TrimSpace(v)
	}
	if config.Storage.S3Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if config.Exchange.MarginAsset == "" {
		config.Exchange.MarginAsset = "USDT"
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Gridflow.Name == "" {
		return fmt.Errorf("gridflow.name is required")
	}

	if cfg.Gridflow.Version == "" {
		return fmt.Errorf("gridflow.version is required")
	}

	if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" {
		return fmt.Errorf("exchange.api_key and exchange.api_secret are required")
	}

	if len(cfg.Grids) == 0 {
		return fmt.Errorf("at least one grid must be configured")
	}

	for i, entry := range cfg.Grids {
		g := entry.Grid
		if g.Symbol == "" {
			return fmt.Errorf("grids[%d].grid.symbol is required", i)
		}
		if g.Levels < 2 {
			return fmt.Errorf("grids[%d].grid.levels must be at least 2", i)
		}
		if !g.TotalMargin.IsPositive() {
			return fmt.Errorf("grids[%d].grid.total_margin must be greater than 0", i)
		}
		switch g.Direction {
		case models.DirectionLong, models.DirectionShort, models.DirectionBoth:
		default:
			return fmt.Errorf("grids[%d].grid.direction '%s' is invalid", i, g.Direction)
		}
		switch g.Spacing {
		case models.SpacingArithmetic, models.SpacingGeometric:
		default:
			return fmt.Errorf("grids[%d].grid.spacing '%s' is invalid", i, g.Spacing)
		}
	}

	switch models.RestorePolicy(cfg.Restoration.Policy) {
	case models.RestoreSmart, models.RestoreUserOnly, models.RestoreAll, models.RestoreNever:
	default:
		return fmt.Errorf("restoration.policy '%s' is invalid", cfg.Restoration.Policy)
	}

	if cfg.Session.OrderPacing < 0 {
		return fmt.Errorf("session.order_pacing must not be negative")
	}
	if cfg.Session.ReconcileInterval <= 0 {
		return fmt.Errorf("session.reconcile_interval must be greater than 0")
	}

	if cfg.Storage.S3Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
