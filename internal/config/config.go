package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	JWT      JWTConfig      `yaml:"jwt"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Trading  TradingConfig  `yaml:"trading"`
	Payments PaymentsConfig `yaml:"payments"`
}

// PaymentsConfig points at the external payment confirmation service
// used by the paid-reset path
type PaymentsConfig struct {
	VerifyURL string `yaml:"verify_url"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JWTConfig struct {
	Secret      string `yaml:"secret"`
	ExpireHours int    `yaml:"expire_hours"`
}

// OracleConfig configures the market quote feed
type OracleConfig struct {
	FeedURL         string   `yaml:"feed_url"`
	RestURL         string   `yaml:"rest_url"`
	Symbols         []string `yaml:"symbols"`
	StalenessMillis int64    `yaml:"staleness_millis"`
}

// TierConfig holds the paper-trading parameters for one subscription tier
type TierConfig struct {
	StartingCapital   float64 `yaml:"starting_capital"`
	ResetThreshold    float64 `yaml:"reset_threshold"`
	ResetCooldownDays int     `yaml:"reset_cooldown_days"`
}

// TradingConfig holds settlement and ledger parameters
type TradingConfig struct {
	BaseCurrency     string                `yaml:"base_currency"`
	FxRates          map[string]float64    `yaml:"fx_rates"`
	LockMinutes      int                   `yaml:"lock_minutes"`
	Tiers            map[string]TierConfig `yaml:"tiers"`
	ChallengeChannel string                `yaml:"challenge_channel"`
}

// LockDuration returns the fair-play lock window applied when a position is
// opened or increased
func (c *TradingConfig) LockDuration() time.Duration {
	return time.Duration(c.LockMinutes) * time.Minute
}

// Tier returns the parameters for a subscription tier, falling back to free
func (c *TradingConfig) Tier(name string) TierConfig {
	if t, ok := c.Tiers[name]; ok {
		return t
	}
	return c.Tiers["free"]
}

// Load loads configuration from file and environment variables
func Load(path string) (*Config, error) {
	cfg := &Config{}

	// Load from YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	// Override with environment variables if present
	cfg.loadFromEnv()

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Trading.BaseCurrency == "" {
		c.Trading.BaseCurrency = "SEK"
	}
	if c.Trading.FxRates == nil {
		c.Trading.FxRates = map[string]float64{"SEK": 1.0, "USD": 10.50}
	}
	if c.Trading.LockMinutes == 0 {
		c.Trading.LockMinutes = 30
	}
	if c.Trading.Tiers == nil {
		c.Trading.Tiers = map[string]TierConfig{
			"free": {StartingCapital: 100000, ResetThreshold: 25000, ResetCooldownDays: 30},
			"pro":  {StartingCapital: 1000000, ResetThreshold: 250000, ResetCooldownDays: 7},
		}
	}
	if c.Trading.ChallengeChannel == "" {
		c.Trading.ChallengeChannel = "challenge_events"
	}
	if c.Oracle.StalenessMillis == 0 {
		c.Oracle.StalenessMillis = 5000
	}
}

func (c *Config) loadFromEnv() {
	// Server
	if v := os.Getenv("SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SERVER_MODE"); v != "" {
		c.Server.Mode = v
	}

	// Database
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.DBName = v
	}

	// Redis
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = port
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}

	// JWT
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWT.Secret = v
	}
	if v := os.Getenv("JWT_EXPIRE_HOURS"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil {
			c.JWT.ExpireHours = hours
		}
	}

	// Oracle
	if v := os.Getenv("ORACLE_FEED_URL"); v != "" {
		c.Oracle.FeedURL = v
	}
	if v := os.Getenv("ORACLE_REST_URL"); v != "" {
		c.Oracle.RestURL = v
	}
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return "host=" + c.Host +
		" port=" + strconv.Itoa(c.Port) +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.DBName +
		" sslmode=" + c.SSLMode
}
