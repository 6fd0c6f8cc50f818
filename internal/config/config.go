package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Log       LogConfig
	Scanner   ScannerConfig
	Fees      FeesConfig
	Exchanges map[string]ExchangeConfig
	Tracker   TrackerConfig
	Schedule  ScheduleConfig
	Database  DatabaseConfig
	Redis     RedisConfig
}

// LogConfig defines the log level: debug, info, warn or error.
type LogConfig struct {
	Level string
}

// ScannerConfig defines the arbitrage scan settings.
type ScannerConfig struct {
	Universe                 []string
	MinNetProfitPct          float64       `mapstructure:"min_net_profit_pct"`
	PerCallTimeout           time.Duration `mapstructure:"per_call_timeout"`
	OverallTimeout           time.Duration `mapstructure:"overall_timeout"`
	MaxConcurrentInstruments int           `mapstructure:"max_concurrent_instruments"`
	BuyRole                  string        `mapstructure:"buy_role"`
	SellRole                 string        `mapstructure:"sell_role"`
	WithdrawalNotional       float64       `mapstructure:"withdrawal_notional"`
}

// FeesConfig defines the named fee profiles. Viper lower-cases profile
// names; ActiveProfile is lower-cased on load to match. A nil default rate
// falls back to the conservative rate of the fee package.
type FeesConfig struct {
	ActiveProfile string                        `mapstructure:"active_profile"`
	DefaultMaker  *float64                      `mapstructure:"default_maker"`
	DefaultTaker  *float64                      `mapstructure:"default_taker"`
	Profiles      map[string]FeeProfileConfig   `mapstructure:"profiles"`
	Withdrawal    map[string]map[string]float64 `mapstructure:"withdrawal"`
}

// FeeProfileConfig lists per-venue fee rates as fractions.
type FeeProfileConfig struct {
	Venues map[string]VenueFeeConfig
}

// VenueFeeConfig defines the fees of one venue.
type VenueFeeConfig struct {
	Maker                float64
	Taker                float64
	WithdrawalMultiplier float64 `mapstructure:"withdrawal_multiplier"`
}

// ExchangeConfig defines settings for a specific exchange.
// Viper lower-cases map keys, so Symbols is keyed by lower-case instrument.
type ExchangeConfig struct {
	Enabled bool
	Kind    string
	BaseURL string            `mapstructure:"base_url"`
	WSURL   string            `mapstructure:"ws_url"`
	MaxAge  time.Duration     `mapstructure:"max_age"`
	Symbols map[string]string `mapstructure:"symbols"`
}

// TrackerConfig defines the virtual position settings.
type TrackerConfig struct {
	ReferenceSource string  `mapstructure:"reference_source"`
	AutoOpen        bool    `mapstructure:"auto_open"`
	TargetPct       float64 `mapstructure:"target_pct"`
	StopPct         float64 `mapstructure:"stop_pct"`
	Notional        float64
}

// ScheduleConfig defines how often the scan and tick loops fire.
type ScheduleConfig struct {
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN builds a PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.DBName, sslMode)
}

// RedisConfig defines the quote cache connection settings.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("scanner.min_net_profit_pct", 0.1)
	v.SetDefault("scanner.per_call_timeout", "5s")
	v.SetDefault("scanner.overall_timeout", "10s")
	v.SetDefault("scanner.max_concurrent_instruments", 4)
	v.SetDefault("scanner.buy_role", "taker")
	v.SetDefault("scanner.sell_role", "taker")
	v.SetDefault("fees.active_profile", "conservative")
	v.SetDefault("tracker.target_pct", 1.0)
	v.SetDefault("tracker.stop_pct", 0.5)
	v.SetDefault("schedule.scan_interval", "30s")
	v.SetDefault("schedule.tick_interval", "10s")
	v.SetDefault("database.port", 5432)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ttl", "5m")
}

// LoadConfig reads configuration from file or environment variables.
// A .env file in path is loaded first when present.
func LoadConfig(path string) (config Config, err error) {
	_ = godotenv.Load(strings.TrimSuffix(path, "/") + "/.env")

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	err = v.ReadInConfig()
	if err != nil {
		return
	}

	err = v.Unmarshal(&config)
	if err != nil {
		return
	}
	config.Fees.ActiveProfile = strings.ToLower(config.Fees.ActiveProfile)
	err = config.Validate()
	return
}

// EnabledExchanges returns the names of enabled exchanges in lexical order.
func (c Config) EnabledExchanges() []string {
	var names []string
	for name, ex := range c.Exchanges {
		if ex.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Validate checks the settings that would otherwise fail at scan time.
func (c Config) Validate() error {
	var errs []error
	if len(c.Scanner.Universe) == 0 {
		errs = append(errs, errors.New("scanner.universe is empty"))
	}
	if len(c.EnabledExchanges()) == 0 {
		errs = append(errs, errors.New("no exchange is enabled"))
	}
	if c.Scanner.PerCallTimeout <= 0 || c.Scanner.OverallTimeout <= 0 {
		errs = append(errs, errors.New("scanner timeouts must be positive"))
	} else if c.Scanner.PerCallTimeout > c.Scanner.OverallTimeout {
		errs = append(errs, errors.New("scanner.per_call_timeout exceeds scanner.overall_timeout"))
	}
	for _, role := range []string{c.Scanner.BuyRole, c.Scanner.SellRole} {
		if r := strings.ToLower(role); r != "maker" && r != "taker" {
			errs = append(errs, fmt.Errorf("unknown fee role %q", role))
		}
	}
	if _, ok := c.Fees.Profiles[strings.ToLower(c.Fees.ActiveProfile)]; !ok {
		errs = append(errs, fmt.Errorf("fees.active_profile %q is not defined", c.Fees.ActiveProfile))
	}
	if c.Schedule.ScanInterval <= 0 || c.Schedule.TickInterval <= 0 {
		errs = append(errs, errors.New("schedule intervals must be positive"))
	}
	for name, ex := range c.Exchanges {
		if ex.Enabled && ex.Kind != "" && ex.Kind != "rest" && ex.Kind != "stream" {
			errs = append(errs, fmt.Errorf("exchanges.%s.kind %q is not rest or stream", name, ex.Kind))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
