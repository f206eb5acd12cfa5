package config

import (
	"fmt"
	"time"

	"github.com/ig-rudenko/axo-vpn-bot/internal/shared/logger"
)

// Config defines the configuration for the fleet reconciliation engine.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Log        logger.Config    `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Remote     RemoteConfig     `mapstructure:"remote"`
	WireGuard  WireGuardConfig  `mapstructure:"wireguard"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

// ServiceConfig defines service-level configuration options.
type ServiceConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DBConfig defines the database configuration.
type DBConfig struct {
	Path            string `mapstructure:"path"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // seconds
}

// RemoteConfig defines how remote host sessions are opened and driven.
type RemoteConfig struct {
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	ConfigFolder   string        `mapstructure:"config_folder"`
	ParamsPath     string        `mapstructure:"params_path"`
}

// WireGuardConfig defines peer-config canonicalization settings.
type WireGuardConfig struct {
	// AllowedIPs is the full-tunnel CIDR list written into every
	// canonicalized peer config in place of 0.0.0.0/0.
	AllowedIPs []string `mapstructure:"allowed_ips"`
}

// ReconcilerConfig defines the polling loops' periods and lease policy.
type ReconcilerConfig struct {
	ConfigInterval    time.Duration `mapstructure:"config_interval"`
	LifecycleInterval time.Duration `mapstructure:"lifecycle_interval"`
	PaymentInterval   time.Duration `mapstructure:"payment_interval"`
	PaymentBillDelay  time.Duration `mapstructure:"payment_bill_delay"`
	PaymentBackoff    time.Duration `mapstructure:"payment_backoff"`
	GraceWindow       time.Duration `mapstructure:"grace_window"`
	RentMonth         time.Duration `mapstructure:"rent_month"`
}

// GatewayConfig defines the payment gateway client configuration.
type GatewayConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	Currency       string        `mapstructure:"currency"`
	BillExpiry     time.Duration `mapstructure:"bill_expiry"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// NotifyConfig defines the daily expiration notifier schedule.
type NotifyConfig struct {
	WakeInterval time.Duration `mapstructure:"wake_interval"`
	DailyAt      string        `mapstructure:"daily_at"`  // "15:04" wall-clock time
	Tolerance    time.Duration `mapstructure:"tolerance"` // window around DailyAt
}

// DefaultAllowedIPs routes effectively all IPv4/IPv6 space through the
// tunnel without using the 0.0.0.0/0 shorthand, which some clients refuse.
var DefaultAllowedIPs = []string{
	"64.0.0.0/2",
	"32.0.0.0/3",
	"128.0.0.0/3",
	"16.0.0.0/4",
	"176.0.0.0/4",
	"208.0.0.0/4",
	"0.0.0.0/5",
	"160.0.0.0/5",
	"200.0.0.0/5",
	"12.0.0.0/6",
	"168.0.0.0/6",
	"196.0.0.0/6",
	"8.0.0.0/7",
	"174.0.0.0/7",
	"194.0.0.0/7",
	"11.0.0.0/8",
	"173.0.0.0/8",
	"193.0.0.0/8",
	"172.128.0.0/9",
	"192.0.0.0/9",
	"172.64.0.0/10",
	"192.192.0.0/10",
	"172.32.0.0/11",
	"192.128.0.0/11",
	"172.0.0.0/12",
	"192.176.0.0/12",
	"192.160.0.0/13",
	"192.172.0.0/14",
	"192.170.0.0/15",
	"192.169.0.0/16",
	"10.66.66.1/32",
	"::/0",
}

// Validate validates the configuration for correctness and fills defaults.
func (c *Config) Validate() error {
	validLevels := map[logger.Level]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	if c.Log.Format != "" && c.Log.Format != logger.FormatJSON && c.Log.Format != logger.FormatText {
		return fmt.Errorf("invalid log.format: %s (must be json or text)", c.Log.Format)
	}

	if c.Reconciler.ConfigInterval < 0 || c.Reconciler.LifecycleInterval < 0 || c.Reconciler.PaymentInterval < 0 {
		return fmt.Errorf("reconciler intervals must be positive")
	}

	if c.Reconciler.GraceWindow > 0 && c.Reconciler.GraceWindow < 24*time.Hour {
		return fmt.Errorf("reconciler.grace_window must be at least 24 hours")
	}

	if c.Notify.DailyAt != "" {
		if _, err := time.Parse("15:04", c.Notify.DailyAt); err != nil {
			return fmt.Errorf("invalid notify.daily_at: %w", err)
		}
	}

	c.setDefaults()

	return nil
}

// setDefaults sets default values for configuration fields that are not set
func (c *Config) setDefaults() {
	if c.Service.ShutdownTimeout <= 0 {
		c.Service.ShutdownTimeout = 30 * time.Second
	}

	if c.DB.Path == "" {
		c.DB.Path = "./data/fleet.db"
	}
	if c.DB.MaxOpenConns <= 0 {
		c.DB.MaxOpenConns = 25
	}
	if c.DB.MaxIdleConns <= 0 {
		c.DB.MaxIdleConns = 5
	}
	if c.DB.ConnMaxLifetime <= 0 {
		c.DB.ConnMaxLifetime = 300
	}

	if c.Log.Level == "" {
		c.Log.Level = logger.LevelInfo
	}
	if c.Log.Format == "" {
		c.Log.Format = logger.FormatJSON
	}
	if c.Log.TimeFormat == "" {
		c.Log.TimeFormat = time.RFC3339
	}

	if c.Remote.DialTimeout <= 0 {
		c.Remote.DialTimeout = 10 * time.Second
	}
	if c.Remote.CommandTimeout <= 0 {
		c.Remote.CommandTimeout = 3 * time.Second
	}
	if c.Remote.ConfigFolder == "" {
		c.Remote.ConfigFolder = "/root"
	}
	if c.Remote.ParamsPath == "" {
		c.Remote.ParamsPath = "/etc/wireguard/params"
	}

	if len(c.WireGuard.AllowedIPs) == 0 {
		c.WireGuard.AllowedIPs = DefaultAllowedIPs
	}

	if c.Reconciler.ConfigInterval <= 0 {
		c.Reconciler.ConfigInterval = 10 * time.Minute
	}
	if c.Reconciler.LifecycleInterval <= 0 {
		c.Reconciler.LifecycleInterval = 10 * time.Minute
	}
	if c.Reconciler.PaymentInterval <= 0 {
		c.Reconciler.PaymentInterval = 10 * time.Second
	}
	if c.Reconciler.PaymentBillDelay <= 0 {
		c.Reconciler.PaymentBillDelay = 3 * time.Second
	}
	if c.Reconciler.PaymentBackoff <= 0 {
		c.Reconciler.PaymentBackoff = 10 * time.Second
	}
	if c.Reconciler.GraceWindow <= 0 {
		c.Reconciler.GraceWindow = 5 * 24 * time.Hour
	}
	if c.Reconciler.RentMonth <= 0 {
		c.Reconciler.RentMonth = 31 * 24 * time.Hour
	}

	if c.Gateway.Currency == "" {
		c.Gateway.Currency = "RUB"
	}
	if c.Gateway.BillExpiry <= 0 {
		c.Gateway.BillExpiry = 10 * time.Minute
	}
	if c.Gateway.RequestTimeout <= 0 {
		c.Gateway.RequestTimeout = 10 * time.Second
	}

	if c.Notify.WakeInterval <= 0 {
		c.Notify.WakeInterval = 2 * time.Minute
	}
	if c.Notify.DailyAt == "" {
		c.Notify.DailyAt = "13:00"
	}
	if c.Notify.Tolerance <= 0 {
		c.Notify.Tolerance = 5 * time.Minute
	}
}
