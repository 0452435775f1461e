package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"

	"formpulse/internal/logx"
)

var configLogger = logx.GetScope("config")

// Config holds the application configuration
type Config struct {
	AppEnv string
	Server struct {
		Addr string
		// ProxyHeader is trusted for the client IP when set (e.g. X-Forwarded-For).
		ProxyHeader string
	}
	Log struct {
		Level  string // debug, info, warn, error
		Format string // text, json
	}
	DB struct {
		Driver    string // postgres | sqlite
		SQLiteDSN string
	}
	PG struct {
		URL          string
		MaxOpenConns int
		MaxIdleConns int
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
	}
	MQ struct {
		URL      string // RabbitMQ URL
		Exchange string
	}
	ES struct {
		Addrs        string // comma separated
		Username     string
		Password     string
		SessionIndex string
	}
	JWT struct {
		Algo         string // HS256 | RS256
		HSSecret     string
		RSPublicKey  string
		Issuer       string
		Audience     string
		AccessTTLMin int
	}
	Geo struct {
		URL         string // %s is replaced by the IP
		TimeoutMS   int
		CacheTTLSec int
	}
	Session struct {
		IdleMin int
	}
	Analytics struct {
		TopN int
	}
	RateLimit struct {
		WindowSec int
		Max       int
	}
	Apollo struct {
		Enable    bool
		AppID     string
		Cluster   string
		Namespace string
		Addrs     string
		AccessKey string
	}
}

func (c *Config) GeoTimeout() time.Duration {
	return time.Duration(c.Geo.TimeoutMS) * time.Millisecond
}

func (c *Config) GeoCacheTTL() time.Duration {
	return time.Duration(c.Geo.CacheTTLSec) * time.Second
}

// IdleThreshold is the inactivity after which a session counts as abandoned.
func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.Session.IdleMin) * time.Minute
}

func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSec) * time.Second
}

// ESAddrs splits ES.Addrs.
func (c *Config) ESAddrs() []string {
	return lo.Compact(lo.Map(strings.Split(c.ES.Addrs, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
}

// Load loads config from env (and .env when present), and if enabled,
// overrides with Apollo values. Returns config, store, optional apollo
// closer, and error.
func Load() (*Config, *Store, func(), error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		configLogger.Sugar().Warnf("load .env: %v", err)
	}
	cfg := FromEnv()
	if err := Validate(cfg); err != nil {
		return cfg, nil, nil, err
	}
	store := NewStore(cfg)
	store.AddValidator(func(next *Config, _ map[string]bool) error { return Validate(next) })

	if cfg.Apollo.Enable {
		closer, err := overrideFromApollo(cfg, store)
		if err != nil {
			configLogger.Sugar().Errorf("apollo override failed: %v", err)
			return cfg, store, closer, err
		}
		return store.Get(), store, closer, nil
	}

	return cfg, store, nil, nil
}

// FromEnv reads every key with its default.
func FromEnv() *Config {
	cfg := &Config{}

	cfg.AppEnv = getEnv("APP_ENV", "dev")
	cfg.Server.Addr = getEnv("SERVER_ADDR", ":8080")
	cfg.Server.ProxyHeader = getEnv("SERVER_PROXY_HEADER", "")
	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "text")

	cfg.DB.Driver = strings.ToLower(getEnv("DB_DRIVER", "postgres"))
	cfg.DB.SQLiteDSN = getEnv("SQLITE_DSN", "file:formpulse.db?_pragma=foreign_keys(1)")
	cfg.PG.URL = getEnv("POSTGRES_URL", "")
	cfg.PG.MaxOpenConns = getInt("PG_MAX_OPEN", 10)
	cfg.PG.MaxIdleConns = getInt("PG_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getInt("REDIS_DB", 0)

	cfg.MQ.URL = getEnv("RABBITMQ_URL", "")
	cfg.MQ.Exchange = getEnv("MQ_EXCHANGE", "formpulse.sessions")

	cfg.ES.Addrs = getEnv("ES_ADDRS", "")
	cfg.ES.Username = getEnv("ES_USERNAME", "")
	cfg.ES.Password = getEnv("ES_PASSWORD", "")
	cfg.ES.SessionIndex = getEnv("ES_SESSION_INDEX", "formpulse-sessions")

	cfg.JWT.Algo = strings.ToUpper(getEnv("JWT_ALGO", "HS256"))
	cfg.JWT.HSSecret = getEnv("JWT_HS_SECRET", "")
	cfg.JWT.RSPublicKey = getEnv("JWT_RS_PUBLIC_KEY", "")
	cfg.JWT.Issuer = getEnv("JWT_ISSUER", "")
	cfg.JWT.Audience = getEnv("JWT_AUDIENCE", "")
	cfg.JWT.AccessTTLMin = getInt("JWT_ACCESS_TTL_MIN", 60)

	cfg.Geo.URL = getEnv("GEO_URL", "http://ip-api.com/json/%s?fields=status,message,country,regionName,city,isp,org,timezone,lat,lon")
	cfg.Geo.TimeoutMS = getInt("GEO_TIMEOUT_MS", 3000)
	cfg.Geo.CacheTTLSec = getInt("GEO_CACHE_TTL_SEC", 86400)

	cfg.Session.IdleMin = getInt("SESSION_IDLE_MIN", 30)
	cfg.Analytics.TopN = getInt("ANALYTICS_TOP_N", 20)
	cfg.RateLimit.WindowSec = getInt("RATE_LIMIT_WINDOW_SEC", 60)
	cfg.RateLimit.Max = getInt("RATE_LIMIT_MAX", 600)

	cfg.Apollo.Enable = getBool("APOLLO_ENABLE", false)
	cfg.Apollo.AppID = getEnv("APOLLO_APP_ID", "")
	cfg.Apollo.Cluster = getEnv("APOLLO_CLUSTER", "default")
	cfg.Apollo.Namespace = getEnv("APOLLO_NAMESPACE", "application")
	cfg.Apollo.Addrs = getEnv("APOLLO_ADDRS", "")
	cfg.Apollo.AccessKey = getEnv("APOLLO_ACCESS_KEY", "")
	return cfg
}

// Validate rejects configurations the server cannot run with.
func Validate(c *Config) error {
	switch c.DB.Driver {
	case "postgres", "postgresql", "pgx":
	case "sqlite", "sqlite3":
		if c.DB.SQLiteDSN == "" {
			return fmt.Errorf("config: SQLITE_DSN is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("config: unknown DB_DRIVER %q", c.DB.Driver)
	}
	switch c.JWT.Algo {
	case "HS256", "RS256":
	default:
		return fmt.Errorf("config: unsupported JWT_ALGO %q", c.JWT.Algo)
	}
	if c.Session.IdleMin <= 0 {
		return fmt.Errorf("config: SESSION_IDLE_MIN must be positive")
	}
	if c.Analytics.TopN <= 0 {
		return fmt.Errorf("config: ANALYTICS_TOP_N must be positive")
	}
	if c.Geo.TimeoutMS <= 0 {
		return fmt.Errorf("config: GEO_TIMEOUT_MS must be positive")
	}
	if !lo.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("config: unknown LOG_LEVEL %q", c.Log.Level)
	}
	if c.RateLimit.WindowSec <= 0 || c.RateLimit.Max < 0 {
		return fmt.Errorf("config: rate limit window must be positive and max non-negative")
	}
	return nil
}

func getEnv(key, def string) string {
	v := os.Getenv(key)
	return lo.Ternary(v != "", v, def)
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
