package config

import (
	"strconv"

	agollo "github.com/apolloconfig/agollo/v4"
	apconf "github.com/apolloconfig/agollo/v4/env/config"
	"github.com/apolloconfig/agollo/v4/storage"
)

// overrideFromApollo starts the Apollo client, applies the namespace on top
// of cfg and keeps the store in sync with later changes.
func overrideFromApollo(cfg *Config, store *Store) (func(), error) {
	if cfg.Apollo.Addrs == "" || cfg.Apollo.AppID == "" {
		configLogger.Warn("apollo: missing APOLLO_ADDRS or APOLLO_APP_ID; skip")
		return nil, nil
	}

	appCfg := apolloAppConfig(cfg)
	ns := appCfg.NamespaceName

	client, err := agollo.StartWithConfig(func() (*apconf.AppConfig, error) { return appCfg, nil })
	if err != nil {
		return nil, err
	}

	next := cloneConfig(cfg)
	applyOverrides(lookupFrom(client, ns), next)
	_ = store.UpdateValidated(next, map[string]bool{"apollo.init": true})

	client.AddChangeListener(&changeListener{ns: ns, client: client, store: store})

	// agollo v4 没有公开 Stop 接口
	return func() {}, nil
}

// apolloAppConfig maps the APOLLO_* settings onto agollo's client config.
func apolloAppConfig(cfg *Config) *apconf.AppConfig {
	ns := cfg.Apollo.Namespace
	if ns == "" {
		ns = "application"
	}
	return &apconf.AppConfig{
		AppID:         cfg.Apollo.AppID,
		Cluster:       cfg.Apollo.Cluster,
		NamespaceName: ns,
		IP:            cfg.Apollo.Addrs, // meta server; config servers are discovered from it
		Secret:        cfg.Apollo.AccessKey,
	}
}

// lookup returns the raw string value of key and whether it is present.
type lookup func(key string) (string, bool)

func lookupFrom(client agollo.Client, namespace string) lookup {
	cache := client.GetConfigCache(namespace)
	return func(key string) (string, bool) {
		if cache == nil {
			return "", false
		}
		v, err := cache.Get(key)
		if err != nil {
			return "", false
		}
		s, ok := v.(string)
		return s, ok
	}
}

type override struct {
	key string
	// allowEmpty lets a key clear a value (passwords).
	allowEmpty bool
	apply      func(c *Config, v string)
}

func strOpt(dst func(*Config) *string) func(*Config, string) {
	return func(c *Config, v string) { *dst(c) = v }
}

func intOpt(dst func(*Config) *int) func(*Config, string) {
	return func(c *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			*dst(c) = n
		}
	}
}

var overrides = []override{
	{key: "app.env", apply: strOpt(func(c *Config) *string { return &c.AppEnv })},
	{key: "server.addr", apply: strOpt(func(c *Config) *string { return &c.Server.Addr })},
	{key: "log.level", apply: strOpt(func(c *Config) *string { return &c.Log.Level })},
	{key: "log.format", apply: strOpt(func(c *Config) *string { return &c.Log.Format })},
	{key: "pg.url", apply: strOpt(func(c *Config) *string { return &c.PG.URL })},
	{key: "pg.max_open", apply: intOpt(func(c *Config) *int { return &c.PG.MaxOpenConns })},
	{key: "pg.max_idle", apply: intOpt(func(c *Config) *int { return &c.PG.MaxIdleConns })},
	{key: "redis.addr", apply: strOpt(func(c *Config) *string { return &c.Redis.Addr })},
	{key: "redis.password", allowEmpty: true, apply: strOpt(func(c *Config) *string { return &c.Redis.Password })},
	{key: "redis.db", apply: intOpt(func(c *Config) *int { return &c.Redis.DB })},
	{key: "mq.url", apply: strOpt(func(c *Config) *string { return &c.MQ.URL })},
	{key: "mq.exchange", apply: strOpt(func(c *Config) *string { return &c.MQ.Exchange })},
	{key: "es.addrs", apply: strOpt(func(c *Config) *string { return &c.ES.Addrs })},
	{key: "es.username", allowEmpty: true, apply: strOpt(func(c *Config) *string { return &c.ES.Username })},
	{key: "es.password", allowEmpty: true, apply: strOpt(func(c *Config) *string { return &c.ES.Password })},
	{key: "es.session_index", apply: strOpt(func(c *Config) *string { return &c.ES.SessionIndex })},
	{key: "geo.url", apply: strOpt(func(c *Config) *string { return &c.Geo.URL })},
	{key: "geo.timeout_ms", apply: intOpt(func(c *Config) *int { return &c.Geo.TimeoutMS })},
	{key: "geo.cache_ttl_sec", apply: intOpt(func(c *Config) *int { return &c.Geo.CacheTTLSec })},
	{key: "session.idle_min", apply: intOpt(func(c *Config) *int { return &c.Session.IdleMin })},
	{key: "analytics.top_n", apply: intOpt(func(c *Config) *int { return &c.Analytics.TopN })},
	{key: "ratelimit.window_sec", apply: intOpt(func(c *Config) *int { return &c.RateLimit.WindowSec })},
	{key: "ratelimit.max", apply: intOpt(func(c *Config) *int { return &c.RateLimit.Max })},
}

func applyOverrides(get lookup, cfg *Config) {
	for _, o := range overrides {
		v, ok := get(o.key)
		if !ok || (v == "" && !o.allowEmpty) {
			continue
		}
		o.apply(cfg, v)
	}
}

type changeListener struct {
	ns     string
	client agollo.Client
	store  *Store
}

func (c *changeListener) OnChange(e *storage.ChangeEvent) {
	configLogger.Sugar().Infof("apollo change: namespace=%s, changes=%d", e.Namespace, len(e.Changes))
	next := cloneConfig(c.store.Get())
	applyOverrides(lookupFrom(c.client, c.ns), next)
	changed := map[string]bool{}
	for k := range e.Changes {
		changed[k] = true
	}
	_ = c.store.UpdateValidated(next, changed)
}

func (c *changeListener) OnNewestChange(e *storage.FullChangeEvent) {
	configLogger.Sugar().Debugf("apollo full sync: namespace=%s, keys=%d", e.Namespace, len(e.Changes))
}
