package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// keySpec binds a dotted config key to a field of Config. The environment
// variable is derived from the key: "redis.lock_ttl" -> STAGER_REDIS_LOCK_TTL.
type keySpec struct {
	key    string
	secret bool
	field  func(cfg *Config) any
}

func (s keySpec) env() string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(s.key, ".", "_"))
}

const envPrefix = "STAGER_"

var specs = []keySpec{
	{key: "server.port", field: func(c *Config) any { return &c.Server.Port }},
	{key: "server.max_conns", field: func(c *Config) any { return &c.Server.MaxConns }},
	{key: "storage.data_dir", field: func(c *Config) any { return &c.Storage.DataDir }},
	{key: "scheduler.interval", field: func(c *Config) any { return &c.Scheduler.Interval }},
	{key: "scheduler.concurrency", field: func(c *Config) any { return &c.Scheduler.Concurrency }},
	{key: "images.min_dimension", field: func(c *Config) any { return &c.Images.MinDimension }},
	{key: "images.extensions", field: func(c *Config) any { return &c.Images.Extensions }},
	{key: "similarity.max_distance", field: func(c *Config) any { return &c.Similarity.MaxDistance }},
	{key: "similarity.max_matches", field: func(c *Config) any { return &c.Similarity.MaxMatches }},
	{key: "objectstore.endpoint", field: func(c *Config) any { return &c.ObjectStore.Endpoint }},
	{key: "objectstore.bucket", field: func(c *Config) any { return &c.ObjectStore.Bucket }},
	{key: "objectstore.access_key", field: func(c *Config) any { return &c.ObjectStore.AccessKey }},
	{key: "objectstore.secret_key", secret: true, field: func(c *Config) any { return &c.ObjectStore.SecretKey }},
	{key: "objectstore.use_ssl", field: func(c *Config) any { return &c.ObjectStore.UseSSL }},
	{key: "redis.addr", field: func(c *Config) any { return &c.Redis.Addr }},
	{key: "redis.db", field: func(c *Config) any { return &c.Redis.DB }},
	{key: "redis.password", secret: true, field: func(c *Config) any { return &c.Redis.Password }},
	{key: "redis.lock_ttl", field: func(c *Config) any { return &c.Redis.LockTTL }},
	{key: "kafka.brokers", field: func(c *Config) any { return &c.Kafka.Brokers }},
	{key: "kafka.topic", field: func(c *Config) any { return &c.Kafka.Topic }},
	{key: "log.level", field: func(c *Config) any { return &c.Log.Level }},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// assign parses raw into the field pointer dst.
func assign(dst any, raw string) error {
	switch p := dst.(type) {
	case *string:
		*p = raw
	case *int:
		i, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		*p = i
	case *bool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		*p = b
	default:
		return fmt.Errorf("unsupported field type %T", dst)
	}
	return nil
}

// render formats the field pointer src for display or storage.
func render(src any) string {
	switch p := src.(type) {
	case *string:
		return *p
	case *int:
		return strconv.Itoa(*p)
	case *bool:
		return strconv.FormatBool(*p)
	}
	return fmt.Sprint(src)
}

// applyBackend copies stored values into cfg. A stored value that does not
// parse is an error: the backend only holds what SetKey validated or what a
// user edited by hand.
func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		if err := assign(s.field(cfg), raw); err != nil {
			return fmt.Errorf("config key %s: %w", s.key, err)
		}
	}
	return nil
}

// applyEnvOverrides lets STAGER_* variables win over the backend. Values
// that do not parse are logged and skipped.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env())
		if raw == "" {
			continue
		}
		if err := assign(s.field(cfg), raw); err != nil {
			slog.Warn("ignoring environment override", "var", s.env(), "error", err)
		}
	}
}
