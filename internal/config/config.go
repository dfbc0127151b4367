package config

import (
	"strings"
	"time"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Scheduler   SchedulerConfig
	Images      ImagesConfig
	Similarity  SimilarityConfig
	ObjectStore ObjectStoreConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type StorageConfig struct {
	DataDir string
}

type SchedulerConfig struct {
	Interval    string
	Concurrency int
}

type ImagesConfig struct {
	MinDimension int
	Extensions   string
}

type SimilarityConfig struct {
	MaxDistance int
	MaxMatches  int
}

// ObjectStoreConfig selects MinIO for image blobs. An empty Endpoint keeps
// blobs on local disk below the data directory.
type ObjectStoreConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// RedisConfig enables cross-instance batch locks when Addr is set.
type RedisConfig struct {
	Addr     string
	DB       int
	Password string
	LockTTL  string
}

// KafkaConfig enables state-change events when Brokers is set.
type KafkaConfig struct {
	Brokers string
	Topic   string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     4200,
			MaxConns: 64,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Scheduler: SchedulerConfig{
			Interval:    "5s",
			Concurrency: 2,
		},
		Images: ImagesConfig{
			MinDimension: 150,
			Extensions:   ".jpg,.jpeg",
		},
		Similarity: SimilarityConfig{
			MaxDistance: 10,
			MaxMatches:  25,
		},
		ObjectStore: ObjectStoreConfig{
			Bucket: "stager-images",
		},
		Redis: RedisConfig{
			LockTTL: "10m",
		},
		Kafka: KafkaConfig{
			Topic: "stager.batches",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.kalambet.stager) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/stager/config.json
// and secrets fall back to $XDG_DATA_HOME/stager/secrets.json.
//
// Environment variables (STAGER_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

const keychainService = "stager"

func loadWith(b Backend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	applySecrets(&cfg, kc)
	return cfg, nil
}

// applySecrets fills secret fields the environment left empty from the
// platform secret store. Lookup failures leave the field empty.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		field := s.field(cfg).(*string)
		if *field != "" {
			continue
		}
		if v, err := kc.Get(keychainService, secretAccount(s.key)); err == nil {
			*field = v
		}
	}
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// IntervalDuration parses Scheduler.Interval, falling back to 5s.
func (c SchedulerConfig) IntervalDuration() time.Duration {
	return parseDuration(c.Interval, 5*time.Second)
}

// LockTTLDuration parses Redis.LockTTL, falling back to 10m.
func (c RedisConfig) LockTTLDuration() time.Duration {
	return parseDuration(c.LockTTL, 10*time.Minute)
}

// ExtensionList splits Images.Extensions on commas.
func (c ImagesConfig) ExtensionList() []string {
	return splitList(c.Extensions)
}

// BrokerList splits Kafka.Brokers on commas.
func (c KafkaConfig) BrokerList() []string {
	return splitList(c.Brokers)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
