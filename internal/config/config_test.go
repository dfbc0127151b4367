package config

import (
	"errors"
	"testing"
	"time"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	values map[string]string
	err    error
}

func (m mockKeychain) Get(service, account string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.values[service+"/"+account]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

// memBackend is an in-memory Backend.
type memBackend struct {
	values map[string]string
	err    error
}

func newMemBackend() *memBackend {
	return &memBackend{values: map[string]string{}}
}

func (b *memBackend) Lookup(key string) (string, bool, error) {
	if b.err != nil {
		return "", false, b.err
	}
	v, ok := b.values[key]
	return v, ok, nil
}

func (b *memBackend) Store(key, val string) error {
	b.values[key] = val
	return nil
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env(), "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMemBackend(), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4200 {
		t.Errorf("Server.Port = %d, want 4200", cfg.Server.Port)
	}
	if cfg.Server.MaxConns != 64 {
		t.Errorf("Server.MaxConns = %d, want 64", cfg.Server.MaxConns)
	}
	if cfg.Scheduler.IntervalDuration() != 5*time.Second {
		t.Errorf("Scheduler.IntervalDuration() = %v, want 5s", cfg.Scheduler.IntervalDuration())
	}
	if cfg.Scheduler.Concurrency != 2 {
		t.Errorf("Scheduler.Concurrency = %d, want 2", cfg.Scheduler.Concurrency)
	}
	if cfg.Images.MinDimension != 150 {
		t.Errorf("Images.MinDimension = %d, want 150", cfg.Images.MinDimension)
	}
	if got := cfg.Images.ExtensionList(); len(got) != 2 || got[0] != ".jpg" || got[1] != ".jpeg" {
		t.Errorf("Images.ExtensionList() = %v, want [.jpg .jpeg]", got)
	}
	if cfg.Similarity.MaxDistance != 10 || cfg.Similarity.MaxMatches != 25 {
		t.Errorf("Similarity = %+v, want {10 25}", cfg.Similarity)
	}
	if cfg.ObjectStore.Bucket != "stager-images" {
		t.Errorf("ObjectStore.Bucket = %q, want %q", cfg.ObjectStore.Bucket, "stager-images")
	}
	if cfg.Redis.LockTTLDuration() != 10*time.Minute {
		t.Errorf("Redis.LockTTLDuration() = %v, want 10m", cfg.Redis.LockTTLDuration())
	}
	if cfg.Kafka.Topic != "stager.batches" {
		t.Errorf("Kafka.Topic = %q, want %q", cfg.Kafka.Topic, "stager.batches")
	}
	if len(cfg.Kafka.BrokerList()) != 0 {
		t.Errorf("Kafka.BrokerList() = %v, want empty", cfg.Kafka.BrokerList())
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Storage.DataDir == "" {
		t.Error("Storage.DataDir is empty")
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)

	b := newMemBackend()
	b.values["server.port"] = "9000"
	b.values["scheduler.interval"] = "250ms"
	b.values["objectstore.use_ssl"] = "true"
	b.values["kafka.brokers"] = "k1:9092, k2:9092,"
	b.values["redis.password"] = "ignored"

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Scheduler.IntervalDuration() != 250*time.Millisecond {
		t.Errorf("Scheduler.IntervalDuration() = %v, want 250ms", cfg.Scheduler.IntervalDuration())
	}
	if !cfg.ObjectStore.UseSSL {
		t.Error("ObjectStore.UseSSL = false, want true")
	}
	if got := cfg.Kafka.BrokerList(); len(got) != 2 || got[1] != "k2:9092" {
		t.Errorf("Kafka.BrokerList() = %v", got)
	}
	if cfg.Redis.Password != "" {
		t.Errorf("secret read from backend: %q", cfg.Redis.Password)
	}
}

func TestBackendError(t *testing.T) {
	clearEnv(t)

	b := newMemBackend()
	b.err = errors.New("defaults unavailable")
	if _, err := loadWith(b, mockKeychain{}); err == nil {
		t.Fatal("expected error from failing backend")
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("STAGER_SERVER_PORT", "5000")
	t.Setenv("STAGER_LOG_LEVEL", "debug")
	t.Setenv("STAGER_REDIS_ADDR", "localhost:6379")
	t.Setenv("STAGER_OBJECTSTORE_USE_SSL", "1")

	b := newMemBackend()
	b.values["server.port"] = "9000"

	cfg, err := loadWith(b, mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Error("ObjectStore.UseSSL = false, want true")
	}
}

func TestInvalidEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("STAGER_SERVER_PORT", "not-a-number")
	t.Setenv("STAGER_SCHEDULER_INTERVAL", "soon")

	cfg, err := loadWith(newMemBackend(), mockKeychain{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4200 {
		t.Errorf("Server.Port = %d, want 4200", cfg.Server.Port)
	}
	if cfg.Scheduler.IntervalDuration() != 5*time.Second {
		t.Errorf("Scheduler.IntervalDuration() = %v, want fallback 5s", cfg.Scheduler.IntervalDuration())
	}
}

func TestKeychainFallback(t *testing.T) {
	clearEnv(t)

	kc := mockKeychain{values: map[string]string{
		"stager/objectstore_secret_key": "minio-secret",
		"stager/redis_password":         "redis-secret",
	}}
	cfg, err := loadWith(newMemBackend(), kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ObjectStore.SecretKey != "minio-secret" {
		t.Errorf("ObjectStore.SecretKey = %q", cfg.ObjectStore.SecretKey)
	}
	if cfg.Redis.Password != "redis-secret" {
		t.Errorf("Redis.Password = %q", cfg.Redis.Password)
	}
}

func TestEnvSecretBeatsKeychain(t *testing.T) {
	clearEnv(t)
	t.Setenv("STAGER_REDIS_PASSWORD", "from-env")

	kc := mockKeychain{values: map[string]string{"stager/redis_password": "from-keychain"}}
	cfg, err := loadWith(newMemBackend(), kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Redis.Password != "from-env" {
		t.Errorf("Redis.Password = %q, want %q", cfg.Redis.Password, "from-env")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Redis.Password = "hidden"
	for _, info := range ShowAll(cfg) {
		if info.Key == "redis.password" || info.Key == "objectstore.secret_key" {
			t.Errorf("secret key %q listed", info.Key)
		}
		if info.Value == "hidden" {
			t.Errorf("secret value leaked under %q", info.Key)
		}
	}
	for _, k := range ValidKeys() {
		if k == "redis.password" {
			t.Error("ValidKeys lists a secret")
		}
	}
}

func TestSetKeyRejectsUnknownAndSecret(t *testing.T) {
	if err := setKey(newMemBackend(), "nope.nothing", "1"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := setKey(newMemBackend(), "redis.password", "x"); err == nil {
		t.Error("expected error for secret key")
	}
}

func TestGetAPITokenReusesStored(t *testing.T) {
	kc := mockKeychain{values: map[string]string{"stager/api_token": "existing"}}
	tok, err := getAPIToken(kc, func(string, string, string) error {
		t.Fatal("set called for existing token")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "existing" {
		t.Errorf("token = %q, want %q", tok, "existing")
	}
}

func TestGetAPITokenGenerates(t *testing.T) {
	var stored string
	tok, err := getAPIToken(mockKeychain{}, func(service, account, value string) error {
		if service != "stager" || account != "api_token" {
			t.Errorf("stored under %s/%s", service, account)
		}
		stored = value
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tok) != 64 {
		t.Errorf("token length = %d, want 64", len(tok))
	}
	if stored != tok {
		t.Errorf("stored %q, returned %q", stored, tok)
	}
}

func TestGetAPITokenStoreFailure(t *testing.T) {
	_, err := getAPIToken(mockKeychain{}, func(string, string, string) error {
		return errors.New("locked")
	})
	if err == nil {
		t.Fatal("expected error when store fails")
	}
}

func TestBackendInvalidValue(t *testing.T) {
	clearEnv(t)

	b := newMemBackend()
	b.values["scheduler.concurrency"] = "lots"
	if _, err := loadWith(b, mockKeychain{}); err == nil {
		t.Fatal("expected error for unparsable backend value")
	}
}

func TestSetKeyStoresCanonicalValue(t *testing.T) {
	b := newMemBackend()
	if err := setKey(b, "objectstore.use_ssl", "1"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if got := b.values["objectstore.use_ssl"]; got != "true" {
		t.Errorf("stored %q, want %q", got, "true")
	}
	if err := setKey(b, "server.port", " 8080 "); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if got := b.values["server.port"]; got != "8080" {
		t.Errorf("stored %q, want %q", got, "8080")
	}
	if err := setKey(b, "server.port", "eighty"); err == nil {
		t.Error("expected error for non-integer port")
	}
}

func TestEnvNames(t *testing.T) {
	s, ok := lookupSpec("redis.lock_ttl")
	if !ok {
		t.Fatal("redis.lock_ttl not registered")
	}
	if got := s.env(); got != "STAGER_REDIS_LOCK_TTL" {
		t.Errorf("env() = %q", got)
	}
}
