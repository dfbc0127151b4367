package config

import (
	"fmt"
	"strings"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll lists every non-secret key with its effective value in cfg.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{Key: s.key, EnvVar: s.env(), Value: render(s.field(&cfg))})
	}
	return result
}

// SetKey validates value against the key's type and persists it in the
// platform backend.
func SetKey(key, value string) error {
	return setKey(newPlatformBackend(), key, value)
}

func setKey(b Backend, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s%s", key, s.env(), secretHint(secretAccount(key)))
	}
	// Round-trip through the field so the stored form is canonical.
	var scratch Config
	field := s.field(&scratch)
	if err := assign(field, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return b.Store(key, render(field))
}

// ValidKeys returns the non-secret key names accepted by SetKey.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

// secretAccount maps a secret key to its secret store account name.
func secretAccount(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}
