//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// xdgDir resolves an XDG base directory, falling back to $HOME/<rel> and
// finally to the working directory.
func xdgDir(envVar, rel string) string {
	if dir := os.Getenv(envVar); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, rel)
	}
	return "."
}

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local/share"), "stager")
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "stager", "config.json")
}

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

func secretHint(account string) string {
	return fmt.Sprintf(" or %s (key: %s/%s)", secretsFilePath(), keychainService, account)
}

// readJSONFile decodes path into v. A missing file leaves v untouched.
func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// writeJSONFile replaces path atomically with the encoding of v.
func writeJSONFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".stager-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// fileBackend keeps settings as a flat JSON object of strings.
type fileBackend struct {
	path string

	once    sync.Once
	values  map[string]string
	loadErr error
}

func newPlatformBackend() Backend {
	return &fileBackend{path: configFilePath()}
}

func (b *fileBackend) load() error {
	b.once.Do(func() {
		b.values = map[string]string{}
		b.loadErr = readJSONFile(b.path, &b.values)
	})
	return b.loadErr
}

func (b *fileBackend) Lookup(key string) (string, bool, error) {
	if err := b.load(); err != nil {
		return "", false, err
	}
	v, ok := b.values[key]
	return v, ok, nil
}

func (b *fileBackend) Store(key, val string) error {
	if err := b.load(); err != nil {
		return err
	}
	b.values[key] = val
	return writeJSONFile(b.path, b.values)
}

// secrets.json maps "service/account" to the secret value.
func secretKey(service, account string) string {
	return service + "/" + account
}

func keychainGet(service, account string) ([]byte, error) {
	secrets := map[string]string{}
	if err := readJSONFile(secretsFilePath(), &secrets); err != nil {
		return nil, err
	}
	v, ok := secrets[secretKey(service, account)]
	if !ok {
		return nil, fmt.Errorf("no secret stored for %s", secretKey(service, account))
	}
	return []byte(v), nil
}

func keychainSet(service, account, value string) error {
	p := secretsFilePath()
	secrets := map[string]string{}
	if err := readJSONFile(p, &secrets); err != nil {
		return err
	}
	secrets[secretKey(service, account)] = value
	return writeJSONFile(p, secrets)
}
