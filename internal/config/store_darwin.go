//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const defaultsDomain = "com.kalambet.stager"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "stager-data"
	}
	return filepath.Join(home, "Library", "Application Support", "stager")
}

func secretHint(account string) string {
	return fmt.Sprintf(" or macOS Keychain (service: %s, account: %s)", keychainService, account)
}

// run executes a macOS tool and returns its trimmed stdout. Exit status 1,
// which `defaults read` uses for a missing key, reports found=false.
func run(name string, args ...string) (out string, found bool, err error) {
	raw, err := exec.Command(name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%s %s: %w", name, args[0], err)
	}
	return strings.TrimSpace(string(raw)), true, nil
}

// defaultsBackend stores settings in UserDefaults as strings.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() Backend {
	return defaultsBackend{domain: defaultsDomain}
}

func (b defaultsBackend) Lookup(key string) (string, bool, error) {
	return run("defaults", "read", b.domain, key)
}

func (b defaultsBackend) Store(key, val string) error {
	return exec.Command("defaults", "write", b.domain, key, "-string", val).Run()
}

func keychainGet(service, account string) ([]byte, error) {
	v, found, err := run("security", "find-generic-password", "-s", service, "-a", account, "-w")
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no keychain item %s/%s", service, account)
	}
	return []byte(v), nil
}

func keychainSet(service, account, value string) error {
	return exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", account, "-w", value).Run()
}
