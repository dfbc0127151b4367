package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const apiTokenAccount = "api_token"

// GetAPIToken returns the bearer token guarding the admin API, generating
// and storing one in the platform secret store on first use.
func GetAPIToken() (string, error) {
	return getAPIToken(keychainReader{}, keychainSet)
}

func getAPIToken(kc keychain, set func(service, account, value string) error) (string, error) {
	if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
