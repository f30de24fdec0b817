package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/closeio/syncengine/internal/imapsession"
)

// credentialEntry is one account's connection parameters as read from the
// credentials file. The core never acquires or refreshes OAuth tokens
// itself (§2 "the core consumes a token provider"); this file stands in
// for that external token provider in a single-process deployment, and is
// reloaded on every lookup so a sidecar can rewrite it as tokens refresh.
type credentialEntry struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Security    string `json:"security"` // "tls", "starttls", "none"
	Username    string `json:"username"`
	Password    string `json:"password,omitempty"`
	AuthType    string `json:"auth_type"` // "password" or "oauth2"
	AccessToken string `json:"access_token,omitempty"`
}

// loadCredentialProvider returns a getCredentials callback for
// imapsession.NewPool, backed by a JSON file keyed by account public_id.
func loadCredentialProvider(path string) func(accountID string) (*imapsession.ClientConfig, error) {
	return func(accountID string) (*imapsession.ClientConfig, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("credentials: read %s: %w", path, err)
		}
		var entries map[string]credentialEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("credentials: parse %s: %w", path, err)
		}
		e, ok := entries[accountID]
		if !ok {
			return nil, fmt.Errorf("credentials: no entry for account %s", accountID)
		}

		cfg := imapsession.DefaultConfig()
		cfg.Host = e.Host
		if e.Port != 0 {
			cfg.Port = e.Port
		}
		if e.Security != "" {
			cfg.Security = imapsession.SecurityType(e.Security)
		}
		cfg.Username = e.Username
		cfg.Password = e.Password
		if e.AuthType != "" {
			cfg.AuthType = imapsession.AuthType(e.AuthType)
		}
		cfg.AccessToken = e.AccessToken
		return &cfg, nil
	}
}
