// Package cmd provides CLI commands for the penf-triage tool.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/otherjamesbrown/penf-triage/client"
	"github.com/otherjamesbrown/penf-triage/config"
	"github.com/otherjamesbrown/penf-triage/credentials"
)

// Overrides are bound to the root command's persistent flags and take
// precedence over the config file and environment.
var (
	ServerOverride  string
	TimeoutOverride time.Duration
	OutputOverride  string
	DebugOverride   bool
)

// cliConfig loads the CLI configuration with flag overrides applied.
func cliConfig() (*config.CLIConfig, error) {
	cfg, err := config.LoadCLIConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if ServerOverride != "" {
		cfg.ServerURL = ServerOverride
	}
	if TimeoutOverride != 0 {
		cfg.Timeout = TimeoutOverride
	}
	if OutputOverride != "" {
		cfg.OutputFormat = OutputOverride
	}
	if DebugOverride {
		cfg.Debug = true
	}
	return cfg, nil
}

// loadToken resolves the API token: environment variable first, then the
// encrypted credential store. Missing credentials are not an error; the
// server may be running without auth.
func loadToken() string {
	if token := os.Getenv("PENF_TRIAGE_TOKEN"); token != "" {
		return token
	}

	store, err := credentials.NewStore()
	if err != nil {
		return ""
	}
	creds, err := store.Load()
	if err != nil {
		if errors.Is(err, credentials.ErrExpiredToken) {
			fmt.Fprintln(os.Stderr, "Warning: stored token has expired; run 'penf-triage auth login'")
		}
		return ""
	}
	return creds.Token
}

// apiClient builds the HTTP client from the CLI configuration.
func apiClient() (*client.Client, *config.CLIConfig, error) {
	cfg, err := cliConfig()
	if err != nil {
		return nil, nil, err
	}
	return client.New(cfg.ServerURL, loadToken(), cfg.Timeout), cfg, nil
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// wantJSON reports whether the configured output format is JSON.
func wantJSON(cfg *config.CLIConfig) bool {
	return cfg.OutputFormat == "json"
}
