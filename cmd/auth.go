package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/otherjamesbrown/penf-triage/client"
	"github.com/otherjamesbrown/penf-triage/credentials"
)

// Auth command flags.
var (
	authToken    string
	authServer   string
	authNoVerify bool
)

// AuthCmd represents the auth command group.
var AuthCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage authentication",
	Long: `Manage authentication credentials for the triage service API.

Tokens are stored encrypted at rest in ~/.penf-triage/credentials.yaml. The
encryption key lives in the system keyring, or in the
PENF_TRIAGE_ENCRYPTION_KEY environment variable for CI.

The PENF_TRIAGE_TOKEN environment variable takes precedence over stored
credentials.`,
}

// loginCmd stores an API token.
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Login to the triage service",
	Long: `Store an API token for the triage service.

Examples:
  # Interactive login (prompts for the token)
  penf-triage auth login

  # Login with a token flag
  penf-triage auth login --token tr-abc123...

  # Store the token without verifying it against the server
  penf-triage auth login --token tr-abc123... --no-verify`,
	RunE: runLogin,
}

// logoutCmd clears stored credentials.
var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Logout and clear stored credentials",
	Long: `Clear the stored API token.

The PENF_TRIAGE_TOKEN environment variable is not affected.`,
	RunE: runLogout,
}

// authStatusCmd shows the current authentication state.
var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication status",
	RunE:  runAuthStatus,
}

func init() {
	loginCmd.Flags().StringVar(&authToken, "token", "", "API token (prompts when omitted)")
	loginCmd.Flags().StringVar(&authServer, "server", "", "Server URL to record with the credentials")
	loginCmd.Flags().BoolVar(&authNoVerify, "no-verify", false, "Skip the server health check before storing")

	AuthCmd.AddCommand(loginCmd)
	AuthCmd.AddCommand(logoutCmd)
	AuthCmd.AddCommand(authStatusCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	token := authToken
	if token == "" {
		token = os.Getenv("PENF_TRIAGE_TOKEN")
	}
	if token == "" {
		fmt.Print("API token: ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("reading token: %w", err)
		}
		token = strings.TrimSpace(string(raw))
	}
	if token == "" {
		return fmt.Errorf("a token is required")
	}

	cfg, err := cliConfig()
	if err != nil {
		return err
	}
	serverURL := cfg.ServerURL
	if authServer != "" {
		serverURL = authServer
	}

	if !authNoVerify {
		c := client.New(serverURL, token, cfg.Timeout)
		if err := c.Health(cmd.Context()); err != nil {
			return fmt.Errorf("server check failed (use --no-verify to store anyway): %w", err)
		}
	}

	store, err := credentials.NewStore()
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	if err := store.Save(&credentials.Credentials{
		Token:     token,
		ServerURL: serverURL,
	}); err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}

	fmt.Printf("Logged in to %s.\n", serverURL)
	fmt.Printf("Encryption key: %s\n", store.KeyDescription())
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	store, err := credentials.NewStore()
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	if err := store.Clear(); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	fmt.Println("Logged out.")
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	if os.Getenv("PENF_TRIAGE_TOKEN") != "" {
		fmt.Println("Authenticated via PENF_TRIAGE_TOKEN environment variable.")
		return nil
	}

	store, err := credentials.NewStore()
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	creds, err := store.Load()
	switch {
	case errors.Is(err, credentials.ErrNoCredentials):
		fmt.Println("Not logged in. Run 'penf-triage auth login'.")
		return nil
	case errors.Is(err, credentials.ErrExpiredToken):
		fmt.Printf("Token expired at %s. Run 'penf-triage auth login'.\n",
			creds.ExpiresAt.Format(time.RFC3339))
		return nil
	case err != nil:
		return fmt.Errorf("loading credentials: %w", err)
	}

	fmt.Println("Logged in.")
	if creds.ServerURL != "" {
		fmt.Printf("  Server:      %s\n", creds.ServerURL)
	}
	if creds.Subject != "" {
		fmt.Printf("  Subject:     %s\n", creds.Subject)
	}
	if !creds.ExpiresAt.IsZero() {
		fmt.Printf("  Expires:     %s\n", creds.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("  Updated:     %s\n", creds.LastUpdated.Format(time.RFC3339))
	fmt.Printf("  Key storage: %s\n", store.KeyDescription())
	return nil
}
