// Package main provides the penf-triage CLI entry point.
// penf-triage runs and operates the email triage workflow service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/penf-triage/client"
	"github.com/otherjamesbrown/penf-triage/cmd"
	"github.com/otherjamesbrown/penf-triage/config"
	"github.com/otherjamesbrown/penf-triage/pkg/buildinfo"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "penf-triage",
	Short: "Email triage workflow service and CLI",
	Long: `penf-triage runs and operates the email triage workflow service.

The service drives each incoming email through a durable workflow: enrich,
classify, score priority, propose a routing decision, then suspend until the
owner approves, rejects, or changes the proposal. Non-priority items can be
deferred to daily batch delivery.

COMMON WORKFLOWS:
  Run the service:    penf-triage serve
  Prepare the schema: penf-triage db migrate
  Triage an item:     penf-triage workflow start <item-id> --owner <owner>
  Decide:             penf-triage workflow decide <instance-id> approve --caller <owner>
  Force a batch:      penf-triage batch run

DISCOVERY:
  penf-triage <command> --help   Subcommands, flags, and examples`,
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(c *cobra.Command, args []string) error {
		info := buildinfo.Get("penf-triage")
		if cmd.OutputOverride == "json" {
			enc := json.NewEncoder(c.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		out := c.OutOrStdout()
		fmt.Fprintf(out, "penf-triage version %s\n", info.Version)
		fmt.Fprintf(out, "  commit:     %s\n", info.Commit)
		fmt.Fprintf(out, "  built:      %s\n", info.BuildTime)
		fmt.Fprintf(out, "  go version: %s\n", info.GoVersion)
		return nil
	},
}

// statusCmd checks connectivity to the triage service.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check connection status to the triage service",
	Long: `Check that the triage service answers its health endpoint.

This is a lightweight connectivity check; it reports whether the server is
reachable and ready, nothing more.`,
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadCLI()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(c.Context(), cfg.Timeout)
		defer cancel()

		cl := client.New(cfg.ServerURL, os.Getenv("PENF_TRIAGE_TOKEN"), cfg.Timeout)
		if err := cl.Health(ctx); err != nil {
			fmt.Printf("Connection status: UNHEALTHY\n")
			fmt.Printf("  Server: %s\n", cfg.ServerURL)
			fmt.Printf("  Error:  %s\n", err)
			return nil
		}
		fmt.Printf("Connection status: HEALTHY\n")
		fmt.Printf("  Server: %s\n", cfg.ServerURL)
		return nil
	},
}

// configCmd manages CLI configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long:  `View and modify the penf-triage CLI configuration settings.`,
}

// configShowCmd displays current configuration.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadCLI()
		if err != nil {
			return err
		}
		configPath, _ := config.ConfigPath()

		fmt.Println("Current configuration:")
		fmt.Printf("  Config file:   %s\n", configPath)
		fmt.Printf("  Server URL:    %s\n", cfg.ServerURL)
		fmt.Printf("  Timeout:       %s\n", cfg.Timeout)
		fmt.Printf("  Output format: %s\n", cfg.OutputFormat)
		fmt.Printf("  Debug:         %t\n", cfg.Debug)
		return nil
	},
}

// configInitCmd initializes the configuration file.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a new configuration file with default values if one doesn't exist.`,
	RunE: func(c *cobra.Command, args []string) error {
		configPath, err := config.ConfigPath()
		if err != nil {
			return fmt.Errorf("getting config path: %w", err)
		}

		if _, err := os.Stat(configPath); err == nil {
			fmt.Printf("Configuration file already exists: %s\n", configPath)
			fmt.Println("Use 'penf-triage config show' to view current settings.")
			return nil
		}

		defaults := config.DefaultCLIConfig()
		if err := saveCLIFile(map[string]interface{}{
			"server_url":    defaults.ServerURL,
			"timeout":       defaults.Timeout.String(),
			"output_format": defaults.OutputFormat,
		}); err != nil {
			return err
		}

		fmt.Printf("Created configuration file: %s\n", configPath)
		return nil
	},
}

// configSetCmd sets a configuration value.
var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file.

Available keys:
  server_url     - Triage service base URL
  timeout        - Request timeout (e.g., 30s, 1m)
  output_format  - Default output format (text, json)
  debug          - Enable debug mode (true/false)

Examples:
  penf-triage config set server_url http://triage.internal:8085
  penf-triage config set output_format json`,
	Args: cobra.ExactArgs(2),
	RunE: func(c *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		switch key {
		case "server_url", "output_format":
			// Stored verbatim.
		case "timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid timeout value: %w", err)
			}
		case "debug":
			if value != "true" && value != "false" {
				return fmt.Errorf("invalid debug value: %s (must be true or false)", value)
			}
		default:
			return fmt.Errorf("unknown configuration key: %s", key)
		}

		values, err := readCLIFile()
		if err != nil {
			return err
		}
		if key == "debug" {
			values[key] = value == "true"
		} else {
			values[key] = value
		}
		if err := saveCLIFile(values); err != nil {
			return err
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// completionCmd generates shell completion scripts.
var completionCmd = &cobra.Command{
	Use:                   "completion [bash|zsh|fish|powershell]",
	Short:                 "Generate shell completion scripts",
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(c *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(os.Stdout)
		case "zsh":
			return rootCmd.GenZshCompletion(os.Stdout)
		case "fish":
			return rootCmd.GenFishCompletion(os.Stdout, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
		}
		return nil
	},
}

// loadCLI loads the CLI configuration with root flag overrides applied.
func loadCLI() (*config.CLIConfig, error) {
	cfg, err := config.LoadCLIConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if cmd.ServerOverride != "" {
		cfg.ServerURL = cmd.ServerOverride
	}
	if cmd.TimeoutOverride != 0 {
		cfg.Timeout = cmd.TimeoutOverride
	}
	if cmd.OutputOverride != "" {
		cfg.OutputFormat = cmd.OutputOverride
	}
	return cfg, nil
}

// readCLIFile reads the config file into a generic map, tolerating absence.
func readCLIFile() (map[string]interface{}, error) {
	configPath, err := config.ConfigPath()
	if err != nil {
		return nil, err
	}

	values := map[string]interface{}{}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return values, nil
}

// saveCLIFile writes the config values back to the config file.
func saveCLIFile(values map[string]interface{}) error {
	if err := config.EnsureConfigDir(); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	configPath, err := config.ConfigPath()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshaling configuration: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func init() {
	// Global flags shared by the client-side commands.
	rootCmd.PersistentFlags().StringVar(&cmd.ServerOverride, "server", "", "Triage service base URL")
	rootCmd.PersistentFlags().DurationVar(&cmd.TimeoutOverride, "timeout", 0, "Request timeout (e.g., 30s, 1m)")
	rootCmd.PersistentFlags().StringVar(&cmd.OutputOverride, "output", "", "Output format: text, json")
	rootCmd.PersistentFlags().BoolVar(&cmd.DebugOverride, "debug", false, "Enable debug output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "service", Title: "Service:"},
		&cobra.Group{ID: "triage", Title: "Triage:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	serveCmd := cmd.NewServeCommand()
	serveCmd.GroupID = "service"
	rootCmd.AddCommand(serveCmd)

	dbCmd := cmd.NewDbCommand()
	dbCmd.GroupID = "service"
	rootCmd.AddCommand(dbCmd)

	statusCmd.GroupID = "service"
	rootCmd.AddCommand(statusCmd)

	workflowCmd := cmd.NewWorkflowCommand()
	workflowCmd.GroupID = "triage"
	rootCmd.AddCommand(workflowCmd)

	batchCmd := cmd.NewBatchCommand()
	batchCmd.GroupID = "triage"
	rootCmd.AddCommand(batchCmd)

	prefsCmd := cmd.NewPrefsCommand()
	prefsCmd.GroupID = "triage"
	rootCmd.AddCommand(prefsCmd)

	configCmd.GroupID = "setup"
	rootCmd.AddCommand(configCmd)

	cmd.AuthCmd.GroupID = "setup"
	rootCmd.AddCommand(cmd.AuthCmd)

	completionCmd.GroupID = "setup"
	rootCmd.AddCommand(completionCmd)

	versionCmd.GroupID = "setup"
	rootCmd.AddCommand(versionCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSetCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
