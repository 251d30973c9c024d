package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// Preference command flags.
var (
	prefsBatchEnabled   string
	prefsBatchTime      string
	prefsPriorityBypass string
	prefsQuietStart     string
	prefsQuietEnd       string
	prefsTimezone       string
	prefsSenders        string
)

// NewPrefsCommand creates the prefs command group.
func NewPrefsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Manage owner notification preferences",
		Long: `View and modify per-owner notification preferences.

Preferences control batching of non-priority notifications, quiet hours
(which may wrap midnight), the owner's timezone, and the custom priority
sender list consumed by the scorer.

Examples:
  penf-triage prefs get alice
  penf-triage prefs set alice --batch-enabled true --quiet-start 22:00 --quiet-end 07:00
  penf-triage prefs set alice --priority-senders boss@corp.com,alerts@bank.com`,
		Aliases: []string{"preferences"},
	}

	cmd.AddCommand(newPrefsGetCommand())
	cmd.AddCommand(newPrefsSetCommand())
	return cmd
}

func newPrefsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <owner-id>",
		Short: "Show an owner's notification preferences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := apiClient()
			if err != nil {
				return err
			}

			prefs, err := c.GetPreferences(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if wantJSON(cfg) {
				return printJSON(prefs)
			}
			fmt.Printf("Owner:           %s\n", prefs.OwnerID)
			fmt.Printf("Batch enabled:   %t\n", prefs.BatchEnabled)
			fmt.Printf("Batch time:      %s\n", prefs.BatchTime)
			fmt.Printf("Priority bypass: %t\n", prefs.PriorityBypassEnabled)
			fmt.Printf("Quiet hours:     %s - %s (%s)\n", prefs.QuietHoursStart, prefs.QuietHoursEnd, prefs.Timezone)
			if len(prefs.PrioritySenders) > 0 {
				fmt.Printf("Priority senders:\n")
				for _, s := range prefs.PrioritySenders {
					fmt.Printf("  %s\n", s)
				}
			}
			return nil
		},
	}
}

func newPrefsSetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <owner-id>",
		Short: "Update an owner's notification preferences",
		Long: `Update an owner's notification preferences.

Only the flags you pass are changed; everything else keeps its stored value.
Boolean flags take true or false. Times are HH:MM in the owner's timezone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := apiClient()
			if err != nil {
				return err
			}

			prefs, err := c.GetPreferences(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if prefsBatchEnabled != "" {
				v, err := parseBool(prefsBatchEnabled)
				if err != nil {
					return fmt.Errorf("--batch-enabled: %w", err)
				}
				prefs.BatchEnabled = v
			}
			if prefsPriorityBypass != "" {
				v, err := parseBool(prefsPriorityBypass)
				if err != nil {
					return fmt.Errorf("--priority-bypass: %w", err)
				}
				prefs.PriorityBypassEnabled = v
			}
			if prefsBatchTime != "" {
				prefs.BatchTime = prefsBatchTime
			}
			if prefsQuietStart != "" {
				prefs.QuietHoursStart = prefsQuietStart
			}
			if prefsQuietEnd != "" {
				prefs.QuietHoursEnd = prefsQuietEnd
			}
			if prefsTimezone != "" {
				prefs.Timezone = prefsTimezone
			}
			if prefsSenders != "" {
				var senders []string
				for _, s := range strings.Split(prefsSenders, ",") {
					if s = strings.TrimSpace(s); s != "" {
						senders = append(senders, s)
					}
				}
				prefs.PrioritySenders = senders
			}

			updated, err := c.PutPreferences(cmd.Context(), prefs)
			if err != nil {
				return err
			}
			if wantJSON(cfg) {
				return printJSON(updated)
			}
			fmt.Printf("Preferences updated for %s.\n", updated.OwnerID)
			return nil
		},
	}

	cmd.Flags().StringVar(&prefsBatchEnabled, "batch-enabled", "", "Defer non-priority notifications to the batch (true/false)")
	cmd.Flags().StringVar(&prefsBatchTime, "batch-time", "", "Preferred delivery time (HH:MM)")
	cmd.Flags().StringVar(&prefsPriorityBypass, "priority-bypass", "", "Send priority items immediately (true/false)")
	cmd.Flags().StringVar(&prefsQuietStart, "quiet-start", "", "Quiet hours start (HH:MM)")
	cmd.Flags().StringVar(&prefsQuietEnd, "quiet-end", "", "Quiet hours end (HH:MM)")
	cmd.Flags().StringVar(&prefsTimezone, "timezone", "", "IANA timezone name (e.g., Europe/London)")
	cmd.Flags().StringVar(&prefsSenders, "priority-senders", "", "Comma-separated priority sender list (replaces the stored list)")
	return cmd
}

func parseBool(v string) (bool, error) {
	switch v {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q (must be true or false)", v)
	}
}
