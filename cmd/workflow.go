package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// Workflow command flags.
var (
	workflowOwner    string
	workflowCaller   string
	workflowCategory string
)

// NewWorkflowCommand creates the workflow command group.
func NewWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Start and inspect triage workflows",
		Long: `Start triage workflows, check their status, and submit decisions.

A workflow runs an email item through enrichment, classification and
priority scoring, sends a routing proposal, and suspends until a decision
(approve, reject, or change) arrives.

Examples:
  penf-triage workflow start msg-123 --owner alice
  penf-triage workflow status wf-msg-123-1b9d6bcd
  penf-triage workflow decide wf-msg-123-1b9d6bcd approve --caller alice
  penf-triage workflow decide wf-msg-123-1b9d6bcd change --category Finance --caller alice`,
		Aliases: []string{"wf"},
	}

	cmd.AddCommand(newWorkflowStartCommand())
	cmd.AddCommand(newWorkflowStatusCommand())
	cmd.AddCommand(newWorkflowDecideCommand())
	return cmd
}

func newWorkflowStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <item-id>",
		Short: "Start a triage workflow for an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(workflowOwner) == "" {
				return fmt.Errorf("--owner is required")
			}

			c, cfg, err := apiClient()
			if err != nil {
				return err
			}

			res, err := c.StartWorkflow(cmd.Context(), args[0], workflowOwner)
			if err != nil {
				return err
			}
			if wantJSON(cfg) {
				return printJSON(res)
			}
			fmt.Printf("Instance: %s\n", res.InstanceID)
			fmt.Printf("Status:   %s\n", res.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowOwner, "owner", "", "Owner id the item belongs to (required)")
	return cmd
}

func newWorkflowStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show the status and state of a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := apiClient()
			if err != nil {
				return err
			}

			res, err := c.WorkflowStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if wantJSON(cfg) {
				return printJSON(res)
			}

			st := res.State
			fmt.Printf("Instance: %s\n", res.InstanceID)
			fmt.Printf("Status:   %s\n", res.Status)
			if st.Sender != "" {
				fmt.Printf("Sender:   %s\n", st.Sender)
			}
			if st.Subject != "" {
				fmt.Printf("Subject:  %s\n", st.Subject)
			}
			if st.Category != "" {
				fmt.Printf("Category: %s (confidence %.2f)\n", st.Category, st.Confidence)
			}
			fmt.Printf("Priority: score %d, priority=%t\n", st.PriorityScore, st.IsPriority)
			if st.UserDecision != "" {
				fmt.Printf("Decision: %s\n", st.UserDecision)
			}
			if st.FinalAction != "" {
				fmt.Printf("Outcome:  %s\n", st.FinalAction)
			}
			if st.Error != "" {
				fmt.Printf("Error:    %s\n", st.Error)
			}
			return nil
		},
	}
}

func newWorkflowDecideCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decide <instance-id> <approve|reject|change>",
		Short: "Submit a decision for a suspended workflow instance",
		Long: `Submit a decision for a suspended workflow instance.

Actions:
  approve   File the item under the proposed category
  reject    Leave the item where it is
  change    File under a different category (requires --category)

Duplicate decisions are benign: the server reports "already handled" rather
than an error.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(workflowCaller) == "" {
				return fmt.Errorf("--caller is required")
			}

			c, cfg, err := apiClient()
			if err != nil {
				return err
			}

			res, err := c.SubmitDecision(cmd.Context(), args[0], workflowCaller, args[1], workflowCategory)
			if err != nil {
				return err
			}
			if wantJSON(cfg) {
				return printJSON(res)
			}
			if res.AlreadyHandled {
				fmt.Printf("Instance %s was already handled.\n", res.InstanceID)
			} else {
				fmt.Printf("Decision applied to %s.\n", res.InstanceID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workflowCaller, "caller", "", "Caller identity submitting the decision (required)")
	cmd.Flags().StringVar(&workflowCategory, "category", "", "Replacement category for a change decision")
	return cmd
}
