package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systmms/rotord/internal/config"
	"github.com/systmms/rotord/internal/policy"
)

// NewPolicyCommand creates the parent 'policy' command
func NewPolicyCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage secret class rotation policies",
		Long: `List, validate and apply secret class policies.

Policies applied with 'policy apply' are persisted in the state store and
shared by every replica. Classes defined inline in rotord.yaml or in its
policy_files are re-applied on every start.

Examples:
  # Check a policy document before applying it
  rotord policy validate policies/database.yaml

  # Apply it
  rotord policy apply policies/database.yaml

  # Re-enable automated rotation after reviewing an incident
  rotord policy resume database-prod --actor alice --notes "INC-2291 closed"`,
	}

	cmd.AddCommand(
		newPolicyListCmd(cfg),
		newPolicyApplyCmd(cfg),
		newPolicyValidateCmd(),
		newPolicyDisableCmd(cfg),
		newPolicyResumeCmd(cfg),
	)

	return cmd
}

func newPolicyListCmd(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered secret classes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def, logger, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			state, policies, err := openPolicies(cmd.Context(), def, logger)
			if err != nil {
				return err
			}
			defer state.Close()

			classes := policies.List()
			return render(format, classes, func(w *tabwriter.Writer) {
				outputClassTable(w, classes)
			})
		},
	}

	addFormatFlag(cmd, &format)
	return cmd
}

func outputClassTable(w *tabwriter.Writer, classes []policy.SecretClass) {
	fmt.Fprintln(w, "CLASS\tFREQUENCY\tAPPROVERS\tMAX RETRY\tDEPENDENTS\tENABLED")
	fmt.Fprintln(w, "-----\t---------\t---------\t---------\t----------\t-------")
	for _, c := range classes {
		approvers := "-"
		if c.RequiresApproval {
			approvers = fmt.Sprintf("%d", c.ApproversRequired)
		}
		deps := make([]string, 0, len(c.Dependents))
		for _, d := range c.Dependents {
			deps = append(deps, d.Name+"("+d.Type+")")
		}
		dependents := strings.Join(deps, ",")
		if dependents == "" {
			dependents = "-"
		}
		enabled := "yes"
		if c.Disabled {
			enabled = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			c.ID, c.RotationFrequency, approvers, c.MaxRetry, dependents, enabled)
	}
}

func newPolicyApplyCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <file>",
		Short: "Validate and persist the classes in a policy document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, logger, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			state, policies, err := openPolicies(cmd.Context(), def, logger)
			if err != nil {
				return err
			}
			defer state.Close()

			classes, err := policies.LoadFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, c := range classes {
				fmt.Printf("✅ %s applied (every %s)\n", c.ID, c.RotationFrequency)
			}
			return nil
		},
	}
}

func newPolicyValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a policy document without applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			classes, err := policy.ParseFile(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("✅ %s is valid (%d classes)\n", args[0], len(classes))
			return nil
		},
	}
}

func newPolicyDisableCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <class>",
		Short: "Stop scheduled rotation of a class",
		Long: `Disable automated rotation of a class. Forced rotations are still
accepted. Re-apply the policy to enable it again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, logger, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			state, policies, err := openPolicies(cmd.Context(), def, logger)
			if err != nil {
				return err
			}
			defer state.Close()

			if err := policies.Disable(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("⚪ %s disabled\n", args[0])
			return nil
		},
	}
}

func newPolicyResumeCmd(cfg *config.Config) *cobra.Command {
	var (
		actor string
		notes string
	)

	cmd := &cobra.Command{
		Use:   "resume <class>",
		Short: "Resume automated rotation of a halted class",
		Long: `Clear the halt placed on a class after a Fatal error and resolve its
open incident reports. Review the incident report before resuming.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.engine.ResumeClass(ctx, args[0], actor, notes); err != nil {
				return err
			}
			fmt.Printf("✅ Automated rotation of %s resumed\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "Identity recorded in the audit log and incident reports")
	cmd.Flags().StringVar(&notes, "notes", "", "Resolution notes for the incident reports")

	return cmd
}
