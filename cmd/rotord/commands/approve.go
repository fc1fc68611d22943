package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/rotord/internal/config"
	dserrors "github.com/systmms/rotord/internal/errors"
	"github.com/systmms/rotord/internal/rotation/approval"
)

// NewApproveCommand creates the approve command
func NewApproveCommand(cfg *config.Config) *cobra.Command {
	var (
		actor  string
		format string
	)

	cmd := &cobra.Command{
		Use:   "approve <job-id>",
		Short: "Approve a rotation waiting for approval",
		Long: `Record an approval for a job in APPROVAL_WAIT.

Approvals from the same actor are counted once. When the class's quorum is
reached the job continues; without a running server it continues in this
process.`,
		Example: `  rotord approve 3f0c9a6e-... --actor alice`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(actor) == "" {
				return dserrors.UserError{
					Message:    "An approver identity is required",
					Suggestion: "Pass --actor with your user name",
				}
			}

			ctx := cmd.Context()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			reached, err := a.engine.Approve(ctx, args[0], actor)
			if err != nil {
				return err
			}
			if !reached {
				a.logger.Info("Approval by %s recorded, quorum not yet reached", actor)
			}
			job, err := a.engine.Job(ctx, args[0])
			if err != nil {
				return err
			}
			return renderJob(format, job)
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "", "Approver identity (required)")
	addFormatFlag(cmd, &format)

	return cmd
}

// NewApprovalsCommand creates the approvals command
func NewApprovalsCommand(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List rotations waiting for approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			pending, err := a.engine.PendingApprovals(ctx)
			if err != nil {
				return err
			}
			if pending == nil {
				pending = []*approval.Request{}
			}

			return render(format, pending, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "JOB\tCLASS\tAPPROVALS\tAPPROVED BY\tEXPIRES")
				fmt.Fprintln(w, "---\t-----\t---------\t-----------\t-------")
				now := time.Now()
				for _, r := range pending {
					by := strings.Join(r.Actors(), ",")
					if by == "" {
						by = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
						r.JobID, r.ClassID, len(r.Approvals), r.ApproversRequired, by, formatTimestamp(r.Expiry, now))
				}
			})
		},
	}

	addFormatFlag(cmd, &format)
	return cmd
}

// NewCancelCommand creates the cancel command
func NewCancelCommand(cfg *config.Config) *cobra.Command {
	var (
		actor  string
		format string
	)

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a rotation job",
		Long: `Cancel a job that has not reached activation.

A version minted by the job is abandoned. Jobs in ACTIVATING or CLEANUP
cannot be cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			job, err := a.engine.Cancel(ctx, args[0], actor)
			if err != nil {
				return err
			}
			return renderJob(format, job)
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "Identity recorded in the audit log")
	addFormatFlag(cmd, &format)

	return cmd
}
