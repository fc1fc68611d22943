package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/rotord/internal/config"
	dserrors "github.com/systmms/rotord/internal/errors"
	"github.com/systmms/rotord/pkg/rotation"
)

// NewRotateCommand creates the rotate command
func NewRotateCommand(cfg *config.Config) *cobra.Command {
	var (
		force  bool
		dryRun bool
		wait   bool
		actor  string
		format string
	)

	cmd := &cobra.Command{
		Use:   "rotate <class>",
		Short: "Request a rotation of a secret class",
		Long: `Create a rotation job for a secret class.

The job is picked up by a running 'rotord serve'. With --wait the job is
executed in this process until it completes, fails, or stops to wait for
approvals.

A class that is not yet due is refused unless --force is given. --dry-run
runs the health checks and approval gate without minting a version.`,
		Example: `  # Rotate a class that is due, in this process
  rotord rotate database-prod --wait

  # Rotate ahead of schedule
  rotord rotate api-tokens --force

  # Check a class can be rotated without touching it
  rotord rotate database-prod --dry-run --wait`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			job, err := a.engine.Rotate(ctx, args[0], force, dryRun, actor)
			if err != nil {
				if errors.Is(err, rotation.ErrNotDue) {
					return dserrors.UserError{
						Message:    fmt.Sprintf("Class %s is not due for rotation", args[0]),
						Suggestion: "Pass --force to rotate ahead of schedule",
						Err:        err,
					}
				}
				return err
			}

			if wait && !job.IsTerminal() {
				job, err = a.engine.Execute(ctx, job.ID)
				if err != nil {
					return err
				}
			}
			return renderJob(format, job)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Rotate even if the class is not due or is disabled")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Check and gate the rotation without minting a version")
	cmd.Flags().BoolVar(&wait, "wait", false, "Execute the job in this process")
	cmd.Flags().StringVar(&actor, "actor", "cli", "Identity recorded in the audit log")
	addFormatFlag(cmd, &format)

	return cmd
}

func renderJob(format string, job *rotation.Job) error {
	return render(format, job, func(w *tabwriter.Writer) {
		now := time.Now()
		fmt.Fprintf(w, "Job:\t%s\n", job.ID)
		fmt.Fprintf(w, "Class:\t%s\n", job.ClassID)
		fmt.Fprintf(w, "State:\t%s\n", formatState(job.State))
		fmt.Fprintf(w, "Triggered by:\t%s\n", job.TriggeredBy)
		fmt.Fprintf(w, "Scheduled:\t%s\n", formatTimestamp(job.ScheduledAt, now))
		if job.DryRun {
			fmt.Fprintf(w, "Dry run:\tyes\n")
		}
		if job.Attempts > 0 {
			fmt.Fprintf(w, "Attempts:\t%d\n", job.Attempts)
		}
		if job.OldVersionID != "" {
			fmt.Fprintf(w, "Old version:\t%s\n", job.OldVersionID)
		}
		if job.NewVersionID != "" {
			fmt.Fprintf(w, "New version:\t%s\n", job.NewVersionID)
		}
		if job.Outcome != "" {
			fmt.Fprintf(w, "Outcome:\t%s\n", job.Outcome)
		}
		if job.Error != nil {
			fmt.Fprintf(w, "Error:\t%s\n", job.Error.Error())
		}
	})
}
