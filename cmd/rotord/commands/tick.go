package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/systmms/rotord/internal/config"
)

// tickReport is what one maintenance pass did.
type tickReport struct {
	Scheduled        int `json:"scheduled" yaml:"scheduled"`
	Advanced         int `json:"advanced" yaml:"advanced"`
	ApprovalsExpired int `json:"approvals_expired" yaml:"approvals_expired"`
	VersionsRevoked  int `json:"versions_revoked" yaml:"versions_revoked"`
	JobsArchived     int `json:"jobs_archived" yaml:"jobs_archived"`
	BackupsPruned    int `json:"backups_pruned" yaml:"backups_pruned"`
}

// NewTickCommand creates the tick command
func NewTickCommand(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduling and maintenance pass",
		Long: `Run what 'rotord serve' does continuously, once, then exit.

Due classes are scheduled and every runnable job is advanced in this
process. Expired approvals fail their jobs, old versions past their grace
period are revoked, finished jobs past retention are archived and expired
backups are pruned. Suitable for a cron job when no server runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			var report tickReport
			jobs, err := a.engine.Scheduler().Tick(ctx)
			if err != nil {
				return fmt.Errorf("schedule: %w", err)
			}
			report.Scheduled = len(jobs)
			if report.ApprovalsExpired, err = a.engine.SweepApprovals(ctx); err != nil {
				return fmt.Errorf("approval sweep: %w", err)
			}
			if report.Advanced, err = a.engine.Recover(ctx); err != nil {
				return fmt.Errorf("advance jobs: %w", err)
			}
			if report.VersionsRevoked, err = a.engine.Reap(ctx); err != nil {
				return fmt.Errorf("reap versions: %w", err)
			}
			if report.JobsArchived, err = a.engine.Archive(ctx); err != nil {
				return fmt.Errorf("archive jobs: %w", err)
			}
			if report.BackupsPruned, err = a.engine.PruneBackups(ctx); err != nil {
				return fmt.Errorf("prune backups: %w", err)
			}

			return render(format, report, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "Scheduled:\t%d\n", report.Scheduled)
				fmt.Fprintf(w, "Advanced:\t%d\n", report.Advanced)
				fmt.Fprintf(w, "Approvals expired:\t%d\n", report.ApprovalsExpired)
				fmt.Fprintf(w, "Versions revoked:\t%d\n", report.VersionsRevoked)
				fmt.Fprintf(w, "Jobs archived:\t%d\n", report.JobsArchived)
				fmt.Fprintf(w, "Backups pruned:\t%d\n", report.BackupsPruned)
			})
		},
	}

	addFormatFlag(cmd, &format)
	return cmd
}
