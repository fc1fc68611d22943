package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/rotord/internal/config"
	"github.com/systmms/rotord/pkg/rotation"
)

// NewStatusCommand creates the status command
func NewStatusCommand(cfg *config.Config) *cobra.Command {
	var (
		verbose bool
		format  string
	)

	cmd := &cobra.Command{
		Use:   "status [class]",
		Short: "Show rotation status for secret classes",
		Long: `Display the rotation status of one or all secret classes.

Shows the last rotation, when the next one is due, the state of any job in
flight and the last error. Halted classes are flagged.`,
		Example: `  # Show status for all classes
  rotord status

  # Show status for one class as JSON
  rotord status database-prod --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			var statuses []*rotation.Status
			if len(args) > 0 {
				st, err := a.engine.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				statuses = []*rotation.Status{st}
			} else {
				statuses, err = a.engine.Statuses(ctx)
				if err != nil {
					return err
				}
			}
			if statuses == nil {
				statuses = []*rotation.Status{}
			}

			return render(format, statuses, func(w *tabwriter.Writer) {
				outputStatusTable(w, statuses, verbose)
			})
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed status information")
	addFormatFlag(cmd, &format)

	return cmd
}

func outputStatusTable(w *tabwriter.Writer, statuses []*rotation.Status, verbose bool) {
	fmt.Fprintln(w, "CLASS\tSTATE\tLAST ROTATION\tNEXT DUE\tFREQUENCY")
	fmt.Fprintln(w, "-----\t-----\t-------------\t--------\t---------")

	now := time.Now()
	for _, st := range statuses {
		state := formatState(st.CurrentState)
		switch {
		case st.Halted:
			state = "⛔ HALTED"
		case st.Disabled:
			state = "⚪ disabled"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			st.ClassID,
			state,
			formatOptionalTime(st.LastRotation, now, "Never"),
			formatOptionalTime(st.NextDue, now, "Not scheduled"),
			formatDays(st.Frequency),
		)

		if !verbose {
			continue
		}
		if st.ActiveVersion != "" {
			fmt.Fprintf(w, "  └─ Active version: %s\n", st.ActiveVersion)
		}
		if st.CurrentJobID != "" {
			fmt.Fprintf(w, "  └─ Job: %s\n", st.CurrentJobID)
		}
		if st.HaltReason != "" {
			fmt.Fprintf(w, "  └─ Halted: %s\n", st.HaltReason)
		}
		if st.LastError != nil {
			fmt.Fprintf(w, "  └─ Error: %s\n", st.LastError.Error())
		}
	}
}

// NewJobsCommand creates the jobs command
func NewJobsCommand(cfg *config.Config) *cobra.Command {
	var (
		classID  string
		states   []string
		active   bool
		archived bool
		limit    int
		format   string
	)

	cmd := &cobra.Command{
		Use:   "jobs [job-id]",
		Short: "List rotation jobs or show one",
		Example: `  # Jobs still in flight
  rotord jobs --active

  # Failed jobs of one class
  rotord jobs --class database-prod --state FAILED`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if len(args) > 0 {
				job, err := a.engine.Job(ctx, args[0])
				if err != nil {
					return err
				}
				return renderJob(format, job)
			}

			filter := rotation.JobFilter{
				ClassID:         classID,
				NonTerminal:     active,
				IncludeArchived: archived,
				Limit:           limit,
			}
			for _, s := range states {
				state, err := rotation.ParseState(s)
				if err != nil {
					return err
				}
				filter.States = append(filter.States, state)
			}
			jobs, err := a.engine.Jobs(ctx, filter)
			if err != nil {
				return err
			}
			if jobs == nil {
				jobs = []*rotation.Job{}
			}

			return render(format, jobs, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "JOB\tCLASS\tSTATE\tTRIGGERED BY\tUPDATED")
				fmt.Fprintln(w, "---\t-----\t-----\t------------\t-------")
				now := time.Now()
				for _, j := range jobs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						j.ID, j.ClassID, formatState(j.State), j.TriggeredBy, formatTimestamp(j.UpdatedAt, now))
				}
			})
		},
	}

	cmd.Flags().StringVar(&classID, "class", "", "Only jobs of this class")
	cmd.Flags().StringSliceVar(&states, "state", nil, "Only jobs in these states")
	cmd.Flags().BoolVar(&active, "active", false, "Only jobs that have not finished")
	cmd.Flags().BoolVar(&archived, "archived", false, "Include archived jobs")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of jobs to list")
	addFormatFlag(cmd, &format)

	return cmd
}
