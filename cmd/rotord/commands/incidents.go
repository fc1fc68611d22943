package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/systmms/rotord/internal/config"
	"github.com/systmms/rotord/internal/incident"
)

// NewIncidentsCommand creates the incidents command
func NewIncidentsCommand(cfg *config.Config) *cobra.Command {
	var (
		all    bool
		format string
	)

	cmd := &cobra.Command{
		Use:   "incidents [id]",
		Short: "List incident reports raised by failed rotations",
		Long: `List the incident reports written when a class is halted, an
activation conflicts with a concurrent writer, or a rollback fails.

Open reports are shown by default. 'rotord policy resume' resolves the
reports of a class.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, _, err := loadConfig(cfg)
			if err != nil {
				return err
			}
			mgr := incident.NewManager(def.Incidents.Dir, clock.WallClock)

			if len(args) > 0 {
				report, err := mgr.LoadReport(args[0])
				if err != nil {
					return err
				}
				return render(format, report, func(w *tabwriter.Writer) {
					outputIncident(w, report)
				})
			}

			reports, err := mgr.ListReports()
			if err != nil {
				return err
			}
			if !all {
				open := reports[:0]
				for _, r := range reports {
					if r.Status == incident.StatusOpen {
						open = append(open, r)
					}
				}
				reports = open
			}

			return render(format, reports, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "ID\tSEVERITY\tTYPE\tCLASS\tRAISED\tSTATUS")
				fmt.Fprintln(w, "--\t--------\t----\t-----\t------\t------")
				now := time.Now()
				for _, r := range reports {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.Severity, r.Type, r.ClassID, formatTimestamp(r.Timestamp, now), r.Status)
				}
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include resolved reports")
	addFormatFlag(cmd, &format)

	return cmd
}

func outputIncident(w *tabwriter.Writer, r *incident.Report) {
	fmt.Fprintf(w, "ID:\t%s\n", r.ID)
	fmt.Fprintf(w, "Title:\t%s\n", r.Title)
	fmt.Fprintf(w, "Severity:\t%s\n", r.Severity)
	fmt.Fprintf(w, "Class:\t%s\n", r.ClassID)
	if r.JobID != "" {
		fmt.Fprintf(w, "Job:\t%s\n", r.JobID)
	}
	fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	fmt.Fprintf(w, "Description:\t%s\n", r.Description)
	for i, action := range r.ActionsRequired {
		fmt.Fprintf(w, "Action %d:\t%s\n", i+1, action)
	}
	if r.ResolvedBy != "" {
		fmt.Fprintf(w, "Resolved by:\t%s\n", r.ResolvedBy)
	}
}
