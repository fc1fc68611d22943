package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/systmms/rotord/internal/config"
	dserrors "github.com/systmms/rotord/internal/errors"
	"github.com/systmms/rotord/internal/policy"
	"github.com/systmms/rotord/internal/rotation/audit"
)

// NewAuditCommand creates the parent 'audit' command
func NewAuditCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query, export and verify the rotation audit log",
		Long: `Inspect the append-only, hash-chained audit log.

Every state transition, approval, activation and rollback is recorded with
the acting identity. The log is the source of truth for compliance
reporting.

Examples:
  # Export the last day of activity as NDJSON
  rotord audit export --since 24h > audit.ndjson

  # Failed rotations of one class
  rotord audit query --class database-prod --result failure

  # Check nobody has edited the log
  rotord audit verify`,
	}

	cmd.AddCommand(
		newAuditExportCmd(cfg),
		newAuditQueryCmd(cfg),
		newAuditVerifyCmd(cfg),
		newAuditReportCmd(cfg),
		newAuditAgeCmd(cfg),
	)

	return cmd
}

// auditFilterFlags are the filter flags shared by export and query.
type auditFilterFlags struct {
	class  string
	job    string
	action string
	kind   string
	result string
	since  string
	until  string
	limit  int
}

func (f *auditFilterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.class, "class", "", "Only records of this class")
	cmd.Flags().StringVar(&f.job, "job", "", "Only records of this job")
	cmd.Flags().StringVar(&f.action, "action", "", "Only records with this action, e.g. activate.result")
	cmd.Flags().StringVar(&f.kind, "kind", "", "Only records with this error kind, e.g. Validation")
	cmd.Flags().StringVar(&f.result, "result", "", "Only records with this result: success, failure, pending")
	cmd.Flags().StringVar(&f.since, "since", "", "Only records at or after this time (RFC3339 or a duration such as 24h or 7d)")
	cmd.Flags().StringVar(&f.until, "until", "", "Only records before this time (RFC3339 or a duration)")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "Maximum number of records")
}

func (f *auditFilterFlags) filter(now time.Time) (audit.Filter, error) {
	out := audit.Filter{
		ClassID: f.class,
		JobID:   f.job,
		Action:  f.action,
		Kind:    dserrors.Kind(f.kind),
		Result:  f.result,
		Limit:   f.limit,
	}
	if f.limit < 0 {
		return out, dserrors.UserError{Message: "--limit cannot be negative"}
	}
	var err error
	if out.Since, err = parseTimeFlag("since", f.since, now); err != nil {
		return out, err
	}
	if out.Until, err = parseTimeFlag("until", f.until, now); err != nil {
		return out, err
	}
	return out, nil
}

// parseTimeFlag accepts an RFC3339 timestamp or a duration counted back from now.
func parseTimeFlag(name, value string, now time.Time) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	if d, err := policy.ParseDuration(value); err == nil && d > 0 {
		t := now.Add(-d)
		return &t, nil
	}
	return nil, dserrors.UserError{
		Message:    fmt.Sprintf("Invalid --%s value %q", name, value),
		Suggestion: "Use an RFC3339 timestamp such as 2026-05-01T00:00:00Z or a duration such as 24h or 7d",
	}
}

// openAuditLog opens only the audit log, so audit commands need neither the
// secret store nor the backup key.
func openAuditLog(cfg *config.Config) (*audit.Recorder, *config.Definition, error) {
	def, logger, err := loadConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	rec, err := audit.Open(def.Audit.Path, clock.WallClock, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return rec, def, nil
}

func newAuditExportCmd(cfg *config.Config) *cobra.Command {
	var (
		flags  auditFilterFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export audit records as newline-delimited JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter(time.Now())
			if err != nil {
				return err
			}
			rec, _, err := openAuditLog(cfg)
			if err != nil {
				return err
			}
			defer rec.Close()

			var w io.Writer = os.Stdout
			if output != "" && output != "-" {
				f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
				if err != nil {
					return dserrors.UserError{
						Message: "Failed to create export file",
						Details: err.Error(),
						Err:     err,
					}
				}
				defer f.Close()
				w = f
			}

			n, err := rec.Export(cmd.Context(), w, filter)
			if err != nil {
				return err
			}
			if cfg.Logger != nil {
				cfg.Logger.Info("Exported %d audit records", n)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")

	return cmd
}

func newAuditQueryCmd(cfg *config.Config) *cobra.Command {
	var (
		flags  auditFilterFlags
		format string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Show audit records matching a filter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			filter, err := flags.filter(now)
			if err != nil {
				return err
			}
			rec, _, err := openAuditLog(cfg)
			if err != nil {
				return err
			}
			defer rec.Close()

			records, err := rec.Query(cmd.Context(), filter)
			if err != nil {
				return err
			}

			return render(format, records, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, "SEQ\tTIME\tCLASS\tACTOR\tACTION\tSTATE\tRESULT")
				fmt.Fprintln(w, "---\t----\t-----\t-----\t------\t-----\t------")
				for _, r := range records {
					state := r.NewState
					if r.PreviousState != "" {
						state = r.PreviousState + " → " + r.NewState
					}
					if state == "" {
						state = "-"
					}
					result := r.Result
					if r.Kind != "" {
						result += " (" + string(r.Kind) + ")"
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
						r.Seq, formatTimestamp(r.Timestamp, now), r.ClassID, r.Actor, r.Action, state, result)
				}
			})
		},
	}

	flags.register(cmd)
	addFormatFlag(cmd, &format)

	return cmd
}

func newAuditVerifyCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit log hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, _, err := openAuditLog(cfg)
			if err != nil {
				return err
			}
			defer rec.Close()

			n, err := rec.Verify(cmd.Context())
			if err != nil {
				return dserrors.UserError{
					Message:    fmt.Sprintf("Audit log %s failed verification after %d records", rec.Path(), n),
					Details:    err.Error(),
					Suggestion: "Restore the log from a trusted copy and open an incident",
					Err:        err,
				}
			}
			fmt.Printf("✅ %d records verified\n", n)
			return nil
		},
	}
}

func newAuditReportCmd(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report rotation compliance for every class",
		Long: `Derive per-class compliance from the audit log: when each class last
rotated, whether it is overdue, and how many rotations, rollbacks and
failures it has had.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rec, def, err := openAuditLog(cfg)
			if err != nil {
				return err
			}
			defer rec.Close()

			report, err := complianceReport(ctx, rec, def, cfg)
			if err != nil {
				return err
			}

			return render(format, report, func(w *tabwriter.Writer) {
				now := report.GeneratedAt
				fmt.Fprintln(w, "CLASS\tLAST ROTATION\tAGE\tFREQUENCY\tROTATIONS\tROLLBACKS\tFAILURES\tCOMPLIANT")
				fmt.Fprintln(w, "-----\t-------------\t---\t---------\t---------\t---------\t--------\t---------")
				for _, c := range report.Classes {
					compliant := "✅"
					switch {
					case c.Disabled:
						compliant = "⚪ disabled"
					case c.Overdue:
						compliant = "❌ overdue"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
						c.ClassID,
						formatOptionalTime(c.LastRotation, now, "Never"),
						formatDays(c.Age),
						formatDays(c.Frequency),
						c.Rotations, c.Rollbacks, c.Failures,
						compliant,
					)
				}
				fmt.Fprintf(w, "\nScore:\t%.1f%%\t(%d violations)\n", report.Score, report.Violations)
			})
		},
	}

	addFormatFlag(cmd, &format)
	return cmd
}

func complianceReport(ctx context.Context, rec *audit.Recorder, def *config.Definition, cfg *config.Config) (*audit.ComplianceReport, error) {
	state, policies, err := openPolicies(ctx, def, cfg.Logger)
	if err != nil {
		return nil, err
	}
	defer state.Close()
	return rec.ComplianceReport(ctx, time.Now(), policies.List())
}

func newAuditAgeCmd(cfg *config.Config) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "age <class>",
		Short: "Show the age of a class's active version from the audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, _, err := openAuditLog(cfg)
			if err != nil {
				return err
			}
			defer rec.Close()

			now := time.Now()
			last, err := rec.LastActivation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			age := now.Sub(last.Timestamp)

			out := struct {
				ClassID     string        `json:"class_id" yaml:"class_id"`
				VersionID   string        `json:"version_id" yaml:"version_id"`
				ActivatedAt time.Time     `json:"activated_at" yaml:"activated_at"`
				Age         time.Duration `json:"age" yaml:"age"`
			}{args[0], last.VersionID, last.Timestamp, age}

			return render(format, out, func(w *tabwriter.Writer) {
				fmt.Fprintf(w, "Class:\t%s\n", out.ClassID)
				fmt.Fprintf(w, "Version:\t%s\n", out.VersionID)
				fmt.Fprintf(w, "Activated:\t%s\n", out.ActivatedAt.Format(time.RFC3339))
				fmt.Fprintf(w, "Age:\t%s\n", formatDays(out.Age))
			})
		},
	}

	addFormatFlag(cmd, &format)
	return cmd
}
