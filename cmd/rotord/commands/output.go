package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/systmms/rotord/pkg/rotation"
)

// Output formats accepted by --format.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func addFormatFlag(cmd *cobra.Command, format *string) {
	cmd.Flags().StringVar(format, "format", formatTable, "Output format: table, json, yaml")
}

// render writes data as JSON or YAML, or calls table for the table format.
func render(format string, data interface{}, table func(w *tabwriter.Writer)) error {
	switch format {
	case formatJSON:
		return outputJSON(os.Stdout, data)
	case formatYAML:
		return outputYAML(os.Stdout, data)
	case formatTable, "":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		table(w)
		return w.Flush()
	default:
		return fmt.Errorf("unknown format %q: use table, json or yaml", format)
	}
}

func outputJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func outputYAML(w io.Writer, data interface{}) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(data); err != nil {
		return err
	}
	return encoder.Close()
}

func formatState(s rotation.State) string {
	switch s {
	case rotation.StateCompleted:
		return "✅ " + string(s)
	case rotation.StateFailed:
		return "❌ " + string(s)
	case rotation.StateRolledBack:
		return "↩️ " + string(s)
	case rotation.StateCancelled:
		return "⚪ " + string(s)
	case rotation.StateApprovalWait:
		return "🟡 " + string(s)
	case "":
		return "-"
	default:
		return "🔄 " + string(s)
	}
}

func formatTimestamp(t time.Time, now time.Time) string {
	diff := now.Sub(t)

	if diff < 0 {
		diff = -diff
		switch {
		case diff < time.Hour:
			return fmt.Sprintf("in %d min", int(diff.Minutes()))
		case diff < 24*time.Hour:
			return fmt.Sprintf("in %d hr", int(diff.Hours()))
		default:
			return fmt.Sprintf("in %d days", int(diff.Hours()/24))
		}
	}

	switch {
	case diff < time.Minute:
		return "Just now"
	case diff < time.Hour:
		return fmt.Sprintf("%d min ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%d hr ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

func formatOptionalTime(t *time.Time, now time.Time, empty string) string {
	if t == nil || t.IsZero() {
		return empty
	}
	return formatTimestamp(*t, now)
}

func formatDays(d time.Duration) string {
	days := d.Hours() / 24
	if days >= 1 {
		return fmt.Sprintf("%.0fd", days)
	}
	return d.Round(time.Second).String()
}
