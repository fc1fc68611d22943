package commands

import (
	"github.com/spf13/cobra"

	"github.com/systmms/rotord/internal/config"
	"github.com/systmms/rotord/internal/logging"
)

// NewRootCommand builds the rotord command tree around cfg.
func NewRootCommand(cfg *config.Config, version string) *cobra.Command {
	var (
		configFile     string
		noColor        bool
		debug          bool
		nonInteractive bool
	)

	rootCmd := &cobra.Command{
		Use:   "rotord",
		Short: "Secret rotation lifecycle engine",
		Long: `rotord rotates secrets on a schedule: it mints a new version in the
secret store, validates it against the systems that consume it, activates
it, and rolls back when anything goes wrong. Every step is audited.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg.Path = configFile
			cfg.Logger = logging.New(debug, noColor)
			cfg.NonInteractive = nonInteractive
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "Non-interactive mode")

	rootCmd.AddCommand(
		NewServeCommand(cfg),
		NewRotateCommand(cfg),
		NewStatusCommand(cfg),
		NewJobsCommand(cfg),
		NewApproveCommand(cfg),
		NewApprovalsCommand(cfg),
		NewCancelCommand(cfg),
		NewTickCommand(cfg),
		NewAuditCommand(cfg),
		NewPolicyCommand(cfg),
		NewIncidentsCommand(cfg),
		NewCompletionCommand(),
	)

	return rootCmd
}
