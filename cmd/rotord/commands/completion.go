package commands

import (
	"github.com/spf13/cobra"
)

var completionShells = []string{"bash", "zsh", "fish"}

// NewCompletionCommand creates the completion command. rotord runs on
// operator hosts, so only the Unix shells are offered.
func NewCompletionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "completion <bash|zsh|fish>",
		Short: "Print the shell completion script for rotord",
		Long: `Print a completion script that completes rotord subcommands and flags
such as "rotate --force", "jobs --state" and "audit export --since".

Install it once per operator host:

  rotord completion bash > /etc/bash_completion.d/rotord
  rotord completion zsh  > "${fpath[1]}/_rotord"
  rotord completion fish > ~/.config/fish/completions/rotord.fish`,
		DisableFlagsInUseLine: true,
		ValidArgs:             completionShells,
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, out := cmd.Root(), cmd.OutOrStdout()
			switch args[0] {
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			default:
				return root.GenBashCompletionV2(out, true)
			}
		},
	}
}
