package others

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
)

// Actions is the agent housekeeping surface: disk sweep and build info.
type Actions interface {
	GC(cmd *cobra.Command, args []string) error
	Version(cmd *cobra.Command, args []string) error
}

// completionWriters maps a shell name to its cobra generator.
var completionWriters = map[string]func(root *cobra.Command, w io.Writer) error{
	"bash":       (*cobra.Command).GenBashCompletion,
	"zsh":        (*cobra.Command).GenZshCompletion,
	"powershell": (*cobra.Command).GenPowerShellCompletionWithDesc,
	"fish": func(root *cobra.Command, w io.Writer) error {
		return root.GenFishCompletion(w, true)
	},
}

// Commands returns the housekeeping commands hung off the vmcpd root.
func Commands(h Actions) []*cobra.Command {
	return []*cobra.Command{
		{
			Use:   "gc",
			Short: "Delete session disk directories the session index no longer names",
			Long: "Sweeps the session disks directory under the root dir. The run is " +
				"skipped when a negotiation holds the index lock.",
			RunE: h.GC,
		},
		{
			Use:   "version",
			Short: "Print the vmcpd build version and revision",
			RunE:  h.Version,
		},
		completionCommand(),
	}
}

func completionCommand() *cobra.Command {
	shells := make([]string, 0, len(completionWriters))
	for name := range completionWriters {
		shells = append(shells, name)
	}
	sort.Strings(shells)
	return &cobra.Command{
		Use:       "completion SHELL",
		Short:     "Write a vmcpd completion script for SHELL to stdout",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: shells,
		RunE: func(cmd *cobra.Command, args []string) error {
			write, ok := completionWriters[args[0]]
			if !ok {
				return fmt.Errorf("no completion for shell %q", args[0])
			}
			return write(cmd.Root(), cmd.OutOrStdout())
		},
	}
}
