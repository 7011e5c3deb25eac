package session

import "github.com/spf13/cobra"

// Actions defines session operations.
type Actions interface {
	Request(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	RM(cmd *cobra.Command, args []string) error
}

// Command builds the "session" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Negotiate and manage VM sessions",
	}

	requestCmd := &cobra.Command{
		Use:   "request [flags] VMCP_URL",
		Short: "Negotiate a session with a VMCP endpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Request,
	}
	requestCmd.Flags().String("domain", "", "requesting domain (default: host of VMCP_URL)")
	requestCmd.Flags().Bool("privileged", false, "skip the keystore refresh and domain trust check")
	requestCmd.Flags().BoolP("yes", "y", false, "confirm new sessions without prompting")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sessions known to the hypervisor",
		RunE:    h.List,
	}
	listCmd.Flags().Bool("json", false, "print JSON instead of a table")

	rmCmd := &cobra.Command{
		Use:   "rm SESSION [SESSION...]",
		Short: "Delete session(s) by ID, ID prefix or name",
		Args:  cobra.MinimumNArgs(1),
		RunE:  h.RM,
	}

	sessionCmd.AddCommand(requestCmd, listCmd, rmCmd)
	return sessionCmd
}
