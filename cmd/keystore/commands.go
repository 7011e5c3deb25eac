package keystore

import "github.com/spf13/cobra"

// Actions defines trusted-domain store operations.
type Actions interface {
	Refresh(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
}

// Command builds the "keystore" parent command.
func Command(h Actions) *cobra.Command {
	ksCmd := &cobra.Command{
		Use:   "keystore",
		Short: "Inspect the trusted-domain keystore",
	}

	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Download and verify the trusted-domain bundle",
		RunE:  h.Refresh,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List trusted domains",
		RunE:    h.List,
	}

	ksCmd.AddCommand(refreshCmd, listCmd)
	return ksCmd
}
