package serve

import "github.com/spf13/cobra"

// Actions defines daemon operations.
type Actions interface {
	Serve(cmd *cobra.Command, args []string) error
}

// Command builds the "serve" command.
func Command(h Actions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket negotiation daemon",
		RunE:  h.Serve,
	}
	cmd.Flags().String("listen", "", "address to listen on (overrides config)")
	return cmd
}
