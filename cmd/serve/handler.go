package serve

import (
	"fmt"
	"os"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/vmcpd/cmd/core"
	"github.com/projecteru2/vmcpd/daemon"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Serve(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		conf.Listen = listen
	}
	core, err := cmdcore.InitCore(ctx, conf)
	if err != nil {
		return err
	}

	// Local tools authenticate with this key to gain privileges.
	_, _ = fmt.Fprintf(os.Stderr, "auth key (valid %s): %s\n", daemon.AuthKeyTTL, core.NewAuthKey())
	log.WithFunc("cmd.serve").Infof(ctx, "starting daemon, root %s", conf.RootDir)
	return daemon.NewServer(core).Serve(ctx)
}
