package others

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/vmcpd/cmd/core"
	"github.com/projecteru2/vmcpd/download"
	"github.com/projecteru2/vmcpd/gc"
	"github.com/projecteru2/vmcpd/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	hv, err := cmdcore.InitHypervisor(conf, download.New(conf))
	if err != nil {
		return err
	}

	o := gc.New()
	hv.RegisterGC(o)
	n, err := o.Run(ctx)
	if err != nil {
		return err
	}
	log.WithFunc("cmd.gc").Infof(ctx, "GC completed, %d removed", n)
	return nil
}

func (h Handler) Version(cmd *cobra.Command, _ []string) error {
	fmt.Fprint(cmd.OutOrStdout(), version.String()) //nolint:errcheck
	return nil
}
