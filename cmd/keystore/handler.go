package keystore

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/vmcpd/cmd/core"
	"github.com/projecteru2/vmcpd/download"
	"github.com/projecteru2/vmcpd/keystore"
)

type Handler struct {
	cmdcore.BaseHandler
}

// load refreshes the store, from its cache when still fresh.
func (h Handler) load(cmd *cobra.Command) (context.Context, *keystore.Store, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	ks, err := cmdcore.InitKeystore(conf)
	if err != nil {
		return nil, nil, err
	}
	if err := ks.Refresh(ctx, download.New(conf)); err != nil {
		return nil, nil, fmt.Errorf("refresh keystore: %w", err)
	}
	return ctx, ks, nil
}

func (h Handler) Refresh(cmd *cobra.Command, _ []string) error {
	ctx, ks, err := h.load(cmd)
	if err != nil {
		return err
	}
	st := ks.State()
	log.WithFunc("cmd.keystore.refresh").Infof(ctx, "keystore %s valid with %d domains, updated %s",
		st.Version, st.Domains, st.LastUpdate.Local().Format(time.DateTime))
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	_, ks, err := h.load(cmd)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DOMAIN\tSCHEME")
	for _, e := range ks.Entries() {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", e.Domain, e.Scheme)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}
