package session

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/vmcpd/cmd/core"
	"github.com/projecteru2/vmcpd/interaction"
	"github.com/projecteru2/vmcpd/negotiation"
	"github.com/projecteru2/vmcpd/registry"
	"github.com/projecteru2/vmcpd/types"
)

const cliOwner registry.Owner = "cli"

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Request(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	core, err := cmdcore.InitCore(ctx, conf)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.session.request")

	domain, _ := cmd.Flags().GetString("domain")
	privileged, _ := cmd.Flags().GetBool("privileged")
	yes, _ := cmd.Flags().GetBool("yes")
	if domain == "" {
		u, err := url.Parse(args[0])
		if err != nil || u.Hostname() == "" {
			return fmt.Errorf("cannot derive domain from %q, use --domain", args[0])
		}
		domain = u.Hostname()
	}

	var (
		failure error
		opened  uint32
	)
	core.Negotiate(ctx, negotiation.Request{
		URL:        args[0],
		Domain:     domain,
		Privileged: privileged,
		Owner:      cliOwner,
		UI:         interaction.NewTerminal(yes),
	}, negotiation.SinkFuncs{
		OnProgress: func(label string, percent float64) {
			logger.Infof(ctx, "[%3.0f%%] %s", percent, label)
		},
		OnFailed: func(message string, code types.Code) {
			failure = types.NewError(code, message)
		},
		OnSucceeded: func(message string, id uint32) {
			opened = id
			logger.Infof(ctx, "%s", message)
		},
	})
	if failure != nil {
		return fmt.Errorf("request session: %w", failure)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	rec, ok := core.Registry().Lookup(opened)
	if !ok {
		return fmt.Errorf("session %d vanished", opened)
	}
	fmt.Printf("%s\t%s\t%s\n", rec.Session.ID(), rec.Session.Name(), rec.Session.State())
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	hv, err := cmdcore.InitHypervisor(conf, nil)
	if err != nil {
		return err
	}
	sessions, err := hv.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATE\tCPU\tMEMORY\tDISK\tCREATED")
	for _, s := range sessions {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			s.ID,
			s.Config.Name,
			s.State,
			s.Config.CPUs,
			cmdcore.FormatSize(s.Config.Memory),
			cmdcore.FormatSize(s.Config.Disk),
			s.CreatedAt.Local().Format(time.DateTime),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

// RM deletes sessions. Delete stops at the first failure; sessions removed
// before it are still reported.
func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	hv, err := cmdcore.InitHypervisor(conf, nil)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.rm")

	deleted, err := hv.Delete(ctx, args)
	for _, id := range deleted {
		logger.Infof(ctx, "deleted session: %s", id)
	}
	if err != nil {
		return fmt.Errorf("rm: %w", err)
	}
	if len(deleted) == 0 {
		logger.Infof(ctx, "no sessions deleted")
	}
	return nil
}
