package core

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/vmcpd/config"
	"github.com/projecteru2/vmcpd/daemon"
	"github.com/projecteru2/vmcpd/download"
	"github.com/projecteru2/vmcpd/hypervisor/local"
	"github.com/projecteru2/vmcpd/keystore"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// Backends bundles the collaborators every negotiating command needs.
type Backends struct {
	Downloader *download.HTTP
	Hypervisor *local.Local
	Keystore   *keystore.Store
}

// InitBackends creates the downloader, hypervisor and keystore.
func InitBackends(conf *config.Config) (*Backends, error) {
	dl := download.New(conf)
	hv, err := InitHypervisor(conf, dl)
	if err != nil {
		return nil, err
	}
	ks, err := InitKeystore(conf)
	if err != nil {
		return nil, err
	}
	return &Backends{Downloader: dl, Hypervisor: hv, Keystore: ks}, nil
}

// InitHypervisor initializes only the hypervisor.
func InitHypervisor(conf *config.Config, dl download.Downloader) (*local.Local, error) {
	hv, err := local.New(conf, dl)
	if err != nil {
		return nil, fmt.Errorf("init hypervisor: %w", err)
	}
	return hv, nil
}

// InitKeystore opens the trusted-domain store.
func InitKeystore(conf *config.Config) (*keystore.Store, error) {
	ks, err := keystore.New(conf)
	if err != nil {
		return nil, fmt.Errorf("init keystore: %w", err)
	}
	return ks, nil
}

// InitCore wires a daemon core around fresh backends. The keystore is
// loaded up front so privileged runs, which never refresh it, can verify
// VMCP signatures; a failure here is only logged.
func InitCore(ctx context.Context, conf *config.Config) (*daemon.Core, error) {
	b, err := InitBackends(conf)
	if err != nil {
		return nil, err
	}
	if err := b.Keystore.Refresh(ctx, b.Downloader); err != nil {
		log.WithFunc("cmd.InitCore").Warnf(ctx, "keystore not loaded: %v", err)
	}
	c, err := daemon.NewCore(conf, b.Hypervisor, b.Downloader, b.Keystore)
	if err != nil {
		return nil, fmt.Errorf("init core: %w", err)
	}
	return c, nil
}

func FormatSize(bytes int64) string {
	if bytes <= 0 {
		return "-"
	}
	return units.BytesSize(float64(bytes))
}
