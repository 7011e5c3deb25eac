package cmd

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/projecteru2/vmcpd/cmd/core"
	cmdkeystore "github.com/projecteru2/vmcpd/cmd/keystore"
	cmdothers "github.com/projecteru2/vmcpd/cmd/others"
	cmdserve "github.com/projecteru2/vmcpd/cmd/serve"
	cmdsession "github.com/projecteru2/vmcpd/cmd/session"
	"github.com/projecteru2/vmcpd/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "vmcpd",
		Short:         "vmcpd - VM session negotiation agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "root data directory")
	cmd.PersistentFlags().String("master-key", "", "base64 RSA key that signs the keystore bundle")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("master_key", cmd.PersistentFlags().Lookup("master-key"))

	viper.SetEnvPrefix("VMCPD")
	viper.AutomaticEnv()

	base := cmdcore.BaseHandler{ConfProvider: func() *config.Config { return conf }}

	cmd.AddCommand(
		cmdserve.Command(cmdserve.Handler{BaseHandler: base}),
		cmdsession.Command(cmdsession.Handler{BaseHandler: base}),
		cmdkeystore.Command(cmdkeystore.Handler{BaseHandler: base}),
	)
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	conf.Normalize()

	return log.SetupLog(ctx, &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
