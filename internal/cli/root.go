// Package cli is the chainchat command line: the server, one-shot
// reconciliation and a health check.
package cli

import (
	"os"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"github.com/pliu/chainchat/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	LogLevel   string

	viper *viper.Viper
	cfg   *config.Config
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{viper: viper.New()}

	cmd := &cobra.Command{
		Use:   "chainchat",
		Short: "Sync and real-time delivery engine for ledger-anchored messaging",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.viper, opts.ConfigFile)
			if err != nil {
				return err
			}
			if err := config.InitLog(cfg.Log.Level, cfg.Log.File); err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")
	opts.viper.BindPFlag("log.level", cmd.PersistentFlags().Lookup("log-level"))

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewHealthCommand(opts))

	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		jww.ERROR.Println(err)
		os.Exit(1)
	}
}
