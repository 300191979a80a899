package commands

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configPath string

func Execute() error {
	root := &cobra.Command{
		Use:           "recorder",
		Short:         "WebRTC recording and call signaling server",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize zerolog global logger early so config loading can use it.
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default config/config.$CONFIG_ENV.yaml)")

	root.AddCommand(serveCmd(), sessionsCmd())
	return root.Execute()
}
