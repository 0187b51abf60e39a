package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	command := &cobra.Command{
		Use:           "reminders",
		Short:         "Durable reminder scheduling service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}
	command.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML config file")

	command.AddCommand(serveCmd(&cfgPath))
	command.AddCommand(scheduleCmd())
	command.AddCommand(cancelCmd())
	command.AddCommand(stateCmd())
	command.AddCommand(journalCmd(&cfgPath))
	return command
}
