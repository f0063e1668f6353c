package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "weeknotify",
		Short:         "Recurring weekly notification scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config (json or yaml)")

	root.AddCommand(newRunCmd(&cfgPath), newNextCmd(&cfgPath), newStatusCmd(&cfgPath))
	return root
}
