package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "testbed",
		Short:        "Network-aware task scheduling testbed with an external decision agent",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newProfileCmd())
	return root
}
