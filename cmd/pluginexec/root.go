// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the plugin executor CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pluginexec",
		Short: "Sandboxed plugin executor",
		Long: `pluginexec evaluates untrusted plugin programs in isolated realms and
answers JSON-RPC commands for them over a command stream, forwarding
plugin requests to the host over a separate rpc stream.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewSchemaCmd())
	cmd.AddCommand(NewConfigCmd())

	return cmd
}
