// Package cli wires the monplace components into the server, listener and
// agent commands.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/iceweasel13/monplace/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string

	// Config is loaded by the root command before any subcommand runs.
	Config config.Config
}

// NewRootCommand creates the root command for the monplace CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "monplace",
		Short: "monplace - a shared pixel board on an EVM ledger",
		Long: `monplace runs the pieces of a shared 100x100 paint board whose
authoritative history lives in a smart contract.

  server    admits paints, serves the grid and its websocket feed
  listener  follows contract events into the mirror store
  agent     local UI bridge that submits paints and tracks confirmation`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			opts.Config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a TOML config file")

	cmd.AddCommand(NewServerCommand(opts))
	cmd.AddCommand(NewListenerCommand(opts))
	cmd.AddCommand(NewAgentCommand(opts))
	cmd.AddCommand(NewSessionCommand(opts))

	return cmd
}
