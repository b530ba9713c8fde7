// Package cli defines the mcp-relay command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command. Bare invocation runs the
// broker.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "mcp-relay",
		Short:         "Token-authenticated streaming session broker",
		Long:          "mcp-relay issues and validates bearer tokens, holds one live server-push stream per user, and relays out-of-band messages to those streams.",
		RunE:          runRun,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
