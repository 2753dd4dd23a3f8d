// Package cli holds the timelapsed cobra commands.
package cli

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./timelapsed.yaml"

// NewRootCmd returns the timelapsed command tree. Running it without a
// subcommand starts the server.
func NewRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "timelapsed",
		Short: "Time-lapse capture service",
		Long: `timelapsed captures still images from a V4L2 camera on a fixed
interval and serves a REST API to manage time-lapse projects.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "path to config file (yaml or json)")

	root.AddCommand(serveCmd(&cfgPath))
	root.AddCommand(projectCmd(&cfgPath))
	return root
}
