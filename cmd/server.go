package cmd

import (
	"github.com/spf13/cobra"

	"consult-sync/config"
	server2 "consult-sync/server"
)

func server(config *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "start the sync engine with its local control surface",
		Run: func(cmd *cobra.Command, args []string) {
			server2.RunHttp(config)
		},
	}
}
