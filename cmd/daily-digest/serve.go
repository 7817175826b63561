package main

import (
	"github.com/spf13/cobra"

	"github.com/ryosukesatoh/daily-digest/internal/server"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve stored digests and the chat API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			svc, err := a.newChat()
			if err != nil {
				return err
			}
			return server.New(a.cfg.Server.Addr, svc, a.store, a.logger).Run(cmd.Context())
		},
	}
}
