package main

import (
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/pbaille/chccat/internal/api"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the administration API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ledger, err := a.ledger(ctx)
			if err != nil {
				return err
			}
			bank, err := a.bank(ctx)
			if err != nil {
				return err
			}
			form, err := a.form(ctx)
			if err != nil {
				return err
			}
			engine, err := a.engine(bank, ledger)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			server := api.New(a.store, engine, ledger, a.cfg, addr,
				api.WithForm(form),
				api.WithLogger(a.log),
				api.WithMetrics(a.metrics, a.registry),
			)
			if err := server.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "server address (default from config)")
	return cmd
}
