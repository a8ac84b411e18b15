package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/perchlabs/perch/internal/config"
	"github.com/perchlabs/perch/internal/logger"
	"github.com/perchlabs/perch/internal/relay"
	"github.com/perchlabs/perch/internal/store"
	"github.com/perchlabs/perch/internal/supervisor"
)

func serveCmd() *cobra.Command {
	var configFlag string
	var addrFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay and session host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFlag)
			if err != nil {
				return err
			}
			if addrFlag != "" {
				cfg.Relay.Addr = addrFlag
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return err
			}

			st, err := store.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer st.Close()

			secret, err := relay.GenerateOrLoadSecret(st, cfg.Relay.JWTSecret)
			if err != nil {
				return fmt.Errorf("load jwt secret: %w", err)
			}

			srv := relay.NewServer(st, nil, secret)
			sup := supervisor.New(cfg.Agent, st, srv)
			srv.SetHost(sup)

			httpSrv := &http.Server{
				Addr:    cfg.Relay.Addr,
				Handler: srv,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("relay listening", "addr", cfg.Relay.Addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				sup.Shutdown()
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutCtx)
			case err := <-errCh:
				sup.Shutdown()
				return err
			}
		},
	}

	cmd.Flags().StringVar(&configFlag, "config", "perch.yaml", "path to config file")
	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides config)")

	return cmd
}
