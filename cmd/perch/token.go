package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/perchlabs/perch/internal/config"
	"github.com/perchlabs/perch/internal/relay"
	"github.com/perchlabs/perch/internal/store"
)

func tokenCmd() *cobra.Command {
	var configFlag string
	var userFlag string
	var deviceFlag string
	var ttlFlag time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a client token",
		Long:  "Issues a JWT signed with the relay's secret. Run on the relay host.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFlag)
			if err != nil {
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

			token, exp, err := relay.IssueToken(secret, userFlag, deviceFlag, ttlFlag)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Println(token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&configFlag, "config", "perch.yaml", "path to config file")
	cmd.Flags().StringVar(&userFlag, "user", "default", "subject to embed in the token")
	cmd.Flags().StringVar(&deviceFlag, "device", "", "device label")
	cmd.Flags().DurationVar(&ttlFlag, "ttl", 30*24*time.Hour, "token lifetime")

	return cmd
}
