package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/wodbooker/internal/config"
	"github.com/example/wodbooker/internal/wodbuster"
)

func newPingCmd() *cobra.Command {
	var email string
	c := &cobra.Command{
		Use:   "ping",
		Short: "Log in to WodBuster with a stored athlete cookie",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			d, repo, err := openStore(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer d.Close()

			u, err := repo.UserByEmail(ctx, strings.TrimSpace(email))
			if err != nil {
				return fmt.Errorf("user %q: %w", email, err)
			}

			wb, err := wodbuster.New(wodbuster.Options{
				BaseURL:   cfg.WodBusterBaseURL,
				Timeout:   cfg.HTTPTimeout,
				Location:  cfg.SiteTimezone,
				UserAgent: "wodbooker/" + Version,
			})
			if err != nil {
				return err
			}
			if _, err := wb.Login(ctx, u.Email, u.Cookie); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", u.Email)
			return nil
		},
	}
	c.Flags().StringVar(&email, "email", "", "athlete email")
	_ = c.MarkFlagRequired("email")
	return c
}
