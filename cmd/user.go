package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/wodbooker/internal/bookings"
	"github.com/example/wodbooker/internal/config"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage WodBuster athletes",
	}
	cmd.AddCommand(newUserAddCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var (
		email, cookie                string
		notifySuccess, notifyFailure bool
	)

	c := &cobra.Command{
		Use:   "add",
		Short: "Add an athlete or update the session cookie of an existing one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			ctx := context.Background()
			d, repo, err := openStore(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer d.Close()

			id, err := repo.UpsertUser(ctx, bookings.User{
				Email:         strings.TrimSpace(email),
				Cookie:        strings.TrimSpace(cookie),
				NotifySuccess: notifySuccess,
				NotifyFailure: notifyFailure,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved user id=%d email=%q\n", id, email)
			return nil
		},
	}

	c.Flags().StringVar(&email, "email", "", "WodBuster account email")
	c.Flags().StringVar(&cookie, "cookie", "", "WodBuster session cookie header (name=value; ...)")
	c.Flags().BoolVar(&notifySuccess, "notify-success", true, "email when a class is booked")
	c.Flags().BoolVar(&notifyFailure, "notify-failure", true, "email when booking fails")
	_ = c.MarkFlagRequired("email")
	_ = c.MarkFlagRequired("cookie")
	return c
}
