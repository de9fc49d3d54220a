package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/wodbooker/internal/bookings"
	"github.com/example/wodbooker/internal/calendar"
	"github.com/example/wodbooker/internal/config"
)

func newBookingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "booking",
		Short: "Manage recurring booking rules",
	}
	cmd.AddCommand(newBookingCreateCmd())
	cmd.AddCommand(newBookingListCmd())
	cmd.AddCommand(newBookingSetActiveCmd("activate", "Switch a rule on", true))
	cmd.AddCommand(newBookingSetActiveCmd("deactivate", "Switch a rule off", false))
	cmd.AddCommand(newBookingDeleteCmd())
	cmd.AddCommand(newBookingImportCmd())
	return cmd
}

func newBookingCreateCmd() *cobra.Command {
	var (
		email, classTime, boxURL, availableAt string
		dow, offset                           int
		inactive                              bool
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Create a weekly booking rule for an existing user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			t, err := calendar.ParseClock(classTime)
			if err != nil {
				return fmt.Errorf("invalid --time (want HH:MM): %w", err)
			}
			at, err := calendar.ParseClock(availableAt)
			if err != nil {
				return fmt.Errorf("invalid --available-at (want HH:MM): %w", err)
			}

			ctx := context.Background()
			d, repo, err := openStore(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer d.Close()

			u, err := repo.UserByEmail(ctx, strings.TrimSpace(email))
			if err != nil {
				return fmt.Errorf("user %q: %w", email, err)
			}

			b := bookings.Booking{
				UserID:      u.ID,
				DOW:         dow,
				Time:        t,
				URL:         strings.TrimSpace(boxURL),
				Offset:      offset,
				AvailableAt: at,
				IsActive:    !inactive,
			}
			id, err := repo.Create(ctx, b)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created booking id=%d %s %s at %s, window opens %d day(s) before at %s\n",
				id, b.DayName(), b.Time, b.Box(), b.Offset, b.AvailableAt)
			return nil
		},
	}

	c.Flags().StringVar(&email, "email", "", "athlete email (see \"user add\")")
	c.Flags().IntVar(&dow, "dow", 0, "day of week, 0 = Monday .. 6 = Sunday")
	c.Flags().StringVar(&classTime, "time", "", "class start time HH:MM")
	c.Flags().StringVar(&boxURL, "url", "", "box URL, e.g. https://mybox.wodbuster.com")
	c.Flags().IntVar(&offset, "offset", 0, "days before the class the booking window opens")
	c.Flags().StringVar(&availableAt, "available-at", "", "local time HH:MM the window opens")
	c.Flags().BoolVar(&inactive, "inactive", false, "store the rule switched off")

	_ = c.MarkFlagRequired("email")
	_ = c.MarkFlagRequired("time")
	_ = c.MarkFlagRequired("url")
	_ = c.MarkFlagRequired("available-at")
	return c
}

func newBookingListCmd() *cobra.Command {
	var email string
	c := &cobra.Command{
		Use:   "list",
		Short: "List booking rules",
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

			var bs []bookings.Booking
			if email == "" {
				bs, err = repo.List(ctx)
			} else {
				var u bookings.User
				if u, err = repo.UserByEmail(ctx, strings.TrimSpace(email)); err == nil {
					bs, err = repo.ListByUser(ctx, u.ID)
				}
			}
			if err != nil {
				return err
			}
			printBookings(cmd.OutOrStdout(), bs)
			return nil
		},
	}
	c.Flags().StringVar(&email, "email", "", "only rules of this athlete")
	return c
}

func printBookings(w io.Writer, bs []bookings.Booking) {
	for _, b := range bs {
		last := "-"
		if b.LastBookDate != nil {
			last = b.LastBookDate.Format(calendar.DateLayout)
		}
		fmt.Fprintf(w, "id=%d user=%s day=%s time=%s box=%s offset=%d available_at=%s active=%t last=%s status=%q\n",
			b.ID, b.User.Email, b.DayName(), b.Time, b.Box(), b.Offset, b.AvailableAt, b.IsActive, last, b.Status.Last())
	}
}

// A running server picks the change up on its next reconcile.
func newBookingSetActiveCmd(name, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBookingID(args[0])
			if err != nil {
				return err
			}
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

			if err := repo.SetActive(ctx, id, active); err != nil {
				return fmt.Errorf("booking %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "booking id=%d active=%t\n", id, active)
			return nil
		},
	}
}

func newBookingDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a rule and its events; its worker exits at the next cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseBookingID(args[0])
			if err != nil {
				return err
			}
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

			if err := repo.Delete(ctx, id); err != nil {
				return fmt.Errorf("booking %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted booking id=%d\n", id)
			return nil
		},
	}
}

func parseBookingID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid booking id %q", s)
	}
	return id, nil
}

func newBookingImportCmd() *cobra.Command {
	var file string
	c := &cobra.Command{
		Use:   "import",
		Short: "Load users and their rules from a YAML file (\"-\" reads stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			users, rules, err := bookings.ParseImport(r)
			if err != nil {
				return err
			}

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

			active, err := repo.Import(ctx, users, rules)
			if err != nil {
				return err
			}
			n := 0
			for _, bs := range rules {
				n += len(bs)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d user(s), %d rule(s), %d active\n", len(users), n, len(active))
			return nil
		},
	}
	c.Flags().StringVarP(&file, "file", "f", "", "YAML file")
	_ = c.MarkFlagRequired("file")
	return c
}
