package cmd

import (
	"context"

	"github.com/example/wodbooker/internal/bookings"
	"github.com/example/wodbooker/internal/config"
	"github.com/example/wodbooker/internal/db"
	"github.com/example/wodbooker/internal/migrate"
	"github.com/example/wodbooker/internal/secrets"
)

// openStore connects to the database, optionally applies migrations and
// returns the booking repository. The caller closes the returned DB.
func openStore(ctx context.Context, cfg config.Config, migrateUp bool) (*db.DB, *bookings.Repo, error) {
	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if migrateUp {
		if err := migrate.Up(ctx, d); err != nil {
			d.Close()
			return nil, nil, err
		}
	}
	box, err := secrets.New(cfg.CredEncKey)
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, bookings.NewRepo(d, box), nil
}
