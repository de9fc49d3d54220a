package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	// site timezone must resolve on hosts without a zoneinfo database
	_ "time/tzdata"

	"github.com/example/wodbooker/internal/auth"
	"github.com/example/wodbooker/internal/booker"
	"github.com/example/wodbooker/internal/config"
	"github.com/example/wodbooker/internal/lease"
	"github.com/example/wodbooker/internal/logger"
	"github.com/example/wodbooker/internal/metrics"
	"github.com/example/wodbooker/internal/notify"
	"github.com/example/wodbooker/internal/scheduler"
	"github.com/example/wodbooker/internal/web"
	"github.com/example/wodbooker/internal/wodbuster"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the booking engine and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			log := logger.New(cfg.LogLevel, cfg.LogPretty)
			defer func() { _ = log.Sync() }()

			if cfg.SentryDSN != "" {
				if err := sentry.Init(sentry.ClientOptions{
					Dsn:              cfg.SentryDSN,
					Release:          "wodbooker@" + Version,
					AttachStacktrace: true,
				}); err != nil {
					return fmt.Errorf("sentry initialization failed: %w", err)
				}
				defer sentry.Flush(2 * time.Second)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return runServer(ctx, cfg, log, migrateUp)
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}

func runServer(ctx context.Context, cfg config.Config, log logger.Logger, migrateUp bool) error {
	d, repo, err := openStore(ctx, cfg, migrateUp)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Ping(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	wb, err := wodbuster.New(wodbuster.Options{
		BaseURL:      cfg.WodBusterBaseURL,
		Timeout:      cfg.HTTPTimeout,
		PollInterval: cfg.EventPollEvery,
		Location:     cfg.SiteTimezone,
		UserAgent:    "wodbooker/" + Version,
	})
	if err != nil {
		return err
	}

	var sender notify.Sender
	if cfg.NotifyURL != "" {
		s, err := notify.NewShoutrrrSender(cfg.NotifyURL, cfg.HTTPTimeout)
		if err != nil {
			return fmt.Errorf("NOTIFY_URL: %w", err)
		}
		sender = s
	} else {
		log.Warn("NOTIFY_URL not set, notifications are only recorded as events")
	}
	dispatcher := notify.NewDispatcher(sender, repo, log.With(logger.String("component", "notify")), m, notify.Options{
		QueueSize: cfg.NotifyQueue,
		LinkHost:  cfg.NotifyLinkHost,
		Timeout:   cfg.HTTPTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)

	var leaser *lease.Leaser
	if cfg.RedisAddr != "" {
		rc, err := lease.Connect(ctx, lease.ConnectOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, log)
		if err != nil {
			return err
		}
		defer rc.Close()
		leaser = lease.New(rc, cfg.LeaseTTL, log)
	}

	var opts []booker.Option
	if leaser != nil {
		opts = append(opts, booker.WithLease(leaser))
	}
	registry := booker.NewRegistry(gctx, booker.Deps{
		Store:    repo,
		Remote:   booker.WodBuster(wb),
		Notifier: dispatcher,
		Location: cfg.SiteTimezone,
		Log:      log,
		Metrics:  m,
	}, opts...)

	if leaser != nil {
		g.Go(func() error {
			return leaser.Run(gctx, func(id int64) { registry.Stop(id) })
		})
	}

	g.Go(func() error { return dispatcher.Run(gctx) })

	sched := &scheduler.Scheduler{
		Rules:    repo,
		Workers:  registry,
		Interval: cfg.ReconcileEvery,
		Log:      log.With(logger.String("component", "scheduler")),
	}
	g.Go(func() error { return sched.Run(gctx) })

	ws := &web.Server{
		Auth:      auth.NewStore(auth.NewDBOperators(d), cfg.CookieHashKey, cfg.CookieBlockKey),
		Bookings:  repo,
		Workers:   registry,
		Gatherer:  reg,
		Log:       log.With(logger.String("component", "web")),
		Version:   Version,
		StartTime: time.Now(),
	}
	g.Go(func() error { return web.Start(gctx, cfg.ListenAddr, ws.Routes(), log) })

	log.Info("wodbooker started",
		logger.String("version", Version),
		logger.String("timezone", cfg.SiteTimezone.String()),
		logger.Bool("lease", leaser != nil),
	)

	err = g.Wait()
	log.Info("shutting down, waiting for workers")
	registry.Wait()
	return err
}
