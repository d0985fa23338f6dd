package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Hammad-xureshi/sales-analytics/internal/analytics"
	"github.com/Hammad-xureshi/sales-analytics/internal/cache"
	"github.com/Hammad-xureshi/sales-analytics/internal/config"
	"github.com/Hammad-xureshi/sales-analytics/internal/domain"
	"github.com/Hammad-xureshi/sales-analytics/internal/events"
	"github.com/Hammad-xureshi/sales-analytics/internal/grpcserver"
	"github.com/Hammad-xureshi/sales-analytics/internal/httpapi"
	"github.com/Hammad-xureshi/sales-analytics/internal/logging"
	"github.com/Hammad-xureshi/sales-analytics/internal/sales"
	"github.com/Hammad-xureshi/sales-analytics/internal/store"
	"github.com/Hammad-xureshi/sales-analytics/internal/store/memory"
	"github.com/Hammad-xureshi/sales-analytics/internal/store/migrations"
	mysqlstore "github.com/Hammad-xureshi/sales-analytics/internal/store/mysql"
	pgstore "github.com/Hammad-xureshi/sales-analytics/internal/store/postgres"
)

const (
	hubBuffer       = 32
	shutdownTimeout = 8 * time.Second
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.WithError(err).Fatal("sales-analytics stopped with error")
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:   "sales-analytics",
		Usage:  "multi-storefront sales core with live dashboard",
		Action: runServe,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API, gRPC health service and dashboard stream",
				Action: runServe,
			},
			{
				Name:  "migrate",
				Usage: "manage the database schema",
				Subcommands: []*cli.Command{
					{Name: "up", Usage: "apply all pending migrations", Action: runMigrate("up")},
					{Name: "down", Usage: "roll back every migration", Action: runMigrate("down")},
					{Name: "version", Usage: "print the current schema version", Action: runMigrate("version")},
				},
			},
			{
				Name:  "user",
				Usage: "manage dashboard accounts",
				Subcommands: []*cli.Command{
					{
						Name:  "add",
						Usage: "create an account with a bcrypt password",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Required: true},
							&cli.StringFlag{Name: "password", Aliases: []string{"p"}, EnvVars: []string{"SALES_USER_PASSWORD"}, Required: true},
							&cli.StringFlag{Name: "role", Aliases: []string{"r"}, Value: domain.RoleViewer},
						},
						Action: runUserAdd,
					},
				},
			},
		},
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, errors.Wrap(err, "load config")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowedOrigin == "" {
		return fmt.Errorf("ALLOWED_ORIGIN must be set")
	}
	if _, err := sales.NewTaxPolicy(cfg.TaxRate); err != nil {
		return fmt.Errorf("TAX_RATE is invalid: %w", err)
	}
	if cfg.DatabaseURL != "" && cfg.DatabaseDriver != migrations.DialectPostgres && cfg.DatabaseDriver != migrations.DialectMySQL {
		return fmt.Errorf("DATABASE_DRIVER must be one of %v", migrations.Dialects())
	}
	return nil
}

// backend is the repository selected by configuration plus the handles the
// process needs around it. db is nil for the in-memory store.
type backend struct {
	repo    store.Repository
	db      *sql.DB
	dialect string
	close   func() error
}

func (b *backend) healthCheck() grpcserver.Check {
	if b.db == nil {
		return nil
	}
	return b.db.PingContext
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	if cfg.DatabaseURL == "" {
		log.Info("repository: in-memory")
		return &backend{repo: memory.NewSeeded(), close: func() error { return nil }}, nil
	}

	switch cfg.DatabaseDriver {
	case migrations.DialectPostgres:
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		log.Info("repository: postgres")
		return &backend{repo: pg, db: pg.DB(), dialect: migrations.DialectPostgres, close: pg.Close}, nil
	case migrations.DialectMySQL:
		my, err := mysqlstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "mysql unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		log.Info("repository: mysql")
		return &backend{repo: my, db: my.DB(), dialect: migrations.DialectMySQL, close: my.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := validateSecurityConfig(cfg); err != nil {
		return errors.Wrap(err, "invalid security configuration")
	}
	tax, err := sales.NewTaxPolicy(cfg.TaxRate)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	be, err := openBackend(startCtx, cfg)
	if err != nil {
		return err
	}
	closers := []func() error{be.close}
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				log.WithError(err).Warn("close error")
			}
		}
	}()

	hub := events.NewHub(hubBuffer)
	var (
		broadcaster  events.Broadcaster = hub
		summaryCache cache.SummaryCache = cache.NoopSummaryCache{}
		relay        *events.Relay
	)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisSummaryCache(client)
		if err := redisCache.Ping(startCtx); err != nil {
			log.WithError(err).Warn("redis unavailable, using local fan-out and no summary cache")
			_ = client.Close()
		} else {
			summaryCache = redisCache
			broadcaster = events.NewRedisBroadcaster(client)
			relay = events.NewRelay(client, hub, cfg.DashboardTopic)
			closers = append(closers, client.Close)
			log.Info("cache and fan-out: redis")
		}
	} else {
		log.Info("cache: noop, fan-out: local")
	}

	loc := cfg.Location()
	publisher := events.NewPublisher(broadcaster, events.PublisherConfig{
		Topic:    cfg.DashboardTopic,
		Currency: cfg.Currency,
		Timeout:  cfg.PublishTimeout(),
	})
	salesSvc := sales.NewService(be.repo, tax, loc, publisher)
	summaries := analytics.NewService(be.repo, summaryCache, cfg.SummaryCacheTTL(), loc, cfg.Currency)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), be.repo)
	api := httpapi.New(salesSvc, summaries, hub, auth, httpapi.Options{
		AllowedOrigin:  cfg.AllowedOrigin,
		DashboardTopic: cfg.DashboardTopic,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.Address()).Info("sales API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown error")
		}
		if err := publisher.Close(shutdownCtx); err != nil {
			log.WithError(err).Warn("pending sale events were not delivered")
		}
		hub.Close()
		return nil
	})
	if addr := cfg.GRPCAddress(); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			stop()
			_ = g.Wait()
			return errors.Wrap(err, "grpc listen")
		}
		health := grpcserver.New(be.healthCheck(), 15*time.Second)
		g.Go(func() error { return health.Serve(gctx, lis) })
	}
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}

	err = g.Wait()
	log.Info("server stopped")
	return err
}

func runMigrate(direction string) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set to run migrations")
		}

		be, err := openBackend(c.Context, cfg)
		if err != nil {
			return err
		}
		defer be.close()

		runner, err := migrations.New(be.db, be.dialect)
		if err != nil {
			return err
		}

		switch direction {
		case "up":
			return runner.Up()
		case "down":
			return runner.Down()
		default:
			version, dirty, err := runner.Version()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "version %d (dirty=%t)\n", version, dirty)
			return nil
		}
	}
}

func runUserAdd(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set; in-memory accounts do not outlive this command")
	}

	be, err := openBackend(c.Context, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), be.repo)
	username := c.String("username")
	if err := auth.AddUser(c.Context, username, c.String("password"), c.String("role")); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "user %s added with role %s\n", username, c.String("role"))
	return nil
}
