package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/freight-marketplace/internal/admin"
	"github.com/example/freight-marketplace/internal/auth"
	"github.com/example/freight-marketplace/internal/config"
	"github.com/example/freight-marketplace/internal/dispatch"
	"github.com/example/freight-marketplace/internal/geo"
	httpapi "github.com/example/freight-marketplace/internal/http"
	"github.com/example/freight-marketplace/internal/ingest"
	"github.com/example/freight-marketplace/internal/logging"
	"github.com/example/freight-marketplace/internal/matcher"
	"github.com/example/freight-marketplace/internal/operators"
	"github.com/example/freight-marketplace/internal/orders"
	"github.com/example/freight-marketplace/internal/ratings"
	"github.com/example/freight-marketplace/internal/routing"
	"github.com/example/freight-marketplace/internal/storage"
	"github.com/example/freight-marketplace/internal/trips"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("freight-api", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if envErr != nil {
		logger.Debug("no .env file loaded", "error", envErr)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("store unavailable", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var (
		positions geo.Geo = geo.NewIndex()
		cache     routing.Cache
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		positions = geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.NearbyRadiusKm)
		cache = routing.NewRedisCache(rc, cfg.RouteCacheTTL)
		logger.Info("using redis for geo index and route cache", "addr", cfg.RedisAddr)
	} else {
		cache = routing.NewMemoryCache(cfg.RouteCacheTTL)
	}

	notifiers := dispatch.Fanout{&dispatch.LogNotifier{Logger: logger}}
	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPositionsTopic, cfg.KafkaNotificationsTopic)
		defer producer.Close()
		notifiers = append(notifiers, &dispatch.KafkaNotifier{Publisher: producer})
		logger.Info("publishing to kafka", "brokers", cfg.KafkaBrokers)
	}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, &dispatch.HTTPNotifier{Endpoint: cfg.NotifyWebhookURL, Client: &http.Client{Timeout: 5 * time.Second}})
	}

	var routeClient routing.Client
	if cfg.OSRMURL != "" {
		routeClient = routing.NewOSRMClient(cfg.OSRMURL, cfg.RouteTimeout)
	} else {
		logger.Warn("OSRM_URL empty, every route uses the straight-line fallback")
	}
	routes := routing.NewProvider(routeClient, cache, cfg.RouteTimeout, logger)

	syncer := &geo.Syncer{Geo: positions, Logger: logger}
	tripMgr := trips.NewManager(store, notifiers, logger)
	tripMgr.Sync = syncer
	ops := &operators.Service{Store: store, Trips: tripMgr, Geo: positions, Logger: logger}
	if producer != nil {
		ops.Publisher = producer
		syncer.Publisher = producer
	}

	authSvc := auth.NewService(store, logger)
	if cfg.AdminEmail != "" {
		if err := authSvc.EnsureAdmin(context.Background(), cfg.AdminEmail, cfg.AdminPassword); err != nil {
			logger.Error("admin bootstrap failed", "error", err)
			os.Exit(1)
		}
	}

	api := httpapi.NewServer(httpapi.Services{
		Auth:      authSvc,
		Admin:     &admin.Service{Store: store, Logger: logger},
		Operators: ops,
		Orders: &orders.Service{
			Store:       store,
			Routes:      routes,
			Trips:       tripMgr,
			Matcher:     &matcher.Service{Geo: positions, SpeedKmh: cfg.MatcherSpeedKmh, TopN: cfg.MatcherTopN, Overfetch: cfg.MatcherTopN},
			Notifier:    notifiers,
			Sync:        syncer,
			MaxAccepted: cfg.MaxAcceptedOrders,
			Logger:      logger,
		},
		Trips:   tripMgr,
		Ratings: &ratings.Service{Store: store, Sync: syncer, Logger: logger},
		Inbox:   &dispatch.Inbox{Store: store},
		Store:   store,
	}, logger, cfg.CORSOrigins)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("freight api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("freight api stopped")
}

// openStore connects to Postgres when PG_DSN is set and falls back to the
// in-memory store otherwise.
func openStore(cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := ps.Migrate(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		logger.Info("migrations applied")
	}
	return ps, nil
}
