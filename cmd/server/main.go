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

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/order"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/wallet"
)

// store is what both the memory and the Postgres backends provide.
type store interface {
	order.Store
	fare.ServiceCatalog
	fare.CouponStore
	fare.UsageCounter
}

type index interface {
	matcher.Geo
	dispatch.Locator
	ingest.Upserter
}

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		st     store
		ledger wallet.Store
	)
	if cfg.PGDSN != "" {
		db, err := storage.OpenPostgres(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, db); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		st = storage.NewPostgresStore(db, logger)
		ledger = storage.NewPostgresLedger(db)
	} else {
		mem := storage.NewMemoryStore()
		for _, svc := range localServices() {
			mem.PutService(svc)
		}
		st = mem
		ledger = storage.NewMemoryLedger()
		logger.Warn("PG_DSN not set, using in-memory stores")
	}

	var (
		rdb    *redis.Client
		idx    index = geo.NewIndex()
		blocks matcher.BlockList
		queue  notify.Queue = notify.NewMemoryQueue(4096)
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		idx = geo.NewRedisGeo(rdb, cfg.RedisGeoKey)
		blocks = matcher.NewRedisBlocks(rdb)
		host, _ := os.Hostname()
		queue = notify.NewRedisQueue(rdb, cfg.OutboxStream, "relay", host)
	}

	hub := notify.NewHub(logger)
	sinks := notify.Multi{hub}
	if cfg.RelayURL != "" {
		sinks = append(sinks, notify.NewHTTPRelay(cfg.RelayURL))
	}
	var locations ingest.Publisher = ingest.Direct{Index: idx, Now: time.Now}
	if len(cfg.KafkaBrokers) > 0 {
		if cfg.KafkaEventsTopic != "" {
			ks := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
			defer ks.Close()
			sinks = append(sinks, ks)
		}
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		locations = kp
	}
	outbox := notify.NewOutbox(queue, sinks, logger)
	go outbox.Run(ctx)

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: 10, Logger: logger}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	engine := &fare.Engine{Catalog: st, Coupons: st, Usage: st, Router: estimator}
	wallets := wallet.NewLedger(ledger, outbox, logger)
	stripe := payments.NewStripeClient(payments.Config{
		APIKey:     cfg.StripeAPIKey,
		Currency:   cfg.Currency,
		SuccessURL: cfg.PaymentSuccessURL,
		CancelURL:  cfg.PaymentCancelURL,
	})
	orders := order.NewService(st, engine, wallets, stripe, outbox, logger)

	m := &matcher.Matcher{Geo: idx, Blocks: blocks, TopN: cfg.MatcherTopN, DefaultRadiusM: cfg.SearchRadiusM}
	coord := dispatch.NewCoordinator(orders, st, m, idx, estimator, outbox, logger, dispatch.Config{
		AcceptTimeout: cfg.AcceptTimeout,
		MaxDuration:   cfg.DispatchMaxDuration,
	})
	orders.SetAborter(coord)
	// orders left Requested or Booked by the previous process
	if _, err := coord.Resume(ctx); err != nil {
		logger.Error("resume pending dispatches", "error", err)
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Deps{
			Orders:      orders,
			Dispatch:    coord,
			Ledger:      wallets,
			Hub:         hub,
			Locations:   locations,
			Logger:      logger,
			BaseContext: ctx,
		}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// ctx is done; running dispatches withdraw their open offers and leave
	// their orders Booked for Resume on the next start
	coord.Wait()
	return nil
}

// localServices seeds the in-memory catalog for runs without Postgres.
func localServices() []models.Service {
	d := decimal.RequireFromString
	return []models.Service{
		{
			ID: "economy", VehicleClass: "economy",
			BaseFare: d("2.50"), PerKm: d("1.20"), PerMinute: d("0.30"), MinimumFare: d("5"),
			CancellationFee: d("4"), CancellationDriverShare: d("50"), ProviderSharePercent: d("20"),
			SearchRadiusM: 3000,
		},
		{
			ID: "comfort", VehicleClass: "comfort",
			BaseFare: d("4"), PerKm: d("1.80"), PerMinute: d("0.45"), MinimumFare: d("8"),
			CancellationFee: d("6"), CancellationDriverShare: d("50"), ProviderSharePercent: d("18"),
			SearchRadiusM: 5000,
		},
	}
}

