package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wizardbeardstudio/open-balance-go/internal/breaker"
	"github.com/wizardbeardstudio/open-balance-go/internal/cache"
	"github.com/wizardbeardstudio/open-balance-go/internal/config"
	"github.com/wizardbeardstudio/open-balance-go/internal/gateway"
	"github.com/wizardbeardstudio/open-balance-go/internal/ledger"
	"github.com/wizardbeardstudio/open-balance-go/internal/notify"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-balance-go/internal/platform/server"
	"github.com/wizardbeardstudio/open-balance-go/internal/purchase"
	"github.com/wizardbeardstudio/open-balance-go/internal/ratelimit"
	"github.com/wizardbeardstudio/open-balance-go/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startedAt := time.Now().UTC()
	clk := clock.RealClock{}
	tlsCfg, err := server.BuildTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("configure tls: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)
	auditStore := audit.NewInMemoryStore(audit.DefaultCapacity)
	recorder := audit.NewRecorder(auditStore, clk, logger)

	var store ledger.Store = ledger.NewMemoryStore()
	if cfg.Database.URL != "" {
		db, err := sql.Open("pgx", cfg.Database.URL)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("ping database: %v", err)
		}
		defer db.Close()
		pg := ledger.NewPostgresStore(db)
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				log.Fatalf("migrate database: %v", err)
			}
		}
		store = pg
	} else {
		logger.Warn("database.url not set, balances are kept in memory")
	}

	var cacheStore cache.Store = cache.NewMemoryStore(clk)
	var counter ratelimit.Counter = ratelimit.NewMemoryCounter(clk)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("ping redis: %v", err)
		}
		defer rdb.Close()
		cacheStore = cache.NewRedisStore(rdb)
		counter = ratelimit.NewRedisCounter(rdb, "balance:")
	} else {
		logger.Warn("redis.addr not set, rate limits and cache are local to this process")
	}
	accel := cache.NewAccelerator(cacheStore, cacheTTLs(cfg.Cache), logger, m)

	hs := health.NewServer()
	mirror := server.NewHealthMirror(hs, logger)
	mirror.Track(gatewayBreaker, notificationBreaker)
	observeBreaker := func(name string, from, to breaker.State) {
		m.ObserveBreakerTransition(name, from.String(), to.String())
	}
	breakers := breaker.NewRegistry(breakerConfig(cfg.Breaker), clk, logger, observeBreaker, mirror.OnTransition)

	l := ledger.New(store,
		ledger.WithCache(accel),
		ledger.WithClock(clk),
		ledger.WithLogger(logger),
		ledger.WithMetrics(m),
		ledger.WithAudit(recorder),
		ledger.WithCurrency(cfg.Purchase.Currency),
	)
	limiter := ratelimit.New(rateLimitConfig(cfg.Limits), counter,
		ratelimit.WithClock(clk),
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(m),
		ratelimit.WithFlags(cacheStore),
	)

	pcfg, err := purchaseConfig(cfg)
	if err != nil {
		log.Fatalf("configure purchases: %v", err)
	}
	orchOpts := []purchase.Option{
		purchase.WithLimiter(limiter),
		purchase.WithAudit(recorder),
		purchase.WithLogger(logger),
		purchase.WithMetrics(m),
	}
	if gwCfg, ok := gatewayConfig(cfg.Gateway); ok {
		bcfg := breakerConfig(cfg.Breaker)
		bcfg.IsFailure = gateway.IsFailure
		guarded := gateway.NewGuarded(
			gateway.NewHTTPClient(gwCfg, nil),
			breakers.GetWithConfig(gatewayBreaker, bcfg),
			retryPolicy(cfg.Gateway.Retry),
			logger,
			m,
		)
		orchOpts = append(orchOpts, purchase.WithGateway(guarded))
	} else {
		logger.Warn("payment gateway credentials not set, gateway purchases and recharges are disabled")
	}
	orch := purchase.New(l, pcfg, orchOpts...)

	var sender notify.Sender = notify.LogSender{Logger: logger}
	if cfg.Notify.TelegramToken != "" {
		tg, err := notify.NewTelegramSender(cfg.Notify.TelegramToken)
		if err != nil {
			log.Fatalf("connect telegram: %v", err)
		}
		sender = tg
	}
	queue := notify.NewQueue(sender, cfg.Notify.QueueSize,
		notify.WithLogger(logger),
		notify.WithMetrics(m),
		notify.WithBreaker(breakers.Get(notificationBreaker)),
		notify.WithLimiter(limiter),
		notify.WithTemplates(notify.Templates{Digits: cfg.Purchase.CurrencyDigits}),
	)
	// Workers outlive the signal context so Close can drain queued messages.
	queue.Start(context.WithoutCancel(ctx), cfg.Notify.Workers)

	processor := webhook.NewProcessor(l, cfg.Webhook.Secret,
		webhook.WithCache(accel),
		webhook.WithNotifier(queue),
		webhook.WithCompletionHook(orch.Settle),
		webhook.WithAudit(recorder),
		webhook.WithLogger(logger),
		webhook.WithMetrics(m),
		webhook.WithCurrencyDigits(cfg.Purchase.CurrencyDigits),
	)

	sweep := sweepConfig(cfg.Purchase)
	l.StartExpirySweeper(ctx, sweep, m.ObserveExpirySweep)

	keyset, err := loadKeyset(cfg.Auth)
	if err != nil {
		log.Fatalf("load jwt keyset: %v", err)
	}
	verifier := auth.NewJWTVerifierWithKeyset(keyset, clk)
	guard, err := server.NewRemoteAccessGuard(clk, recorder, cfg.HTTP.TrustedCIDRs)
	if err != nil {
		log.Fatalf("configure remote access guard: %v", err)
	}
	api := &server.API{
		Ledger:       l,
		Orchestrator: orch,
		Limiter:      limiter,
		Breakers:     breakers,
		Audit:        auditStore,
		Guard:        guard,
		Signer:       auth.NewJWTSignerWithKeyset(keyset),
		Operator:     auth.OperatorCredentials{ID: cfg.Auth.OperatorID, Hash: cfg.Auth.OperatorBcrypt},
		TokenTTL:     cfg.Auth.TokenTTL,
		Digits:       cfg.Purchase.CurrencyDigits,
		Clock:        clk,
		Logger:       logger,
		Sweep: func(ctx context.Context) int64 {
			return l.SweepOnce(ctx, sweep, m.ObserveExpirySweep)
		},
	}
	handler, err := server.NewHTTPHandler(server.HTTPOptions{
		API:      api,
		Verifier: verifier,
		Guard:    guard,
		Webhook:  webhook.NewHandler(processor, cfg.Webhook.SignatureHeader, cfg.Webhook.MaxBodyBytes, logger),
		System:   server.SystemHandler{Version: cfg.Version, StartedAt: startedAt, Clock: clk, Breakers: breakers, Gatherer: reg},
	})
	if err != nil {
		log.Fatalf("register http handlers: %v", err)
	}

	grpcOpts := []grpc.ServerOption{
		grpc.UnaryInterceptor(auth.UnaryJWTInterceptor(verifier, []string{healthv1.Health_Check_FullMethodName})),
	}
	if tlsCfg != nil {
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	grpcServer := grpc.NewServer(grpcOpts...)
	healthv1.RegisterHealthServer(grpcServer, hs)
	grpcListener, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		log.Fatalf("listen grpc: %v", err)
	}
	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler, TLSConfig: tlsCfg, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("grpc listening", "addr", cfg.GRPC.Addr)
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error("grpc server stopped", "error", err)
		}
	}()
	go func() {
		logger.Info("http listening", "addr", cfg.HTTP.Addr, "version", cfg.Version)
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	mirror.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	grpcServer.GracefulStop()
	queue.Close()
}
