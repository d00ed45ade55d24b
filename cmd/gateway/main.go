package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/api"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/auth"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/config"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/hub"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/kafka"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/metric"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/redis"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/repository"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/service"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/utils"
	"github.com/dimitrisdogiamas/E-com-sub000/internal/ws"
)

type presenceBackend interface {
	ws.Presence
	api.PresenceReader
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	pflag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("config load", zap.Error(err))
	}

	logger, err := utils.NewLogger(cfg.App.Development(), cfg.App.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("logger init", zap.Error(err))
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	verifier, err := newVerifier(cfg.JWT)
	if err != nil {
		logger.Fatal("jwt validator init", zap.Error(err))
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("message store init", zap.Error(err))
	}
	defer closeStore()

	var (
		dedup    service.Deduper
		presence presenceBackend
	)
	presenceTTL := 2 * cfg.PongWait
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("redis init", zap.Error(err))
		}
		defer rdb.Close()
		dedup = redis.NewDedupStore(rdb, cfg.Redis.Prefix, cfg.DedupTTL)
		presence = redis.NewPresenceStore(rdb, cfg.Redis.Prefix, presenceTTL)
		logger.Info("redis connected", zap.String("addr", cfg.Redis.Addr))
	} else {
		dedup = redis.NewMemoryDedup(cfg.DedupTTL)
		presence = redis.NewMemoryPresence()
	}

	var events service.Publisher = kafka.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := producer.Close(context.Background()); err != nil {
				logger.Warn("kafka producer close", zap.Error(err))
			}
		}()
		events = producer
		logger.Info("publishing lifecycle events",
			zap.String("brokers", strings.Join(cfg.Kafka.Brokers, ",")),
			zap.String("topic", cfg.Kafka.Topic))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := metric.NewMetrics(reg)

	h := hub.New(logger.Named("hub"), hub.WithEvictHook(func(hub.Member) { metrics.Evictions.Inc() }))
	hubDone := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(hubDone)
	}()
	metrics.RegisterRooms(reg, func() float64 { return float64(h.Rooms()) })

	sugar := logger.Sugar()
	svc := service.NewMessageService(store, h, dedup, events, service.Settings{
		DefaultPageSize: cfg.History.DefaultPageSize,
		MaxPageSize:     cfg.History.MaxPageSize,
		OpTimeout:       cfg.OpTimeout,
	}, sugar.Named("service")).Instrument(metrics)

	mgr := ws.NewManager(verifier, h, svc, presence, metrics, ws.SettingsFrom(cfg), sugar.Named("ws"))
	app := api.NewServer(mgr, svc, presence, verifier, metrics, logger.Named("http"))

	errs := make(chan error, 1)
	go func() {
		addr := ":" + cfg.App.PortString()
		logger.Info("starting chat gateway", zap.String("addr", addr), zap.String("store", cfg.Store.Driver))
		errs <- app.Listen(addr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errs:
		logger.Error("server error", zap.Error(err))
	case s := <-sig:
		logger.Info("shutdown requested", zap.String("signal", s.String()))
	}

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("fiber shutdown", zap.Error(err))
	}
	cancel()
	<-hubDone
	logger.Info("gateway stopped")
}

func newVerifier(cfg config.JWTConfig) (auth.Verifier, error) {
	if strings.EqualFold(cfg.Alg, "RS256") {
		return auth.NewJWTValidatorRS256(cfg.PublicKeyPath)
	}
	return auth.NewJWTValidatorHS256(cfg.HSSecret)
}

// openStore builds the configured backend behind the circuit breaker.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.MessageStore, func(), error) {
	var (
		backend repository.MessageStore
		closer  = func() {}
	)
	switch cfg.Store.Driver {
	case "mongo":
		client, err := repository.NewMongoClient(ctx, cfg.Store.Mongo.URI)
		if err != nil {
			return nil, nil, err
		}
		ms := repository.NewMongoStore(client.Database(cfg.Store.Mongo.Database).Collection(cfg.Store.Mongo.Collection))
		idxCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := ms.EnsureIndexes(idxCtx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		backend = ms
		closer = func() { _ = client.Disconnect(context.Background()) }
	case "badger":
		db, err := repository.OpenBadger(cfg.Store.Badger.Path, cfg.Store.Badger.InMemory)
		if err != nil {
			return nil, nil, err
		}
		backend = repository.NewBadgerStore(db, logger.Named("badger"))
		closer = func() {
			if err := db.Close(); err != nil {
				logger.Warn("badger close", zap.Error(err))
			}
		}
	default:
		backend = repository.NewMemoryStore()
	}
	return repository.NewBreakerStore(backend, cfg.Store.Breaker, logger.Named("store")), closer, nil
}
