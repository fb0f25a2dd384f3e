package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/juju/clock"
	"github.com/juju/loggo"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/rl1809/product-reservation/internal/adapter/events"
	"github.com/rl1809/product-reservation/internal/adapter/handler"
	"github.com/rl1809/product-reservation/internal/adapter/metrics"
	"github.com/rl1809/product-reservation/internal/adapter/storage"
	"github.com/rl1809/product-reservation/internal/adapter/tracing"
	"github.com/rl1809/product-reservation/internal/config"
	"github.com/rl1809/product-reservation/internal/core/domain"
	"github.com/rl1809/product-reservation/internal/core/service"
	"github.com/rl1809/product-reservation/internal/logging"
	"github.com/rl1809/product-reservation/internal/port"
)

var logger = loggo.GetLogger("reservation.server")

func main() {
	if err := run(); err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(os.Getenv(config.EnvFile))
	if err != nil {
		return err
	}
	logCloser, err := logging.Configure(cfg.Log.Config, cfg.Log.File)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		return err
	}

	var closers []io.Closer

	// Reservation store
	repo, db, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	if db != nil {
		closers = append(closers, db)
	}

	// Redis backs carts and the pub/sub event sink when configured.
	var (
		rdb   *redis.Client
		carts port.CartRepository = storage.NewMemoryCartAdapter()
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		logger.Infof("connected to redis at %s", cfg.Redis.Addr)
		carts = storage.NewRedisAdapter(rdb)
		closers = append(closers, rdb)
	} else {
		logger.Infof("carts kept in memory (set REDIS_ADDR for redis)")
	}

	var publishers events.Fanout
	if len(cfg.Events.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		publishers = append(publishers, kp)
		closers = append(closers, kp)
		logger.Infof("publishing events to kafka topic %s", cfg.Events.KafkaTopic)
	}
	if rdb != nil && cfg.Events.RedisChannel != "" {
		publishers = append(publishers, events.NewRedisPublisher(rdb, cfg.Events.RedisChannel))
		logger.Infof("publishing events to redis channel %s", cfg.Events.RedisChannel)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	var publisher port.EventPublisher = events.Nop{}
	if len(publishers) > 0 {
		publisher = publishers
	}

	// Initialize service
	reservations := service.NewReservationService(repo,
		service.WithEventPublisher(publisher),
		service.WithRecorder(m),
		service.WithSweepBatch(cfg.Sweep.BatchSize),
	)
	for _, p := range cfg.Products {
		if err := reservations.SaveProduct(ctx, domain.Product{ID: p.ID, Name: p.Name, Price: p.Price}); err != nil {
			return err
		}
	}
	if len(cfg.Products) > 0 {
		logger.Infof("seeded %d products", len(cfg.Products))
	}

	// Start sweeper
	var wg sync.WaitGroup
	sweeper := service.NewSweeper(reservations, clock.WallClock, cfg.Sweep.Interval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	// Initialize gRPC server
	var grpcServer *grpc.Server
	if cfg.GRPCAddr != "" {
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(handler.LoggingInterceptor))
		handler.RegisterReservationServer(grpcServer, handler.NewGRPCHandler(reservations))

		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		go func() {
			logger.Infof("gRPC server listening on %s", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Errorf("gRPC server error: %v", err)
			}
		}()
	}

	// Initialize HTTP server
	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.Use(gin.Recovery(), tracing.Middleware(), m.Middleware)
		router.GET("/metrics", gin.WrapH(m.Handler()))
		handler.NewHTTPHandler(reservations, carts, sweeper, clock.WallClock).Register(router)

		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Infof("HTTP server listening on %s", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("HTTP server error: %v", err)
			}
		}()
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infof("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warningf("HTTP shutdown: %v", err)
		}
		logger.Infof("HTTP server stopped")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
		logger.Infof("gRPC server stopped")
	}

	// Stop sweeper
	cancel()
	wg.Wait()
	logger.Infof("sweeper stopped")

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warningf("tracing shutdown: %v", err)
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			logger.Warningf("closing: %v", err)
		}
	}
	logger.Infof("connections closed")
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (port.ReservationRepository, *sql.DB, error) {
	if cfg.Driver == "memory" {
		logger.Warningf("using in-memory reservation store; reservations are lost on restart")
		return storage.NewMemoryAdapter(), nil, nil
	}

	dialect, err := storage.DialectFor(cfg.Driver)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(dialect.DriverName, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	if dialect.Name == storage.SQLite.Name {
		// SQLite allows one writer; a single connection turns lock contention
		// into queueing.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Infof("connected to %s", dialect.Name)

	adapter := storage.NewSQLAdapter(db, dialect)
	if cfg.Migrate {
		if err := adapter.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	return adapter, db, nil
}
