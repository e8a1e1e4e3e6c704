package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"google.golang.org/grpc"
)

func main() {
	cfg := LoadConfig()
	setupLogger(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Str("store", cfg.Store).
		Str("db", cfg.DBPath).
		Str("rabbit", cfg.RabbitURL).
		Msg("starting bookstore service")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := InitTracerProvider(cfg.ServiceName, cfg.TraceExporter)
	must(err)

	// Repo
	repo, err := openRepository(cfg)
	must(err)
	defer repo.Close()

	if cfg.SeedOnStart {
		n, err := repo.SeedBooks(ctx, sampleBooks())
		must(err)
		log.Info().Int("inserted", n).Msg("seeded catalog")
	}

	// Rabbit (opcional)
	rabbit, err := NewRabbit(cfg.RabbitURL, cfg.RabbitExchange)
	must(err)
	defer rabbit.Close()
	var events Events
	if rabbit != nil {
		events = rabbit
		log.Info().Str("exchange", cfg.RabbitExchange).Msg("publishing order events")
	}

	metrics := NewMetrics(cfg.ServiceName)
	svc, err := NewService(repo, events, metrics, cfg.OrderCacheSize)
	must(err)

	health := NewHealth(cfg.ServiceName, svc)
	_ = health.Check(ctx)
	go health.Watch(ctx, 15*time.Second)

	srv := NewServer(svc, health, metrics, cfg.CheckoutTimeout)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Routes(cfg.CORSOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// gRPC health
	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		must(err)
		grpcSrv = grpc.NewServer()
		health.Register(grpcSrv)
		go func() {
			log.Info().Str("addr", cfg.GRPCAddr).Msg("gRPC health listening")
			if err := grpcSrv.Serve(lis); err != nil {
				log.Error().Err(err).Msg("grpc serve")
			}
		}()
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http serve")
		}
	}()

	// Señales para apagado limpio
	<-ctx.Done()
	log.Warn().Msg("shutting down...")
	health.Shutdown()

	sctx, scancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer scancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	if err := shutdownTracer(sctx); err != nil {
		log.Error().Err(err).Msg("tracer shutdown")
	}
}

func openRepository(cfg Config) (Repository, error) {
	switch cfg.Store {
	case StoreMemory:
		return NewMemoryRepository(), nil
	case StoreSQLite:
		return NewSQLiteRepository(cfg.DBDriver, cfg.DBPath)
	default:
		return nil, errors.New("unknown store " + cfg.Store)
	}
}

func setupLogger(level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	zerolog.DefaultContextLogger = &log.Logger
}

func must(err error) {
	if err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}
