package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// Health refleja el estado del almacenamiento en /api/health y en el servicio
// estándar de health de gRPC.
type Health struct {
	service string
	store   pinger
	srv     *health.Server
}

func NewHealth(service string, store pinger) *Health {
	return &Health{service: service, store: store, srv: health.NewServer()}
}

func (h *Health) Check(ctx context.Context) error {
	err := h.store.Ping(ctx)
	st := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(h.service, st)
	return err
}

// Watch revisa el almacenamiento cada interval hasta que ctx termine.
func (h *Health) Watch(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cctx, cancel := context.WithTimeout(ctx, interval/2)
			if err := h.Check(cctx); err != nil {
				log.Warn().Err(err).Msg("store health check failed")
			}
			cancel()
		}
	}
}

func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
	reflection.Register(s)
}

// Shutdown marca NOT_SERVING para que los balanceadores dejen de enviar tráfico.
func (h *Health) Shutdown() { h.srv.Shutdown() }

func (h *Health) status(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: h.service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
