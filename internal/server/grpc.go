// Package server exposes the engine over gRPC (JSON codec) and HTTP/JSON
// through a grpc-gateway ServeMux.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/observability"
)

// Server wraps the gRPC server and the HTTP gateway.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	health     *health.Server
	grpcAddr   string
	httpAddr   string
	log        zerolog.Logger
}

// Deps holds everything the transports need. History, Limiter, Health and
// Metrics may be nil.
type Deps struct {
	Ledger  Ledger
	History HistoryReader
	Limiter *ingestion.SenderLimiter
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// New creates the gRPC server with the ledger and health services
// registered, and the HTTP gateway in front of the same service.
func New(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	svc := NewLedgerService(deps.Ledger, deps.Limiter)

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(unaryInterceptor(deps.Metrics, deps.Logger)))
	RegisterLedgerServiceServer(grpcServer, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	mux, err := NewGatewayMux(svc, deps.History, deps.Health, deps.Metrics, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("gateway mux: %w", err)
	}

	return &Server{
		grpcServer: grpcServer,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		health:   healthServer,
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		log:      deps.Logger,
	}, nil
}

// SetServing flips the gRPC health status of the ledger service.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Handler is the HTTP gateway handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// GRPC is the underlying gRPC server.
func (s *Server) GRPC() *grpc.Server {
	return s.grpcServer
}

// StartGRPC serves gRPC until ctx is done (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the HTTP gateway until ctx is done (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// unaryInterceptor converts ledger errors to gRPC status and records the
// query metrics.
func unaryInterceptor(metrics *observability.Metrics, log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := GRPCCode(err)

		if metrics != nil {
			metrics.QueryRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
			metrics.QueryDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.QueryErrors.WithLabelValues(info.FullMethod, errorCode(err)).Inc()
			}
		}
		if err != nil {
			if code == codes.Internal {
				log.Error().Err(err).Str("method", info.FullMethod).Msg("rpc failed")
			}
			return nil, toStatus(err)
		}
		return resp, nil
	}
}
