// Package server reports the capture engine's state over the gRPC health
// protocol.
package server

import (
	"context"
	"errors"
	"net"

	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/capture"
	"github.com/Nishant-Joshi-Bose/Product-Docker-sub000/util/broadcaster"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name that follows the engine state.
const ServiceName = "capture"

type StateSource interface {
	State() capture.State
	States() *broadcaster.Listener[capture.State]
}

type Server struct {
	log    *zap.SugaredLogger
	source StateSource
	health *health.Server
	grpc   *grpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(log *zap.SugaredLogger, source StateSource) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		log:    log,
		source: source,
		health: health.NewServer(),
		grpc:   grpc.NewServer(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	healthpb.RegisterHealthServer(s.grpc, s.health)

	listener := source.States()
	s.health.SetServingStatus(ServiceName, statusFor(source.State()))

	go s.watch(listener)

	return s
}

// statusFor maps an engine state to a health status. Only a streaming engine
// is serving.
func statusFor(state capture.State) healthpb.HealthCheckResponse_ServingStatus {
	if state == capture.StateStreaming {
		return healthpb.HealthCheckResponse_SERVING
	}

	return healthpb.HealthCheckResponse_NOT_SERVING
}

func (s *Server) watch(listener *broadcaster.Listener[capture.State]) {
	defer close(s.done)

	for {
		state, err := listener.WaitContext(s.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.log.Debug("Stopping health updates: ", err)
			}
			return
		}

		s.log.Debug("Capture state: ", state)
		s.health.SetServingStatus(ServiceName, statusFor(state))
	}
}

// Serve accepts health checks on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("Serving health on ", lis.Addr())

	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func (s *Server) Stop() {
	s.cancel()
	<-s.done

	s.health.Shutdown()
	s.grpc.GracefulStop()
}
