// Package api provides the HTTP REST API for Breeze Core.
//
// It exposes the device registry, live session state, state history, and
// bridge statistics to dashboards and automation tooling, and accepts
// device commands which it forwards onto the MQTT command topics.
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nvalett/breezecore/internal/bridges/tuya"
	"github.com/nvalett/breezecore/internal/device"
	"github.com/nvalett/breezecore/internal/infrastructure/config"
	"github.com/nvalett/breezecore/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Publisher is the MQTT surface the API needs for forwarding commands.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// BridgeStats exposes live bridge figures. Satisfied by tuya.Bridge.
type BridgeStats interface {
	Statistics() tuya.BridgeStatistics
	DeviceCounts() (online, total int)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Devices device.Repository
	History device.StateHistoryRepository
	MQTT    Publisher // optional; commands return 503 without it
	Bridge  BridgeStats
	Version string
}

// Server is the HTTP API server for Breeze Core.
type Server struct {
	cfg     config.APIConfig
	logger  *logging.Logger
	devices device.Repository
	history device.StateHistoryRepository
	mqtt    Publisher
	bridge  BridgeStats
	version string
	server  *http.Server
}

// New creates an API server. It is not listening until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device repository is required")
	}
	if deps.History == nil {
		return nil, fmt.Errorf("state history repository is required")
	}

	return &Server{
		cfg:     deps.Config,
		logger:  deps.Logger,
		devices: deps.Devices,
		history: deps.History,
		mqtt:    deps.MQTT,
		bridge:  deps.Bridge,
		version: deps.Version,
	}, nil
}

// Start launches the HTTP listener in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the server, waiting for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
