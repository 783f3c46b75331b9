// Package api is the thin admin HTTP surface of the bot: channel CRUD,
// signal approval, position inspection, and a read-only WebSocket event
// stream. It is an operator tool, not a public API, and carries no
// authentication of its own.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"signalbridge/internal/bus"
	"signalbridge/internal/config"
	"signalbridge/pkg/types"
)

// Server runs the admin HTTP/WebSocket endpoint.
type Server struct {
	cfg      config.AdminConfig
	handlers *Handlers
	hub      *Hub
	bus      *bus.Bus
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes and returns a server ready to Run.
func NewServer(cfg config.AdminConfig, handlers *Handlers, hub *Hub, b *bus.Bus, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/overview", handlers.HandleOverview)

	mux.HandleFunc("GET /api/channels", handlers.HandleListChannels)
	mux.HandleFunc("POST /api/channels", handlers.HandleCreateChannel)
	mux.HandleFunc("GET /api/channels/{id}", handlers.HandleGetChannel)
	mux.HandleFunc("PUT /api/channels/{id}", handlers.HandleUpdateChannel)
	mux.HandleFunc("DELETE /api/channels/{id}", handlers.HandleDeleteChannel)
	mux.HandleFunc("POST /api/channels/{id}/pause", handlers.HandlePauseChannel)
	mux.HandleFunc("POST /api/channels/{id}/resume", handlers.HandleResumeChannel)
	mux.HandleFunc("POST /api/channels/{id}/auto-execute", handlers.HandleAutoExecute)

	mux.HandleFunc("GET /api/signals", handlers.HandleListSignals)
	mux.HandleFunc("POST /api/signals/{id}/approve", handlers.HandleApproveSignal)
	mux.HandleFunc("POST /api/signals/{id}/ignore", handlers.HandleIgnoreSignal)

	mux.HandleFunc("GET /api/positions", handlers.HandleListPositions)
	mux.HandleFunc("GET /api/positions/{id}", handlers.HandleGetPosition)
	mux.HandleFunc("POST /api/positions/{id}/close", handlers.HandleClosePosition)

	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		hub:      hub,
		bus:      b,
		logger:   logger.With("component", "api-server"),
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled. The hub and the bus-to-stream bridge
// share the same lifetime.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.bridgeEvents(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server starting", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return ctx.Err()
}

// bridgeEvents forwards every bus topic onto the WebSocket stream.
func (s *Server) bridgeEvents(ctx context.Context) {
	events, cancel := s.bus.Subscribe(
		types.TopicNewMessage,
		types.TopicSignalNew,
		types.TopicSignalExecuted,
		types.TopicSignalFailed,
		types.TopicPositionOpened,
		types.TopicPositionUpdated,
		types.TopicPositionClosed,
		types.TopicCompensationRequired,
		types.TopicChannelUpdate,
		types.TopicAccountUpdate,
	)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.hub.BroadcastEvent(evt)
		}
	}
}
