// Package uiserver is the control plane: it accepts UI procedures over
// WebSocket and HTTP, fans them out on the broadcast channel and aggregates
// the per-station responses into one reply.
package uiserver

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/broadcast"
	"github.com/seu-repo/sigec-sim/internal/observability/telemetry"
	"github.com/seu-repo/sigec-sim/pkg/config"
)

// StationDirectory is the slice of the fleet the UI plane needs: who exists,
// so response aggregation knows how many answers to wait for.
type StationDirectory interface {
	StationHashIDs() []string
}

// Server is the UI endpoint owning both transports.
type Server struct {
	cfg       config.UIServerConfig
	rateCfg   config.RateLimitingConfig
	bus       broadcast.Channel
	directory StationDirectory
	agg       *Aggregator
	log       *zap.Logger

	app *fiber.App
}

func New(cfg config.UIServerConfig, rateCfg config.RateLimitingConfig, bus broadcast.Channel, directory StationDirectory, log *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		rateCfg:   rateCfg,
		bus:       bus,
		directory: directory,
		agg:       NewAggregator(cfg.AggregationTimeout, log),
		log:       log.Named("uiserver"),
	}

	if err := bus.SubscribeResponses(s.agg.OnResponse); err != nil {
		return nil, fmt.Errorf("uiserver: subscribe to responses: %w", err)
	}

	s.app = s.buildApp()
	return s, nil
}

// Listen blocks serving both transports until Shutdown.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.log.Info("UI server listening",
		zap.String("addr", addr),
		zap.String("version", s.cfg.Version),
	)
	return s.app.Listen(addr)
}

// Shutdown drains the fiber app.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// Dispatch publishes one procedure on the bus and blocks for the aggregate.
// Unknown procedures fail before anything reaches the bus.
func (s *Server) Dispatch(ctx context.Context, procedure broadcast.Procedure, payload broadcast.RequestPayload) (broadcast.ResponsePayload, error) {
	if !broadcast.Known(procedure) {
		return broadcast.ResponsePayload{}, fmt.Errorf("uiserver: unknown procedure %q", procedure)
	}

	started := time.Now()
	id := uuid.NewString()

	ctx, span := otel.Tracer("uiserver").Start(ctx, "ui.dispatch")
	span.SetAttributes(
		attribute.String("procedure", string(procedure)),
		attribute.String("request.uuid", id),
	)
	defer span.End()

	var expected []string
	if !broadcast.FleetLevel(procedure) {
		expected = s.matchTargets(payload)
		if len(expected) == 0 {
			return broadcast.ResponsePayload{
				Status:       broadcast.StatusFailure,
				Command:      string(procedure),
				ErrorMessage: "no charging station matches the request",
			}, nil
		}
	}

	done := s.agg.Register(id, procedure, expected)
	if err := s.bus.PublishRequest(broadcast.Request{UUID: id, Procedure: procedure, Payload: payload}); err != nil {
		return broadcast.ResponsePayload{}, fmt.Errorf("uiserver: publish request: %w", err)
	}

	select {
	case resp := <-done:
		telemetry.UIRequestsTotal.WithLabelValues(string(procedure), string(resp.Status)).Inc()
		telemetry.UIRequestDuration.Observe(time.Since(started).Seconds())
		return resp, nil
	case <-ctx.Done():
		s.agg.Cancel(id)
		return broadcast.ResponsePayload{}, ctx.Err()
	}
}

// matchTargets resolves which stations a request addresses: the intersection
// of the hashIds filter with the registered fleet, or the whole fleet when
// the filter is empty.
func (s *Server) matchTargets(payload broadcast.RequestPayload) []string {
	known := s.directory.StationHashIDs()

	filter := payload.HashIDs
	if len(filter) == 0 && payload.HashID != "" {
		filter = []string{payload.HashID}
	}
	if len(filter) == 0 {
		return known
	}

	knownSet := make(map[string]struct{}, len(known))
	for _, id := range known {
		knownSet[id] = struct{}{}
	}
	var out []string
	for _, id := range filter {
		if _, ok := knownSet[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
