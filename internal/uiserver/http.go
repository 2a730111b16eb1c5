package uiserver

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/broadcast"
	"github.com/seu-repo/sigec-sim/pkg/config"
)

func (s *Server) buildApp() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "sigec-sim ui",
		BodyLimit:             s.cfg.BodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(compress.New(compress.Config{Level: compress.LevelDefault}))
	if s.rateCfg.Enabled {
		app.Use(rateLimitMiddleware(s.rateCfg, s.log))
	}

	// Header auth applies to the HTTP transport; the WebSocket upgrade
	// carries its own check so protocol-basic-auth clients can get through.
	httpHandlers := []fiber.Handler{}
	if s.cfg.Auth.Enabled {
		httpHandlers = append(httpHandlers, basicAuthMiddleware(s.cfg.Auth, s.log))
	}
	httpHandlers = append(httpHandlers, s.handleProcedure)

	if s.cfg.Type != config.UIServerTypeWS {
		app.Post("/ui/:version/:procedure", httpHandlers...)
	}
	if s.cfg.Type != config.UIServerTypeHTTP {
		s.mountWebSocket(app)
	}

	return app
}

// handleProcedure is the HTTP transport: one procedure per request, the
// aggregate as the body. Aggregate failure maps to 400, an unknown procedure
// to 500, matching the WebSocket transport's envelope semantics.
func (s *Server) handleProcedure(c *fiber.Ctx) error {
	if c.Params("version") != s.cfg.Version {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Unknown protocol version"})
	}

	procedure := broadcast.Procedure(c.Params("procedure"))
	if !broadcast.Known(procedure) {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Unknown procedure"})
	}

	var payload broadcast.RequestPayload
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &payload); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Malformed request payload"})
		}
	}

	resp, err := s.Dispatch(c.Context(), procedure, payload)
	if err != nil {
		s.log.Error("Dispatch failed",
			zap.String("procedure", string(procedure)),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	status := fiber.StatusOK
	if resp.Status == broadcast.StatusFailure {
		status = fiber.StatusBadRequest
	}
	return c.Status(status).JSON(resp)
}
