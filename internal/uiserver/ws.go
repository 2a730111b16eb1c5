package uiserver

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/broadcast"
	"github.com/seu-repo/sigec-sim/pkg/config"
)

// authProtocolPrefix marks the subprotocol entry carrying credentials when
// protocol-basic-auth is configured: authorization.basic.<base64(user:pass)>.
const authProtocolPrefix = "authorization.basic."

func (s *Server) mountWebSocket(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if s.cfg.Auth.Enabled && !s.authorizeUpgrade(c) {
			s.log.Warn("UI upgrade rejected by authentication", zap.String("ip", c.IP()))
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		return c.Next()
	})

	app.Get("/ws", websocket.New(s.handleWebSocket, websocket.Config{
		Subprotocols: []string{"ui" + s.cfg.Version},
	}))
}

// authorizeUpgrade checks the credentials of a WebSocket upgrade request:
// from the subprotocol offer under protocol-basic-auth, from the
// Authorization header otherwise.
func (s *Server) authorizeUpgrade(c *fiber.Ctx) bool {
	if s.cfg.Auth.Type == config.AuthTypeProtocolBasic {
		username, password, ok := protocolCredentials(c.Get("Sec-Websocket-Protocol"))
		return ok && checkBasicCredentials(s.cfg.Auth, username, password)
	}
	username, password, ok := parseBasicAuth(c.Get(fiber.HeaderAuthorization))
	return ok && checkBasicCredentials(s.cfg.Auth, username, password)
}

// protocolCredentials extracts basic credentials from a subprotocol offer
// list.
func protocolCredentials(header string) (username, password string, ok bool) {
	for _, proto := range strings.Split(header, ",") {
		proto = strings.TrimSpace(proto)
		if !strings.HasPrefix(proto, authProtocolPrefix) {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(proto, authProtocolPrefix))
		if err != nil {
			return "", "", false
		}
		parts := strings.SplitN(string(decoded), ":", 2)
		if len(parts) != 2 {
			return "", "", false
		}
		return parts[0], parts[1], true
	}
	return "", "", false
}

// handleWebSocket serves one UI client: request envelopes in, response
// envelopes out. Envelopes are handled concurrently so a slow fan-out does
// not head-of-line block the socket; writes share one mutex. The dispatch
// context follows the connection, so a client close abandons its pending
// aggregations.
func (s *Server) handleWebSocket(conn *websocket.Conn) {
	if proto := conn.Subprotocol(); proto != "ui"+s.cfg.Version {
		s.log.Warn("UI client negotiated no known subprotocol", zap.String("subprotocol", proto))
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writeMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("UI connection lost", zap.Error(err))
			}
			return
		}

		req, err := broadcast.DecodeRequest(data)
		if err != nil {
			s.log.Warn("Malformed UI request envelope", zap.Error(err))
			continue
		}

		wg.Add(1)
		go func(req broadcast.Request) {
			defer wg.Done()

			resp, err := s.Dispatch(ctx, req.Procedure, req.Payload)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				resp = broadcast.ResponsePayload{
					Status:       broadcast.StatusFailure,
					Command:      string(req.Procedure),
					ErrorMessage: err.Error(),
				}
			}

			out, err := broadcast.EncodeResponse(broadcast.Response{UUID: req.UUID, Payload: resp})
			if err != nil {
				s.log.Error("Failed to encode UI response", zap.Error(err))
				return
			}

			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				s.log.Warn("Failed to write UI response", zap.Error(err))
			}
		}(req)
	}
}
