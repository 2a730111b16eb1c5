package station

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/domain"
	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

// ConnState is the connection lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ReconnectPolicy is the bounded exponential backoff applied between
// reconnection attempts. MaxRetries < 0 means unbounded.
type ReconnectPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// Delay computes the backoff before attempt `retry` (0-based):
// base·2^retry plus jitter in [0, 0.2·base·2^retry), capped at MaxDelay.
func (p ReconnectPolicy) Delay(retry int) time.Duration {
	exp := float64(p.BaseDelay) * math.Pow(2, float64(retry))
	if capped := float64(p.MaxDelay); exp > capped {
		exp = capped
	}
	jitter := rand.Float64() * 0.2 * exp
	delay := time.Duration(exp + jitter)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// ConnectionEvents are the hooks the station supervisor wires into the
// connection manager.
type ConnectionEvents struct {
	// OnMessage receives every inbound frame from the read pump.
	OnMessage func(data []byte)
	// OnOpen fires after a successful dial; firstOpen is true only once per
	// station lifetime and gates the boot handshake.
	OnOpen func(firstOpen bool)
	// OnClose fires when the socket drops; normal reports whether the close
	// code was 1000 or 1005.
	OnClose func(code int, normal bool)
}

// Connection owns the supervision WebSocket: dialing, the read pump, and the
// reconnection loop. Dial attempts go through a circuit breaker so a dead
// supervision server trips fast instead of piling up handshake timeouts.
type Connection struct {
	url         string
	auth        domain.BasicAuth
	subprotocol string

	policy  ReconnectPolicy
	events  ConnectionEvents
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger

	mu              sync.Mutex
	writeMu         sync.Mutex
	conn            *websocket.Conn
	state           atomic.Int32
	everOpen        bool
	stopping        atomic.Bool
	reconnectActive atomic.Bool
}

func NewConnection(url string, auth domain.BasicAuth, policy ReconnectPolicy, events ConnectionEvents, log *zap.Logger) *Connection {
	c := &Connection{
		url:         url,
		auth:        auth,
		subprotocol: ocpp.Subprotocol16,
		policy:      policy,
		events:      events,
		log:         log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "supervision-dial",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Supervision dial breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// SetURL swaps the supervision URL; it takes effect on the next dial.
func (c *Connection) SetURL(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.url = url
}

// URL returns the current supervision URL.
func (c *Connection) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Open dials the supervision server once and starts the read pump. The
// reconnection loop is not entered here; it only runs after an abnormal close.
func (c *Connection) Open(ctx context.Context) error {
	if c.State() == StateConnected {
		return nil
	}
	c.stopping.Store(false)
	c.state.Store(int32(StateConnecting))

	if err := c.dial(ctx); err != nil {
		c.state.Store(int32(StateDisconnected))
		return err
	}
	return nil
}

func (c *Connection) dial(ctx context.Context) error {
	c.mu.Lock()
	url := c.url
	auth := c.auth
	c.mu.Unlock()

	header := http.Header{}
	if auth.Enabled {
		cred := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		header.Set("Authorization", "Basic "+cred)
	}

	dialer := websocket.Dialer{
		Subprotocols:     []string{c.subprotocol},
		HandshakeTimeout: 10 * time.Second,
	}

	res, err := c.breaker.Execute(func() (any, error) {
		conn, _, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return fmt.Errorf("station: dial %s: %w", url, err)
	}
	conn := res.(*websocket.Conn)

	c.mu.Lock()
	c.conn = conn
	first := !c.everOpen
	c.everOpen = true
	c.mu.Unlock()
	c.state.Store(int32(StateConnected))

	c.log.Info("Supervision connection open",
		zap.String("url", url),
		zap.Bool("first_open", first),
	)

	go c.readPump(ctx, conn)

	if c.events.OnOpen != nil {
		c.events.OnOpen(first)
	}
	return nil
}

// Close shuts the socket with a normal close code and suppresses reconnection.
func (c *Connection) Close() error {
	c.stopping.Store(true)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		c.state.Store(int32(StateDisconnected))
		return nil
	}

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	err := conn.Close()
	c.state.Store(int32(StateDisconnected))
	return err
}

// Send writes a text frame. It fails with ErrNotConnected when the socket is
// not open.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || c.State() != StateConnected {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("station: write frame: %w", err)
	}
	return nil
}

func (c *Connection) readPump(ctx context.Context, conn *websocket.Conn) {
	var closeCode int
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeCode = websocket.CloseAbnormalClosure
			if ce, ok := err.(*websocket.CloseError); ok {
				closeCode = ce.Code
			}
			if !c.stopping.Load() {
				c.log.Warn("Supervision connection lost",
					zap.Int("close_code", closeCode),
					zap.Error(err),
				)
			}
			break
		}
		if c.events.OnMessage != nil {
			c.events.OnMessage(data)
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.state.Store(int32(StateDisconnected))

	normal := closeCode == websocket.CloseNormalClosure || closeCode == websocket.CloseNoStatusReceived
	if c.events.OnClose != nil {
		c.events.OnClose(closeCode, normal)
	}

	if !normal && !c.stopping.Load() {
		c.startReconnectLoop(ctx)
	}
}

// startReconnectLoop enters the bounded exponential backoff loop. Only one
// loop runs at a time.
func (c *Connection) startReconnectLoop(ctx context.Context) {
	if !c.reconnectActive.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.reconnectActive.Store(false)

		for retry := 0; c.policy.MaxRetries < 0 || retry < c.policy.MaxRetries; retry++ {
			delay := c.policy.Delay(retry)
			c.log.Info("Scheduling reconnection attempt",
				zap.Int("retry", retry+1),
				zap.Duration("delay", delay),
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			if c.stopping.Load() {
				return
			}

			c.state.Store(int32(StateConnecting))
			if err := c.dial(ctx); err != nil {
				c.state.Store(int32(StateDisconnected))
				c.log.Warn("Reconnection attempt failed",
					zap.Int("retry", retry+1),
					zap.Error(err),
				)
				continue
			}
			return
		}
		c.log.Error("Reconnection retries exhausted",
			zap.Int("max_retries", c.policy.MaxRetries),
		)
	}()
}
