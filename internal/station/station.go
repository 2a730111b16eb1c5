package station

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/broadcast"
	"github.com/seu-repo/sigec-sim/internal/domain"
	"github.com/seu-repo/sigec-sim/internal/observability/telemetry"
	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

// Default timings. OCPP configuration keys override the periodic ones.
const (
	DefaultSocketTimeout       = 60 * time.Second
	DefaultHeartbeatInterval   = 60 * time.Second
	DefaultMeterValuesInterval = 60 * time.Second
	DefaultBootRetryInterval   = 60 * time.Second
	StartTransactionTimeout    = 2 * time.Second
	ATGInitializationTime      = time.Second
	registrySweepInterval      = 10 * time.Second
)

// IDTagSource hands out authorization tokens to the ATG and backs the local
// authorization list.
type IDTagSource interface {
	Next(connectorID int) (string, bool)
	Contains(idTag string) bool
}

// Options tunes a station beyond what the template carries.
type Options struct {
	SocketTimeout   time.Duration
	ReconnectPolicy ReconnectPolicy
	StartTxDelay    time.Duration
}

func (o *Options) withDefaults() {
	if o.SocketTimeout <= 0 {
		o.SocketTimeout = DefaultSocketTimeout
	}
	if o.ReconnectPolicy.BaseDelay <= 0 {
		o.ReconnectPolicy.BaseDelay = time.Second
	}
	if o.ReconnectPolicy.MaxDelay <= 0 {
		o.ReconnectPolicy.MaxDelay = 180 * time.Second
	}
	if o.ReconnectPolicy.MaxRetries == 0 {
		o.ReconnectPolicy.MaxRetries = -1
	}
	if o.StartTxDelay <= 0 {
		o.StartTxDelay = StartTransactionTimeout
	}
}

// Station is the supervisor owning one simulated charging station: its
// connection, message correlation state, connector state machines, periodic
// telemetry and ATG. All connector mutation happens under s.mu, and only
// methods of this type take it.
type Station struct {
	info *domain.StationInfo
	tmpl *domain.StationTemplate
	opts Options
	log  *zap.Logger

	registry   *Registry
	buffer     *OutboundBuffer
	conn       *Connection
	requester  *Requester
	dispatcher *Dispatcher
	atg        *ATG
	idTags     IDTagSource
	bus        broadcast.Channel

	mu           sync.Mutex
	connectors   map[int]*domain.ConnectorState
	ocppConfig   *Configuration
	bootStatus   ocpp.RegistrationStatus
	bootInterval time.Duration
	started      bool
	meterStop    map[int]chan struct{}

	heartbeatStop chan struct{}
	sweepStop     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a station supervisor from its derived info and template. The
// supervisor subscribes to the broadcast channel immediately but ignores
// requests until started.
func New(info *domain.StationInfo, tmpl *domain.StationTemplate, bus broadcast.Channel, idTags IDTagSource, opts Options, log *zap.Logger) (*Station, error) {
	opts.withDefaults()

	s := &Station{
		info:   info,
		tmpl:   tmpl,
		opts:   opts,
		idTags: idTags,
		bus:    bus,
		log: log.With(
			zap.String("station_id", info.StationID),
			zap.String("hash_id", shortHash(info.HashID)),
		),
		connectors: make(map[int]*domain.ConnectorState),
		meterStop:  make(map[int]chan struct{}),
		bootStatus: ocpp.RegistrationPending,
	}

	s.registry = NewRegistry(s.log)
	s.buffer = NewOutboundBuffer()
	s.conn = NewConnection(
		supervisionEndpoint(info.SupervisionURL, info.StationID),
		info.SupervisionAuth,
		opts.ReconnectPolicy,
		ConnectionEvents{
			OnMessage: s.onMessage,
			OnOpen:    s.onOpen,
			OnClose:   s.onClose,
		},
		s.log,
	)
	s.requester = NewRequester(s.registry, s.buffer, s.conn, opts.SocketTimeout, s.log)
	s.dispatcher = NewDispatcher(s.registry, s.log)
	s.registerHandlers()

	if tmpl.AutomaticTransactionGenerator != nil {
		if err := tmpl.AutomaticTransactionGenerator.Validate(); err != nil {
			return nil, err
		}
		s.atg = NewATG(s, tmpl.AutomaticTransactionGenerator, s.log)
	}

	if bus != nil {
		if err := bus.SubscribeRequests(s.handleBroadcastRequest); err != nil {
			return nil, fmt.Errorf("station: subscribe to broadcast channel: %w", err)
		}
	}

	return s, nil
}

func shortHash(hashID string) string {
	if len(hashID) > 8 {
		return hashID[:8]
	}
	return hashID
}

func supervisionEndpoint(baseURL, stationID string) string {
	return strings.TrimRight(baseURL, "/") + "/" + stationID
}

// Info returns the derived station identity.
func (s *Station) Info() *domain.StationInfo {
	return s.info
}

// HashID returns the control-plane address of this station.
func (s *Station) HashID() string {
	return s.info.HashID
}

// Started reports whether the station supervisor is running.
func (s *Station) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// BootStatus returns the current registration status.
func (s *Station) BootStatus() ocpp.RegistrationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootStatus
}

// ConnectionState exposes the supervision socket state.
func (s *Station) ConnectionState() ConnState {
	return s.conn.State()
}

// Connector returns a snapshot copy of the connector state.
func (s *Station) Connector(id int) (domain.ConnectorState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok {
		return domain.ConnectorState{}, false
	}
	return *c, true
}

// ConnectorIDs returns the physical connector ids in ascending order.
func (s *Station) ConnectorIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.connectors))
	for id := range s.connectors {
		if id > 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Start builds the connectors, seeds the OCPP configuration and opens the
// supervision connection. It is idempotent.
func (s *Station) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.buildConnectorsLocked()
	s.ocppConfig = s.seedConfigurationLocked()
	s.started = true
	s.sweepStop = make(chan struct{})
	s.mu.Unlock()

	go s.sweepLoop()
	telemetry.StationsRunning.Inc()

	s.log.Info("Station started",
		zap.String("model", s.info.ChargePointModel),
		zap.String("vendor", s.info.ChargePointVendor),
		zap.Int("connectors", len(s.ConnectorIDs())),
	)

	return s.OpenConnection(s.ctx)
}

// Stop closes the station down: optionally stops running transactions, stops
// the ATG and heartbeat, closes the socket and fails every pending request
// with Canceled. It is idempotent.
func (s *Station) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	stopTx := s.info.StopTransactionsOnStopped
	var active []int
	for id, c := range s.connectors {
		if id > 0 && c.InTransaction() {
			active = append(active, c.TransactionID)
		}
	}
	s.mu.Unlock()

	if s.atg != nil {
		s.atg.StopAll()
	}

	if stopTx {
		for _, txID := range active {
			if _, err := s.StopTransaction(ctx, txID, ocpp.ReasonLocal); err != nil {
				s.log.Warn("Failed to stop transaction on shutdown",
					zap.Int("transaction_id", txID),
					zap.Error(err),
				)
			}
		}
	}

	s.stopAllMeterValuesLoops()
	s.stopHeartbeat()
	_ = s.conn.Close()

	if canceled := s.registry.CancelAll(); canceled > 0 {
		s.log.Info("Canceled pending requests on stop", zap.Int("count", canceled))
	}
	s.buffer.Clear()

	s.mu.Lock()
	if s.sweepStop != nil {
		close(s.sweepStop)
		s.sweepStop = nil
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	telemetry.StationsRunning.Dec()
	s.log.Info("Station stopped")
	return nil
}

// OpenConnection dials the supervision server.
func (s *Station) OpenConnection(ctx context.Context) error {
	return s.conn.Open(ctx)
}

// CloseConnection closes the supervision socket with a normal close code.
func (s *Station) CloseConnection() error {
	return s.conn.Close()
}

// SetSupervisionURL swaps the supervision URL; it takes effect on the next
// (re)connect.
func (s *Station) SetSupervisionURL(url string) {
	s.mu.Lock()
	s.info.SupervisionURL = url
	s.mu.Unlock()
	s.conn.SetURL(supervisionEndpoint(url, s.info.StationID))
	s.log.Info("Supervision URL updated", zap.String("url", url))
}

// StartATG starts the session loops on the given connectors (all when empty).
func (s *Station) StartATG(connectorIDs []int) error {
	if s.atg == nil {
		return fmt.Errorf("station %s: no automatic transaction generator configured", s.info.StationID)
	}
	if s.blocked() {
		return fmt.Errorf("station %s: registration rejected, generator not started", s.info.StationID)
	}
	s.atg.Start(s.ctx, connectorIDs)
	return nil
}

// StopATG stops the session loops on the given connectors (all when empty).
func (s *Station) StopATG(connectorIDs []int) error {
	if s.atg == nil {
		return fmt.Errorf("station %s: no automatic transaction generator configured", s.info.StationID)
	}
	s.atg.Stop(connectorIDs)
	return nil
}

// --- connection lifecycle hooks ---

func (s *Station) onMessage(data []byte) {
	reply := s.dispatcher.Dispatch(s.ctx, data)
	if reply == nil {
		return
	}
	if err := s.conn.Send(reply); err != nil {
		s.log.Warn("Failed to send reply frame", zap.Error(err))
	}
}

func (s *Station) onOpen(firstOpen bool) {
	telemetry.StationsConnected.Inc()
	if !firstOpen {
		telemetry.ReconnectsTotal.Inc()
	}

	go func() {
		if s.BootStatus() != ocpp.RegistrationAccepted {
			s.runBootSequence()
			return
		}
		// Already registered: flush what queued up while offline, re-announce
		// connector statuses and resume periodic tasks.
		s.requester.Flush()
		s.notifyAllConnectorStatus()
		s.startHeartbeat()
		if s.atg != nil {
			s.atg.Resume()
		}
	}()
}

func (s *Station) onClose(code int, normal bool) {
	telemetry.StationsConnected.Dec()
	s.stopHeartbeat()
	if s.atg != nil {
		s.atg.Suspend()
		if s.atg.cfg.StopOnConnectionFailure && !normal {
			s.atg.StopAll()
		}
	}
	s.log.Info("Supervision connection closed",
		zap.Int("close_code", code),
		zap.Bool("normal", normal),
	)
}

// runBootSequence drives the BootNotification handshake until Accepted or
// Rejected. Pending retries at the server-provided interval.
func (s *Station) runBootSequence() {
	for {
		resp, err := s.BootNotification(s.ctx)
		if err != nil {
			s.log.Warn("BootNotification failed", zap.Error(err))
			return
		}

		switch resp.Status {
		case ocpp.RegistrationAccepted:
			s.requester.Flush()
			s.notifyAllConnectorStatus()
			s.startHeartbeat()
			if s.atg != nil && s.atg.cfg.Enable {
				s.atg.Start(s.ctx, nil)
			}
			return
		case ocpp.RegistrationPending:
			retry := DefaultBootRetryInterval
			if resp.Interval > 0 {
				retry = time.Duration(resp.Interval) * time.Second
			}
			s.log.Info("BootNotification pending, retrying", zap.Duration("retry_in", retry))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(retry):
			}
		default: // Rejected: blocked until the next reconnection.
			s.log.Warn("BootNotification rejected, station blocked")
			return
		}
	}
}

// blocked reports whether the station is in the post-Rejected blocked state
// where no CALLs other than BootNotification may be sent.
func (s *Station) blocked() bool {
	return s.BootStatus() == ocpp.RegistrationRejected
}

// --- periodic tasks ---

// heartbeatInterval resolves the heartbeat period: the configuration key wins,
// then the interval the last BootNotification response carried, then the
// default. The errata spelling of the key is honored on read.
func (s *Station) heartbeatInterval() time.Duration {
	s.mu.Lock()
	cfg := s.ocppConfig
	boot := s.bootInterval
	s.mu.Unlock()
	if cfg != nil {
		if iv := cfg.SecondsValue(ocpp.KeyHeartbeatInterval, 0); iv > 0 {
			return iv
		}
		if iv := cfg.SecondsValue(ocpp.KeyHeartBeatInterval, 0); iv > 0 {
			return iv
		}
	}
	if boot > 0 {
		return boot
	}
	return DefaultHeartbeatInterval
}

func (s *Station) startHeartbeat() {
	s.mu.Lock()
	if s.heartbeatStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.heartbeatStop = stop
	s.mu.Unlock()

	interval := s.heartbeatInterval()
	s.log.Info("Heartbeat started", zap.Duration("interval", interval))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := s.Heartbeat(s.ctx); err != nil {
					s.log.Warn("Heartbeat failed", zap.Error(err))
				}
				// Pick up ChangeConfiguration adjustments.
				if next := s.heartbeatInterval(); next != interval {
					interval = next
					ticker.Reset(interval)
					s.log.Info("Heartbeat interval updated", zap.Duration("interval", interval))
				}
			}
		}
	}()
}

func (s *Station) stopHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
}

func (s *Station) sweepLoop() {
	s.mu.Lock()
	stop := s.sweepStop
	s.mu.Unlock()
	if stop == nil {
		return
	}

	ticker := time.NewTicker(registrySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.registry.Sweep(time.Now())
		}
	}
}

// --- connector construction ---

func (s *Station) buildConnectorsLocked() {
	if len(s.connectors) > 0 {
		return
	}

	s.connectors[0] = domain.NewConnectorState(0)

	count := s.tmpl.ConnectorCount()
	for id := 1; id <= count; id++ {
		c := domain.NewConnectorState(id)
		if ct, ok := s.tmpl.Connectors[fmt.Sprintf("%d", id)]; ok && ct.BootStatus != "" {
			c.BootStatus = ct.BootStatus
			c.Status = ct.BootStatus
		}
		s.connectors[id] = c
	}
}

func (s *Station) seedConfigurationLocked() *Configuration {
	var seed []ocpp.KeyValue
	if s.tmpl.Configuration != nil {
		seed = s.tmpl.Configuration.ConfigurationKey
	}
	cfg := NewConfiguration(seed)

	// NumberOfConnectors is always derivable and read-only.
	if _, ok := cfg.Get(ocpp.KeyNumberOfConnectors); !ok {
		v := fmt.Sprintf("%d", s.tmpl.ConnectorCount())
		cfg.keys = append(cfg.keys, ocpp.KeyValue{Key: ocpp.KeyNumberOfConnectors, Readonly: true, Value: &v})
	}
	return cfg
}

// initialStatus resolves the post-boot status of a connector: unavailability
// wins, then the stored status, then the templated boot status, then
// Available.
func (s *Station) initialStatus(c *domain.ConnectorState) ocpp.ChargePointStatus {
	if !c.Operative() {
		return ocpp.StatusUnavailable
	}
	if c.Status != "" {
		return c.Status
	}
	if c.BootStatus != "" {
		return c.BootStatus
	}
	return ocpp.StatusAvailable
}

func (s *Station) notifyAllConnectorStatus() {
	s.mu.Lock()
	type pair struct {
		id     int
		status ocpp.ChargePointStatus
	}
	var pairs []pair
	for id, c := range s.connectors {
		if id == 0 {
			continue
		}
		status := s.initialStatus(c)
		c.Status = status
		pairs = append(pairs, pair{id, status})
	}
	s.mu.Unlock()

	for _, p := range pairs {
		if _, err := s.StatusNotification(s.ctx, p.id, p.status, "NoError"); err != nil {
			s.log.Warn("StatusNotification failed",
				zap.Int("connector_id", p.id),
				zap.Error(err),
			)
		}
	}
}
