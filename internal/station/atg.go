package station

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/domain"
	"github.com/seu-repo/sigec-sim/internal/observability/telemetry"
	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

// SessionStats accumulates what one connector's generator loop did across
// runs. It survives stop/start so the session budget spans the station's
// lifetime.
type SessionStats struct {
	StartDate   time.Time
	LastRunDate time.Time
	StopDate    time.Time
	StoppedDate time.Time

	StartedSessions           int
	StoppedSessions           int
	AcceptedAuthorizations    int
	RejectedAuthorizations    int
	AcceptedStartTransactions int
	RejectedStartTransactions int
	SkippedConsecutive        int
	SkippedTotal              int
}

type atgLoop struct {
	connectorID int
	stop        chan struct{}
	stats       *SessionStats
}

// ATG drives synthetic charging sessions on a station's connectors: random
// idle gaps, a probability gate, then authorize/start/charge/stop cycles until
// the per-connector time budget runs out.
type ATG struct {
	station *Station
	cfg     *domain.ATGConfig
	log     *zap.Logger

	mu        sync.Mutex
	loops     map[int]*atgLoop
	stats     map[int]*SessionStats
	suspended bool
	resumeCh  chan struct{}
}

func NewATG(station *Station, cfg *domain.ATGConfig, log *zap.Logger) *ATG {
	return &ATG{
		station:  station,
		cfg:      cfg,
		log:      log.Named("atg"),
		loops:    make(map[int]*atgLoop),
		stats:    make(map[int]*SessionStats),
		resumeCh: make(chan struct{}),
	}
}

// Start launches the generator loop on the given connectors, or on every
// physical connector when the list is empty. Already running loops are left
// alone.
func (a *ATG) Start(ctx context.Context, connectorIDs []int) {
	if len(connectorIDs) == 0 {
		connectorIDs = a.station.ConnectorIDs()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range connectorIDs {
		if _, running := a.loops[id]; running {
			continue
		}
		stats, ok := a.stats[id]
		if !ok {
			stats = &SessionStats{}
			a.stats[id] = stats
		}
		loop := &atgLoop{
			connectorID: id,
			stop:        make(chan struct{}),
			stats:       stats,
		}
		a.loops[id] = loop
		go a.run(ctx, loop)
	}
}

// Stop halts the loops on the given connectors (all when empty). Sessions in
// flight are stopped through the normal StopTransaction path.
func (a *ATG) Stop(connectorIDs []int) {
	a.mu.Lock()
	var stopped []*atgLoop
	if len(connectorIDs) == 0 {
		for _, loop := range a.loops {
			stopped = append(stopped, loop)
		}
		a.loops = make(map[int]*atgLoop)
	} else {
		for _, id := range connectorIDs {
			if loop, ok := a.loops[id]; ok {
				stopped = append(stopped, loop)
				delete(a.loops, id)
			}
		}
	}
	a.mu.Unlock()

	for _, loop := range stopped {
		close(loop.stop)
	}
}

// StopAll halts every loop.
func (a *ATG) StopAll() {
	a.Stop(nil)
}

// Suspend pauses every loop between sessions, typically while the supervision
// connection is down. Running sessions keep their state; their charge timer
// keeps counting.
func (a *ATG) Suspend() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.suspended {
		a.suspended = true
		a.resumeCh = make(chan struct{})
	}
}

// Resume releases suspended loops.
func (a *ATG) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.suspended {
		a.suspended = false
		close(a.resumeCh)
	}
}

// Running reports whether a loop is active on the connector (any connector
// when id is 0).
func (a *ATG) Running(connectorID int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if connectorID == 0 {
		return len(a.loops) > 0
	}
	_, ok := a.loops[connectorID]
	return ok
}

// Stats returns a copy of the connector's accumulated statistics.
func (a *ATG) Stats(connectorID int) (SessionStats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.stats[connectorID]
	if !ok {
		return SessionStats{}, false
	}
	return *st, true
}

// waitResumed blocks while the generator is suspended.
func (a *ATG) waitResumed(ctx context.Context, stop chan struct{}) bool {
	for {
		a.mu.Lock()
		suspended := a.suspended
		resume := a.resumeCh
		a.mu.Unlock()
		if !suspended {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-stop:
			return false
		case <-resume:
		}
	}
}

func randBetween(minSec, maxSec int) time.Duration {
	if maxSec <= minSec {
		return time.Duration(minSec) * time.Second
	}
	return time.Duration(minSec+rand.Intn(maxSec-minSec+1)) * time.Second
}

// run is one connector's generator loop. The time budget accumulates across
// runs: a loop restarted after consuming half its stopAfterHours budget only
// runs for the remaining half.
func (a *ATG) run(ctx context.Context, loop *atgLoop) {
	stats := loop.stats
	now := time.Now()

	a.mu.Lock()
	var previousRun time.Duration
	if !stats.LastRunDate.IsZero() && !stats.StartDate.IsZero() {
		previousRun = stats.LastRunDate.Sub(stats.StartDate)
	}
	stats.StartDate = now
	stats.StopDate = now.Add(time.Duration(a.cfg.StopAfterHours*3600)*time.Second - previousRun)
	stopDate := stats.StopDate
	a.mu.Unlock()

	a.log.Info("Generator loop started",
		zap.Int("connector_id", loop.connectorID),
		zap.Time("stop_date", stopDate),
	)

	// Let the boot handshake settle before the first session.
	select {
	case <-ctx.Done():
		return
	case <-loop.stop:
		return
	case <-time.After(ATGInitializationTime):
	}

	for {
		if time.Now().After(stopDate) {
			a.log.Info("Generator time budget exhausted",
				zap.Int("connector_id", loop.connectorID),
			)
			break
		}
		if reason := a.sessionBlockedReason(loop.connectorID); reason != "" {
			a.log.Info("Generator loop stopping",
				zap.Int("connector_id", loop.connectorID),
				zap.String("reason", reason),
			)
			break
		}

		idle := randBetween(a.cfg.MinDelayBetweenTwoTransactions, a.cfg.MaxDelayBetweenTwoTransactions)
		select {
		case <-ctx.Done():
			return
		case <-loop.stop:
			return
		case <-time.After(idle):
		}

		if !a.waitResumed(ctx, loop.stop) {
			return
		}
		a.mu.Lock()
		stats.LastRunDate = time.Now()
		a.mu.Unlock()

		if !a.gateSession(loop.connectorID, stats) {
			continue
		}

		if err := a.runSession(ctx, loop); err != nil {
			a.log.Warn("Session failed",
				zap.Int("connector_id", loop.connectorID),
				zap.Error(err),
			)
		}
	}

	a.mu.Lock()
	stats.StoppedDate = time.Now()
	if a.loops[loop.connectorID] == loop {
		delete(a.loops, loop.connectorID)
	}
	a.mu.Unlock()
}

// sessionBlockedReason applies the session preconditions: the station must be
// registered and operative, the connector operative and not Unavailable. A
// non-empty reason terminates the generator loop.
func (a *ATG) sessionBlockedReason(connectorID int) string {
	s := a.station
	if s.BootStatus() != ocpp.RegistrationAccepted {
		return "station not accepted by the supervision server"
	}
	if c0, ok := s.Connector(0); ok && !c0.Operative() {
		return "station unavailable"
	}
	c, ok := s.Connector(connectorID)
	if !ok {
		return "connector does not exist"
	}
	if !c.Operative() || c.Status == ocpp.StatusUnavailable {
		return "connector unavailable"
	}
	return ""
}

// gateSession rolls the probability gate. Skips accumulate; a pass resets the
// consecutive counter.
func (a *ATG) gateSession(connectorID int, stats *SessionStats) bool {
	if rand.Float64() > a.cfg.ProbabilityOfStart {
		a.mu.Lock()
		stats.SkippedConsecutive++
		stats.SkippedTotal++
		skipped := stats.SkippedConsecutive
		a.mu.Unlock()
		telemetry.ATGSessionsTotal.WithLabelValues("skipped").Inc()
		a.log.Debug("Session start skipped",
			zap.Int("connector_id", connectorID),
			zap.Int("skipped_consecutive", skipped),
		)
		return false
	}
	a.mu.Lock()
	stats.SkippedConsecutive = 0
	a.mu.Unlock()
	return true
}

// sessionIDTag picks the idTag for the next session, or "" when no source is
// configured: the session then runs unauthorized with an empty idTag.
func (a *ATG) sessionIDTag(connectorID int) string {
	if a.station.idTags == nil {
		return ""
	}
	if tag, ok := a.station.idTags.Next(connectorID); ok {
		return tag
	}
	return ""
}

// runSession performs one authorize/start/charge/stop cycle. Without an idTag
// source the session starts with an empty idTag and Authorize is skipped.
func (a *ATG) runSession(ctx context.Context, loop *atgLoop) error {
	s := a.station
	stats := loop.stats

	idTag := a.sessionIDTag(loop.connectorID)

	if a.cfg.RequireAuthorize && idTag != "" {
		resp, err := s.Authorize(ctx, loop.connectorID, idTag)
		if err != nil {
			a.bump(&stats.RejectedAuthorizations)
			telemetry.ATGSessionsTotal.WithLabelValues("authorize_failed").Inc()
			return err
		}
		if resp.IDTagInfo.Status != ocpp.AuthorizationAccepted {
			a.bump(&stats.RejectedAuthorizations)
			telemetry.ATGSessionsTotal.WithLabelValues("authorize_failed").Inc()
			return fmt.Errorf("atg: idTag %s not authorized: %s", idTag, resp.IDTagInfo.Status)
		}
		a.bump(&stats.AcceptedAuthorizations)
	}

	start, err := s.StartTransaction(ctx, loop.connectorID, idTag, false)
	if err != nil {
		a.bump(&stats.RejectedStartTransactions)
		telemetry.ATGSessionsTotal.WithLabelValues("start_failed").Inc()
		return err
	}
	if start.IDTagInfo.Status != ocpp.AuthorizationAccepted {
		a.bump(&stats.RejectedStartTransactions)
		telemetry.ATGSessionsTotal.WithLabelValues("start_refused").Inc()
		return fmt.Errorf("atg: StartTransaction refused for idTag %s: %s", idTag, start.IDTagInfo.Status)
	}
	a.bump(&stats.AcceptedStartTransactions)
	a.bump(&stats.StartedSessions)

	duration := randBetween(a.cfg.MinDuration, a.cfg.MaxDuration)
	a.log.Info("Session started",
		zap.Int("connector_id", loop.connectorID),
		zap.Int("transaction_id", start.TransactionID),
		zap.Duration("duration", duration),
	)

	interrupted := false
	select {
	case <-ctx.Done():
		interrupted = true
	case <-loop.stop:
		interrupted = true
	case <-time.After(duration):
	}

	// The transaction may already be gone: a remote stop, a reset or a
	// ChangeAvailability can end it under the generator.
	if c, ok := s.Connector(loop.connectorID); !ok || !c.InTransaction() || c.TransactionID != start.TransactionID {
		telemetry.ATGSessionsTotal.WithLabelValues("ended_externally").Inc()
		return nil
	}

	stopCtx := ctx
	if interrupted {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(context.Background(), DefaultSocketTimeout)
		defer cancel()
	}
	if _, err := s.StopTransaction(stopCtx, start.TransactionID, ocpp.ReasonLocal); err != nil {
		telemetry.ATGSessionsTotal.WithLabelValues("stop_failed").Inc()
		return err
	}
	a.bump(&stats.StoppedSessions)
	telemetry.ATGSessionsTotal.WithLabelValues("completed").Inc()
	return nil
}

// bump increments one statistics counter under the mutex Stats reads with.
func (a *ATG) bump(counter *int) {
	a.mu.Lock()
	*counter++
	a.mu.Unlock()
}
