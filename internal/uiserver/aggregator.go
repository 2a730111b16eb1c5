package uiserver

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/broadcast"
)

type pendingRequest struct {
	procedure broadcast.Procedure
	expected  map[string]struct{}
	// Fleet-level requests expect exactly one unattributed response.
	expectOne bool

	succeeded []string
	failed    []string
	failures  []broadcast.ResponsePayload
	fleetResp *broadcast.ResponsePayload

	done  chan broadcast.ResponsePayload
	timer *time.Timer
}

// Aggregator collects the per-station response envelopes of one request uuid
// into a single aggregate payload. A request completes when every expected
// responder answered or when the timeout fires; late responses are dropped.
type Aggregator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	timeout time.Duration
	log     *zap.Logger
}

func NewAggregator(timeout time.Duration, log *zap.Logger) *Aggregator {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Aggregator{
		pending: make(map[string]*pendingRequest),
		timeout: timeout,
		log:     log,
	}
}

// Register opens an aggregation window for uuid. expectedHashIDs is empty for
// fleet-level procedures, which are answered once by the bootstrap.
func (a *Aggregator) Register(uuid string, procedure broadcast.Procedure, expectedHashIDs []string) <-chan broadcast.ResponsePayload {
	p := &pendingRequest{
		procedure: procedure,
		expectOne: len(expectedHashIDs) == 0,
		expected:  make(map[string]struct{}, len(expectedHashIDs)),
		done:      make(chan broadcast.ResponsePayload, 1),
	}
	for _, id := range expectedHashIDs {
		p.expected[id] = struct{}{}
	}

	a.mu.Lock()
	a.pending[uuid] = p
	a.mu.Unlock()

	p.timer = time.AfterFunc(a.timeout, func() { a.expire(uuid) })
	return p.done
}

// OnResponse feeds one response envelope into its aggregation window.
func (a *Aggregator) OnResponse(resp broadcast.Response) {
	a.mu.Lock()
	p, ok := a.pending[resp.UUID]
	if !ok {
		a.mu.Unlock()
		return
	}

	if p.expectOne {
		p.fleetResp = &resp.Payload
	} else {
		hashID := resp.Payload.HashID
		if _, expected := p.expected[hashID]; !expected {
			a.mu.Unlock()
			a.log.Debug("Response from unexpected station dropped",
				zap.String("uuid", resp.UUID),
				zap.String("hash_id", hashID),
			)
			return
		}
		delete(p.expected, hashID)
		if resp.Payload.Status == broadcast.StatusSuccess {
			p.succeeded = append(p.succeeded, hashID)
		} else {
			p.failed = append(p.failed, hashID)
			p.failures = append(p.failures, resp.Payload)
		}
	}

	complete := p.expectOne || len(p.expected) == 0
	if complete {
		delete(a.pending, resp.UUID)
		p.timer.Stop()
	}
	a.mu.Unlock()

	if complete {
		p.done <- a.finalize(p, nil)
	}
}

// expire closes the window with the stations that never answered marked as
// failed.
func (a *Aggregator) expire(uuid string) {
	a.mu.Lock()
	p, ok := a.pending[uuid]
	if ok {
		delete(a.pending, uuid)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	var missing []string
	for id := range p.expected {
		missing = append(missing, id)
	}
	a.log.Warn("Aggregation window expired",
		zap.String("uuid", uuid),
		zap.String("procedure", string(p.procedure)),
		zap.Int("missing", len(missing)),
	)
	p.done <- a.finalize(p, missing)
}

func (a *Aggregator) finalize(p *pendingRequest, missing []string) broadcast.ResponsePayload {
	if p.expectOne {
		if p.fleetResp != nil {
			return *p.fleetResp
		}
		return broadcast.ResponsePayload{
			Status:       broadcast.StatusFailure,
			Command:      string(p.procedure),
			ErrorMessage: "no response before timeout",
		}
	}

	out := broadcast.ResponsePayload{
		Status:           broadcast.StatusSuccess,
		HashIDsSucceeded: p.succeeded,
		HashIDsFailed:    p.failed,
		ResponsesFailed:  p.failures,
	}
	if len(missing) > 0 {
		out.HashIDsFailed = append(out.HashIDsFailed, missing...)
		out.ErrorMessage = "timed out waiting for station responses"
	}
	if len(out.HashIDsFailed) > 0 {
		out.Status = broadcast.StatusFailure
		out.Command = string(p.procedure)
	}
	return out
}

// Cancel drops an open window without delivering an aggregate. Used when the
// client that issued the request went away.
func (a *Aggregator) Cancel(uuid string) {
	a.mu.Lock()
	p, ok := a.pending[uuid]
	if ok {
		delete(a.pending, uuid)
		p.timer.Stop()
	}
	a.mu.Unlock()
}

// PendingCount reports how many windows are open.
func (a *Aggregator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
