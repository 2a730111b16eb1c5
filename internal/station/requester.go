package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

var errBacklogPending = errors.New("outbound backlog not yet flushed")

// Wire is the slice of the connection the requester writes to.
type Wire interface {
	State() ConnState
	Send(data []byte) error
}

// RequestOptions tunes a single outgoing CALL.
type RequestOptions struct {
	// SkipBufferingOnError makes the CALL fail fast with ErrNotConnected
	// instead of queueing while the socket is down.
	SkipBufferingOnError bool
	// Timeout overrides the default per-CALL socket timeout when positive.
	Timeout time.Duration
}

// Requester issues outgoing OCPP CALL frames: it registers them in the
// request registry, writes them to the socket or queues them in the outbound
// buffer, and awaits the matching CALLRESULT or CALLERROR. sendMu serializes
// socket writes against Flush so a fresh CALL never overtakes the backlog.
type Requester struct {
	registry *Registry
	buffer   *OutboundBuffer
	conn     Wire
	timeout  time.Duration
	sendMu   sync.Mutex
	log      *zap.Logger
}

func NewRequester(registry *Registry, buffer *OutboundBuffer, conn Wire, timeout time.Duration, log *zap.Logger) *Requester {
	return &Requester{
		registry: registry,
		buffer:   buffer,
		conn:     conn,
		timeout:  timeout,
		log:      log,
	}
}

// Request issues a CALL and blocks until the response, the per-CALL timeout,
// or context cancellation.
func (rq *Requester) Request(ctx context.Context, action string, payload any, opts RequestOptions) (json.RawMessage, error) {
	timeout := rq.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	id := uuid.NewString()
	frame, err := ocpp.NewCall(id, action, payload)
	if err != nil {
		return nil, err
	}
	data, err := ocpp.Encode(frame)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	done, err := rq.registry.Register(id, action, frame.Payload, deadline)
	if err != nil {
		return nil, err
	}

	rq.sendMu.Lock()
	switch {
	case rq.conn.State() != StateConnected:
		rq.enqueueOrFail(id, action, data, ErrNotConnected, opts)
	case rq.buffer.Len() > 0:
		// Older frames leave first; a direct write here would reorder.
		rq.enqueueOrFail(id, action, data, errBacklogPending, opts)
	default:
		if sendErr := rq.conn.Send(data); sendErr != nil {
			rq.enqueueOrFail(id, action, data, sendErr, opts)
		}
	}
	rq.sendMu.Unlock()

	select {
	case outcome := <-done:
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return outcome.Payload, nil
	case <-ctx.Done():
		_, _ = rq.registry.Fail(id, fmt.Errorf("%w: %s", ErrCanceled, action))
		// Drain the outcome the Fail just delivered.
		<-done
		return nil, fmt.Errorf("%w: %s", ErrCanceled, action)
	}
}

func (rq *Requester) enqueueOrFail(id, action string, data []byte, cause error, opts RequestOptions) {
	if opts.SkipBufferingOnError {
		_, _ = rq.registry.Fail(id, fmt.Errorf("%w: %s: %v", ErrNotConnected, action, cause))
		return
	}
	rq.log.Debug("Buffering outgoing CALL while disconnected",
		zap.String("action", action),
		zap.String("message_id", id),
	)
	rq.buffer.Enqueue(BufferedFrame{
		Data:       data,
		Type:       ocpp.Call,
		MessageID:  id,
		EnqueuedAt: time.Now(),
	})
}

// Flush drains the outbound buffer in FIFO order onto an open connection.
// A CALL whose registry entry already expired is dropped; a failed send puts
// the frame back at the head and stops the drain. The send mutex is held for
// the whole drain so concurrent CALLs cannot interleave with the backlog.
func (rq *Requester) Flush() {
	rq.sendMu.Lock()
	defer rq.sendMu.Unlock()

	frames := rq.buffer.Drain()
	for i, frame := range frames {
		if frame.Type == ocpp.Call && !rq.registry.Has(frame.MessageID) {
			continue
		}
		if err := rq.conn.Send(frame.Data); err != nil {
			rq.buffer.Requeue(frame)
			for _, rest := range frames[i+1:] {
				rq.buffer.Enqueue(rest)
			}
			rq.log.Warn("Flush interrupted, frames re-buffered",
				zap.Int("remaining", rq.buffer.Len()),
				zap.Error(err),
			)
			return
		}
	}
	if len(frames) > 0 {
		rq.log.Info("Outbound buffer flushed", zap.Int("frames", len(frames)))
	}
}
