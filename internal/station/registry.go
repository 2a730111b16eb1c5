package station

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

var (
	ErrDuplicateID       = errors.New("station: messageId already registered")
	ErrUnknownResponseID = errors.New("station: response for unknown messageId")
	ErrTimeout           = errors.New("station: request timed out")
	ErrCanceled          = errors.New("station: request canceled")
	ErrNotConnected      = errors.New("station: not connected")
)

// CallOutcome resolves a pending CALL: either a CALLRESULT payload or an
// error (CALLERROR, timeout, cancellation).
type CallOutcome struct {
	Payload json.RawMessage
	Err     error
}

type pendingCall struct {
	id       string
	action   string
	payload  json.RawMessage
	deadline time.Time
	done     chan CallOutcome
}

// Registry is the in-flight request table. At most one entry exists per
// messageId; entries are removed on completion, error, timeout or station
// stop. A sweep runs on a ticker and on every received message.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	log     *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		pending: make(map[string]*pendingCall),
		log:     log,
	}
}

// Register adds an entry and returns the channel its outcome arrives on.
func (r *Registry) Register(id, action string, payload json.RawMessage, deadline time.Time) (<-chan CallOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	call := &pendingCall{
		id:       id,
		action:   action,
		payload:  payload,
		deadline: deadline,
		done:     make(chan CallOutcome, 1),
	}
	r.pending[id] = call
	return call.done, nil
}

// Complete resolves the entry with a CALLRESULT payload and returns the
// action it was registered under, so the caller can run post-processing.
func (r *Registry) Complete(id string, payload json.RawMessage) (string, error) {
	r.mu.Lock()
	call, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownResponseID, id)
	}
	call.done <- CallOutcome{Payload: payload}
	return call.action, nil
}

// Fail rejects the entry with the given error.
func (r *Registry) Fail(id string, callErr error) (string, error) {
	r.mu.Lock()
	call, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownResponseID, id)
	}
	call.done <- CallOutcome{Err: callErr}
	return call.action, nil
}

// Sweep fails every entry whose deadline passed. It returns how many entries
// were expired.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var expired []*pendingCall
	for id, call := range r.pending {
		if now.After(call.deadline) {
			expired = append(expired, call)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, call := range expired {
		r.log.Warn("OCPP request timed out",
			zap.String("message_id", call.id),
			zap.String("action", call.action),
		)
		call.done <- CallOutcome{Err: fmt.Errorf("%w: %s %s", ErrTimeout, call.action, call.id)}
	}
	return len(expired)
}

// CancelAll fails every entry with ErrCanceled. Called on station stop.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	canceled := make([]*pendingCall, 0, len(r.pending))
	for id, call := range r.pending {
		canceled = append(canceled, call)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	for _, call := range canceled {
		call.done <- CallOutcome{Err: fmt.Errorf("%w: %s %s", ErrCanceled, call.action, call.id)}
	}
	return len(canceled)
}

// Has reports whether an entry for the id is still in flight.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// Len returns the number of in-flight entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// ocppTimeoutError converts registry sentinels into the OCPP error shape the
// UI plane reports.
func ocppTimeoutError(err error) *ocpp.Error {
	switch {
	case errors.Is(err, ErrTimeout):
		return ocpp.NewError(ocpp.ErrCodeGeneric, "request timed out")
	case errors.Is(err, ErrCanceled):
		return ocpp.NewError(ocpp.ErrCodeGeneric, "request canceled")
	default:
		return ocpp.NewError(ocpp.ErrCodeInternal, err.Error())
	}
}
