package station

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

// CommandHandler processes an incoming CALL payload and returns the response
// payload, or an OCPP error that becomes a CALLERROR.
type CommandHandler func(ctx context.Context, payload json.RawMessage) (any, *ocpp.Error)

// Dispatcher routes decoded inbound frames: CALLs to the handler table,
// CALLRESULT/CALLERROR to the request registry.
type Dispatcher struct {
	handlers map[string]CommandHandler
	registry *Registry
	log      *zap.Logger
}

func NewDispatcher(registry *Registry, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]CommandHandler),
		registry: registry,
		log:      log,
	}
}

// Handle installs a handler for an incoming action.
func (d *Dispatcher) Handle(action string, handler CommandHandler) {
	d.handlers[action] = handler
}

// Dispatch processes one raw inbound message and returns the frame to write
// back, or nil when no reply is due (results, errors, undecodable input).
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) []byte {
	// Receipt of any message doubles as a sweep trigger.
	d.registry.Sweep(time.Now())

	frame, err := ocpp.Decode(raw)
	if err != nil {
		var formatErr *ocpp.FormatError
		if errors.As(err, &formatErr) {
			d.log.Error("Malformed inbound OCPP frame", zap.String("reason", formatErr.Reason))
			if id := salvageMessageID(raw); id != "" {
				return d.encodeReply(ocpp.NewCallError(id,
					ocpp.NewError(ocpp.ErrCodeFormationViolation, formatErr.Reason)))
			}
		} else {
			d.log.Error("Failed to decode inbound frame", zap.Error(err))
		}
		return nil
	}

	switch frame.Type {
	case ocpp.Call:
		return d.dispatchCall(ctx, frame)
	case ocpp.CallResult:
		if _, err := d.registry.Complete(frame.ID, frame.Payload); err != nil {
			d.log.Warn("Response for unknown messageId",
				zap.String("message_id", frame.ID),
				zap.Error(err),
			)
		}
	case ocpp.CallError, ocpp.CallResultError:
		callErr := ocpp.NewErrorWithDetails(frame.ErrorCode, frame.ErrorDescription, frame.ErrorDetails)
		if _, err := d.registry.Fail(frame.ID, callErr); err != nil {
			d.log.Warn("Error for unknown messageId",
				zap.String("message_id", frame.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (d *Dispatcher) dispatchCall(ctx context.Context, frame *ocpp.Frame) []byte {
	handler, ok := d.handlers[frame.Action]
	if !ok {
		d.log.Warn("No handler for incoming action", zap.String("action", frame.Action))
		return d.encodeReply(ocpp.NewCallError(frame.ID,
			ocpp.NewError(ocpp.ErrCodeNotImplemented, frame.Action+" is not implemented")))
	}

	result, ocppErr := handler(ctx, frame.Payload)
	if ocppErr != nil {
		d.log.Warn("Handler rejected incoming CALL",
			zap.String("action", frame.Action),
			zap.String("code", string(ocppErr.Code)),
			zap.String("description", ocppErr.Description),
		)
		return d.encodeReply(ocpp.NewCallError(frame.ID, ocppErr))
	}

	reply, err := ocpp.NewCallResult(frame.ID, result)
	if err != nil {
		d.log.Error("Failed to marshal CALLRESULT",
			zap.String("action", frame.Action),
			zap.Error(err),
		)
		return d.encodeReply(ocpp.NewCallError(frame.ID,
			ocpp.NewError(ocpp.ErrCodeInternal, "failed to marshal response")))
	}
	return d.encodeReply(reply)
}

func (d *Dispatcher) encodeReply(frame *ocpp.Frame) []byte {
	data, err := ocpp.Encode(frame)
	if err != nil {
		d.log.Error("Failed to encode reply frame", zap.Error(err))
		return nil
	}
	return data
}

// salvageMessageID best-effort extracts the messageId from a frame that
// failed strict decoding, so the CALLERROR can still be correlated.
func salvageMessageID(raw []byte) string {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || len(elems) < 2 {
		return ""
	}
	var id string
	if err := json.Unmarshal(elems[1], &id); err != nil {
		return ""
	}
	return id
}
