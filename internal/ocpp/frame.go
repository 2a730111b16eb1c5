package ocpp

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// OCPP-J message type identifiers. CallResultError is part of the 2.x
// profiles; it is decoded and routed the same way as CallError.
type MessageType int

const (
	Call            MessageType = 2
	CallResult      MessageType = 3
	CallError       MessageType = 4
	CallResultError MessageType = 5
)

// Frame is a decoded OCPP-J envelope.
//
//	CALL       [2, messageId, action, payload]
//	CALLRESULT [3, messageId, payload]
//	CALLERROR  [4, messageId, errorCode, errorDescription, errorDetails]
type Frame struct {
	Type             MessageType
	ID               string
	Action           string
	Payload          json.RawMessage
	ErrorCode        ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// FormatError reports a frame that does not satisfy the OCPP-J envelope
// contract. It wraps the reason so the station logger can surface it.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("ocpp: malformed frame: %s", e.Reason)
}

func formatErrorf(format string, args ...any) *FormatError {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}

// Decode parses a raw OCPP-J message into a Frame. It fails with *FormatError
// on a non-array root, unknown type id, wrong arity for the type id, a
// non-string messageId or a messageId that is not UUID-shaped.
func Decode(raw []byte) (*Frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, formatErrorf("root is not a JSON array: %v", err)
	}
	if len(elems) < 3 {
		return nil, formatErrorf("envelope has %d elements, need at least 3", len(elems))
	}

	var msgType int
	if err := json.Unmarshal(elems[0], &msgType); err != nil {
		return nil, formatErrorf("message type id is not a number: %v", err)
	}

	var id string
	if err := json.Unmarshal(elems[1], &id); err != nil {
		return nil, formatErrorf("messageId is not a string: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, formatErrorf("messageId %q is not UUID-shaped", id)
	}

	frame := &Frame{Type: MessageType(msgType), ID: id}

	switch frame.Type {
	case Call:
		if len(elems) != 4 {
			return nil, formatErrorf("CALL has %d elements, want 4", len(elems))
		}
		if err := json.Unmarshal(elems[2], &frame.Action); err != nil {
			return nil, formatErrorf("CALL action is not a string: %v", err)
		}
		frame.Payload = elems[3]
	case CallResult:
		if len(elems) != 3 {
			return nil, formatErrorf("CALLRESULT has %d elements, want 3", len(elems))
		}
		frame.Payload = elems[2]
	case CallError, CallResultError:
		if len(elems) != 5 {
			return nil, formatErrorf("CALLERROR has %d elements, want 5", len(elems))
		}
		var code string
		if err := json.Unmarshal(elems[2], &code); err != nil {
			return nil, formatErrorf("CALLERROR code is not a string: %v", err)
		}
		frame.ErrorCode = ErrorCode(code)
		if err := json.Unmarshal(elems[3], &frame.ErrorDescription); err != nil {
			return nil, formatErrorf("CALLERROR description is not a string: %v", err)
		}
		frame.ErrorDetails = elems[4]
	default:
		return nil, formatErrorf("unknown message type id %d", msgType)
	}

	return frame, nil
}

// Encode serialises a well-formed Frame back into its OCPP-J array form.
func Encode(f *Frame) ([]byte, error) {
	payload := f.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	switch f.Type {
	case Call:
		return json.Marshal([]any{int(f.Type), f.ID, f.Action, payload})
	case CallResult:
		return json.Marshal([]any{int(f.Type), f.ID, payload})
	case CallError, CallResultError:
		details := f.ErrorDetails
		if details == nil {
			details = json.RawMessage("{}")
		}
		return json.Marshal([]any{int(f.Type), f.ID, string(f.ErrorCode), f.ErrorDescription, details})
	default:
		return nil, formatErrorf("unknown message type id %d", f.Type)
	}
}

// NewCall builds a CALL frame with a marshalled payload.
func NewCall(id, action string, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ocpp: marshal %s payload: %w", action, err)
	}
	return &Frame{Type: Call, ID: id, Action: action, Payload: data}, nil
}

// NewCallResult builds a CALLRESULT frame answering the given messageId.
func NewCallResult(id string, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ocpp: marshal call result payload: %w", err)
	}
	return &Frame{Type: CallResult, ID: id, Payload: data}, nil
}

// NewCallError builds a CALLERROR frame from an OCPP domain error.
func NewCallError(id string, ocppErr *Error) *Frame {
	return &Frame{
		Type:             CallError,
		ID:               id,
		ErrorCode:        ocppErr.Code,
		ErrorDescription: ocppErr.Description,
		ErrorDetails:     ocppErr.Details,
	}
}
