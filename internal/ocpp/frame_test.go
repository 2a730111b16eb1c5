package ocpp

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMessageID = "f3f9bd51-4837-44a6-a809-6d9bd1a4f07e"

func TestDecode_Call(t *testing.T) {
	raw := []byte(`[2,"` + testMessageID + `","BootNotification",{"chargePointVendor":"sigec"}]`)

	frame, err := Decode(raw)

	require.NoError(t, err)
	assert.Equal(t, Call, frame.Type)
	assert.Equal(t, testMessageID, frame.ID)
	assert.Equal(t, "BootNotification", frame.Action)
	assert.JSONEq(t, `{"chargePointVendor":"sigec"}`, string(frame.Payload))
}

func TestDecode_CallResult(t *testing.T) {
	raw := []byte(`[3,"` + testMessageID + `",{"status":"Accepted","interval":300}]`)

	frame, err := Decode(raw)

	require.NoError(t, err)
	assert.Equal(t, CallResult, frame.Type)
	assert.Equal(t, testMessageID, frame.ID)
	assert.Empty(t, frame.Action)
}

func TestDecode_CallError(t *testing.T) {
	raw := []byte(`[4,"` + testMessageID + `","NotSupported","no such action",{}]`)

	frame, err := Decode(raw)

	require.NoError(t, err)
	assert.Equal(t, CallError, frame.Type)
	assert.Equal(t, ErrorCode("NotSupported"), frame.ErrorCode)
	assert.Equal(t, "no such action", frame.ErrorDescription)
}

func TestDecode_CallResultError_RoutedLikeCallError(t *testing.T) {
	raw := []byte(`[5,"` + testMessageID + `","InternalError","boom",{"detail":1}]`)

	frame, err := Decode(raw)

	require.NoError(t, err)
	assert.Equal(t, CallResultError, frame.Type)
	assert.Equal(t, ErrorCode("InternalError"), frame.ErrorCode)
}

func TestDecode_Malformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not an array", `{"foo":"bar"}`},
		{"too few elements", `[2,"` + testMessageID + `"]`},
		{"non numeric type id", `["2","` + testMessageID + `","Heartbeat",{}]`},
		{"unknown type id", `[9,"` + testMessageID + `","Heartbeat",{}]`},
		{"non string message id", `[2,42,"Heartbeat",{}]`},
		{"message id not uuid shaped", `[2,"msg-1","Heartbeat",{}]`},
		{"call wrong arity", `[2,"` + testMessageID + `","Heartbeat"]`},
		{"call result wrong arity", `[3,"` + testMessageID + `",{},{}]`},
		{"call error wrong arity", `[4,"` + testMessageID + `","GenericError","x"]`},
		{"call action not a string", `[2,"` + testMessageID + `",7,{}]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))

			require.Error(t, err)
			var formatErr *FormatError
			assert.True(t, errors.As(err, &formatErr), "want *FormatError, got %T", err)
		})
	}
}

func TestEncode_CallRoundTrip(t *testing.T) {
	frame, err := NewCall(testMessageID, "Heartbeat", struct{}{})
	require.NoError(t, err)

	data, err := Encode(frame)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, frame.Type, decoded.Type)
	assert.Equal(t, frame.ID, decoded.ID)
	assert.Equal(t, frame.Action, decoded.Action)
}

func TestEncode_NilPayloadBecomesEmptyObject(t *testing.T) {
	frame := &Frame{Type: CallResult, ID: testMessageID}

	data, err := Encode(frame)

	require.NoError(t, err)
	var elems []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &elems))
	require.Len(t, elems, 3)
	assert.JSONEq(t, `{}`, string(elems[2]))
}

func TestNewCallError_CarriesErrorFields(t *testing.T) {
	ocppErr := NewError(ErrCodeNotSupported, "unsupported action")

	frame := NewCallError(testMessageID, ocppErr)

	data, err := Encode(frame)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, CallError, decoded.Type)
	assert.Equal(t, ErrCodeNotSupported, decoded.ErrorCode)
	assert.Equal(t, "unsupported action", decoded.ErrorDescription)
}
