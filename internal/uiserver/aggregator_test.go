package uiserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seu-repo/sigec-sim/internal/broadcast"
)

func awaitAggregate(t *testing.T, done <-chan broadcast.ResponsePayload) broadcast.ResponsePayload {
	t.Helper()
	select {
	case payload := <-done:
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the aggregate")
		return broadcast.ResponsePayload{}
	}
}

func TestAggregator_AllStationsSucceed(t *testing.T) {
	agg := NewAggregator(time.Minute, zap.NewNop())

	done := agg.Register("req-1", broadcast.ProcStartTransaction, []string{"st-a", "st-b"})
	require.Equal(t, 1, agg.PendingCount())

	agg.OnResponse(broadcast.Response{UUID: "req-1", Payload: broadcast.ResponsePayload{
		Status: broadcast.StatusSuccess, HashID: "st-a",
	}})
	agg.OnResponse(broadcast.Response{UUID: "req-1", Payload: broadcast.ResponsePayload{
		Status: broadcast.StatusSuccess, HashID: "st-b",
	}})

	aggregate := awaitAggregate(t, done)

	assert.Equal(t, broadcast.StatusSuccess, aggregate.Status)
	assert.ElementsMatch(t, []string{"st-a", "st-b"}, aggregate.HashIDsSucceeded)
	assert.Empty(t, aggregate.HashIDsFailed)
	assert.Equal(t, 0, agg.PendingCount())
}

func TestAggregator_OneStationFails(t *testing.T) {
	agg := NewAggregator(time.Minute, zap.NewNop())

	done := agg.Register("req-1", broadcast.ProcStopTransaction, []string{"st-a", "st-b"})

	agg.OnResponse(broadcast.Response{UUID: "req-1", Payload: broadcast.ResponsePayload{
		Status: broadcast.StatusSuccess, HashID: "st-a",
	}})
	agg.OnResponse(broadcast.Response{UUID: "req-1", Payload: broadcast.ResponsePayload{
		Status: broadcast.StatusFailure, HashID: "st-b", ErrorMessage: "no running transaction",
	}})

	aggregate := awaitAggregate(t, done)

	assert.Equal(t, broadcast.StatusFailure, aggregate.Status)
	assert.Equal(t, string(broadcast.ProcStopTransaction), aggregate.Command)
	assert.Equal(t, []string{"st-a"}, aggregate.HashIDsSucceeded)
	assert.Equal(t, []string{"st-b"}, aggregate.HashIDsFailed)
	require.Len(t, aggregate.ResponsesFailed, 1)
	assert.Equal(t, "no running transaction", aggregate.ResponsesFailed[0].ErrorMessage)
}

func TestAggregator_UnexpectedStationDropped(t *testing.T) {
	agg := NewAggregator(time.Minute, zap.NewNop())

	done := agg.Register("req-1", broadcast.ProcHeartbeat, []string{"st-a"})

	agg.OnResponse(broadcast.Response{UUID: "req-1", Payload: broadcast.ResponsePayload{
		Status: broadcast.StatusSuccess, HashID: "st-intruder",
	}})

	select {
	case <-done:
		t.Fatal("aggregate must not complete from an unexpected responder")
	case <-time.After(50 * time.Millisecond):
	}

	agg.OnResponse(broadcast.Response{UUID: "req-1", Payload: broadcast.ResponsePayload{
		Status: broadcast.StatusSuccess, HashID: "st-a",
	}})

	aggregate := awaitAggregate(t, done)
	assert.Equal(t, []string{"st-a"}, aggregate.HashIDsSucceeded)
}

func TestAggregator_TimeoutMarksMissingAsFailed(t *testing.T) {
	agg := NewAggregator(50*time.Millisecond, zap.NewNop())

	done := agg.Register("req-1", broadcast.ProcOpenConnection, []string{"st-a", "st-b"})

	agg.OnResponse(broadcast.Response{UUID: "req-1", Payload: broadcast.ResponsePayload{
		Status: broadcast.StatusSuccess, HashID: "st-a",
	}})

	aggregate := awaitAggregate(t, done)

	assert.Equal(t, broadcast.StatusFailure, aggregate.Status)
	assert.Equal(t, []string{"st-a"}, aggregate.HashIDsSucceeded)
	assert.Equal(t, []string{"st-b"}, aggregate.HashIDsFailed)
	assert.Equal(t, "timed out waiting for station responses", aggregate.ErrorMessage)
	assert.Equal(t, 0, agg.PendingCount())
}

func TestAggregator_FleetLevelExpectsOneResponse(t *testing.T) {
	agg := NewAggregator(time.Minute, zap.NewNop())

	done := agg.Register("req-1", broadcast.ProcSimulatorState, nil)

	agg.OnResponse(broadcast.Response{UUID: "req-1", Payload: broadcast.ResponsePayload{
		Status:          broadcast.StatusSuccess,
		CommandResponse: []byte(`{"state":"running"}`),
	}})

	aggregate := awaitAggregate(t, done)
	assert.Equal(t, broadcast.StatusSuccess, aggregate.Status)
	assert.JSONEq(t, `{"state":"running"}`, string(aggregate.CommandResponse))
}

func TestAggregator_FleetLevelTimeout(t *testing.T) {
	agg := NewAggregator(50*time.Millisecond, zap.NewNop())

	done := agg.Register("req-1", broadcast.ProcStartSimulator, nil)

	aggregate := awaitAggregate(t, done)
	assert.Equal(t, broadcast.StatusFailure, aggregate.Status)
	assert.Equal(t, string(broadcast.ProcStartSimulator), aggregate.Command)
	assert.Equal(t, "no response before timeout", aggregate.ErrorMessage)
}

func TestAggregator_LateResponseIgnored(t *testing.T) {
	agg := NewAggregator(time.Minute, zap.NewNop())

	done := agg.Register("req-1", broadcast.ProcHeartbeat, []string{"st-a"})
	agg.OnResponse(broadcast.Response{UUID: "req-1", Payload: broadcast.ResponsePayload{
		Status: broadcast.StatusSuccess, HashID: "st-a",
	}})
	awaitAggregate(t, done)

	// The window is closed; a duplicate must not panic or reopen it.
	agg.OnResponse(broadcast.Response{UUID: "req-1", Payload: broadcast.ResponsePayload{
		Status: broadcast.StatusSuccess, HashID: "st-a",
	}})
	assert.Equal(t, 0, agg.PendingCount())
}

func TestAggregator_CancelDropsWindow(t *testing.T) {
	agg := NewAggregator(time.Minute, zap.NewNop())

	done := agg.Register("req-1", broadcast.ProcStartTransaction, []string{"st-a"})
	require.Equal(t, 1, agg.PendingCount())

	agg.Cancel("req-1")
	assert.Equal(t, 0, agg.PendingCount())

	// A response arriving after the cancel is dropped, not delivered.
	agg.OnResponse(broadcast.Response{UUID: "req-1", Payload: broadcast.ResponsePayload{
		Status: broadcast.StatusSuccess, HashID: "st-a",
	}})
	select {
	case <-done:
		t.Fatal("canceled window must not deliver an aggregate")
	case <-time.After(50 * time.Millisecond):
	}

	// A second cancel of the same uuid is a no-op.
	agg.Cancel("req-1")
}
