package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestKnown(t *testing.T) {
	assert.True(t, Known(ProcStartTransaction))
	assert.True(t, Known(ProcSimulatorState))
	assert.False(t, Known(Procedure("rebootEverything")))
	assert.False(t, Known(Procedure("")))
}

func TestFleetLevel(t *testing.T) {
	assert.True(t, FleetLevel(ProcListChargingStations))
	assert.True(t, FleetLevel(ProcAddChargingStations))
	assert.False(t, FleetLevel(ProcStartTransaction))
	assert.False(t, FleetLevel(ProcHeartbeat))
}

func TestRequestEnvelope_RoundTrip(t *testing.T) {
	req := Request{
		UUID:      "5f0ec496-62ed-4b60-8a4a-65ed6ca0a936",
		Procedure: ProcStartTransaction,
		Payload: RequestPayload{
			HashIDs:      []string{"abc"},
			ConnectorIDs: []int{1, 2},
			IDTag:        "TAG-1",
		},
	}

	data, err := EncodeRequest(req)
	require.NoError(t, err)

	decoded, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, req.UUID, decoded.UUID)
	assert.Equal(t, req.Procedure, decoded.Procedure)
	assert.Equal(t, req.Payload.HashIDs, decoded.Payload.HashIDs)
	assert.Equal(t, req.Payload.ConnectorIDs, decoded.Payload.ConnectorIDs)
	assert.Equal(t, "TAG-1", decoded.Payload.IDTag)
}

func TestDecodeRequest_Malformed(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"uuid":"x"}`))
	assert.Error(t, err, "not an array")

	_, err = DecodeRequest([]byte(`["uuid","procedure"]`))
	assert.Error(t, err, "wrong arity")

	_, err = DecodeRequest([]byte(`[42,"procedure",{}]`))
	assert.Error(t, err, "uuid not a string")
}

func TestResponseEnvelope_RoundTrip(t *testing.T) {
	resp := Response{
		UUID: "5f0ec496-62ed-4b60-8a4a-65ed6ca0a936",
		Payload: ResponsePayload{
			Status:           StatusSuccess,
			HashIDsSucceeded: []string{"abc", "def"},
		},
	}

	data, err := EncodeResponse(resp)
	require.NoError(t, err)

	decoded, err := DecodeResponse(data)
	require.NoError(t, err)
	assert.Equal(t, resp.UUID, decoded.UUID)
	assert.Equal(t, StatusSuccess, decoded.Payload.Status)
	assert.Equal(t, []string{"abc", "def"}, decoded.Payload.HashIDsSucceeded)
}

func TestLocalChannel_FanOut(t *testing.T) {
	channel := NewLocalChannel(zap.NewNop())
	defer channel.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	var mu sync.Mutex
	var got []string
	for i := 0; i < 2; i++ {
		err := channel.SubscribeRequests(func(req Request) {
			mu.Lock()
			got = append(got, req.UUID)
			mu.Unlock()
			wg.Done()
		})
		require.NoError(t, err)
	}

	require.NoError(t, channel.PublishRequest(Request{UUID: "req-1", Procedure: ProcHeartbeat}))

	waitDone(t, &wg)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"req-1", "req-1"}, got)
}

func TestLocalChannel_ResponsesDoNotReachRequestSubscribers(t *testing.T) {
	channel := NewLocalChannel(zap.NewNop())
	defer channel.Close()

	var wg sync.WaitGroup
	wg.Add(1)

	requests := 0
	require.NoError(t, channel.SubscribeRequests(func(Request) {
		requests++
	}))
	require.NoError(t, channel.SubscribeResponses(func(resp Response) {
		assert.Equal(t, "resp-1", resp.UUID)
		wg.Done()
	}))

	require.NoError(t, channel.PublishResponse(Response{UUID: "resp-1"}))

	waitDone(t, &wg)
	assert.Zero(t, requests)
}

func TestLocalChannel_PerPublisherOrdering(t *testing.T) {
	channel := NewLocalChannel(zap.NewNop())
	defer channel.Close()

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)

	var mu sync.Mutex
	var got []string
	require.NoError(t, channel.SubscribeResponses(func(resp Response) {
		mu.Lock()
		got = append(got, resp.UUID)
		mu.Unlock()
		wg.Done()
	}))

	for i := 0; i < n; i++ {
		require.NoError(t, channel.PublishResponse(Response{UUID: string(rune('a' + i))}))
	}

	waitDone(t, &wg)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, n)
	for i := 1; i < n; i++ {
		assert.Less(t, got[i-1], got[i], "per-publisher FIFO order")
	}
}

func waitDone(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribers")
	}
}
