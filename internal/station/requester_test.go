package station

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

// fakeWire records what a requester writes, with a switchable state and an
// optional gate that blocks Send until released.
type fakeWire struct {
	mu      sync.Mutex
	state   ConnState
	sent    [][]byte
	entered int
	gate    chan struct{}
	fail    error
}

func (w *fakeWire) State() ConnState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *fakeWire) setState(state ConnState) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *fakeWire) setGate(gate chan struct{}) {
	w.mu.Lock()
	w.gate = gate
	w.mu.Unlock()
}

func (w *fakeWire) Send(data []byte) error {
	w.mu.Lock()
	w.entered++
	gate := w.gate
	w.mu.Unlock()

	if gate != nil {
		<-gate
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.sent = append(w.sent, append([]byte(nil), data...))
	return nil
}

func (w *fakeWire) sendCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

func (w *fakeWire) enteredCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entered
}

func (w *fakeWire) sentFrames() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([][]byte, len(w.sent))
	copy(out, w.sent)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// decodeSent resolves the actions and message ids of recorded wire frames.
func decodeSent(t *testing.T, frames [][]byte) (actions, ids []string) {
	t.Helper()
	for _, raw := range frames {
		frame, err := ocpp.Decode(raw)
		require.NoError(t, err)
		actions = append(actions, frame.Action)
		ids = append(ids, frame.ID)
	}
	return actions, ids
}

func TestRequester_BuffersWhileDisconnectedAndDrainsInOrder(t *testing.T) {
	registry := NewRegistry(newTestLogger())
	buffer := NewOutboundBuffer()
	wire := &fakeWire{state: StateDisconnected}
	rq := NewRequester(registry, buffer, wire, time.Minute, newTestLogger())

	actions := []string{"StatusNotification", "MeterValues", "DataTransfer"}
	var wg sync.WaitGroup
	for i, action := range actions {
		wg.Add(1)
		go func(action string) {
			defer wg.Done()
			_, _ = rq.Request(context.Background(), action, struct{}{}, RequestOptions{})
		}(action)
		want := i + 1
		waitFor(t, "frame to buffer", func() bool { return buffer.Len() == want })
	}
	assert.Zero(t, wire.sendCount(), "nothing reaches a closed socket")

	wire.setState(StateConnected)
	rq.Flush()

	sent := wire.sentFrames()
	require.Len(t, sent, len(actions))
	gotActions, ids := decodeSent(t, sent)
	assert.Equal(t, actions, gotActions, "frames leave in enqueue order")
	assert.Equal(t, 0, buffer.Len())

	for _, id := range ids {
		_, err := registry.Complete(id, []byte(`{}`))
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestRequester_CallDoesNotOvertakeBacklog(t *testing.T) {
	registry := NewRegistry(newTestLogger())
	buffer := NewOutboundBuffer()
	wire := &fakeWire{state: StateDisconnected}
	rq := NewRequester(registry, buffer, wire, time.Minute, newTestLogger())

	var wg sync.WaitGroup
	for i, action := range []string{"StatusNotification", "MeterValues"} {
		wg.Add(1)
		go func(action string) {
			defer wg.Done()
			_, _ = rq.Request(context.Background(), action, struct{}{}, RequestOptions{})
		}(action)
		want := i + 1
		waitFor(t, "frame to buffer", func() bool { return buffer.Len() == want })
	}

	// Hold the first flushed frame on the socket while a fresh CALL arrives.
	gate := make(chan struct{})
	wire.setGate(gate)
	wire.setState(StateConnected)
	go rq.Flush()
	waitFor(t, "flush to reach the socket", func() bool { return wire.enteredCount() == 1 })

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = rq.Request(context.Background(), "Heartbeat", struct{}{}, RequestOptions{})
	}()
	time.Sleep(20 * time.Millisecond)

	wire.setGate(nil)
	close(gate)

	waitFor(t, "all frames on the wire", func() bool { return wire.sendCount() == 3 })
	gotActions, ids := decodeSent(t, wire.sentFrames())
	assert.Equal(t, []string{"StatusNotification", "MeterValues", "Heartbeat"}, gotActions,
		"the backlog leaves before the new CALL")

	for _, id := range ids {
		_, err := registry.Complete(id, []byte(`{}`))
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestRequester_SkipBufferingFailsFastWhileDisconnected(t *testing.T) {
	registry := NewRegistry(newTestLogger())
	buffer := NewOutboundBuffer()
	wire := &fakeWire{state: StateDisconnected}
	rq := NewRequester(registry, buffer, wire, time.Minute, newTestLogger())

	_, err := rq.Request(context.Background(), "Heartbeat", struct{}{}, RequestOptions{SkipBufferingOnError: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, buffer.Len(), "nothing queued")
	assert.Equal(t, 0, registry.Len(), "registry entry resolved")
}

func TestRequester_FailedSendRebuffersFrame(t *testing.T) {
	registry := NewRegistry(newTestLogger())
	buffer := NewOutboundBuffer()
	wire := &fakeWire{state: StateConnected, fail: errors.New("broken pipe")}
	rq := NewRequester(registry, buffer, wire, time.Minute, newTestLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = rq.Request(context.Background(), "Heartbeat", struct{}{}, RequestOptions{})
	}()

	waitFor(t, "frame to re-buffer after the write error", func() bool { return buffer.Len() == 1 })
	assert.Equal(t, 1, registry.Len(), "the CALL stays in flight awaiting a flush")

	canceled := registry.CancelAll()
	assert.Equal(t, 1, canceled)
	<-done
}
