package station

import (
	"sync"
	"time"

	"github.com/seu-repo/sigec-sim/internal/ocpp"
)

// BufferedFrame is a serialized frame waiting for the connection to open.
type BufferedFrame struct {
	Data       []byte
	Type       ocpp.MessageType
	MessageID  string
	EnqueuedAt time.Time
}

// OutboundBuffer is the FIFO queue of frames produced while disconnected.
// CALL frames are registered in the request registry at enqueue time, so a
// response received after reconnect still resolves.
type OutboundBuffer struct {
	mu     sync.Mutex
	frames []BufferedFrame
}

func NewOutboundBuffer() *OutboundBuffer {
	return &OutboundBuffer{}
}

// Enqueue appends a frame to the tail.
func (b *OutboundBuffer) Enqueue(f BufferedFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, f)
}

// Requeue puts a frame back at the head after a failed send, preserving the
// outbound ordering guarantee.
func (b *OutboundBuffer) Requeue(f BufferedFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append([]BufferedFrame{f}, b.frames...)
}

// Drain removes and returns every buffered frame in FIFO order.
func (b *OutboundBuffer) Drain() []BufferedFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := b.frames
	b.frames = nil
	return frames
}

// Len returns the number of buffered frames.
func (b *OutboundBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Clear drops every buffered frame. Called on station stop.
func (b *OutboundBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
}
