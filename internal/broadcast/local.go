package broadcast

import (
	"sync"

	"go.uber.org/zap"
)

// LocalChannel is the in-process Channel used when every station lives in the
// same process as the UI server. Delivery order is FIFO per publisher: each
// subscriber drains its own buffered feed in a single goroutine.
type LocalChannel struct {
	mu           sync.RWMutex
	reqHandlers  []chan Request
	respHandlers []chan Response
	closed       bool
	log          *zap.Logger
}

const localFeedDepth = 256

func NewLocalChannel(log *zap.Logger) *LocalChannel {
	return &LocalChannel{log: log}
}

func (c *LocalChannel) PublishRequest(req Request) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, feed := range c.reqHandlers {
		select {
		case feed <- req:
		default:
			c.log.Warn("Broadcast request feed full, dropping",
				zap.String("uuid", req.UUID),
				zap.String("procedure", string(req.Procedure)),
			)
		}
	}
	return nil
}

func (c *LocalChannel) PublishResponse(resp Response) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, feed := range c.respHandlers {
		select {
		case feed <- resp:
		default:
			c.log.Warn("Broadcast response feed full, dropping", zap.String("uuid", resp.UUID))
		}
	}
	return nil
}

func (c *LocalChannel) SubscribeRequests(handler func(Request)) error {
	feed := make(chan Request, localFeedDepth)
	c.mu.Lock()
	c.reqHandlers = append(c.reqHandlers, feed)
	c.mu.Unlock()

	go func() {
		for req := range feed {
			handler(req)
		}
	}()
	return nil
}

func (c *LocalChannel) SubscribeResponses(handler func(Response)) error {
	feed := make(chan Response, localFeedDepth)
	c.mu.Lock()
	c.respHandlers = append(c.respHandlers, feed)
	c.mu.Unlock()

	go func() {
		for resp := range feed {
			handler(resp)
		}
	}()
	return nil
}

func (c *LocalChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, feed := range c.reqHandlers {
		close(feed)
	}
	for _, feed := range c.respHandlers {
		close(feed)
	}
	c.reqHandlers = nil
	c.respHandlers = nil
	return nil
}
