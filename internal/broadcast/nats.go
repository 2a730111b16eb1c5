package broadcast

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	natsRequestSubject  = "sim.worker.request"
	natsResponseSubject = "sim.worker.response"
)

// NATSChannel carries the broadcast envelopes over NATS subjects so that
// station workers may run in separate processes from the UI server. Envelopes
// travel in their wire tuple form.
type NATSChannel struct {
	conn *nats.Conn
	log  *zap.Logger
}

func NewNATSChannel(url string, log *zap.Logger) (*NATSChannel, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("broadcast: connect to NATS: %w", err)
	}
	log.Info("Broadcast channel connected to NATS", zap.String("url", url))
	return &NATSChannel{conn: nc, log: log}, nil
}

func (c *NATSChannel) PublishRequest(req Request) error {
	data, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	return c.conn.Publish(natsRequestSubject, data)
}

func (c *NATSChannel) PublishResponse(resp Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return c.conn.Publish(natsResponseSubject, data)
}

func (c *NATSChannel) SubscribeRequests(handler func(Request)) error {
	_, err := c.conn.Subscribe(natsRequestSubject, func(msg *nats.Msg) {
		req, err := DecodeRequest(msg.Data)
		if err != nil {
			c.log.Error("Dropping malformed broadcast request", zap.Error(err))
			return
		}
		handler(req)
	})
	return err
}

func (c *NATSChannel) SubscribeResponses(handler func(Response)) error {
	_, err := c.conn.Subscribe(natsResponseSubject, func(msg *nats.Msg) {
		resp, err := DecodeResponse(msg.Data)
		if err != nil {
			c.log.Error("Dropping malformed broadcast response", zap.Error(err))
			return
		}
		handler(resp)
	})
	return err
}

func (c *NATSChannel) Close() error {
	c.conn.Close()
	return nil
}
