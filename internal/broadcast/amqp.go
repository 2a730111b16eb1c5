package broadcast

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	amqpRequestExchange  = "sim.worker.request"
	amqpResponseExchange = "sim.worker.response"
)

// AMQPChannel carries the broadcast envelopes over RabbitMQ fanout exchanges.
// Each subscriber gets an exclusive auto-deleted queue bound to the exchange,
// so every worker sees every request.
type AMQPChannel struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	url     string
	mu      sync.RWMutex
	log     *zap.Logger
}

func NewAMQPChannel(url string, log *zap.Logger) (*AMQPChannel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("broadcast: connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broadcast: open RabbitMQ channel: %w", err)
	}

	c := &AMQPChannel{conn: conn, channel: ch, url: url, log: log}
	go c.monitorConnection()

	log.Info("Broadcast channel connected to RabbitMQ", zap.String("url", url))
	return c, nil
}

func (c *AMQPChannel) publish(exchange string, body []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.channel == nil {
		return fmt.Errorf("broadcast: rabbitmq channel not available")
	}
	if err := c.channel.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broadcast: declare exchange: %w", err)
	}
	err := c.channel.Publish(exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("broadcast: publish: %w", err)
	}
	return nil
}

func (c *AMQPChannel) subscribe(exchange string, handler func([]byte)) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.channel == nil {
		return fmt.Errorf("broadcast: rabbitmq channel not available")
	}
	if err := c.channel.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broadcast: declare exchange: %w", err)
	}
	queue, err := c.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("broadcast: declare queue: %w", err)
	}
	if err := c.channel.QueueBind(queue.Name, "", exchange, false, nil); err != nil {
		return fmt.Errorf("broadcast: bind queue: %w", err)
	}
	msgs, err := c.channel.Consume(queue.Name, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broadcast: consume: %w", err)
	}

	go func() {
		for msg := range msgs {
			handler(msg.Body)
		}
	}()
	return nil
}

func (c *AMQPChannel) PublishRequest(req Request) error {
	data, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	return c.publish(amqpRequestExchange, data)
}

func (c *AMQPChannel) PublishResponse(resp Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return c.publish(amqpResponseExchange, data)
}

func (c *AMQPChannel) SubscribeRequests(handler func(Request)) error {
	return c.subscribe(amqpRequestExchange, func(body []byte) {
		req, err := DecodeRequest(body)
		if err != nil {
			c.log.Error("Dropping malformed broadcast request", zap.Error(err))
			return
		}
		handler(req)
	})
}

func (c *AMQPChannel) SubscribeResponses(handler func(Response)) error {
	return c.subscribe(amqpResponseExchange, func(body []byte) {
		resp, err := DecodeResponse(body)
		if err != nil {
			c.log.Error("Dropping malformed broadcast response", zap.Error(err))
			return
		}
		handler(resp)
	})
}

func (c *AMQPChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *AMQPChannel) monitorConnection() {
	for {
		reason, ok := <-c.conn.NotifyClose(make(chan *amqp.Error))
		if !ok {
			return
		}
		c.log.Warn("RabbitMQ connection lost, reconnecting", zap.String("reason", reason.Reason))

		for {
			time.Sleep(5 * time.Second)
			conn, err := amqp.Dial(c.url)
			if err != nil {
				c.log.Error("Failed to reconnect to RabbitMQ", zap.Error(err))
				continue
			}
			ch, err := conn.Channel()
			if err != nil {
				conn.Close()
				continue
			}

			c.mu.Lock()
			c.conn = conn
			c.channel = ch
			c.mu.Unlock()

			c.log.Info("Reconnected to RabbitMQ")
			break
		}
	}
}
