package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

const defaultExchange = "chanpost.events"

// AMQPPublisher publishes to a durable topic exchange. The channel is
// re-dialed once when a publish hits a closed connection.
type AMQPPublisher struct {
	url        string
	exchange   string
	routingKey string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func DialAMQP(url, exchange, routingKey string) (*AMQPPublisher, error) {
	if url == "" {
		return nil, errors.New("events: amqp url is empty")
	}
	if exchange == "" {
		exchange = defaultExchange
	}
	p := &AMQPPublisher{url: url, exchange: exchange, routingKey: routingKey}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("amqp exchange declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, eventType string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := p.routingKey
	if key == "" {
		key = eventType
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         eventType,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		if err := p.connect(); err != nil {
			return err
		}
	}
	err := p.ch.Publish(p.exchange, key, false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		p.closeLocked()
		if err = p.connect(); err != nil {
			return err
		}
		err = p.ch.Publish(p.exchange, key, false, false, msg)
	}
	return err
}

func (p *AMQPPublisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}
