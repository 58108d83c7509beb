package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher publishes persistent JSON messages to a topic exchange.
type AMQPPublisher struct {
	url      string
	exchange string
	logger   *slog.Logger

	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	dials int
}

// DialAMQP connects with bounded exponential backoff and declares exchange
// as a durable topic exchange.
func DialAMQP(ctx context.Context, url, exchange string, attempts int, logger *slog.Logger) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: url, exchange: exchange, logger: logger}
	delay := time.Second
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if _, err = p.channel(); err == nil {
			logger.Info("amqp connected", "exchange", exchange, "attempt", attempt)
			return p, nil
		}
		logger.Warn("amqp connect failed", "attempt", attempt, "error", err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * 1.5)
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
	return nil, fmt.Errorf("amqp connect after %d attempts: %w", attempts, err)
}

// channel returns the live channel, reconnecting under p.mu when it has
// closed so concurrent publishers share one replacement connection.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
	conn, ch, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *AMQPPublisher) dial() (*amqp.Connection, *amqp.Channel, error) {
	p.dials++
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	return conn, ch, nil
}

// Publish sends body with key as the routing key. A closed channel triggers
// one reconnect attempt.
func (p *AMQPPublisher) Publish(ctx context.Context, key string, body []byte) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	p.ch, p.conn = nil, nil
	return errors.Join(errs...)
}
