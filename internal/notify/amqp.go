// Package notify publishes sync events to interested parties.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	gosync "sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/sync"
)

// RoutingKey returns the routing key events of dir are published with.
func RoutingKey(dir sync.Direction) string {
	return "mailsync." + string(dir) + ".completed"
}

// publishTimeout bounds a publish when the caller set no deadline.
const publishTimeout = 5 * time.Second

// channel is the part of *amqp.Channel the notifier uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes sync events as JSON to a durable topic exchange.
type AMQP struct {
	conn     *amqp.Connection
	channel  channel
	exchange string
	mu       gosync.Mutex
}

// NewAMQP connects to the broker at url and declares exchange.
func NewAMQP(url, exchange string) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	n, err := newAMQP(ch, exchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	n.conn = conn

	go n.watchClose()

	log.WithField("exchange", exchange).Info("AMQP notifier connected")
	return n, nil
}

func newAMQP(ch channel, exchange string) (*AMQP, error) {
	err := ch.ExchangeDeclare(
		exchange,
		"topic", // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare exchange '%s': %w", exchange, err)
	}
	return &AMQP{channel: ch, exchange: exchange}, nil
}

// watchClose logs when the broker drops the connection.
func (n *AMQP) watchClose() {
	closeErr := n.conn.NotifyClose(make(chan *amqp.Error, 1))
	if err := <-closeErr; err != nil {
		log.Errorf("AMQP connection closed: %v", err)
	}
}

// Notify publishes event with the routing key of its direction.
func (n *AMQP) Notify(ctx context.Context, event sync.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, publishTimeout)
		defer cancel()
	}

	key := RoutingKey(event.Direction)

	n.mu.Lock()
	err = n.channel.PublishWithContext(
		ctx,
		n.exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.At,
		},
	)
	n.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish to exchange '%s' with routing key '%s': %w", n.exchange, key, err)
	}

	log.WithFields(log.Fields{
		"exchange":   n.exchange,
		"routingKey": key,
	}).Debug("Sync event published")
	return nil
}

// Close closes the channel and the connection.
func (n *AMQP) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	if n.channel != nil {
		if err := n.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if n.conn != nil {
		if err := n.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

// Log writes sync events to the log. It is the notifier used when no
// broker is configured.
type Log struct{}

func (Log) Notify(_ context.Context, event sync.Event) error {
	log.WithFields(log.Fields{
		"direction": event.Direction,
		"count":     event.Count,
	}).Info("Sync completed")
	return nil
}
