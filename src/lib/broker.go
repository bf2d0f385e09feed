package lib

import (
	"context"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker publishes to a topic exchange on RabbitMQ and consumes from one
// durable queue bound to it.
type Broker struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	url      string
	exchange string
	queue    string
	bindings []string
}

func NewBroker(url, exchange, queue string, bindings ...string) (*Broker, error) {
	b := &Broker{url: url, exchange: exchange, queue: queue, bindings: bindings}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConnection(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) ensureConnection() error {
	if b.conn != nil && !b.conn.IsClosed() && b.channel != nil && !b.channel.IsClosed() {
		return nil
	}
	conn, err := amqp.Dial(b.url)
	if err != nil {
		log.Printf("[amqp] Failed to connect to RabbitMQ: %s\n", err.Error())
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		log.Printf("[amqp] Failed to open channel: %s\n", err.Error())
		conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		log.Printf("[amqp] Failed to declare exchange: %s\n", err.Error())
		ch.Close()
		conn.Close()
		return err
	}
	if b.queue != "" {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
			log.Printf("[amqp] Failed to declare queue: %s\n", err.Error())
			ch.Close()
			conn.Close()
			return err
		}
		for _, key := range b.bindings {
			if err := ch.QueueBind(b.queue, key, b.exchange, false, nil); err != nil {
				log.Printf("[amqp] Failed to bind queue: %s\n", err.Error())
				ch.Close()
				conn.Close()
				return err
			}
		}
	}
	b.conn = conn
	b.channel = ch
	return nil
}

func (b *Broker) Publish(ctx context.Context, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConnection(); err != nil {
		return err
	}
	return b.channel.PublishWithContext(ctx, b.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Consume hands every delivery on the broker's queue to handler until ctx
// ends. Handler panics are not recovered.
func (b *Broker) Consume(ctx context.Context, handler func(body string) error) error {
	b.mu.Lock()
	if err := b.ensureConnection(); err != nil {
		b.mu.Unlock()
		return err
	}
	msgs, err := b.channel.Consume(b.queue, "", false, false, false, false, nil)
	b.mu.Unlock()
	if err != nil {
		log.Printf("[amqp] Failed to start consuming: %s\n", err.Error())
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					log.Printf("[amqp] %s: delivery channel closed\n", b.queue)
					return
				}
				if err := handler(string(msg.Body)); err != nil {
					msg.Nack(false, true)
					continue
				}
				msg.Ack(false)
			}
		}
	}()
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel != nil {
		if err := b.channel.Close(); err != nil {
			log.Printf("[amqp] Failed to close channel: %s\n", err.Error())
		}
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
