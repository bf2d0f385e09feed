package common

import (
	"context"
	"log"
	"maguey/src/config"
	"maguey/src/lib"
	awslib "maguey/src/lib/aws"
	"os"
)

const (
	PAYMENT_CONFIRMATIONS_QUEUE = "PaymentConfirmations"
	PAYMENT_CONFIRMATIONS_TOPIC = "payments-confirmed"
	PAYMENT_ROUTING_KEY         = "payments.confirmed"
)

// Consumers starts every inbound payment channel that is configured: Kafka
// in local runs, SQS elsewhere, and RabbitMQ when RABBITMQ_URL is set.
func Consumers(ctx context.Context, payments *PaymentConfirmations) {
	if config.IsLocal() {
		go lib.KafkaCreateTopics(PAYMENT_CONFIRMATIONS_TOPIC)
		lib.KafkaConsumer(ctx, "maguey-payments", []string{PAYMENT_CONFIRMATIONS_TOPIC}, payments.Consume)
	} else {
		awslib.NewSQSConsumer(PAYMENT_CONFIRMATIONS_QUEUE, payments.Consume).Listen(ctx)
	}

	url := os.Getenv("RABBITMQ_URL")
	if url == "" {
		return
	}
	b, err := lib.NewBroker(url, "maguey.payments", "maguey.payment-confirmations", PAYMENT_ROUTING_KEY)
	if err != nil {
		log.Printf("[amqp] payment consumer disabled: %s\n", err.Error())
		return
	}
	if err := b.Consume(ctx, payments.Handle); err != nil {
		b.Close()
		return
	}
	go func() {
		<-ctx.Done()
		b.Close()
	}()
}
