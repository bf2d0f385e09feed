// Package mailer hands notification requests to the delivery service. It
// never formats or sends a message itself.
package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"maguey/src/config"
	"maguey/src/lib"
	"maguey/src/types"
	"os"
)

func queueName() string {
	q := os.Getenv("NOTIFICATION_QUEUE")
	if q == "" {
		q = "notifications"
	}
	return q
}

// Enqueue publishes payload to Kafka in local runs and to SQS elsewhere.
func Enqueue(ctx context.Context, payload types.JSONB) error {
	if config.IsLocal() {
		if err := lib.KafkaProduceMessage(queueName(), &payload); err != nil {
			return fmt.Errorf("error sending message to queue: %s", err.Error())
		}
		return nil
	}
	body, err := json.Marshal(&payload)
	if err != nil {
		return err
	}
	if err := lib.SQSProduceMessage(ctx, queueName(), string(body)); err != nil {
		return fmt.Errorf("error sending message to queue: %s", err.Error())
	}
	return nil
}
