package lib

import (
	"context"
	"encoding/json"
	"log"
	"maguey/src/types"
	"os"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

var (
	kafkaProducer *kafka.Producer
	kafkaMu     sync.Mutex
)

// GetKafkaProducer returns the process wide producer, creating it on first
// use. Delivery reports are drained and logged in the background.
func GetKafkaProducer() (*kafka.Producer, error) {
	kafkaMu.Lock()
	defer kafkaMu.Unlock()
	if kafkaProducer != nil {
		return kafkaProducer, nil
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": os.Getenv("KAFKA_BROKER"),
		"client.id":         "maguey",
		"acks":              "all",
	})
	if err != nil {
		log.Printf("[kafka] Error on producer: %s\n", err.Error())
		return nil, err
	}
	go func() {
		for ev := range p.Events() {
			if m, ok := ev.(*kafka.Message); ok && m.TopicPartition.Error != nil {
				log.Printf("[kafka] delivery to %s failed: %s\n", *m.TopicPartition.Topic, m.TopicPartition.Error.Error())
			}
		}
	}()
	kafkaProducer = p
	return p, nil
}

func KafkaProduceMessage(topic string, payload *types.JSONB) error {
	p, err := GetKafkaProducer()
	if err != nil {
		return err
	}
	value, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[kafka] Error serializing payload: %s\n", err.Error())
		return err
	}
	err = p.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          value,
	}, nil)
	if err != nil {
		log.Printf("[kafka] Error sending to %s: %s\n", topic, err.Error())
		return err
	}
	return nil
}

// KafkaConsumer feeds every message on topics to handler until ctx ends.
func KafkaConsumer(ctx context.Context, groupId string, topics []string, handler types.Handler) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": os.Getenv("KAFKA_BROKER"),
		"group.id":          groupId,
		"auto.offset.reset": "smallest",
		"retry.backoff.ms":  100,
	})
	if err != nil {
		log.Printf("[kafka] Error on consumer: %s\n", err.Error())
		return
	}
	if err := c.SubscribeTopics(topics, nil); err != nil {
		log.Printf("[kafka] Error subscribing to %v: %s\n", topics, err.Error())
		c.Close()
		return
	}
	go func() {
		defer c.Close()
		log.Printf("[kafka] %s: waiting for messages on %v\n", groupId, topics)
		for ctx.Err() == nil {
			switch e := c.Poll(100).(type) {
			case *kafka.Message:
				handler(string(e.Value))
			case kafka.Error:
				log.Printf("[kafka] %s: %s\n", groupId, e.Error())
				if e.IsFatal() {
					return
				}
			}
		}
	}()
}

func KafkaCreateTopics(topics ...string) ([]kafka.TopicResult, error) {
	a, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": os.Getenv("KAFKA_BROKER"),
	})
	if err != nil {
		log.Printf("Error on AdminClient: %s\n", err.Error())
		return nil, err
	}
	defer a.Close()
	topicsDef := []kafka.TopicSpecification{}
	for _, topic := range topics {
		topicsDef = append(topicsDef, kafka.TopicSpecification{
			Topic:             topic,
			NumPartitions:     10,
			ReplicationFactor: 1,
		})
	}
	result, err := a.CreateTopics(context.Background(), topicsDef)
	if err != nil {
		log.Printf("Error creating topics: %s\n", err.Error())
		return nil, err
	}
	return result, nil
}
