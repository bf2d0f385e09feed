package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"maguey/src/types"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/redis/go-redis/v9"
)

func entityKey(ev ChangeEvent) string {
	return fmt.Sprintf("%s:%d", ev.EntityType, ev.EntityID)
}

// ChannelName is the pub/sub channel carrying changes of one event.
func ChannelName(prefix string, eventID uint) string {
	return fmt.Sprintf("%s:event:%d:changes", prefix, eventID)
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type RedisSink struct {
	client redisPublisher
	prefix string
}

func NewRedisSink(client redisPublisher, prefix string) *RedisSink {
	return &RedisSink{client: client, prefix: prefix}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) PublishChange(ctx context.Context, ev ChangeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, ChannelName(s.prefix, ev.EventID), body).Err()
}

type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// KafkaSink keys messages by entity so changes of one entity stay ordered
// within a partition.
type KafkaSink struct {
	producer kafkaProducer
	topic    string
}

func NewKafkaSink(p kafkaProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) PublishChange(ctx context.Context, ev ChangeEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &s.topic, Partition: kafka.PartitionAny},
		Key:            []byte(entityKey(ev)),
		Value:          value,
		Timestamp:      ev.OccurredAt,
	}, nil)
}

type pusherTrigger interface {
	Trigger(channel string, eventName string, data interface{}) error
}

// PusherSink feeds the live floor plan.
type PusherSink struct {
	client pusherTrigger
}

func NewPusherSink(client pusherTrigger) *PusherSink {
	return &PusherSink{client: client}
}

func (s *PusherSink) Name() string { return "pusher" }

func (s *PusherSink) PublishChange(ctx context.Context, ev ChangeEvent) error {
	return s.client.Trigger(fmt.Sprintf("event-%d", ev.EventID), ev.EntityType+".changed", ev)
}

type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSSink struct {
	client   snsPublisher
	topicArn string
}

func NewSNSSink(client snsPublisher, topicArn string) *SNSSink {
	return &SNSSink{client: client, topicArn: topicArn}
}

func (s *SNSSink) Name() string { return "sns" }

func (s *SNSSink) PublishChange(ctx context.Context, ev ChangeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicArn),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"entity_type": {DataType: aws.String("String"), StringValue: aws.String(ev.EntityType)},
			"new_state":   {DataType: aws.String("String"), StringValue: aws.String(ev.NewState)},
		},
	})
	return err
}

type amqpPublisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

type AMQPSink struct {
	broker amqpPublisher
}

func NewAMQPSink(b amqpPublisher) *AMQPSink {
	return &AMQPSink{broker: b}
}

func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) PublishChange(ctx context.Context, ev ChangeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.broker.Publish(ctx, "changes."+ev.EntityType, body)
}

// QueueTriggerSink hands triggers to the messaging collaborator through send,
// normally mailer.Enqueue.
type QueueTriggerSink struct {
	send func(ctx context.Context, payload types.JSONB) error
}

func NewQueueTriggerSink(send func(ctx context.Context, payload types.JSONB) error) *QueueTriggerSink {
	return &QueueTriggerSink{send: send}
}

func (s *QueueTriggerSink) Name() string { return "trigger-queue" }

func (s *QueueTriggerSink) SendTrigger(ctx context.Context, t NotificationTrigger) error {
	payload := types.JSONB{
		"kind":        string(t.Kind),
		"event_id":    t.EventID,
		"recipient":   t.Recipient,
		"occurred_at": t.OccurredAt.UTC().Format(time.RFC3339),
	}
	if t.ReservationID != 0 {
		payload["reservation_id"] = t.ReservationID
	}
	if t.TicketID != 0 {
		payload["ticket_id"] = t.TicketID
	}
	if len(t.Data) > 0 {
		payload["data"] = t.Data
	}
	return s.send(ctx, payload)
}
