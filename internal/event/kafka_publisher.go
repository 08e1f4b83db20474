package event

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

type KafkaPublisher struct {
	writer *kafka.Writer
}

/*
Balancer: &kafka.Hash{}: messages with the same key land on the same
partition, which keeps every voting's events in seq order for consumers.
The key is the voting id, and partition.Assignor hashes with the same
balancer, so a topic created with PARTITIONS partitions lines up with the
in-process partitions.

RequiredAcks: kafka.RequireAll: wait for every in-sync replica. The journal
is the source of truth, but a feed that silently loses events would show
stale live results until the next vote.

Compression: kafka.Snappy: records are JSON, which compresses well.
*/
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher needs at least one broker")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  5,
		Compression:  kafka.Snappy,
	}

	return &KafkaPublisher{writer: w}, nil
}

func (kp *KafkaPublisher) Publish(ctx context.Context, records ...model.Record) error {
	msgs := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		msg, err := toMessage(rec)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	if err := kp.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write messages to kafka: %w", err)
	}

	return nil
}

func toMessage(rec model.Record) (kafka.Message, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal record %s/%d: %w", rec.StreamID, rec.Seq, err)
	}
	return kafka.Message{
		Key:   []byte(rec.StreamID), // voting id
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(rec.Type)},
			{Key: "seq", Value: []byte(strconv.FormatInt(rec.Seq, 10))},
		},
	}, nil
}

func (kp *KafkaPublisher) Close() error {
	if err := kp.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	return nil
}
