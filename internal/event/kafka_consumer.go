package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

type KafkaConsumer struct {
	reader *kafka.Reader
}

func NewKafkaConsumer(brokers []string, topic, groupID string) (*KafkaConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer needs at least one broker")
	}
	rCfg := kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10kb
		MaxBytes: 10e6, // 10mb
		MaxWait:  1 * time.Second,
		// A new group starts from the beginning of the topic: live results
		// are a fold, so they need every event of a voting.
		StartOffset: kafka.FirstOffset,
	}
	r := kafka.NewReader(rCfg)

	return &KafkaConsumer{reader: r}, nil
}

// ReadRecord blocks until a message arrives or ctx is done.
func (kc *KafkaConsumer) ReadRecord(ctx context.Context) (model.Record, error) {
	msg, err := kc.reader.ReadMessage(ctx)
	if err != nil {
		return model.Record{}, err
	}

	var rec model.Record
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		return model.Record{}, fmt.Errorf("failed to decode record at offset %d: %w", msg.Offset, err)
	}
	if rec.StreamID == "" {
		rec.StreamID = string(msg.Key)
	}

	return rec, nil
}

func (kc *KafkaConsumer) Close() error {
	if err := kc.reader.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}
	return nil
}
