//go:build integration

package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaContainer "github.com/testcontainers/testcontainers-go/modules/kafka"

	"example.com/activitysync/internal/domain"
)

func TestPublisherDeliversToKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()

	kafkaC, err := kafkaContainer.RunContainer(ctx, testcontainers.WithEnv(map[string]string{
		"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true",
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kafkaC.Terminate(context.Background()) })

	brokers, err := kafkaC.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)

	topic := "progress_events"
	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))

	producer := NewKafkaProducer(ProducerConfig{Brokers: brokers})
	defer producer.Close()

	answer := "12"
	entries := []domain.ProgressEntry{
		{ID: "e1", User: "Ana", ActivityID: "q1", Answer: &answer, Timestamp: "2025-05-01T10:00:00Z"},
		{ID: "e2", User: "Ben", ActivityID: "q1", Timestamp: "2025-05-01T10:01:00Z"},
	}
	require.NoError(t, NewPublisher(producer, topic).PublishRecorded(ctx, entries))

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	got := map[string]ProgressRecorded{}
	for len(got) < len(entries) {
		msg, err := reader.ReadMessage(ctx)
		require.NoError(t, err)
		var event ProgressRecorded
		require.NoError(t, json.Unmarshal(msg.Value, &event))
		require.Equal(t, event.User, string(msg.Key))
		got[event.ID] = event
	}

	require.Equal(t, "12", *got["e1"].Answer)
	require.Nil(t, got["e2"].Answer)
}
