package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/activitysync/internal/domain"
)

// EventProgressRecorded is the event type emitted for each entry that became canonical.
const EventProgressRecorded = "progress.recorded"

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// ProgressRecorded is the event payload.
type ProgressRecorded struct {
	ID         string  `json:"id"`
	User       string  `json:"user"`
	ActivityID string  `json:"activityId"`
	Answer     *string `json:"answer"`
	Correct    *bool   `json:"correct"`
	Timestamp  string  `json:"timestamp"`
	StoredAt   string  `json:"storedAt"`
}

// Publisher writes one Kafka message per recorded entry, keyed by user so
// a student's entries stay ordered within a partition.
type Publisher struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

// NewPublisher constructs a Publisher.
func NewPublisher(writer messageWriter, topic string) *Publisher {
	return &Publisher{
		writer: writer,
		topic:  topic,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// PublishRecorded implements domain.Publisher.
func (p *Publisher) PublishRecorded(ctx context.Context, entries []domain.ProgressEntry) error {
	if len(entries) == 0 {
		return nil
	}
	start := time.Now()
	storedAt := p.now()

	messages := make([]kafka.Message, 0, len(entries))
	for _, entry := range entries {
		payload, err := json.Marshal(ProgressRecorded{
			ID:         entry.ID,
			User:       entry.User,
			ActivityID: entry.ActivityID,
			Answer:     entry.Answer,
			Correct:    entry.Correct,
			Timestamp:  entry.Timestamp,
			StoredAt:   storedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return fmt.Errorf("encode %s: %w", EventProgressRecorded, err)
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(entry.User),
			Value: payload,
			Time:  storedAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(EventProgressRecorded)},
			},
		})
	}

	defer func() { publishDuration.Observe(time.Since(start).Seconds()) }()
	if err := p.writer.WriteMessages(ctx, p.topic, messages...); err != nil {
		failedCounter.Add(float64(len(messages)))
		return err
	}
	deliveredCounter.Add(float64(len(messages)))
	return nil
}
