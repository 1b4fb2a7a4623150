package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes each message as a JSON record keyed by source.
type KafkaNotifier struct {
	writer  messageWriter
	source  string
	timeout time.Duration
	now     func() time.Time
}

type kafkaRecord struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

func NewKafkaNotifier(brokers []string, topic, source string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
		source:  source,
		timeout: 10 * time.Second,
		now:     time.Now,
	}
}

func (k *KafkaNotifier) Send(msg string) error {
	value, err := json.Marshal(kafkaRecord{Time: k.now().UTC(), Source: k.source, Message: msg})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(k.source),
		Value: value,
	})
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
