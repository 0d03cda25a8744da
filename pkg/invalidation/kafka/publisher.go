package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"varanno/internal/fingerprint"
)

// Publisher emits purge events to the invalidation topic. It uses a
// synchronous producer so operator commands return only after the broker
// has acknowledged the write.
type Publisher struct {
	topic string
	prod  sarama.SyncProducer
}

func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher: no brokers")
	}
	if topic == "" {
		return nil, errors.New("kafka publisher: no topic")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true

	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: create producer: %w", err)
	}

	return &Publisher{topic: topic, prod: prod}, nil
}

// Publish validates ev, stamping TS if the caller left it zero, and blocks
// until the broker acknowledges the event.
func (p *Publisher) Publish(ev PurgeEvent) (partition int32, offset int64, err error) {
	msg, err := p.message(ev)
	if err != nil {
		return 0, 0, err
	}

	partition, offset, err = p.prod.SendMessage(msg)
	if err != nil {
		return 0, 0, fmt.Errorf("kafka publisher: send: %w", err)
	}
	return partition, offset, nil
}

// message keys the record by normalized model so every event for one model
// lands on the same partition and version order is preserved end to end.
func (p *Publisher) message(ev PurgeEvent) (*sarama.ProducerMessage, error) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: marshal event: %w", err)
	}

	return &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(fingerprint.NormalizeModel(ev.Model)),
		Value: sarama.ByteEncoder(b),
	}, nil
}

func (p *Publisher) Close() error {
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("kafka publisher: close: %w", err)
	}
	return nil
}
