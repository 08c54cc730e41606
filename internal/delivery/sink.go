package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// NSQDeadLetters publishes dead letters to the DLQ topic.
type NSQDeadLetters struct {
	producer Producer
	topic    string
}

func NewNSQDeadLetters(producer Producer, topic string) *NSQDeadLetters {
	return &NSQDeadLetters{producer: producer, topic: topic}
}

func (s *NSQDeadLetters) Send(_ context.Context, dl DeadLetter) error {
	raw, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	if err := s.producer.Publish(s.topic, raw); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

// Sinks sends each dead letter to every sink and joins their errors.
type Sinks []DeadLetterSink

func (s Sinks) Send(ctx context.Context, dl DeadLetter) error {
	var errs []error
	for _, sink := range s {
		if err := sink.Send(ctx, dl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
