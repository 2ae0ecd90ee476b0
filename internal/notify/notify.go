// Package notify builds user notifications and hands them to delivery sinks.
// Delivery is best effort: the store row written with the transition is the
// durable record, sinks only fan it out.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"inspectline/internal/domain"
	"inspectline/internal/metrics"
)

type Emitter interface {
	Emit(ctx context.Context, n domain.Notification) error
}

type Discard struct{}

func (Discard) Emit(context.Context, domain.Notification) error { return nil }

// Multi fans a notification out to every emitter and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogEmitter struct {
	Logger *logrus.Logger
}

func (l LogEmitter) Emit(_ context.Context, n domain.Notification) error {
	if l.Logger == nil {
		return nil
	}
	l.Logger.WithFields(logrus.Fields{
		"module":          "notify",
		"notification_id": n.ID,
		"user_id":         n.UserID,
		"type":            n.Type,
		"link":            n.Link,
	}).Info(n.Message)
	metrics.IncNotification("log", "ok")
	return nil
}

type KafkaEmitter struct {
	writer *kafka.Writer
	topic  string
}

type KafkaOptions struct {
	Brokers  []string
	Topic    string
	ClientID string
}

func NewKafka(opts KafkaOptions) (*KafkaEmitter, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	topic := opts.Topic
	if topic == "" {
		topic = "inspectline.notifications"
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "inspectline"
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		BatchTimeout: 10 * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: clientID,
		},
	}
	return &KafkaEmitter{writer: w, topic: topic}, nil
}

func (k *KafkaEmitter) Emit(ctx context.Context, n domain.Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: k.topic,
		Key:   []byte(n.UserID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "notification-type", Value: []byte(n.Type)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		metrics.IncNotification("kafka", "error")
		return fmt.Errorf("kafka publish %s: %w", n.ID, err)
	}
	metrics.IncNotification("kafka", "ok")
	return nil
}

func (k *KafkaEmitter) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
