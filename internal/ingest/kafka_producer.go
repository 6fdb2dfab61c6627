// Package ingest accepts driver location pings and hands them to the
// candidate index, either directly or through Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, d models.Driver) error
}

// Upserter is the write side of the geo index.
type Upserter interface {
	Upsert(ctx context.Context, d models.Driver) error
}

// Validate rejects pings the index cannot place.
func Validate(d models.Driver) error {
	switch {
	case d.ID == "":
		return apperr.New(apperr.ErrBadRequest, "driver id is required")
	case d.Loc.Lat < -90 || d.Loc.Lat > 90 || d.Loc.Lon < -180 || d.Loc.Lon > 180:
		return apperr.New(apperr.ErrBadRequest, "location out of range")
	case d.Rating < 0 || d.Rating > 5:
		return apperr.New(apperr.ErrBadRequest, "rating must be between 0 and 5")
	}
	return nil
}

// Direct writes pings straight into the index; used when no broker is
// configured.
type Direct struct {
	Index Upserter
	Now   func() time.Time
}

func (p Direct) Publish(ctx context.Context, d models.Driver) error {
	if d.Updated.IsZero() && p.Now != nil {
		d.Updated = p.Now().UTC()
	}
	return p.Index.Upsert(ctx, d)
}

type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer keys messages by driver id so one driver's pings stay
// ordered within a partition.
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) Publish(ctx context.Context, d models.Driver) error {
	if d.Updated.IsZero() {
		d.Updated = time.Now().UTC()
	}
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b}); err != nil {
		return fmt.Errorf("publish location %s: %w", d.ID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Decode parses a location message from the topic.
func Decode(value []byte) (models.Driver, error) {
	var d models.Driver
	if err := json.Unmarshal(value, &d); err != nil {
		return d, fmt.Errorf("decode location: %w", err)
	}
	if err := Validate(d); err != nil {
		return d, errors.Join(errors.New("invalid location"), err)
	}
	return d, nil
}
