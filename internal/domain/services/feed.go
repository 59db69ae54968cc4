package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Feed delivers service configuration changes. Watch blocks, calling fn for
// each event, until ctx ends or the feed fails.
type Feed interface {
	Watch(ctx context.Context, fn func(Event)) error
}

// NotifyChannel is the Postgres channel service changes are published on.
const NotifyChannel = "hl7hub_services"

const (
	minRetryDelay = time.Second
	maxRetryDelay = time.Minute
)

// PGNotifyFeed receives service changes through Postgres LISTEN/NOTIFY. The
// listening connection is re-established if it drops.
type PGNotifyFeed struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewPGNotifyFeed(pool *pgxpool.Pool, logger zerolog.Logger) *PGNotifyFeed {
	return &PGNotifyFeed{pool: pool, logger: logger.With().Str("feed", "postgres").Logger()}
}

func (f *PGNotifyFeed) Watch(ctx context.Context, fn func(Event)) error {
	delay := minRetryDelay
	for {
		err := f.listen(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		f.logger.Warn().Err(err).Dur("retry_in", delay).Msg("service change feed interrupted")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)
	}
}

func (f *PGNotifyFeed) listen(ctx context.Context, fn func(Event)) error {
	pc, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	// The connection keeps its LISTEN registration, so it is not returned
	// to the pool.
	conn := pc.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	f.logger.Info().Str("channel", NotifyChannel).Msg("listening for service changes")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ev, err := decodeEvent([]byte(n.Payload))
		if err != nil {
			f.logger.Warn().Err(err).Str("payload", n.Payload).Msg("ignoring service change")
			continue
		}
		fn(ev)
	}
}

// KafkaFeed receives service changes from a Kafka topic. Offsets are
// committed by the consumer group as messages are read.
type KafkaFeed struct {
	reader *kafka.Reader
	logger zerolog.Logger
}

func NewKafkaFeed(brokers []string, topic, groupID string, logger zerolog.Logger) (*KafkaFeed, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka feed requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka feed requires a topic")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &KafkaFeed{reader: reader, logger: logger.With().Str("feed", "kafka").Str("topic", topic).Logger()}, nil
}

func (f *KafkaFeed) Watch(ctx context.Context, fn func(Event)) error {
	for {
		msg, err := f.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read service change: %w", err)
		}
		ev, err := decodeEvent(msg.Value)
		if err != nil {
			f.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("ignoring service change")
			continue
		}
		fn(ev)
	}
}

func (f *KafkaFeed) Close() error {
	return f.reader.Close()
}

func decodeEvent(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	switch ev.Type {
	case EventAdded, EventUpdated, EventRemoved:
	default:
		return Event{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.ID <= 0 {
		return Event{}, fmt.Errorf("invalid service id %d", ev.ID)
	}
	return ev, nil
}
