// Package deadletter records event tasks that exhausted their retries.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"eventrelay/internal/domain"
	"eventrelay/internal/store"
)

type Entry = domain.DeadLetter

type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Multi records to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes entries to the logger at error level.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Record(ctx context.Context, e Entry) error {
	l.Logger.Error().
		Str("task_id", e.TaskID).
		Str("event_id", e.EventID).
		Str("shop", e.Shop).
		Str("event_type", string(e.EventType)).
		Int("attempts", e.Attempts).
		Str("last_error", e.LastError).
		Msg("dead letter")
	return nil
}

type SQLite struct {
	repo store.DeadLetterRepository
}

func NewSQLite(repo store.DeadLetterRepository) *SQLite { return &SQLite{repo: repo} }

func (s *SQLite) Record(ctx context.Context, e Entry) error {
	if _, err := s.repo.InsertDeadLetter(ctx, e); err != nil {
		return fmt.Errorf("sqlite dead letter: %w", err)
	}
	return nil
}

// Backends are the external connections a configured sink may need. Only
// the ones named in the sink list have to be set.
type Backends struct {
	Repo   store.DeadLetterRepository
	Redis  ListPusher
	Kafka  MessageWriter
	Logger zerolog.Logger

	RedisKey    string
	RedisMaxLen int64
}

// Build assembles the sinks named in kinds (sqlite, redis, kafka, log).
// Unknown names and missing backends fail with domain.ErrConfiguration.
func Build(kinds []string, b Backends) (Sink, error) {
	var sinks Multi
	for _, k := range kinds {
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "":
			continue
		case "log":
			sinks = append(sinks, Log{Logger: b.Logger})
		case "sqlite":
			if b.Repo == nil {
				return nil, fmt.Errorf("%w: sqlite dead-letter sink needs a store", domain.ErrConfiguration)
			}
			sinks = append(sinks, NewSQLite(b.Repo))
		case "redis":
			if b.Redis == nil {
				return nil, fmt.Errorf("%w: redis dead-letter sink needs REDIS_ADDR", domain.ErrConfiguration)
			}
			sinks = append(sinks, NewRedis(b.Redis, b.RedisKey, b.RedisMaxLen))
		case "kafka":
			if b.Kafka == nil {
				return nil, fmt.Errorf("%w: kafka dead-letter sink needs KAFKA_BROKERS", domain.ErrConfiguration)
			}
			sinks = append(sinks, NewKafka(b.Kafka))
		default:
			return nil, fmt.Errorf("%w: unknown dead-letter sink %q", domain.ErrConfiguration, k)
		}
	}
	if len(sinks) == 0 {
		return Log{Logger: b.Logger}, nil
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}
