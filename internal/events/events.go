// Package events publishes indexing and job lifecycle events over Redis
// Streams so other processes can follow long-running runs.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event names emitted over the stream.
const (
	JobStarted        = "job_started"
	JobFinished       = "job_finished"
	RunStarted        = "run_started"
	RunFinished       = "run_finished"
	LanguageStarted   = "language_started"
	LanguageCompleted = "language_completed"
	LanguageFailed    = "language_failed"
)

const stream = "vault:jobs"

// Event is one entry on the job stream.
type Event struct {
	Name      string            `json:"name"`
	JobID     string            `json:"job_id,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Publisher writes events to a Redis stream. A nil Publisher is valid and
// drops everything, so callers never have to branch on whether eventing
// is configured.
type Publisher struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(redisURL string, logger *zap.Logger) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Publisher{rdb: rdb, logger: logger}, nil
}

// Publish appends one event to the stream. Failures are logged, not
// returned; eventing is best effort.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if p == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		p.logger.Warn("publish event failed",
			zap.String("event", ev.Name),
			zap.Error(err))
		return
	}
	p.logger.Debug("published event",
		zap.String("event", ev.Name),
		zap.String("job_id", ev.JobID))
}

// Subscribe follows the stream from now on. Cancel the context to stop;
// the returned channel is closed on exit.
func (p *Publisher) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)
	if p == nil {
		close(ch)
		return ch
	}

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := p.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   time.Second * 2,
			}).Result()

			if err != nil {
				if err == context.Canceled || err == context.DeadlineExceeded {
					return
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) == nil {
						ch <- ev
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.rdb.Close()
}
