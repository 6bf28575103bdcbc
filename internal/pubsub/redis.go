// Package pubsub fans samples out to downstream consumers over Redis topics.
//
// Each authenticated user has two topics, one per sample kind. Publishing is
// best-effort: a failed publish is logged and counted, never retried, and
// never surfaces to the edge ingress path.
package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/zanderlabs/ingest/internal/monitoring"
)

// Topic name layout. Consumers subscribe to these exact strings.
const (
	topicPrefix    = "user:"
	featuresSuffix = ":features"
	rawSuffix      = ":raw"
)

// FeaturesTopic returns the feature-sample topic for a user.
func FeaturesTopic(userID string) string {
	return topicPrefix + userID + featuresSuffix
}

// RawTopic returns the raw-sample topic for a user.
func RawTopic(userID string) string {
	return topicPrefix + userID + rawSuffix
}

// Bus is a thin wrapper over one Redis client shared by all publishers and
// subscribers in the process.
type Bus struct {
	client *redis.Client
	logger zerolog.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, redisURL string, logger zerolog.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Bus{
		client: client,
		logger: logger.With().Str("component", "pubsub").Logger(),
	}, nil
}

// Publish sends payload on topic. Fire-and-forget: failures are logged and
// counted under topicKind ("features" or "raw") but not returned.
func (b *Bus) Publish(ctx context.Context, topic, topicKind string, payload []byte) {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("Topic publish failed")
		monitoring.PublishFailures.WithLabelValues(topicKind).Inc()
	}
}

// Subscribe opens a subscription on the given topics. The caller owns the
// returned subscription and must Close it.
func (b *Bus) Subscribe(ctx context.Context, topics ...string) *redis.PubSub {
	return b.client.Subscribe(ctx, topics...)
}

// Ping checks broker reachability (readiness probe).
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close shuts down the underlying client.
func (b *Bus) Close() error {
	return b.client.Close()
}
