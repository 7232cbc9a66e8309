package service

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// RedisChallengeReporter publishes settled-trade events to a redis
// channel consumed by the achievements/challenges service. Delivery is
// best effort.
type RedisChallengeReporter struct {
	redis   *redis.Client
	channel string
}

// NewRedisChallengeReporter creates a new RedisChallengeReporter
func NewRedisChallengeReporter(redisClient *redis.Client, channel string) *RedisChallengeReporter {
	return &RedisChallengeReporter{
		redis:   redisClient,
		channel: channel,
	}
}

// ReportTrade implements ChallengeReporter
func (r *RedisChallengeReporter) ReportTrade(ctx context.Context, event ChallengeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.redis.Publish(ctx, r.channel, payload).Err()
}
