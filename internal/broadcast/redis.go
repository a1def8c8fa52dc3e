package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iceweasel13/monplace/internal/grid"
)

// DefaultChannel is the pub/sub channel carrying cell changes.
const DefaultChannel = "pixels"

// RedisFeed publishes changes on a Redis channel so every server process
// can relay them to its own websocket clients.
type RedisFeed struct {
	rdb     *redis.Client
	channel string
	logger  zerolog.Logger
}

var _ Feed = (*RedisFeed)(nil)

func NewRedisFeed(rdb *redis.Client, channel string, logger zerolog.Logger) *RedisFeed {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisFeed{rdb: rdb, channel: channel, logger: logger}
}

func (f *RedisFeed) Publish(ctx context.Context, ch grid.Change) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := f.rdb.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context) (<-chan grid.Change, func(), error) {
	pubsub := f.rdb.Subscribe(ctx, f.channel)
	// Wait for the subscription confirmation so no change published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", f.channel, err)
	}

	out := make(chan grid.Change, subscriberBuffer)
	redisChan := pubsub.Channel()
	go func() {
		defer close(out)
		for msg := range redisChan {
			var ch grid.Change
			if err := json.Unmarshal([]byte(msg.Payload), &ch); err != nil {
				f.logger.Warn().Err(err).Str("channel", f.channel).Msg("dropping undecodable change")
				continue
			}
			select {
			case out <- ch:
			default:
				f.logger.Warn().Str("channel", f.channel).Msg("subscriber too slow, dropping change")
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = pubsub.Close() })
	}
	return out, cancel, nil
}
