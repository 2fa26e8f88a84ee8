package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/multiauth"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultRevocationChannel = "multiauth:revocations"
	DefaultInAppPrefix       = "multiauth:inapp:"
)

// RedisPublisher announces revoked sessions on a pub/sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultRevocationChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Channel() string { return p.channel }

func (p *RedisPublisher) PublishRevocation(ctx context.Context, event multiauth.RevocationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish revocation: %w", err)
	}
	return nil
}

// SubscribeRevocations calls fn for every event published on channel until
// ctx is cancelled. Malformed payloads are logged and skipped.
func SubscribeRevocations(ctx context.Context, client redis.UniversalClient, channel string, logger *zap.Logger, fn func(multiauth.RevocationEvent)) error {
	if channel == "" {
		channel = DefaultRevocationChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev multiauth.RevocationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("bad revocation payload", zap.String("channel", channel), zap.Error(err))
				continue
			}
			fn(ev)
		}
	}
}

// InAppMessage is what an in-app client receives on its user channel.
type InAppMessage struct {
	Kind      multiauth.NotificationKind `json:"kind"`
	Code      string                     `json:"code,omitempty"`
	Remaining int                        `json:"remaining,omitempty"`
	At        string                     `json:"at"`
}

// InAppPublisher pushes notifications to <prefix><user id>, where a
// connected client of that user picks them up.
type InAppPublisher struct {
	client redis.UniversalClient
	prefix string
}

func NewInAppPublisher(client redis.UniversalClient, prefix string) *InAppPublisher {
	if prefix == "" {
		prefix = DefaultInAppPrefix
	}
	return &InAppPublisher{client: client, prefix: prefix}
}

func (p *InAppPublisher) ChannelFor(userID string) string { return p.prefix + userID }

// Notify fails when nobody is subscribed: an OTP nobody can read is a
// delivery failure.
func (p *InAppPublisher) Notify(ctx context.Context, n multiauth.Notification) error {
	if n.UserID == "" {
		return ErrNoRecipient
	}
	data, err := json.Marshal(InAppMessage{
		Kind:      n.Kind,
		Code:      n.Code,
		Remaining: n.Remaining,
		At:        n.At.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	receivers, err := p.client.Publish(ctx, p.ChannelFor(n.UserID), data).Result()
	if err != nil {
		return fmt.Errorf("publish in-app: %w", err)
	}
	if receivers == 0 && n.Kind == multiauth.NotifyInAppOTP {
		return ErrNoReceiver
	}
	return nil
}

var (
	_ multiauth.RevocationPublisher = (*RedisPublisher)(nil)
	_ multiauth.Notifier            = (*InAppPublisher)(nil)
)
