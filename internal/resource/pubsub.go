package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Message is a pub/sub message. Messages published through PubSub carry the
// connection id of their publisher so subscribers can ignore their own echoes.
type Message struct {
	Channel string `json:"-"`
	From    string `json:"from_connection_id,omitempty"`
	Body    string `json:"body"`
}

// PubSub publishes and subscribes over the Redis client.
type PubSub struct {
	client *redis.Client
}

// NewPubSub wraps client.
func NewPubSub(client *redis.Client) *PubSub {
	return &PubSub{client: client}
}

// NewConnectionID returns an identifier for a publishing connection.
func NewConnectionID() string {
	return uuid.NewString()
}

// Publish sends body on channel.
func (p *PubSub) Publish(ctx context.Context, channel, from, body string) error {
	payload, err := json.Marshal(Message{From: from, Body: body})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return p.client.Publish(ctx, channel, payload).Err()
}

// PublishJSON encodes v and publishes it.
func (p *PubSub) PublishJSON(ctx context.Context, channel, from string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message body: %w", err)
	}
	return p.Publish(ctx, channel, from, string(body))
}

// Subscribe subscribes to channels and waits for the server to confirm.
func (p *PubSub) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	sub := p.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %v: %w", channels, err)
	}
	return &Subscription{sub: sub}, nil
}

// Subscription is an open subscription.
type Subscription struct {
	sub *redis.PubSub

	closeOnce sync.Once
	closeErr  error
}

// Receive waits for the next message. The client only honours deadlines
// while reading, so a cancelled ctx closes the subscription.
func (s *Subscription) Receive(ctx context.Context) (Message, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	raw, err := s.sub.ReceiveMessage(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Message{}, ctxErr
		}
		return Message{}, err
	}

	var msg Message
	if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil || (msg.From == "" && msg.Body == "") {
		zap.L().Debug("Received non-envelope pub/sub message", zap.String("channel", raw.Channel))
		msg = Message{Body: raw.Payload}
	}
	msg.Channel = raw.Channel
	return msg, nil
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.sub.Close()
	})
	return s.closeErr
}
