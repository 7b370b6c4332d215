// Package events publishes escalation lifecycle events to a watermill topic so
// processes outside the chat core (paging, reporting) can react to them.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Type names a lifecycle event.
type Type string

const (
	EscalationRequested Type = "escalation.requested"
	EscalationAssigned  Type = "escalation.assigned"
	EscalationResolved  Type = "escalation.resolved"
)

// Event is the JSON payload of every published message.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId,omitempty"`
	StaffID   string    `json:"staffId,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher is what the escalation router depends on.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Backend selects the transport.
type Backend string

const (
	BackendNone      Backend = "none"
	BackendGoChannel Backend = "gochannel"
	BackendRedis     Backend = "redis"
)

// DefaultTopic is used when Config.Topic is empty.
const DefaultTopic = "chat.escalations"

// Config describes the bus.
type Config struct {
	Backend       Backend
	Topic         string
	RedisClient   redis.UniversalClient
	ConsumerGroup string
}

// Bus owns a watermill publisher/subscriber pair for one topic.
type Bus struct {
	topic      string
	publisher  message.Publisher
	subscriber message.Subscriber
	shared     bool
}

// NewBus builds the bus for cfg.Backend. BackendNone returns a nil *Bus, whose
// methods are no-ops.
func NewBus(cfg Config) (*Bus, error) {
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	logger := NewLogger(log.Logger)

	switch cfg.Backend {
	case BackendNone, "":
		return nil, nil
	case BackendGoChannel:
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &Bus{topic: topic, publisher: ch, subscriber: ch, shared: true}, nil
	case BackendRedis:
		if cfg.RedisClient == nil {
			return nil, errors.New("redis event bus requires a client")
		}
		marshaler := rstream.DefaultMarshallerUnmarshaller{}
		pub, err := rstream.NewPublisher(rstream.PublisherConfig{
			Client:     cfg.RedisClient,
			Marshaller: marshaler,
		}, logger)
		if err != nil {
			return nil, errors.Wrap(err, "redis stream publisher")
		}
		group := cfg.ConsumerGroup
		if group == "" {
			group = "chat-audit"
		}
		sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
			Client:        cfg.RedisClient,
			Unmarshaller:  marshaler,
			ConsumerGroup: group,
		}, logger)
		if err != nil {
			_ = pub.Close()
			return nil, errors.Wrap(err, "redis stream subscriber")
		}
		return &Bus{topic: topic, publisher: pub, subscriber: sub}, nil
	default:
		return nil, errors.Errorf("unknown event backend %q", cfg.Backend)
	}
}

// Topic returns the topic events are published on.
func (b *Bus) Topic() string {
	if b == nil {
		return ""
	}
	return b.topic
}

// Publish implements Publisher.
func (b *Bus) Publish(_ context.Context, ev Event) error {
	if b == nil {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	msg := message.NewMessage(ev.ID, payload)
	msg.Metadata.Set("type", string(ev.Type))
	msg.Metadata.Set("session_id", ev.SessionID)
	return errors.Wrap(b.publisher.Publish(b.topic, msg), "publish event")
}

// Subscribe streams decoded events until ctx ends. Undecodable messages are
// acked and skipped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	if b == nil {
		return nil, errors.New("event bus disabled")
	}
	messages, err := b.subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe")
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("component", "events").Str("message_id", msg.UUID).Msg("dropping undecodable event")
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close releases the publisher and subscriber.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	pubErr := b.publisher.Close()
	if b.shared {
		return pubErr
	}
	if err := b.subscriber.Close(); err != nil {
		return err
	}
	return pubErr
}
