package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// TopicTemplateSaved carries SavedEvent payloads.
const TopicTemplateSaved = "herald.template.saved"

// SavedEvent announces that a new template revision is durable.
type SavedEvent struct {
	TemplateID  string `json:"template_id"`
	Revision    int64  `json:"revision"`
	ContentHash string `json:"content_hash"`
	SavedAtMs   int64  `json:"saved_at_ms"`
}

// Settings holds the Redis Streams transport configuration. When disabled the
// bus is an in-process gochannel, which only reaches subscribers in the same
// process.
type Settings struct {
	Enabled  bool   `mapstructure:"events-redis" yaml:"events-redis"`
	Addr     string `mapstructure:"redis-addr" yaml:"redis-addr"`
	Group    string `mapstructure:"events-group" yaml:"events-group"`
	Consumer string `mapstructure:"events-consumer" yaml:"events-consumer"`
}

type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	closers    []func() error
}

func NewBus(s Settings) (*Bus, error) {
	if !s.Enabled {
		return NewInProcessBus(), nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("events: redis addr is empty")
	}
	if s.Group == "" {
		s.Group = "herald"
	}
	if s.Consumer == "" {
		s.Consumer = watermill.NewShortUUID()
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := NewWatermillLogger(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "events: redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "events: redis subscriber")
	}
	return &Bus{
		publisher:  pub,
		subscriber: sub,
		closers:    []func() error{pub.Close, sub.Close, client.Close},
	}, nil
}

func NewInProcessBus() *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, NewWatermillLogger(log.Logger))
	return &Bus{publisher: ch, subscriber: ch, closers: []func() error{ch.Close}}
}

// NewBusFrom wraps existing watermill publisher/subscriber; the caller keeps
// ownership of both.
func NewBusFrom(pub message.Publisher, sub message.Subscriber) *Bus {
	return &Bus{publisher: pub, subscriber: sub}
}

func (b *Bus) PublishSaved(ctx context.Context, ev SavedEvent) error {
	if b == nil || b.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "events: marshal saved event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	msg.Metadata.Set("template_id", ev.TemplateID)
	if err := b.publisher.Publish(TopicTemplateSaved, msg); err != nil {
		return errors.Wrap(err, "events: publish saved event")
	}
	return nil
}

// SubscribeSaved streams decoded SavedEvents until ctx is canceled.
// Undecodable messages are logged and acked so they do not redeliver.
func (b *Bus) SubscribeSaved(ctx context.Context) (<-chan SavedEvent, error) {
	if b == nil || b.subscriber == nil {
		return nil, errors.New("events: bus has no subscriber")
	}
	msgs, err := b.subscriber.Subscribe(ctx, TopicTemplateSaved)
	if err != nil {
		return nil, errors.Wrap(err, "events: subscribe")
	}
	out := make(chan SavedEvent)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev SavedEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("component", "events").Str("message_uuid", msg.UUID).Msg("failed to decode saved event")
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

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var firstErr error
	for _, c := range b.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.closers = nil
	return firstErr
}

// EnsureGroupAtTail creates the consumer group for the saved-events stream at
// the tail ($) if it doesn't exist, so a new watcher does not replay history.
func EnsureGroupAtTail(ctx context.Context, addr, group string) error {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	err := client.XGroupCreateMkStream(ctx, TopicTemplateSaved, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", TopicTemplateSaved).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
