package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"dismissal/internal/metrics"
)

// RedisBus publishes events on one Redis pub/sub channel per room, so every
// API instance can serve subscribers regardless of which instance committed
// the change.
type RedisBus struct {
	client *redis.Client
	buffer int
	log    *slog.Logger
}

// NewRedisBus builds a bus over PUBLISH/SUBSCRIBE.
func NewRedisBus(client *redis.Client, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{client: client, buffer: defaultBuffer, log: log}
}

// Publish sends evt to each of its rooms in one pipeline.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	payload, err := encode(evt)
	if err != nil {
		return err
	}
	pipe := b.client.Pipeline()
	for _, room := range RoomsFor(evt) {
		pipe.Publish(ctx, room.String(), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "publishing event")
	}
	metrics.EventsPublished.WithLabelValues(evt.Name).Inc()
	return nil
}

// Subscribe streams events from the room channels until ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, rooms ...Room) (<-chan Event, error) {
	channels := make([]string, 0, len(rooms))
	for _, room := range rooms {
		channels = append(channels, room.String())
	}
	ps := b.client.Subscribe(ctx, channels...)
	// wait for the subscription to be confirmed so no publish is missed after we return
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "subscribing")
	}

	out := make(chan Event, b.buffer)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				evt, err := decode(msg.Payload)
				if err != nil {
					b.log.Warn("dropping malformed event", "channel", msg.Channel, "err", err)
					continue
				}
				select {
				case out <- evt:
				default:
					metrics.EventsDropped.WithLabelValues("redis").Inc()
				}
			}
		}
	}()
	return out, nil
}

func encode(evt Event) (string, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return "", errors.Wrap(err, "encoding event")
	}
	return string(body), nil
}

func decode(payload string) (Event, error) {
	var evt Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return Event{}, errors.Wrap(err, "decoding event")
	}
	if evt.Name == "" || evt.SchoolID == "" {
		return Event{}, errors.New("event missing name or school")
	}
	return evt, nil
}
