package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/graffiti-garden/graffiti-go"
	"github.com/graffiti-garden/graffiti-go/internal/usecase"
)

const signalChannelPrefix = "graffiti:signal:"

// SignalService fans committed writes out to realtime consumers. With a
// redis client it publishes on one pub-sub channel per object channel,
// so several daemons over separate stores can share one feed; without
// one it dispatches in process.
type SignalService struct {
	rdb *redis.Client

	mu     sync.Mutex
	subs   map[int]*signalSub
	nextID int
}

type signalSub struct {
	channels map[string]bool
	out      chan graffiti.ChangeEvent
}

func NewSignalService(redisClient *redis.Client) *SignalService {
	return &SignalService{
		rdb:  redisClient,
		subs: map[int]*signalSub{},
	}
}

// Publish broadcasts one committed write. Tombstones are broadcast like
// live writes; the event's channels say who cares.
func (s *SignalService) Publish(ctx context.Context, event graffiti.ChangeEvent) {
	if s.rdb != nil {
		jsonstr, err := json.Marshal(event)
		if err != nil {
			slog.Error(
				"Failed to encode change event",
				slog.String("error", err.Error()),
				slog.String("module", "signal"),
			)
			return
		}
		for _, channel := range event.Channels {
			if err := s.rdb.Publish(ctx, signalChannelPrefix+channel, jsonstr).Err(); err != nil {
				slog.Error(
					"Failed to publish change event",
					slog.String("error", err.Error()),
					slog.String("module", "signal"),
				)
			}
		}
		return
	}

	s.mu.Lock()
	for _, sub := range s.subs {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.out <- event:
		default:
		}
	}
	s.mu.Unlock()
}

func (sub *signalSub) matches(event graffiti.ChangeEvent) bool {
	for _, channel := range event.Channels {
		if sub.channels[channel] {
			return true
		}
	}
	return false
}

// Realtime forwards change events for the channels most recently sent
// on input, until the context ends. It drives one websocket session.
func (s *SignalService) Realtime(ctx context.Context, input chan []string, output chan graffiti.ChangeEvent) {
	if s.rdb != nil {
		s.realtimeRedis(ctx, input, output)
		return
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	sub := &signalSub{
		channels: map[string]bool{},
		out:      make(chan graffiti.ChangeEvent, 64),
	}
	s.subs[id] = sub
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case channels, ok := <-input:
			if !ok {
				return
			}
			s.mu.Lock()
			sub.channels = map[string]bool{}
			for _, c := range channels {
				sub.channels[c] = true
			}
			s.mu.Unlock()
		case event := <-sub.out:
			select {
			case output <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *SignalService) realtimeRedis(ctx context.Context, input chan []string, output chan graffiti.ChangeEvent) {
	pubsub := s.rdb.Subscribe(ctx)
	defer pubsub.Close()

	messages := pubsub.Channel()
	subscribed := []string{}

	for {
		select {
		case <-ctx.Done():
			return
		case channels, ok := <-input:
			if !ok {
				return
			}
			if len(subscribed) > 0 {
				if err := pubsub.Unsubscribe(ctx, subscribed...); err != nil {
					slog.Error(
						"Failed to unsubscribe",
						slog.String("error", err.Error()),
						slog.String("module", "signal"),
					)
				}
			}
			subscribed = subscribed[:0]
			for _, c := range channels {
				subscribed = append(subscribed, signalChannelPrefix+c)
			}
			if len(subscribed) > 0 {
				if err := pubsub.Subscribe(ctx, subscribed...); err != nil {
					slog.Error(
						"Failed to subscribe",
						slog.String("error", err.Error()),
						slog.String("module", "signal"),
					)
				}
			}
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event graffiti.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Error(
					"Failed to decode change event",
					slog.String("error", err.Error()),
					slog.String("module", "signal"),
				)
				continue
			}
			select {
			case output <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

var _ usecase.SignalPublisher = (*SignalService)(nil)
