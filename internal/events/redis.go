package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chaz8081/glassbridge/internal/ble"
)

// Envelope is the CBOR message published for every event.
type Envelope struct {
	Kind string `cbor:"kind"`
	At   int64  `cbor:"at"`
	Data any    `cbor:"data"`
}

// update is one pending redis write: an optional hash field and an optional
// channel message.
type update struct {
	Field   string
	Value   string
	Channel string
	Payload []byte
}

// RedisSink mirrors driver state into a redis hash and publishes a CBOR
// envelope per event. Writes happen on a worker goroutine; events are dropped
// with a warning while the worker is backed up.
type RedisSink struct {
	key   string
	write func(ctx context.Context, u update) error
	now   func() time.Time

	ch   chan update
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewRedisSink connects to redis at addr and publishes under prefix: state
// in the hash "<prefix>", events on "<prefix>:events" and microphone PCM on
// "<prefix>:audio".
func NewRedisSink(ctx context.Context, addr, password string, db int, prefix string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("events: connect to redis %s: %w", addr, err)
	}
	s := newRedisSink(prefix, func(ctx context.Context, u update) error {
		pipe := client.Pipeline()
		if u.Field != "" {
			pipe.HSet(ctx, prefix, u.Field, u.Value)
		}
		if u.Channel != "" {
			pipe.Publish(ctx, u.Channel, u.Payload)
		}
		_, err := pipe.Exec(ctx)
		return err
	}, 256)
	go func() {
		<-s.done
		client.Close()
	}()
	return s, nil
}

func newRedisSink(prefix string, write func(ctx context.Context, u update) error, buffer int) *RedisSink {
	s := &RedisSink{
		key:   prefix,
		write: write,
		now:   time.Now,
		ch:    make(chan update, buffer),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *RedisSink) run() {
	defer close(s.done)
	for u := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.write(ctx, u); err != nil {
			slog.Warn("[EVENTS] redis write failed", "field", u.Field, "channel", u.Channel, "error", err)
		}
		cancel()
	}
}

// Close flushes queued writes and stops the worker.
func (s *RedisSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
}

// Dropped returns how many events were discarded because the worker was
// backed up.
func (s *RedisSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *RedisSink) enqueue(u update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped++
		return
	}
	select {
	case s.ch <- u:
	default:
		s.dropped++
		slog.Warn("[EVENTS] redis worker backed up, dropping event", "field", u.Field, "channel", u.Channel)
	}
}

func (s *RedisSink) publish(kind, field, value string, data any) {
	payload, err := cbor.Marshal(Envelope{Kind: kind, At: s.now().UnixMilli(), Data: data})
	if err != nil {
		slog.Error("[EVENTS] encode envelope", "kind", kind, "error", err)
		return
	}
	s.enqueue(update{Field: field, Value: value, Channel: s.key + ":events", Payload: payload})
}

func (s *RedisSink) OnConnectionStateChanged(role ble.Role, state ble.State) {
	s.publish("connection", "state:"+role.String(), state.String(), map[string]string{
		"role":  role.String(),
		"state": state.String(),
	})
}

func (s *RedisSink) OnAggregateState(n int) {
	s.publish("aggregate", "aggregate", strconv.Itoa(n), n)
}

func (s *RedisSink) OnBatteryLevel(percent int) {
	s.publish("battery", "battery", strconv.Itoa(percent), percent)
}

func (s *RedisSink) OnAudioFrame(pcm []byte) {
	s.enqueue(update{Channel: s.key + ":audio", Payload: append([]byte(nil), pcm...)})
}

func (s *RedisSink) OnGesture(g Gesture) {
	s.publish("gesture", "", "", g.String())
}

func (s *RedisSink) OnUpdateProgress(p UpdateProgress) {
	s.publish("update", "update", string(p.State), p)
}
