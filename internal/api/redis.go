package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// Reply is published on "<prefix>:replies" for every command received.
type Reply struct {
	Op     Op     `cbor:"op"`
	OK     bool   `cbor:"ok"`
	Error  string `cbor:"error,omitempty"`
	Result Result `cbor:"result"`
}

// RedisCommands executes CBOR-encoded Commands published on
// "<prefix>:commands".
type RedisCommands struct {
	g       Glasses
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisCommands connects to redis at addr.
func NewRedisCommands(ctx context.Context, g Glasses, addr, password string, db int, prefix string) (*RedisCommands, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("api: connect to redis %s: %w", addr, err)
	}
	return &RedisCommands{g: g, client: client, prefix: prefix, timeout: 30 * time.Second}, nil
}

// Run handles commands until ctx is cancelled. Commands run one at a time
// in arrival order.
func (c *RedisCommands) Run(ctx context.Context) error {
	defer c.client.Close()

	channel := c.prefix + ":commands"
	pubsub := c.client.Subscribe(ctx, channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("api: subscribe to %s: %w", channel, err)
	}
	slog.Info("[API] subscribed to redis commands", "channel", channel)

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			reply := c.handle(ctx, []byte(msg.Payload))
			if err := c.client.Publish(ctx, c.prefix+":replies", reply).Err(); err != nil {
				slog.Warn("[API] publish reply", "error", err)
			}
		}
	}
}

// handle decodes and executes one command and returns the encoded Reply.
func (c *RedisCommands) handle(ctx context.Context, payload []byte) []byte {
	var cmd Command
	reply := Reply{OK: true}
	if err := cbor.Unmarshal(payload, &cmd); err != nil {
		reply.OK, reply.Error = false, fmt.Sprintf("decode command: %v", err)
	} else {
		reply.Op = cmd.Op
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		res, err := Execute(ctx, c.g, cmd)
		cancel()
		if err != nil {
			slog.Warn("[API] redis command failed", "op", cmd.Op, "error", err)
			reply.OK, reply.Error = false, err.Error()
		}
		reply.Result = res
	}

	out, err := cbor.Marshal(reply)
	if err != nil {
		slog.Error("[API] encode reply", "error", err)
		return nil
	}
	return out
}
