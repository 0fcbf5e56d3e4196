package zwaveevent

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisSink mirrors driver Events into Redis: one hash whose fields are
// named by event kind (prefixed with the node id for node-scoped events)
// plus a pub/sub fanout, an HSet+Publish pipeline per event. It is never
// constructed or imported by pkg/driver — a consumer wires it up
// separately, keeping the driver core free of a hard Redis dependency.
type RedisSink struct {
	client  *redis.Client
	ctx     context.Context
	channel string
	hashKey string

	events chan Event
	stop   chan struct{}
}

// NewRedisSink connects to addr and starts the mirroring goroutine.
// channel is the pub/sub channel driver events are published to; hashKey
// is the hash each event's message is written under, keeping the last
// message per field.
func NewRedisSink(addr, password string, db int, channel, hashKey string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("zwaveevent: failed to connect to Redis: %w", err)
	}

	s := &RedisSink{
		client:  client,
		ctx:     ctx,
		channel: channel,
		hashKey: hashKey,
		events:  make(chan Event, 256),
		stop:    make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Channel returns a Sink that feeds this mirror; pass it as the driver's
// EventSink.
func (s *RedisSink) Channel() chan<- Event { return s.events }

func (s *RedisSink) run() {
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.events:
			s.mirror(ev)
		}
	}
}

func (s *RedisSink) mirror(ev Event) {
	field := string(ev.Kind)
	value := ev.Message
	if ev.NodeID != 0 {
		field = strconv.Itoa(int(ev.NodeID)) + ":" + field
	}

	pipe := s.client.Pipeline()
	pipe.HSet(s.ctx, s.hashKey, field, value)
	pipe.Publish(s.ctx, s.channel, fmt.Sprintf("%s:%s", field, value))
	if _, err := pipe.Exec(s.ctx); err != nil {
		log.Printf("zwaveevent: failed to mirror event %s to redis: %v", ev.Kind, err)
	}
}

// Close stops the mirroring goroutine and closes the Redis connection.
func (s *RedisSink) Close() error {
	close(s.stop)
	return s.client.Close()
}
