package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrUnavailable wraps publish and subscribe failures caused by the
// Redis channel backend.
var ErrUnavailable = errors.New("event bus unavailable")

// ErrClosed is returned when the bus has been shut down.
var ErrClosed = errors.New("event bus closed")

// Handler consumes one message payload. Handlers for a topic run on the
// bus's single dispatch goroutine in the order messages arrive at this
// process; no ordering holds across processes. Delivery is at-least-once
// and unpersisted, so handlers must be idempotent and tolerate gaps.
type Handler func(payload []byte)

// Subscription is the opaque handle returned by Subscribe. Passing it
// back to Unsubscribe removes exactly the handler it was created for,
// leaving other subscribers to the same topic untouched.
type Subscription struct {
	topic string
	id    uint64
}

// Topic returns the topic this subscription is registered on.
func (s *Subscription) Topic() string {
	if s == nil {
		return ""
	}
	return s.topic
}

// SubPub is a Redis pub/sub event bus. Channel names are the configured
// prefix plus the logical topic, so all processes of a deployment meet
// on the same channels.
type SubPub struct {
	client redis.UniversalClient
	sub    *redis.PubSub
	prefix string
	log    *zap.Logger

	mu       sync.Mutex
	handlers map[string]map[uint64]Handler
	nextID   uint64
	closed   bool

	wg sync.WaitGroup
}

// New creates a [SubPub] on the given Redis client. The subscriber
// connection and its dispatch goroutine start immediately.
func New(client redis.UniversalClient, prefix string, log *zap.Logger) *SubPub {
	if log == nil {
		log = zap.NewNop()
	}

	s := &SubPub{
		client:   client,
		prefix:   prefix,
		log:      log,
		handlers: make(map[string]map[uint64]Handler),
	}
	s.sub = client.Subscribe(context.Background())

	s.wg.Add(1)
	go s.dispatch()

	return s
}

func (s *SubPub) channel(topic string) string {
	return s.prefix + topic
}

// Publish serializes payload as JSON and sends it on the topic's channel.
// It does not block beyond the publish call itself; subscribers are never
// awaited.
func (s *SubPub) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	channel := s.channel(topic)
	s.log.Debug("bus publish", zap.String("channel", channel), zap.ByteString("payload", data))

	if err := s.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Subscribe registers handler for a topic and returns its handle. The
// first subscriber to a topic opens the underlying channel subscription;
// a failure there is returned so callers can treat it as fatal.
func (s *SubPub) Subscribe(ctx context.Context, topic string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("nil handler")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if _, ok := s.handlers[topic]; !ok {
		if err := s.sub.Subscribe(ctx, s.channel(topic)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		s.handlers[topic] = make(map[uint64]Handler)
	}

	s.nextID++
	id := s.nextID
	s.handlers[topic][id] = handler

	return &Subscription{topic: topic, id: id}, nil
}

// Unsubscribe removes the handler identified by sub. When the last
// handler for a topic is removed, the underlying channel subscription is
// dropped too. Unsubscribing twice is a no-op.
func (s *SubPub) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	registered, ok := s.handlers[sub.topic]
	if !ok {
		return nil
	}
	if _, ok := registered[sub.id]; !ok {
		return nil
	}

	delete(registered, sub.id)
	if len(registered) > 0 {
		return nil
	}

	delete(s.handlers, sub.topic)
	if s.closed {
		return nil
	}
	if err := s.sub.Unsubscribe(ctx, s.channel(sub.topic)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close shuts down the subscriber connection and waits for the dispatch
// goroutine to drain.
func (s *SubPub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.sub.Close()
	s.wg.Wait()
	return err
}

func (s *SubPub) dispatch() {
	defer s.wg.Done()

	for msg := range s.sub.Channel() {
		topic := strings.TrimPrefix(msg.Channel, s.prefix)
		s.log.Debug("bus receive", zap.String("channel", msg.Channel), zap.String("payload", msg.Payload))

		s.mu.Lock()
		registered := s.handlers[topic]
		handlers := make([]Handler, 0, len(registered))
		for _, h := range registered {
			handlers = append(handlers, h)
		}
		s.mu.Unlock()

		// Handlers run on this goroutine so per-process delivery order
		// matches channel order.
		for _, h := range handlers {
			h([]byte(msg.Payload))
		}
	}
}
