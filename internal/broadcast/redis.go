package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultTopicPrefix = "relay:room:"
	defaultDedupeTTL   = 2 * time.Minute
	defaultQueueSize   = 1024
	maxBackoffDelay    = 30 * time.Second
)

// LocalDeliverer hands relayed frames to the members joined on this instance.
type LocalDeliverer interface {
	DeliverLocal(roomID string, frame []byte) int
}

type redisMessage struct {
	RoomID     string          `json:"room_id"`
	MessageID  string          `json:"message_id"`
	Origin     string          `json:"origin"`
	Frame      json.RawMessage `json:"frame"`
	EnqueuedAt int64           `json:"enqueued_at"`
}

type outgoing struct {
	roomID string
	frame  []byte
	at     time.Time
}

// RedisBridge relays room frames between relay instances over Redis Pub/Sub.
// Frames published by this instance are ignored when they come back.
type RedisBridge struct {
	client   *redis.Client
	local    LocalDeliverer
	logger   zerolog.Logger
	instance string

	topicPrefix string
	dedupeTTL   time.Duration
	queue       chan outgoing

	seenMu sync.Mutex
	seen   map[string]time.Time

	latency *prometheus.HistogramVec
}

// NewRedisBridge constructs a bridge backed by Redis Pub/Sub. instance
// identifies this process; an empty value gets a generated ULID.
func NewRedisBridge(client *redis.Client, local LocalDeliverer, instance string, logger zerolog.Logger) *RedisBridge {
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "bridge_latency_seconds",
		Help:      "Observed latency between publish on one instance and local delivery on another.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"outcome"})

	if err := prometheus.Register(histogram); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			histogram = regErr.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	if instance == "" {
		instance = ulid.Make().String()
	}

	return &RedisBridge{
		client:      client,
		local:       local,
		logger:      logger.With().Str("instance", instance).Logger(),
		instance:    instance,
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		queue:       make(chan outgoing, defaultQueueSize),
		seen:        make(map[string]time.Time),
		latency:     histogram,
	}
}

// Instance returns the origin identifier stamped on published frames.
func (b *RedisBridge) Instance() string { return b.instance }

// Publish queues frame for relaying without blocking the caller. Frames are
// dropped when the queue is full.
func (b *RedisBridge) Publish(roomID string, frame []byte) {
	select {
	case b.queue <- outgoing{roomID: roomID, frame: frame, at: time.Now()}:
	default:
		b.latency.WithLabelValues("dropped").Observe(0)
		b.logger.Warn().Str("room_id", roomID).Msg("bridge queue full; dropping frame")
	}
}

// Start begins publishing queued frames and consuming frames from other
// instances until ctx is cancelled.
func (b *RedisBridge) Start(ctx context.Context) {
	go b.publishLoop(ctx)
	go b.run(ctx)
}

func (b *RedisBridge) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-b.queue:
			if err := b.publish(ctx, out); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Warn().Err(err).Str("room_id", out.roomID).Msg("redis publish failed")
			}
		}
	}
}

func (b *RedisBridge) publish(ctx context.Context, out outgoing) error {
	encoded, err := b.encode(out)
	if err != nil {
		return err
	}

	topic := b.topic(out.roomID)
	backoff := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := b.client.Publish(ctx, topic, encoded).Err()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || attempt >= 3 {
			return err
		}
		b.logger.Debug().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
		select {
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *RedisBridge) encode(out outgoing) ([]byte, error) {
	msg := redisMessage{
		RoomID:     out.roomID,
		MessageID:  ulid.Make().String(),
		Origin:     b.instance,
		Frame:      json.RawMessage(out.frame),
		EnqueuedAt: out.at.UTC().UnixNano(),
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode redis payload: %w", err)
	}
	return encoded, nil
}

func (b *RedisBridge) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.PSubscribe(ctx, fmt.Sprintf("%s*", b.topicPrefix))
		if err := b.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

func (b *RedisBridge) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := b.process([]byte(msg.Payload)); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to process relayed frame")
			}
		}
	}
}

func (b *RedisBridge) process(data []byte) error {
	var payload redisMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.RoomID == "" || payload.MessageID == "" || len(payload.Frame) == 0 {
		return errors.New("incomplete payload")
	}
	if payload.Origin == b.instance {
		return nil
	}
	if b.isDuplicate(payload.MessageID) {
		return nil
	}

	var latencySeconds float64
	if payload.EnqueuedAt > 0 {
		latencySeconds = float64(time.Since(time.Unix(0, payload.EnqueuedAt))) / float64(time.Second)
	}
	b.latency.WithLabelValues("delivered").Observe(latencySeconds)

	b.local.DeliverLocal(payload.RoomID, payload.Frame)
	return nil
}

func (b *RedisBridge) topic(roomID string) string {
	return b.topicPrefix + roomID
}

func (b *RedisBridge) isDuplicate(messageID string) bool {
	b.seenMu.Lock()
	defer b.seenMu.Unlock()

	if ts, ok := b.seen[messageID]; ok {
		if time.Since(ts) < b.dedupeTTL {
			return true
		}
	}

	b.seen[messageID] = time.Now()
	cutoff := time.Now().Add(-b.dedupeTTL)
	for k, ts := range b.seen {
		if ts.Before(cutoff) {
			delete(b.seen, k)
		}
	}
	return false
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
