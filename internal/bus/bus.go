// Package bus implements the topic-based pub/sub transport shared by all
// gateway instances and the matching service. Delivery is at-least-once per
// subscriber with no ordering guarantee across publishers; duplicate
// tolerance is the responsibility of the apply layer, not the bus.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/codepair/gateway/internal/redisdb"
	"github.com/codepair/gateway/internal/slogging"
)

// Topics are fixed at compile time, one per event kind. Routing keys
// (roomId/userId) travel in the payload so fan-out is broadcast to every
// subscribed instance rather than partitioned.
const (
	TopicClientConnected    = "clientConnected"
	TopicClientDisconnected = "clientDisconnected"
	TopicFindMatch          = "findMatch"
	TopicMatchSuccess       = "matchSuccess"
	TopicSendLanguage       = "sendLanguage"
	TopicSendCurrentCode    = "sendCurrentCode"
	TopicSendDrawing        = "sendDrawing"
	TopicSendUndoDrawing    = "sendUndoDrawing"
	TopicSendRedoDrawing    = "sendRedoDrawing"
	TopicSendClearDrawing   = "sendClearDrawing"
	TopicSendMessage        = "sendMessage"
	TopicSendLeaveRoom      = "sendLeaveRoom"

	// Snapshot transfer for cross-instance reconnects
	TopicRoomSnapshotRequest  = "roomSnapshotRequest"
	TopicRoomSnapshotResponse = "roomSnapshotResponse"
)

// GatewayTopics lists every topic a gateway instance subscribes to.
// findMatch is absent: it is consumed only by the matching service.
func GatewayTopics() []string {
	return []string{
		TopicClientConnected,
		TopicClientDisconnected,
		TopicMatchSuccess,
		TopicSendLanguage,
		TopicSendCurrentCode,
		TopicSendDrawing,
		TopicSendUndoDrawing,
		TopicSendRedoDrawing,
		TopicSendClearDrawing,
		TopicSendMessage,
		TopicSendLeaveRoom,
		TopicRoomSnapshotRequest,
		TopicRoomSnapshotResponse,
	}
}

// Envelope wraps every payload published on the bus. OriginInstanceID lets a
// subscriber suppress events it published itself; OpID gives the apply layer
// a stable identity for duplicate detection under at-least-once delivery.
type Envelope struct {
	Topic            string          `json:"topic"`
	OriginInstanceID string          `json:"origin_instance_id"`
	OpID             string          `json:"op_id"`
	PublishedAt      time.Time       `json:"published_at"`
	Payload          json.RawMessage `json:"payload"`
}

// Handler processes one delivered envelope.
type Handler func(ctx context.Context, env Envelope)

// Bus is the Redis pub/sub adapter.
type Bus struct {
	rdb        *redisdb.DB
	instanceID string

	mu   sync.Mutex
	subs []*redis.PubSub
	wg   sync.WaitGroup
}

// New creates a bus bound to this gateway instance's identity.
func New(rdb *redisdb.DB, instanceID string) *Bus {
	return &Bus{rdb: rdb, instanceID: instanceID}
}

// InstanceID returns the identity stamped on published envelopes.
func (b *Bus) InstanceID() string {
	return b.instanceID
}

// Publish marshals payload into an envelope and publishes it on topic.
// Publish is fire-and-forget by design: no delivery acknowledgment is
// awaited, idempotent application functions compensate for the gap.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	return b.PublishOp(ctx, topic, uuid.New().String(), payload)
}

// PublishOp publishes with a caller-chosen op id. The event router uses it
// to stamp the identity it already applied locally, so every replica dedups
// on the same id.
func (b *Bus) PublishOp(ctx context.Context, topic, opID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for topic %s: %w", topic, err)
	}

	env := Envelope{
		Topic:            topic,
		OriginInstanceID: b.instanceID,
		OpID:             opID,
		PublishedAt:      time.Now().UTC(),
		Payload:          data,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for topic %s: %w", topic, err)
	}

	if err := b.rdb.Client().Publish(ctx, topic, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish on topic %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for the given topics and starts a goroutine
// draining deliveries. It returns once the subscription is confirmed.
func (b *Bus) Subscribe(ctx context.Context, handler Handler, topics ...string) error {
	ps := b.rdb.Client().Subscribe(ctx, topics...)

	// Wait for subscription confirmation so callers can publish immediately after.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to subscribe to %v: %w", topics, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, ps)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.dispatch(ctx, handler, msg)
			}
		}
	}()

	return nil
}

func (b *Bus) dispatch(ctx context.Context, handler Handler, msg *redis.Message) {
	logger := slogging.Get()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("PANIC in bus handler - topic: %s, error: %v, stack: %s",
				msg.Channel, r, debug.Stack())
		}
	}()

	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		logger.Warn("Dropping malformed bus message on topic %s: %v", msg.Channel, err)
		return
	}
	if env.Topic == "" {
		env.Topic = msg.Channel
	}
	handler(ctx, env)
}

// Close unsubscribes everything and waits for dispatch goroutines to drain.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var firstErr error
	for _, ps := range subs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.wg.Wait()
	return firstErr
}
