package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepair/gateway/internal/redisdb"
)

func setupBus(t *testing.T, instanceID string) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := New(redisdb.NewFromClient(client), instanceID)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func setupSharedBuses(t *testing.T) (*Bus, *Bus) {
	t.Helper()
	mr := miniredis.RunT(t)

	c1 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c1.Close(); _ = c2.Close() })

	b1 := New(redisdb.NewFromClient(c1), "instance-1")
	b2 := New(redisdb.NewFromClient(c2), "instance-2")
	t.Cleanup(func() { _ = b1.Close(); _ = b2.Close() })
	return b1, b2
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b := setupBus(t, "instance-1")
	ctx := context.Background()

	received := make(chan Envelope, 1)
	require.NoError(t, b.Subscribe(ctx, func(_ context.Context, env Envelope) {
		received <- env
	}, TopicSendCurrentCode))

	payload := map[string]string{"roomId": "r1", "code": "print(1)"}
	require.NoError(t, b.Publish(ctx, TopicSendCurrentCode, payload))

	select {
	case env := <-received:
		assert.Equal(t, TopicSendCurrentCode, env.Topic)
		assert.Equal(t, "instance-1", env.OriginInstanceID)
		assert.NotEmpty(t, env.OpID)

		var got map[string]string
		require.NoError(t, json.Unmarshal(env.Payload, &got))
		assert.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus delivery")
	}
}

func TestCrossInstanceFanOut(t *testing.T) {
	b1, b2 := setupSharedBuses(t)
	ctx := context.Background()

	seenBy1 := make(chan Envelope, 1)
	seenBy2 := make(chan Envelope, 1)
	require.NoError(t, b1.Subscribe(ctx, func(_ context.Context, env Envelope) { seenBy1 <- env }, TopicSendDrawing))
	require.NoError(t, b2.Subscribe(ctx, func(_ context.Context, env Envelope) { seenBy2 <- env }, TopicSendDrawing))

	require.NoError(t, b1.Publish(ctx, TopicSendDrawing, map[string]string{"roomId": "r1"}))

	// Both instances receive the broadcast; the origin id lets instance-1
	// suppress its own event at the apply layer.
	for name, ch := range map[string]chan Envelope{"instance-1": seenBy1, "instance-2": seenBy2} {
		select {
		case env := <-ch:
			assert.Equal(t, "instance-1", env.OriginInstanceID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery to %s", name)
		}
	}
}

func TestSubscribeMultipleTopics(t *testing.T) {
	b := setupBus(t, "instance-1")
	ctx := context.Background()

	received := make(chan string, 2)
	require.NoError(t, b.Subscribe(ctx, func(_ context.Context, env Envelope) {
		received <- env.Topic
	}, TopicSendUndoDrawing, TopicSendRedoDrawing))

	require.NoError(t, b.Publish(ctx, TopicSendUndoDrawing, map[string]string{"roomId": "r1"}))
	require.NoError(t, b.Publish(ctx, TopicSendRedoDrawing, map[string]string{"roomId": "r1"}))

	topics := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case topic := <-received:
			topics[topic] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}
	assert.True(t, topics[TopicSendUndoDrawing])
	assert.True(t, topics[TopicSendRedoDrawing])
}

func TestMalformedMessageDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b := New(redisdb.NewFromClient(client), "instance-1")
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	received := make(chan Envelope, 1)
	require.NoError(t, b.Subscribe(ctx, func(_ context.Context, env Envelope) {
		received <- env
	}, TopicSendMessage))

	// Raw garbage on the channel must not reach the handler or kill the drain loop
	require.NoError(t, client.Publish(ctx, TopicSendMessage, "not json").Err())
	require.NoError(t, b.Publish(ctx, TopicSendMessage, map[string]string{"roomId": "r1"}))

	select {
	case env := <-received:
		assert.Equal(t, TopicSendMessage, env.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message after malformed one was not delivered")
	}
	assert.Empty(t, received)
}

func TestGatewayTopicsOmitFindMatch(t *testing.T) {
	for _, topic := range GatewayTopics() {
		assert.NotEqual(t, TopicFindMatch, topic,
			"gateway must not subscribe to the matching service's inbound topic")
	}
}
