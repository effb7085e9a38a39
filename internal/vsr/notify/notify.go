// Package notify adapts the replication core's Core -> fan-out bus
// on_commit contract onto two real, interchangeable transports: Google
// Cloud Pub/Sub (grounded on internal/events/pubsub_bus.go's topic
// publish-and-wait-for-server-id pattern) and Redis Pub/Sub (grounded on
// internal/fabric/redis_event_bus.go / internal/infra/redis_adapter.go's
// go-redis v9 wrapping). Both satisfy the same CommitNotifier interface so
// the replica core depends on neither concretely.
package notify

import (
	"context"
	"encoding/hex"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"

	"github.com/ocx/vsrchat/internal/vsr/wire"
)

// CommitNotifier is notified of every newly committed chat message so it
// can be fanned out to interested subscribers outside the replica group
// (edge gateways, search indexers, audit sinks).
type CommitNotifier interface {
	NotifyCommit(ctx context.Context, roomID [16]byte, msg wire.ChatMessage) error
	Close() error
}

func roomChannel(prefix string, roomID [16]byte) string {
	return prefix + hex.EncodeToString(roomID[:])
}

// PubSubNotifier publishes committed messages to a Cloud Pub/Sub topic,
// ordered per room so a subscriber never observes two messages from the
// same room out of commit order.
type PubSubNotifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubNotifier connects to projectID and publishes to topicID,
// creating the topic if it does not already exist.
func NewPubSubNotifier(ctx context.Context, projectID, topicID string) (*PubSubNotifier, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("notify: pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("notify: topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("notify: CreateTopic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	return &PubSubNotifier{client: client, topic: topic}, nil
}

// NotifyCommit publishes msg and blocks until the Pub/Sub server
// acknowledges it, surfacing publish failures to the caller rather than
// firing-and-forgetting them.
func (n *PubSubNotifier) NotifyCommit(ctx context.Context, roomID [16]byte, msg wire.ChatMessage) error {
	payload, err := msg.Marshal()
	if err != nil {
		return err
	}
	roomHex := hex.EncodeToString(roomID[:])
	result := n.topic.Publish(ctx, &pubsub.Message{
		Data:        payload,
		Attributes:  map[string]string{"room_id": roomHex},
		OrderingKey: roomHex,
	})
	_, err = result.Get(ctx)
	return err
}

// Close stops the topic and closes the underlying client.
func (n *PubSubNotifier) Close() error {
	n.topic.Stop()
	return n.client.Close()
}

// RedisNotifier publishes committed messages to a per-room Redis Pub/Sub
// channel.
type RedisNotifier struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisNotifier wraps an existing go-redis client. channelPrefix
// defaults to "vsr:commits:" when empty.
func NewRedisNotifier(rdb *redis.Client, channelPrefix string) *RedisNotifier {
	if channelPrefix == "" {
		channelPrefix = "vsr:commits:"
	}
	return &RedisNotifier{rdb: rdb, prefix: channelPrefix}
}

// NotifyCommit publishes msg to the room's Redis channel.
func (n *RedisNotifier) NotifyCommit(ctx context.Context, roomID [16]byte, msg wire.ChatMessage) error {
	payload, err := msg.Marshal()
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, roomChannel(n.prefix, roomID), payload).Err()
}

// Close closes the underlying Redis client.
func (n *RedisNotifier) Close() error {
	return n.rdb.Close()
}

var (
	_ CommitNotifier = (*PubSubNotifier)(nil)
	_ CommitNotifier = (*RedisNotifier)(nil)
)
