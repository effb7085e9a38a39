package notify

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/vsrchat/internal/vsr/wire"
)

func TestRoomChannelFormatting(t *testing.T) {
	roomID := [16]byte{0x01, 0x02, 0xAB}
	got := roomChannel("vsr:commits:", roomID)
	assert.Equal(t, "vsr:commits:0102ab00000000000000000000000000", got)
}

func TestNewRedisNotifierDefaultsPrefix(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	n := NewRedisNotifier(rdb, "")
	assert.Equal(t, "vsr:commits:", n.prefix)

	n2 := NewRedisNotifier(rdb, "custom:")
	assert.Equal(t, "custom:", n2.prefix)
}

func TestRedisNotifierSurfacesPublishErrors(t *testing.T) {
	// No server is listening on this address, so Publish must fail rather
	// than silently drop the commit notification.
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
	})
	defer rdb.Close()

	n := NewRedisNotifier(rdb, "")
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var msg wire.ChatMessage
	msg.Checksum = msg.CalculateChecksum()

	err := n.NotifyCommit(ctx, [16]byte{0x01}, msg)
	require.Error(t, err)
}
