package mycorrhizae

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycosoft/mycobrain-server/src/inter"
)

func newTestBridge() *Bridge {
	return NewBridge(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishSubscribe(t *testing.T) {
	b := newTestBridge()

	var (
		mu  sync.Mutex
		got []inter.ChannelMessage
		wg  sync.WaitGroup
	)
	wg.Add(2)
	cancel := b.Subscribe("device.MB-001", func(m inter.ChannelMessage) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		wg.Done()
	})
	defer cancel()

	b.Publish(inter.ChannelMessage{Channel: "device.MB-001", MessageType: "telemetry"})
	b.Publish(inter.ChannelMessage{Channel: "device.MB-001", MessageType: "event"})
	b.Publish(inter.ChannelMessage{Channel: "device.MB-002", MessageType: "telemetry"})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber callbacks did not arrive")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2, "other channels must not leak in")
	for _, m := range got {
		assert.Equal(t, "device.MB-001", m.Channel)
		assert.NotEmpty(t, m.ID)
		assert.False(t, m.Timestamp.IsZero())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBridge()

	delivered := make(chan inter.ChannelMessage, 1)
	cancel := b.Subscribe("device.MB-X", func(m inter.ChannelMessage) {
		delivered <- m
	})
	cancel()

	b.Publish(inter.ChannelMessage{Channel: "device.MB-X", MessageType: "telemetry"})

	select {
	case <-delivered:
		t.Fatal("cancelled subscriber still received a message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRecent_RingAndOrder(t *testing.T) {
	b := newTestBridge()

	for i := 0; i < DefaultHistory+20; i++ {
		b.Publish(inter.ChannelMessage{
			Channel:     "device.MB-RING",
			MessageType: "telemetry",
			Payload:     map[string]any{"n": i},
		})
	}

	all := b.Recent("device.MB-RING", 0)
	require.Len(t, all, DefaultHistory)
	assert.Equal(t, 20, all[0].Payload["n"], "oldest surviving entry after overflow")
	assert.Equal(t, DefaultHistory+19, all[len(all)-1].Payload["n"])

	last5 := b.Recent("device.MB-RING", 5)
	require.Len(t, last5, 5)
	assert.Equal(t, DefaultHistory+15, last5[0].Payload["n"])

	assert.Nil(t, b.Recent("device.MB-NONE", 10))
}

func TestPublish_NoSubscribersIsFine(t *testing.T) {
	b := newTestBridge()
	b.Publish(inter.ChannelMessage{Channel: "device.MB-QUIET", MessageType: "heartbeat"})
	assert.Len(t, b.Recent("device.MB-QUIET", 0), 1)
}
