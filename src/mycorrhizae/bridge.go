// Package mycorrhizae is the in-process downstream bridge: accepted device
// traffic fans out to subscribers and a short per-channel replay buffer.
package mycorrhizae

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mycosoft/mycobrain-server/src/inter"
)

const DefaultHistory = 100

type channelState struct {
	history []inter.ChannelMessage
	subs    map[string]func(inter.ChannelMessage)
}

// Bridge implements inter.Publisher in memory. Publish never blocks the
// ingestion path: subscriber callbacks run on a separate goroutine per
// publish, and the history ring caps memory per channel.
type Bridge struct {
	mu       sync.RWMutex
	channels map[string]*channelState
	capacity int
	log      *slog.Logger
}

func NewBridge(log *slog.Logger) *Bridge {
	return &Bridge{
		channels: make(map[string]*channelState),
		capacity: DefaultHistory,
		log:      log.With("component", "mycorrhizae"),
	}
}

func (b *Bridge) state(channel string) *channelState {
	st, ok := b.channels[channel]
	if !ok {
		st = &channelState{subs: make(map[string]func(inter.ChannelMessage))}
		b.channels[channel] = st
	}
	return st
}

func (b *Bridge) Publish(msg inter.ChannelMessage) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	st := b.state(msg.Channel)
	st.history = append(st.history, msg)
	if len(st.history) > b.capacity {
		// drop oldest, same policy as a full device queue
		st.history = st.history[len(st.history)-b.capacity:]
	}
	fns := make([]func(inter.ChannelMessage), 0, len(st.subs))
	for _, fn := range st.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	if len(fns) == 0 {
		return
	}
	go func() {
		for _, fn := range fns {
			fn(msg)
		}
	}()
}

func (b *Bridge) Subscribe(channel string, fn func(inter.ChannelMessage)) (cancel func()) {
	id := uuid.NewString()

	b.mu.Lock()
	b.state(channel).subs[id] = fn
	b.mu.Unlock()
	b.log.Debug("subscriber added", "channel", channel)

	return func() {
		b.mu.Lock()
		if st, ok := b.channels[channel]; ok {
			delete(st.subs, id)
		}
		b.mu.Unlock()
	}
}

func (b *Bridge) Recent(channel string, limit int) []inter.ChannelMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st, ok := b.channels[channel]
	if !ok {
		return nil
	}
	h := st.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]inter.ChannelMessage, len(h))
	copy(out, h)
	return out
}
