package network

import (
	"sync"

	"github.com/flowledger-labs/flowledger/types"
)

const busQueueSize = 256

// ChannelBus is the in-process implementation of types.MessageChannel,
// used when one node hosts every shard and by tests. Delivery hooks let
// tests inject the duplicate and drop behavior of a real at-least-once
// network.
type ChannelBus struct {
	mu      sync.RWMutex
	inboxes map[types.ShardID]chan types.Envelope

	// DropFn, when set, is consulted before delivery; returning true
	// silently drops the envelope (simulating an unreachable shard).
	DropFn func(env types.Envelope) bool

	// DuplicateFn, when set, causes matching envelopes to be delivered
	// twice (simulating at-least-once redelivery).
	DuplicateFn func(env types.Envelope) bool
}

func NewChannelBus() *ChannelBus {
	return &ChannelBus{inboxes: make(map[types.ShardID]chan types.Envelope)}
}

var _ types.MessageChannel = (*ChannelBus)(nil)

func (b *ChannelBus) inbox(shard types.ShardID) chan types.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.inboxes[shard]
	if !ok {
		ch = make(chan types.Envelope, busQueueSize)
		b.inboxes[shard] = ch
	}
	return ch
}

// Send delivers an envelope to the target shard's inbox.
func (b *ChannelBus) Send(target types.ShardID, env types.Envelope) error {
	env.To = target
	if b.DropFn != nil && b.DropFn(env) {
		return nil
	}
	ch := b.inbox(target)
	ch <- env
	if b.DuplicateFn != nil && b.DuplicateFn(env) {
		ch <- env
	}
	return nil
}

// Receive returns the shard's inbox stream.
func (b *ChannelBus) Receive(shard types.ShardID) <-chan types.Envelope {
	return b.inbox(shard)
}
