package network

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowledger-labs/flowledger/types"
)

func TestDeduperRemembersIdentities(t *testing.T) {
	d := NewDeduper(time.Minute)

	env := types.Envelope{
		Kind:          types.MsgPrepare,
		TransactionID: "t1",
		From:          1,
		To:            2,
		Nonce:         "n1",
	}
	assert.False(t, d.Seen(env.Identity()))
	assert.True(t, d.Seen(env.Identity()))

	// A fresh nonce is a new identity even for the same message.
	env.Nonce = "n2"
	assert.False(t, d.Seen(env.Identity()))

	// The same nonce to a different target is a distinct delivery.
	env.To = 3
	assert.False(t, d.Seen(env.Identity()))
}

func TestDeduperExpiresAfterWindow(t *testing.T) {
	d := NewDeduper(20 * time.Millisecond)

	assert.False(t, d.Seen("id-1"))
	assert.True(t, d.Seen("id-1"))

	time.Sleep(30 * time.Millisecond)
	assert.False(t, d.Seen("id-1"))
}

func TestDeduperHighVolume(t *testing.T) {
	d := NewDeduper(time.Minute)

	for i := 0; i < 5000; i++ {
		id := fmt.Sprintf("bulk-%d", i)
		require.False(t, d.Seen(id), id)
		require.True(t, d.Seen(id), id)
	}
}

func TestChannelBusDelivery(t *testing.T) {
	bus := NewChannelBus()
	inbox := bus.Receive(2)

	env := types.Envelope{Kind: types.MsgPrepare, TransactionID: "t1", From: 1, Nonce: "n1"}
	require.NoError(t, bus.Send(2, env))

	got := <-inbox
	assert.Equal(t, types.ShardID(2), got.To)
	assert.Equal(t, "t1", got.TransactionID)
}

func TestChannelBusHooks(t *testing.T) {
	bus := NewChannelBus()
	inbox := bus.Receive(2)

	bus.DropFn = func(env types.Envelope) bool { return env.TransactionID == "dropped" }
	bus.DuplicateFn = func(env types.Envelope) bool { return env.TransactionID == "doubled" }

	require.NoError(t, bus.Send(2, types.Envelope{TransactionID: "dropped", Nonce: "n1"}))
	require.NoError(t, bus.Send(2, types.Envelope{TransactionID: "doubled", Nonce: "n2"}))

	first := <-inbox
	assert.Equal(t, "doubled", first.TransactionID)
	second := <-inbox
	assert.Equal(t, first, second)

	select {
	case env := <-inbox:
		t.Fatalf("unexpected delivery: %+v", env)
	default:
	}
}
