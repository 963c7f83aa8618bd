package network

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowledger-labs/flowledger/types"
)

func receiveOne(t *testing.T, inbox <-chan types.Envelope) types.Envelope {
	t.Helper()
	select {
	case env := <-inbox:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return types.Envelope{}
	}
}

func TestWSTransportLocalShortCircuit(t *testing.T) {
	transport := NewWSTransport([]types.ShardID{1}, nil)
	defer transport.Close()

	env := types.Envelope{Kind: types.MsgPrepare, TransactionID: "t1", From: 1, Nonce: "n1"}
	require.NoError(t, transport.Send(1, env))

	got := receiveOne(t, transport.Receive(1))
	assert.Equal(t, "t1", got.TransactionID)
	assert.Equal(t, types.ShardID(1), got.To)
}

func TestWSTransportDeliversToPeer(t *testing.T) {
	remote := NewWSTransport([]types.ShardID{2}, nil)
	defer remote.Close()

	server := httptest.NewServer(remote.Handler())
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	local := NewWSTransport([]types.ShardID{1}, map[types.ShardID]string{2: wsURL})
	defer local.Close()

	env := types.Envelope{
		Kind:          types.MsgPrepare,
		TransactionID: "t1",
		From:          1,
		Tx:            &types.Transaction{ID: "t1", Timestamp: 100, Status: types.StatusPending},
		Nonce:         "n1",
	}
	require.NoError(t, local.Send(2, env))

	got := receiveOne(t, remote.Receive(2))
	assert.Equal(t, types.MsgPrepare, got.Kind)
	assert.Equal(t, "t1", got.TransactionID)
	assert.Equal(t, types.ShardID(2), got.To)
	require.NotNil(t, got.Tx)
	assert.Equal(t, "t1", got.Tx.ID)
}

func TestWSTransportUnknownPeer(t *testing.T) {
	transport := NewWSTransport([]types.ShardID{1}, nil)
	defer transport.Close()

	err := transport.Send(9, types.Envelope{TransactionID: "t1", Nonce: "n1"})
	assert.Error(t, err)
}
