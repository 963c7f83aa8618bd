package network

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowledger-labs/flowledger/types"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Initial backoff delay between redial attempts.
	initialBackoff = 1 * time.Second

	// Maximum backoff delay between redial attempts.
	maxBackoff = 30 * time.Second

	peerQueueSize = 256
)

// WSTransport implements types.MessageChannel over WebSocket connections
// for deployments where shards live in different processes. Shards hosted
// locally short-circuit through in-process inboxes; envelopes for remote
// shards are CBOR-encoded onto the peer's connection. Redelivery after a
// redial means the channel is at-least-once; receivers deduplicate by
// envelope identity.
type WSTransport struct {
	mu      sync.RWMutex
	local   map[types.ShardID]bool
	inboxes map[types.ShardID]chan types.Envelope
	peers   map[types.ShardID]*peerConn
	stopCh  chan struct{}
}

type peerConn struct {
	url    string
	sendCh chan []byte
}

// NewWSTransport creates a transport hosting localShards in-process and
// dialing peerURLs for the rest.
func NewWSTransport(localShards []types.ShardID, peerURLs map[types.ShardID]string) *WSTransport {
	t := &WSTransport{
		local:   make(map[types.ShardID]bool),
		inboxes: make(map[types.ShardID]chan types.Envelope),
		peers:   make(map[types.ShardID]*peerConn),
		stopCh:  make(chan struct{}),
	}
	for _, shard := range localShards {
		t.local[shard] = true
	}
	for shard, url := range peerURLs {
		peer := &peerConn{url: url, sendCh: make(chan []byte, peerQueueSize)}
		t.peers[shard] = peer
		go t.writePump(peer)
	}
	return t
}

var _ types.MessageChannel = (*WSTransport)(nil)

func (t *WSTransport) inbox(shard types.ShardID) chan types.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.inboxes[shard]
	if !ok {
		ch = make(chan types.Envelope, peerQueueSize)
		t.inboxes[shard] = ch
	}
	return ch
}

// Send routes an envelope to a local inbox or a peer connection.
func (t *WSTransport) Send(target types.ShardID, env types.Envelope) error {
	env.To = target
	if t.local[target] {
		t.inbox(target) <- env
		return nil
	}

	t.mu.RLock()
	peer, ok := t.peers[target]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no transport peer for shard %d", target)
	}

	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode envelope for shard %d: %w", target, err)
	}
	select {
	case peer.sendCh <- data:
		return nil
	default:
		return fmt.Errorf("send queue full for shard %d", target)
	}
}

// Receive returns the inbox stream for a locally hosted shard.
func (t *WSTransport) Receive(shard types.ShardID) <-chan types.Envelope {
	return t.inbox(shard)
}

// Handler upgrades incoming peer connections and feeds received envelopes
// into the local inboxes.
func (t *WSTransport) Handler() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WARN: websocket upgrade failed: %v", err)
			return
		}
		go t.readPump(conn)
	}
}

func (t *WSTransport) readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := types.UnmarshalEnvelope(data)
		if err != nil {
			log.Printf("WARN: dropping undecodable envelope: %v", err)
			continue
		}
		if !t.local[env.To] {
			log.Printf("WARN: dropping envelope for non-local shard %d", env.To)
			continue
		}
		t.inbox(env.To) <- env
	}
}

// writePump owns the peer connection: it dials with backoff, drains the
// send queue and keeps the connection alive with pings.
func (t *WSTransport) writePump(peer *peerConn) {
	backoff := initialBackoff
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(peer.url, nil)
		if err != nil {
			log.Printf("WARN: dial %s failed: %v, retrying in %s", peer.url, err, backoff)
			select {
			case <-time.After(backoff):
			case <-t.stopCh:
				return
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff

		if err := t.drainTo(conn, peer); err != nil {
			log.Printf("WARN: connection to %s lost: %v", peer.url, err)
			conn.Close()
		}
	}
}

func (t *WSTransport) drainTo(conn *websocket.Conn, peer *peerConn) error {
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	for {
		select {
		case data := <-peer.sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				// Requeue so the envelope is retransmitted after
				// redial; receivers dedup by identity.
				select {
				case peer.sendCh <- data:
				default:
				}
				return err
			}
		case <-pinger.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-t.stopCh:
			return nil
		}
	}
}

// Close stops all peer pumps.
func (t *WSTransport) Close() {
	close(t.stopCh)
}
