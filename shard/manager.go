package shard

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stathat/consistent"

	"github.com/flowledger-labs/flowledger/config"
	"github.com/flowledger-labs/flowledger/store"
	"github.com/flowledger-labs/flowledger/types"
)

// InflightChecker lets the manager ask the coordinator whether any
// cross-shard record still references a given topology. A rescale is never
// activated while such records are in flight.
type InflightChecker interface {
	InflightOnTopology(shardCount int) bool
}

// LoadSource supplies the pending-transaction depth per shard, normally
// the ledger.
type LoadSource interface {
	PendingCount(shardID types.ShardID) int
}

type announcedRescale struct {
	event       types.RescaleEvent
	announcedAt time.Time
}

// Manager owns the shard topology: the current count, per-shard load
// snapshots and the sticky transaction-to-shard assignment table. The
// topology is process-wide state mutated only by ApplyRescale under the
// manager's lock; readers take consistent snapshots via Topology.
type Manager struct {
	mu  sync.RWMutex
	cfg *config.Config

	shardCount int
	shards     map[types.ShardID]*types.Shard

	// assignments pins each transaction to the shard it was first
	// assigned; it is never recomputed, even across rescales.
	assignments map[string]types.ShardID

	loads    LoadSource
	inflight InflightChecker

	ring *consistent.Consistent

	announced     *announcedRescale
	lastRescale   time.Time
	lowLoadStreak int
}

// NewManager creates a shard manager with the configured initial count.
func NewManager(cfg *config.Config, loads LoadSource) *Manager {
	m := &Manager{
		cfg:         cfg,
		shardCount:  cfg.InitialShards,
		shards:      make(map[types.ShardID]*types.Shard),
		assignments: make(map[string]types.ShardID),
		loads:       loads,
		ring:        consistent.New(),
	}
	for i := 0; i < m.shardCount; i++ {
		m.shards[types.ShardID(i)] = &types.Shard{ID: types.ShardID(i), Status: types.ShardActive}
	}
	return m
}

// SetInflightChecker wires in the coordinator after construction; the two
// components reference each other.
func (m *Manager) SetInflightChecker(c InflightChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight = c
}

// SetValidators rebuilds the consistent-hash ring used to place validator
// subsets onto shards.
func (m *Manager) SetValidators(validatorIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring = consistent.New()
	for _, id := range validatorIDs {
		m.ring.Add(id)
	}
	for _, shard := range m.shards {
		shard.Validators = m.validatorsFor(shard.ID)
	}
}

func (m *Manager) validatorsFor(shardID types.ShardID) []string {
	if len(m.ring.Members()) == 0 {
		return nil
	}
	n := m.cfg.ValidatorsPerShard
	if members := len(m.ring.Members()); n > members {
		n = members
	}
	ids, err := m.ring.GetN(fmt.Sprintf("shard-%d", shardID), n)
	if err != nil {
		log.Printf("WARN: validator placement for shard %d failed: %v", shardID, err)
		return nil
	}
	return ids
}

// AssignShard maps a transaction onto a shard. The mapping is a
// deterministic function of (tx id, shard count) and sticky: once a
// transaction has been assigned, later rescales do not move it. During an
// announced shrink, new assignments already use the target modulus so
// draining shards take no new work and can empty out.
func (m *Manager) AssignShard(tx *types.Transaction) types.ShardID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if shardID, ok := m.assignments[tx.ID]; ok {
		return shardID
	}
	modulus := m.shardCount
	if m.announced != nil && m.announced.event.To < modulus {
		modulus = m.announced.event.To
	}
	shardID := store.CalculateShardID(tx.ID, modulus)
	m.assignments[tx.ID] = shardID
	if shard, ok := m.shards[shardID]; ok {
		shard.TxCount++
	}
	return shardID
}

// ShardFor returns the pinned shard for an already-assigned transaction.
func (m *Manager) ShardFor(txID string) (types.ShardID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	shardID, ok := m.assignments[txID]
	return shardID, ok
}

// CurrentLoad returns the shard's load normalized against capacity;
// values above 1 mean the shard is past its nominal capacity.
func (m *Manager) CurrentLoad(shardID types.ShardID) float64 {
	return float64(m.loads.PendingCount(shardID)) / float64(m.cfg.ShardCapacity)
}

// ShardCount returns the active shard count.
func (m *Manager) ShardCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shardCount
}

// Topology returns a consistent snapshot of the shard layout with fresh
// load readings.
func (m *Manager) Topology() types.Topology {
	m.mu.RLock()
	defer m.mu.RUnlock()

	topo := types.Topology{
		ShardCount: m.shardCount,
		Shards:     make(map[types.ShardID]types.Shard, len(m.shards)),
	}
	for id, shard := range m.shards {
		snapshot := *shard
		snapshot.Validators = append([]string(nil), shard.Validators...)
		snapshot.Load = m.CurrentLoad(id)
		topo.Shards[id] = snapshot
	}
	return topo
}

// MaybeRescale is evaluated periodically. Rescaling is a two-step
// operation: first the new topology is announced and existing cross-shard
// work referencing the old topology drains, then the new assignment
// modulus is activated for future transactions. The returned event is
// non-nil only on activation.
func (m *Manager) MaybeRescale() *types.RescaleEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.announced != nil {
		return m.tryActivate()
	}

	if time.Since(m.lastRescale) < m.cfg.RescaleCooldown {
		return nil
	}

	maxLoad := 0.0
	allLow := true
	for id := range m.shards {
		load := m.CurrentLoad(id)
		if load > maxLoad {
			maxLoad = load
		}
		if load >= m.cfg.ScaleDownThreshold {
			allLow = false
		}
	}

	if maxLoad > m.cfg.ScaleUpThreshold && m.shardCount < m.cfg.MaxShards {
		m.lowLoadStreak = 0
		target := m.shardCount * 2
		if target > m.cfg.MaxShards {
			target = m.cfg.MaxShards
		}
		m.announce(target)
		return m.tryActivate()
	}

	if allLow && m.shardCount > m.cfg.MinShards {
		m.lowLoadStreak++
		if m.lowLoadStreak >= m.cfg.LowLoadCycles {
			target := m.shardCount / 2
			if target < m.cfg.MinShards {
				target = m.cfg.MinShards
			}
			m.announce(target)
			return m.tryActivate()
		}
		return nil
	}

	m.lowLoadStreak = 0
	return nil
}

// announce records the intended topology change and marks shards that will
// disappear as draining so they accept no new work.
func (m *Manager) announce(target int) {
	m.announced = &announcedRescale{
		event: types.RescaleEvent{
			From:        m.shardCount,
			To:          target,
			AnnouncedAt: time.Now().UnixNano(),
		},
		announcedAt: time.Now(),
	}
	for id, shard := range m.shards {
		if int(id) >= target {
			shard.Status = types.ShardDraining
		}
	}
	log.Printf("INFO: announced shard rescale %d -> %d", m.shardCount, target)
}

// tryActivate completes an announced rescale once no in-flight cross-shard
// record references the old topology and every draining shard has emptied.
// A drain that exceeds the timeout is logged and retried on the next
// evaluation cycle, never forced.
func (m *Manager) tryActivate() *types.RescaleEvent {
	if m.inflight != nil && m.inflight.InflightOnTopology(m.shardCount) {
		if time.Since(m.announced.announcedAt) > m.cfg.DrainTimeout {
			log.Printf("WARN: shard rescale %d -> %d still draining after %s, will retry",
				m.announced.event.From, m.announced.event.To, m.cfg.DrainTimeout)
		}
		return nil
	}
	for id := m.announced.event.To; id < m.shardCount; id++ {
		if m.loads.PendingCount(types.ShardID(id)) > 0 {
			if time.Since(m.announced.announcedAt) > m.cfg.DrainTimeout {
				log.Printf("WARN: shard %d still has pending transactions after %s, rescale %d -> %d waits",
					id, m.cfg.DrainTimeout, m.announced.event.From, m.announced.event.To)
			}
			return nil
		}
	}

	event := m.announced.event
	event.ActivatedAt = time.Now().UnixNano()
	m.shardCount = event.To
	m.announced = nil
	m.lastRescale = time.Now()
	m.lowLoadStreak = 0

	next := make(map[types.ShardID]*types.Shard, event.To)
	for i := 0; i < event.To; i++ {
		id := types.ShardID(i)
		if existing, ok := m.shards[id]; ok {
			existing.Status = types.ShardActive
			next[id] = existing
		} else {
			next[id] = &types.Shard{ID: id, Status: types.ShardActive, Validators: m.validatorsFor(id)}
		}
	}
	m.shards = next

	log.Printf("INFO: activated shard rescale %d -> %d", event.From, event.To)
	return &event
}
