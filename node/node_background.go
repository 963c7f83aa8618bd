package node

import (
	"log"
	"time"
)

const (
	rescaleInterval      = 30 * time.Second
	maintenanceInterval  = time.Minute
	revalidationInterval = 500 * time.Millisecond
)

// rescaleLoop periodically evaluates shard load against the scaling
// thresholds. A deferred rescale is not an error; it is simply retried on
// the next cycle.
func (n *Node) rescaleLoop() {
	ticker := time.NewTicker(rescaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if event := n.shards.MaybeRescale(); event != nil {
				log.Printf("INFO: shard topology rescaled %d -> %d", event.From, event.To)
			}
		case <-n.stopCh:
			return
		}
	}
}

// maintenanceLoop garbage-collects expired cross-shard records and keeps
// stuck transactions visible in the log until an operator intervenes.
func (n *Node) maintenanceLoop() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.coord.RunGC()
			if stuck := n.coord.Stuck(); len(stuck) > 0 {
				log.Printf("ERROR: %d cross-shard transaction(s) stuck in committing: %v", len(stuck), stuck)
			}
		case <-n.stopCh:
			return
		}
	}
}

// revalidationLoop re-runs Proof-of-Flow validation over pending
// transactions, so a transaction held back by an unresolved parent is
// confirmed promptly once the parent resolves.
func (n *Node) revalidationLoop() {
	ticker := time.NewTicker(revalidationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, txID := range n.ledger.PendingIDs() {
				if _, err := n.engine.Reevaluate(txID); err != nil {
					log.Printf("WARN: revalidation of %s: %v", txID, err)
				}
			}
		case <-n.stopCh:
			return
		}
	}
}
