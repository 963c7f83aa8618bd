package node

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flowledger-labs/flowledger/coordinator"
	"github.com/flowledger-labs/flowledger/ledger"
)

// The ops server is operator observability only: shard topology, stuck
// cross-shard records and transaction status. The public client API is a
// separate layer and not part of this process.

func (n *Node) serveOps() {
	router := mux.NewRouter()
	router.HandleFunc("/health", n.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/topology", n.handleTopology).Methods(http.MethodGet)
	router.HandleFunc("/transactions/{id}/status", n.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/cross-shard/{id}", n.handleCrossShard).Methods(http.MethodGet)
	router.HandleFunc("/stuck", n.handleStuck).Methods(http.MethodGet)

	log.Printf("INFO: ops server listening on %s", n.cfg.OpsListenAddr)
	if err := http.ListenAndServe(n.cfg.OpsListenAddr, router); err != nil {
		log.Printf("ERROR: ops server: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("WARN: encoding ops response: %v", err)
	}
}

func (n *Node) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (n *Node) handleTopology(w http.ResponseWriter, r *http.Request) {
	topo := n.GetShardTopology()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"shard_count": topo.ShardCount,
		"shards":      topo.Shards,
	})
}

func (n *Node) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, err := n.GetStatus(id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown transaction"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
}

func (n *Node) handleCrossShard(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	record, err := n.GetCrossShardRecord(id)
	if err != nil {
		if errors.Is(err, coordinator.ErrUnknownRecord) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown cross-shard record"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (n *Node) handleStuck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"stuck": n.coord.Stuck()})
}
