// Package registry maintains the ephemeral view of live workers. Liveness is
// defined exclusively by key TTL in the ephemeral store; entries are never
// aged out proactively and status is never re-derived from other sources.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/monkey-troop/coordinator/kv"
)

// HeartbeatTTL bounds how stale a worker entry may be before it drops out of
// the live set. Workers beat every 10 s, so a crash is visible within 15 s.
const HeartbeatTTL = 15 * time.Second

const nodeKeyPrefix = "node:"

// Worker status values reported by heartbeats.
const (
	StatusIdle    = "IDLE"
	StatusBusy    = "BUSY"
	StatusOffline = "OFFLINE"
)

// EngineInfo describes the inference engine a worker runs.
type EngineInfo struct {
	Type    string `json:"type"`
	Version string `json:"version"`
	Port    int    `json:"port"`
}

// HardwareInfo describes the worker's GPU.
type HardwareInfo struct {
	GPU      string `json:"gpu"`
	VRAMFree int64  `json:"vram_free"`
}

// Heartbeat is the payload workers post every 10 seconds. It is authoritative
// for liveness and status.
type Heartbeat struct {
	NodeID   string       `json:"node_id"`
	MeshIP   string       `json:"mesh_ip"`
	Status   string       `json:"status"`
	Models   []string     `json:"models"`
	Hardware HardwareInfo `json:"hardware"`
	Engine   EngineInfo   `json:"engine"`
}

// Registry answers capability-filtered queries over the live set.
type Registry struct {
	store *kv.Store
}

// New constructs a registry backed by the given ephemeral store.
func New(store *kv.Store) *Registry {
	return &Registry{store: store}
}

// RecordHeartbeat overwrites the worker's entry with a fresh TTL. No
// validation happens beyond decoding; a worker reports whatever it likes
// about itself.
func (r *Registry) RecordHeartbeat(ctx context.Context, hb Heartbeat) error {
	payload, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	return r.store.Set(ctx, nodeKeyPrefix+hb.NodeID, string(payload), HeartbeatTTL)
}

// ListPeers returns live IDLE workers, filtered to those serving model when
// model is non-empty.
func (r *Registry) ListPeers(ctx context.Context, model string) ([]Heartbeat, error) {
	live, err := r.liveSet(ctx)
	if err != nil {
		return nil, err
	}
	peers := make([]Heartbeat, 0, len(live))
	for _, hb := range live {
		if hb.Status != StatusIdle {
			continue
		}
		if model != "" && !contains(hb.Models, model) {
			continue
		}
		peers = append(peers, hb)
	}
	return peers, nil
}

// ListModels returns the sorted union of models across all live workers,
// including BUSY and OFFLINE ones: a busy worker still serves its models.
func (r *Registry) ListModels(ctx context.Context) ([]string, error) {
	live, err := r.liveSet(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, hb := range live {
		for _, model := range hb.Models {
			seen[model] = struct{}{}
		}
	}
	models := make([]string, 0, len(seen))
	for model := range seen {
		models = append(models, model)
	}
	sort.Strings(models)
	return models, nil
}

func (r *Registry) liveSet(ctx context.Context) ([]Heartbeat, error) {
	keys, err := r.store.Keys(ctx, nodeKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan workers: %w", err)
	}
	values, err := r.store.GetMulti(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("fetch workers: %w", err)
	}
	entries := make([]Heartbeat, 0, len(values))
	for key, raw := range values {
		var hb Heartbeat
		if err := json.Unmarshal([]byte(raw), &hb); err != nil {
			// A malformed entry ages out on its own; skip it.
			continue
		}
		if hb.NodeID == "" {
			hb.NodeID = key[len(nodeKeyPrefix):]
		}
		entries = append(entries, hb)
	}
	return entries, nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
