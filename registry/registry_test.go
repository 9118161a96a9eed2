package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/monkey-troop/coordinator/kv"
)

func setupRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return New(store), mr
}

func beat(id, status string, models ...string) Heartbeat {
	return Heartbeat{
		NodeID:   id,
		MeshIP:   "100.64.0.1",
		Status:   status,
		Models:   models,
		Hardware: HardwareInfo{GPU: "RTX 3060", VRAMFree: 8 << 30},
		Engine:   EngineInfo{Type: "ollama", Version: "0.5.1", Port: 11434},
	}
}

func TestListPeersFiltersStatusAndModel(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	for _, hb := range []Heartbeat{
		beat("n1", StatusIdle, "llama2:7b", "mistral:7b"),
		beat("n2", StatusBusy, "llama2:7b"),
		beat("n3", StatusIdle, "mistral:7b"),
		beat("n4", StatusOffline, "llama2:7b"),
	} {
		if err := reg.RecordHeartbeat(ctx, hb); err != nil {
			t.Fatalf("heartbeat %s: %v", hb.NodeID, err)
		}
	}

	peers, err := reg.ListPeers(ctx, "llama2:7b")
	if err != nil {
		t.Fatalf("list peers: %v", err)
	}
	if len(peers) != 1 || peers[0].NodeID != "n1" {
		t.Fatalf("expected only n1, got %+v", peers)
	}

	all, err := reg.ListPeers(ctx, "")
	if err != nil {
		t.Fatalf("list peers unfiltered: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 idle peers, got %d", len(all))
	}
}

func TestStaleHeartbeatDropsOut(t *testing.T) {
	reg, mr := setupRegistry(t)
	ctx := context.Background()

	if err := reg.RecordHeartbeat(ctx, beat("n1", StatusIdle, "llama2:7b")); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	mr.FastForward(HeartbeatTTL + time.Second)

	peers, err := reg.ListPeers(ctx, "")
	if err != nil {
		t.Fatalf("list peers: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("stale worker still listed: %+v", peers)
	}
}

func TestHeartbeatOverwriteRefreshesTTLAndStatus(t *testing.T) {
	reg, mr := setupRegistry(t)
	ctx := context.Background()

	if err := reg.RecordHeartbeat(ctx, beat("n1", StatusIdle, "llama2:7b")); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	mr.FastForward(10 * time.Second)
	if err := reg.RecordHeartbeat(ctx, beat("n1", StatusBusy, "llama2:7b")); err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}
	mr.FastForward(10 * time.Second)

	// Still live thanks to the refresh, but suppressed from peers while BUSY.
	peers, err := reg.ListPeers(ctx, "")
	if err != nil {
		t.Fatalf("list peers: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("busy worker listed as peer: %+v", peers)
	}
	models, err := reg.ListModels(ctx)
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 1 || models[0] != "llama2:7b" {
		t.Fatalf("busy worker's models missing: %v", models)
	}
}

func TestListModelsSortedUnion(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	for _, hb := range []Heartbeat{
		beat("n1", StatusIdle, "mistral:7b", "llama2:7b"),
		beat("n2", StatusBusy, "llama2:7b", "phi3:mini"),
	} {
		if err := reg.RecordHeartbeat(ctx, hb); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}

	models, err := reg.ListModels(ctx)
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	want := []string{"llama2:7b", "mistral:7b", "phi3:mini"}
	if len(models) != len(want) {
		t.Fatalf("models = %v, want %v", models, want)
	}
	for i := range want {
		if models[i] != want[i] {
			t.Fatalf("models = %v, want %v", models, want)
		}
	}
}
