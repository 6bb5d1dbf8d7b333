package reconcile

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testCoordinator struct {
	mutex  sync.Mutex
	readys []Id
}

func (self *testCoordinator) NotifyReady(shardId Id) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.readys = append(self.readys, shardId)
}

func (self *testCoordinator) ReadyCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.readys)
}

func testSnapshotPayload(selfId Id, collections map[Id]bool, channelIds []Id) json.RawMessage {
	collectionPayloads := []map[string]any{}
	for collectionId, available := range collections {
		collectionPayloads = append(collectionPayloads, map[string]any{
			"id":        collectionId.String(),
			"name":      fmt.Sprintf("c-%s", collectionId),
			"available": available,
		})
	}
	channelPayloads := []map[string]any{}
	for _, channelId := range channelIds {
		channelPayloads = append(channelPayloads, map[string]any{
			"id":    channelId.String(),
			"topic": "dm",
		})
	}
	payload, _ := json.Marshal(map[string]any{
		"self": map[string]any{
			"id":       selfId.String(),
			"username": "ada",
		},
		"collections": collectionPayloads,
		"channels":    channelPayloads,
	})
	return payload
}

func TestReadinessOrderIndependent(t *testing.T) {
	for trial := 0; trial < 2; trial += 1 {
		coordinator := &testCoordinator{}
		diagnostics := NewDiagnostics()
		cache := NewEntityCache(diagnostics)
		shard := NewShardWithDefaults(NewId(), cache, coordinator, diagnostics)

		selfId := NewId()
		a := NewId()
		b := NewId()

		err := shard.HandleSnapshot(testSnapshotPayload(selfId, map[Id]bool{a: false, b: false}, nil))
		assert.Equal(t, err, nil)
		assert.Equal(t, shard.Phase(), ShardPopulatingCache)
		assert.Equal(t, shard.SelfId(), selfId)
		assert.Equal(t, len(shard.Pending()), 2)
		assert.Equal(t, coordinator.ReadyCount(), 0)

		// delivery order across {A, B} must not matter
		first, second := a, b
		if trial == 1 {
			first, second = b, a
		}

		shard.ObserveCollection(first)
		assert.Equal(t, shard.Phase(), ShardPopulatingCache)
		assert.Equal(t, coordinator.ReadyCount(), 0)

		shard.ObserveCollection(second)
		assert.Equal(t, shard.Phase(), ShardReady)
		assert.Equal(t, coordinator.ReadyCount(), 1)

		// observing again never re-fires
		shard.ObserveCollection(first)
		assert.Equal(t, coordinator.ReadyCount(), 1)
	}
}

func TestReadinessImmediate(t *testing.T) {
	coordinator := &testCoordinator{}
	diagnostics := NewDiagnostics()
	cache := NewEntityCache(diagnostics)
	shard := NewShardWithDefaults(NewId(), cache, coordinator, diagnostics)

	selfId := NewId()
	a := NewId()
	channelId := NewId()

	err := shard.HandleSnapshot(testSnapshotPayload(selfId, map[Id]bool{a: true}, []Id{channelId}))
	assert.Equal(t, err, nil)
	assert.Equal(t, shard.Phase(), ShardReady)
	assert.Equal(t, coordinator.ReadyCount(), 1)

	// the snapshot bulk-populated the cache, tagged with the shard
	assert.NotEqual(t, cache.Get(selfId), nil)
	assert.NotEqual(t, cache.Get(a), nil)
	assert.NotEqual(t, cache.Get(channelId), nil)
	assert.Equal(t, cache.Get(a).ShardId(), shard.Id())
	assert.Equal(t, cache.Get(channelId).Kind(), "channel")
}

func TestReadinessDuplicateSnapshot(t *testing.T) {
	coordinator := &testCoordinator{}
	diagnostics := NewDiagnostics()
	cache := NewEntityCache(diagnostics)
	shard := NewShardWithDefaults(NewId(), cache, coordinator, diagnostics)

	selfId := NewId()
	a := NewId()
	snapshot := testSnapshotPayload(selfId, map[Id]bool{a: true}, nil)

	assert.Equal(t, shard.HandleSnapshot(snapshot), nil)
	assert.Equal(t, coordinator.ReadyCount(), 1)

	// a reconnect can replay the snapshot; re-merge is fine but ready is
	// terminal and never re-notifies
	assert.Equal(t, shard.HandleSnapshot(snapshot), nil)
	assert.Equal(t, shard.Phase(), ShardReady)
	assert.Equal(t, coordinator.ReadyCount(), 1)
	assert.Equal(t, cache.Get(selfId).Field("username"), "ada")
}

func TestReadinessStall(t *testing.T) {
	coordinator := &testCoordinator{}
	diagnostics := NewDiagnostics()
	cache := NewEntityCache(diagnostics)
	shard := NewShard(NewId(), cache, coordinator, diagnostics, &ShardSettings{
		ReadyStallTimeout: 20 * time.Millisecond,
	})
	defer shard.Close()

	stalls := make(chan Diagnostic, 1)
	unsub := diagnostics.AddCallback(func(diagnostic Diagnostic) {
		if diagnostic.Kind == DiagnosticReadinessStall {
			select {
			case stalls <- diagnostic:
			default:
			}
		}
	})
	defer unsub()

	a := NewId()
	assert.Equal(t, shard.HandleSnapshot(testSnapshotPayload(NewId(), map[Id]bool{a: false}, nil)), nil)

	select {
	case diagnostic := <-stalls:
		assert.Equal(t, diagnostic.ShardId, shard.Id())
		assert.Equal(t, diagnostic.Fields, []string{a.String()})
	case <-time.After(500 * time.Millisecond):
		t.Fatal("missing readiness stall diagnostic")
	}
	assert.Equal(t, coordinator.ReadyCount(), 0)
}
