package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type ShardPhase int

const (
	ShardConnecting ShardPhase = iota
	ShardPopulatingCache
	ShardReady
)

func (self ShardPhase) String() string {
	switch self {
	case ShardConnecting:
		return "connecting"
	case ShardPopulatingCache:
		return "populating_cache"
	case ShardReady:
		return "ready"
	default:
		return "unknown"
	}
}

// the external coordinator is told exactly once per shard, on the first
// transition to ready
type Coordinator interface {
	NotifyReady(shardId Id)
}

type ShardSettings struct {
	// how long a shard may sit not-ready before a readiness stall is
	// diagnosed. Reconnect/retry is the transport's concern, not ours.
	ReadyStallTimeout time.Duration
}

func DefaultShardSettings() *ShardSettings {
	return &ShardSettings{
		ReadyStallTimeout: 60 * time.Second,
	}
}

// Shard is one independent connection instance and its readiness gate.
// The initial full-state snapshot creates or re-merges the root self
// entity, bulk-populates the shard's collections and private channels
// into the cache, and tracks which collections are still pending. The
// shard is ready once every expected collection has been observed; the
// check runs after every insert, not only at snapshot time.
type Shard struct {
	id          Id
	cache       *EntityCache
	coordinator Coordinator
	diagnostics *Diagnostics
	settings    *ShardSettings

	stateLock  sync.Mutex
	phase      ShardPhase
	selfId     Id
	pending    map[Id]bool
	stallTimer *time.Timer
}

func NewShardWithDefaults(id Id, cache *EntityCache, coordinator Coordinator, diagnostics *Diagnostics) *Shard {
	return NewShard(id, cache, coordinator, diagnostics, DefaultShardSettings())
}

func NewShard(id Id, cache *EntityCache, coordinator Coordinator, diagnostics *Diagnostics, settings *ShardSettings) *Shard {
	return &Shard{
		id:          id,
		cache:       cache,
		coordinator: coordinator,
		diagnostics: diagnostics,
		settings:    settings,
		phase:       ShardConnecting,
		pending:     map[Id]bool{},
	}
}

func (self *Shard) Id() Id {
	return self.id
}

func (self *Shard) Phase() ShardPhase {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.phase
}

func (self *Shard) SelfId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.selfId
}

// Pending returns the collection ids still expected before ready.
func (self *Shard) Pending() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pending := maps.Keys(self.pending)
	slices.SortFunc(pending, func(a Id, b Id) int {
		return bytes.Compare(a.Bytes(), b.Bytes())
	})
	return pending
}

type snapshotPayload struct {
	Self        json.RawMessage   `json:"self"`
	Collections []json.RawMessage `json:"collections"`
	Channels    []json.RawMessage `json:"channels"`
}

type snapshotCollection struct {
	collectionId Id
	available    bool
	patch        Patch
}

// HandleSnapshot consumes the initial full-state event. A duplicate
// snapshot after ready re-merges entities but never re-notifies; ready is
// a terminal phase.
func (self *Shard) HandleSnapshot(payload json.RawMessage) error {
	var snapshot snapshotPayload
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return fmt.Errorf("Bad snapshot payload: %w", err)
	}
	if snapshot.Self == nil {
		return fmt.Errorf("Snapshot missing self")
	}

	selfPatch, err := PatchFromJson(snapshot.Self)
	if err != nil {
		return err
	}
	selfId, ok := selfPatch.TakeId("id")
	if !ok {
		return fmt.Errorf("Snapshot self missing id")
	}

	collections := []*snapshotCollection{}
	for _, raw := range snapshot.Collections {
		patch, err := PatchFromJson(raw)
		if err != nil {
			return err
		}
		collectionId, ok := patch.TakeId("id")
		if !ok {
			return fmt.Errorf("Snapshot collection missing id")
		}
		available := false
		if availableRaw, has := patch["available"]; has {
			json.Unmarshal(availableRaw, &available)
		}
		collections = append(collections, &snapshotCollection{
			collectionId: collectionId,
			available:    available,
			patch:        patch,
		})
	}

	self.stateLock.Lock()
	ready := self.phase == ShardReady
	if !ready {
		self.phase = ShardPopulatingCache
		self.selfId = selfId
		for _, collection := range collections {
			if !collection.available {
				self.pending[collection.collectionId] = true
			}
		}
	}
	self.stateLock.Unlock()

	self.cache.Patch(selfId, UserSchema, self.id, selfPatch)

	for _, collection := range collections {
		self.cache.Patch(collection.collectionId, CollectionSchema, self.id, collection.patch)
		if collection.available {
			self.ObserveCollection(collection.collectionId)
		}
	}

	for _, raw := range snapshot.Channels {
		patch, err := PatchFromJson(raw)
		if err != nil {
			return err
		}
		channelId, ok := patch.TakeId("id")
		if !ok {
			return fmt.Errorf("Snapshot channel missing id")
		}
		self.cache.Patch(channelId, ChannelSchema, self.id, patch)
	}

	// a shard with nothing pending is ready immediately
	self.checkReady()
	self.armStallTimer()

	return nil
}

// ObserveCollection records that an expected collection materialized in
// the cache and re-checks readiness. Observing an id that was never
// pending is a no-op for the gate.
func (self *Shard) ObserveCollection(collectionId Id) {
	self.stateLock.Lock()
	delete(self.pending, collectionId)
	self.stateLock.Unlock()

	self.checkReady()
}

func (self *Shard) checkReady() {
	self.stateLock.Lock()
	notify := false
	if self.phase == ShardPopulatingCache && len(self.pending) == 0 {
		self.phase = ShardReady
		notify = true
		if self.stallTimer != nil {
			self.stallTimer.Stop()
			self.stallTimer = nil
		}
	}
	self.stateLock.Unlock()

	if notify {
		glog.V(2).Infof("[shard]%s ready\n", self.id)
		if self.coordinator != nil {
			self.coordinator.NotifyReady(self.id)
		}
	}
}

func (self *Shard) armStallTimer() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.phase == ShardReady || self.stallTimer != nil {
		return
	}
	self.stallTimer = time.AfterFunc(self.settings.ReadyStallTimeout, self.reportStall)
}

func (self *Shard) reportStall() {
	self.stateLock.Lock()
	stalled := self.phase != ShardReady
	pending := maps.Keys(self.pending)
	self.stateLock.Unlock()

	if !stalled {
		return
	}

	pendingStrs := []string{}
	for _, collectionId := range pending {
		pendingStrs = append(pendingStrs, collectionId.String())
	}
	glog.Infof("[shard]%s readiness stall, pending = %v\n", self.id, pendingStrs)
	self.diagnostics.report(Diagnostic{
		Kind:    DiagnosticReadinessStall,
		ShardId: self.id,
		Fields:  pendingStrs,
	})
}

// Close stops the stall timer. The cache keeps the shard's entities;
// removal is driven by explicit delete events, not shard teardown.
func (self *Shard) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.stallTimer != nil {
		self.stallTimer.Stop()
		self.stallTimer = nil
	}
}
