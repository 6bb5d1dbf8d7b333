package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// gateway event tags
const (
	EventSnapshot         = "snapshot"
	EventSelfUpdate       = "self_update"
	EventMemberUpdate     = "member_update"
	EventCollectionCreate = "collection_create"
	EventCollectionUpdate = "collection_update"
	EventCollectionDelete = "collection_delete"
	EventChannelCreate    = "channel_create"
	EventChannelDelete    = "channel_delete"
)

// derived notification names
const (
	NotifyShardReady        = "shard_ready"
	NotifySelfUpdated       = "self_updated"
	NotifyMemberUpdated     = "member_updated"
	NotifyCollectionJoined  = "collection_joined"
	NotifyCollectionUpdated = "collection_updated"
	NotifyCollectionLeft    = "collection_left"
	NotifyChannelCreated    = "channel_created"
	NotifyChannelRemoved    = "channel_removed"
)

// the session token refresh rides on self_update payloads as a side
// channel; it is stripped before the entity merge
const sessionTokenField = "session_token"

type Command struct {
	Name string
	Args any
}

// the transport collaborator. The direct response settles eventually;
// commands whose real completion is a later gateway event go through
// Correlate instead of blocking on this alone.
type Transport interface {
	Send(ctx context.Context, command *Command) (json.RawMessage, error)
}

type ClientSettings struct {
	CorrelateSettings *CorrelateSettings
	ShardSettings     *ShardSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		CorrelateSettings: DefaultCorrelateSettings(),
		ShardSettings:     DefaultShardSettings(),
	}
}

// Client ties the reconciliation pieces together: one cache and one bus
// shared by all shards, a dispatcher with the platform's event handlers
// registered, and the session credentials.
//
// Notify policy per event, chosen to match how listeners consume each:
// - self_update and the create/delete events always notify; the event
//   itself is the fact of interest even when no field changed
// - member_update and collection_update notify only on diff; the platform
//   re-sends full property sets and no-op updates would spam listeners
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport   Transport
	coordinator Coordinator

	diagnostics *Diagnostics
	cache       *EntityCache
	bus         *NotificationBus
	dispatcher  *Dispatcher
	session     *Session

	settings *ClientSettings

	stateLock sync.Mutex
	shards    map[Id]*Shard
}

func NewClientWithDefaults(ctx context.Context, transport Transport, coordinator Coordinator) *Client {
	return NewClient(ctx, transport, coordinator, DefaultClientSettings())
}

func NewClient(ctx context.Context, transport Transport, coordinator Coordinator, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	diagnostics := NewDiagnostics()
	bus := NewNotificationBus()
	client := &Client{
		ctx:         cancelCtx,
		cancel:      cancel,
		transport:   transport,
		coordinator: coordinator,
		diagnostics: diagnostics,
		cache:       NewEntityCache(diagnostics),
		bus:         bus,
		dispatcher:  NewDispatcher(bus, diagnostics),
		session:     NewSession(),
		settings:    settings,
		shards:      map[Id]*Shard{},
	}
	client.registerHandlers()
	return client
}

// SetTransport attaches the transport collaborator. The gateway transport
// is constructed with the client, so it attaches itself after dial.
func (self *Client) SetTransport(transport Transport) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.transport = transport
}

func (self *Client) Transport() Transport {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.transport
}

func (self *Client) Cache() *EntityCache {
	return self.cache
}

func (self *Client) Bus() *NotificationBus {
	return self.bus
}

func (self *Client) Dispatcher() *Dispatcher {
	return self.dispatcher
}

func (self *Client) Session() *Session {
	return self.session
}

func (self *Client) Diagnostics() *Diagnostics {
	return self.diagnostics
}

// Shard returns the shard instance for the id, creating it on first use.
func (self *Client) Shard(shardId Id) *Shard {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	shard, ok := self.shards[shardId]
	if !ok {
		shard = NewShard(shardId, self.cache, self, self.diagnostics, self.settings.ShardSettings)
		self.shards[shardId] = shard
	}
	return shard
}

func (self *Client) Dispatch(envelope Envelope) {
	self.dispatcher.Dispatch(envelope)
}

// Coordinator. Fires once per shard on the first ready transition:
// emits a shard_ready notification, then forwards to the external
// coordinator if one is attached.
func (self *Client) NotifyReady(shardId Id) {
	self.bus.Emit(Notification{
		Name:    NotifyShardReady,
		Payload: shardId,
	})
	if self.coordinator != nil {
		self.coordinator.NotifyReady(shardId)
	}
}

func (self *Client) Close() {
	self.cancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, shard := range self.shards {
		shard.Close()
	}
}

func (self *Client) registerHandlers() {
	self.dispatcher.Register(EventSnapshot, self.handleSnapshot)
	self.dispatcher.Register(EventSelfUpdate, self.handleSelfUpdate)
	self.dispatcher.Register(EventMemberUpdate, self.handleMemberUpdate)
	self.dispatcher.Register(EventCollectionCreate, self.handleCollectionCreate)
	self.dispatcher.Register(EventCollectionUpdate, self.handleCollectionUpdate)
	self.dispatcher.Register(EventCollectionDelete, self.handleCollectionDelete)
	self.dispatcher.Register(EventChannelCreate, self.handleChannelCreate)
	self.dispatcher.Register(EventChannelDelete, self.handleChannelDelete)
}

func (self *Client) handleSnapshot(shard *Shard, payload json.RawMessage) (*ActionResult, error) {
	// readiness notifies through the coordinator path, not the dispatcher
	return nil, shard.HandleSnapshot(payload)
}

func (self *Client) handleSelfUpdate(shard *Shard, payload json.RawMessage) (*ActionResult, error) {
	patch, err := PatchFromJson(payload)
	if err != nil {
		return nil, err
	}

	token, hasToken := patch.TakeString(sessionTokenField)

	selfId, ok := patch.TakeId("id")
	if !ok {
		selfId = shard.SelfId()
	}
	if selfId.IsZero() {
		return nil, fmt.Errorf("Self update before snapshot")
	}

	var previous map[string]any
	if entity := self.cache.Get(selfId); entity != nil {
		previous = entity.Snapshot()
	}
	entity, _ := self.cache.Patch(selfId, UserSchema, shard.Id(), patch)

	// the entity merge and the credential refresh are not atomic; a
	// refresh failure leaves the merge in place
	if hasToken {
		if err := self.session.Refresh(token); err != nil {
			self.diagnostics.report(Diagnostic{
				Kind:    DiagnosticHandlerFailure,
				Tag:     EventSelfUpdate,
				ShardId: shard.Id(),
				Err:     err,
			})
		}
	}

	return &ActionResult{
		Entity:   entity,
		Previous: previous,
		Notify:   NotifyAlways,
		Name:     NotifySelfUpdated,
	}, nil
}

func (self *Client) handleMemberUpdate(shard *Shard, payload json.RawMessage) (*ActionResult, error) {
	return self.patchEntity(shard, payload, UserSchema, NotifyOnChange, NotifyMemberUpdated)
}

func (self *Client) handleCollectionCreate(shard *Shard, payload json.RawMessage) (*ActionResult, error) {
	result, err := self.patchEntity(shard, payload, CollectionSchema, NotifyAlways, NotifyCollectionJoined)
	if err != nil {
		return nil, err
	}
	shard.ObserveCollection(result.Entity.Id())
	return result, nil
}

func (self *Client) handleCollectionUpdate(shard *Shard, payload json.RawMessage) (*ActionResult, error) {
	return self.patchEntity(shard, payload, CollectionSchema, NotifyOnChange, NotifyCollectionUpdated)
}

func (self *Client) handleCollectionDelete(shard *Shard, payload json.RawMessage) (*ActionResult, error) {
	return self.removeEntity(payload, NotifyCollectionLeft)
}

func (self *Client) handleChannelCreate(shard *Shard, payload json.RawMessage) (*ActionResult, error) {
	return self.patchEntity(shard, payload, ChannelSchema, NotifyAlways, NotifyChannelCreated)
}

func (self *Client) handleChannelDelete(shard *Shard, payload json.RawMessage) (*ActionResult, error) {
	return self.removeEntity(payload, NotifyChannelRemoved)
}

func (self *Client) patchEntity(shard *Shard, payload json.RawMessage, schema *Schema, notify NotifyMode, name string) (*ActionResult, error) {
	patch, err := PatchFromJson(payload)
	if err != nil {
		return nil, err
	}
	entityId, ok := patch.TakeId("id")
	if !ok {
		return nil, fmt.Errorf("%s payload missing id", schema.Kind)
	}

	var previous map[string]any
	if entity := self.cache.Get(entityId); entity != nil {
		previous = entity.Snapshot()
	}
	entity, _ := self.cache.Patch(entityId, schema, shard.Id(), patch)

	return &ActionResult{
		Entity:   entity,
		Previous: previous,
		Notify:   notify,
		Name:     name,
	}, nil
}

func (self *Client) removeEntity(payload json.RawMessage, name string) (*ActionResult, error) {
	patch, err := PatchFromJson(payload)
	if err != nil {
		return nil, err
	}
	entityId, ok := patch.TakeId("id")
	if !ok {
		return nil, fmt.Errorf("Delete payload missing id")
	}

	entity := self.cache.Remove(entityId)
	if entity == nil {
		// at-least-once delivery can replay a delete
		return nil, nil
	}
	return &ActionResult{
		Entity:  entity,
		Notify:  NotifyAlways,
		Name:    name,
		Payload: entity,
	}, nil
}

// UpdateSettings edits the self user's settings with a direct
// request/response. The settings echo arrives later as a self_update
// event; callers that need it should watch the bus.
func (self *Client) UpdateSettings(ctx context.Context, fields map[string]any) error {
	_, err := self.Transport().Send(ctx, &Command{
		Name: "update_self",
		Args: fields,
	})
	return err
}

// JoinCollection accepts an invite. The direct response only acknowledges
// the request and names the collection; real completion is the
// collection_joined event for that id.
func (self *Client) JoinCollection(ctx context.Context, inviteCode string) (*Entity, error) {
	var expectId atomic.Pointer[Id]

	request := func(ctx context.Context) error {
		response, err := self.Transport().Send(ctx, &Command{
			Name: "join_collection",
			Args: map[string]any{
				"invite_code": inviteCode,
			},
		})
		if err != nil {
			return err
		}
		var ack struct {
			CollectionId string `json:"collection_id"`
		}
		if err := json.Unmarshal(response, &ack); err != nil {
			return fmt.Errorf("Bad join response: %w", err)
		}
		collectionId, err := ParseId(ack.CollectionId)
		if err != nil {
			return err
		}
		expectId.Store(&collectionId)
		return nil
	}

	match := func(notification Notification) bool {
		if notification.Name != NotifyCollectionJoined {
			return false
		}
		collectionId := expectId.Load()
		if collectionId == nil {
			// direct response not settled yet
			return false
		}
		entity, ok := notification.Payload.(*Entity)
		return ok && entity.Id() == *collectionId
	}

	notification, err := CorrelateWithSettings(ctx, self.bus, request, match, self.settings.CorrelateSettings)
	if err != nil {
		return nil, err
	}
	return notification.Payload.(*Entity), nil
}
