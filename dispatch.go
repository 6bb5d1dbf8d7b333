package reconcile

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// the raw event envelope delivered by the gateway collaborator
type Envelope struct {
	Tag     string
	Payload json.RawMessage
	Shard   *Shard
}

type NotifyMode int

const (
	NotifyNever NotifyMode = iota
	// emit unconditionally, e.g. settings updates
	NotifyAlways
	// emit only if the merged fields differ from the previous snapshot,
	// so no-op property updates do not spam listeners
	NotifyOnChange
)

// what a handler did, and whether the dispatcher should tell anyone.
// Previous is the field snapshot taken before the mutation; it drives the
// NotifyOnChange diff and rides on the notification payload for listeners
// that want to render deltas.
type ActionResult struct {
	Entity   *Entity
	Previous map[string]any
	Notify   NotifyMode
	Name     string
	Payload  any
}

type HandlerFunction func(shard *Shard, payload json.RawMessage) (*ActionResult, error)

// Dispatcher routes gateway events to registered handlers and feeds each
// handler's result to the notification bus. The gateway delivers events
// for one shard serially, so Dispatch is not called concurrently for the
// same shard; the dispatcher itself only locks its handler table.
// Handlers are expected to be idempotent-safe under at-least-once delivery.
type Dispatcher struct {
	bus         *NotificationBus
	diagnostics *Diagnostics

	stateLock sync.Mutex
	handlers  map[string]HandlerFunction
}

func NewDispatcher(bus *NotificationBus, diagnostics *Diagnostics) *Dispatcher {
	return &Dispatcher{
		bus:         bus,
		diagnostics: diagnostics,
		handlers:    map[string]HandlerFunction{},
	}
}

// Register binds the handler for a tag. The last registration for a tag
// wins; re-registration is not an error.
func (self *Dispatcher) Register(tag string, handler HandlerFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.handlers[tag] = handler
}

func (self *Dispatcher) handler(tag string) HandlerFunction {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.handlers[tag]
}

// Dispatch folds one event into the cache and emits at most one
// notification. A failing handler is contained here and never stops
// subsequent dispatches. An unknown tag is a diagnosed no-op.
func (self *Dispatcher) Dispatch(envelope Envelope) {
	shardId := Id{}
	if envelope.Shard != nil {
		shardId = envelope.Shard.Id()
	}

	handler := self.handler(envelope.Tag)
	if handler == nil {
		glog.V(2).Infof("[dispatch]drop %s\n", envelope.Tag)
		self.diagnostics.report(Diagnostic{
			Kind:    DiagnosticUnknownEventTag,
			Tag:     envelope.Tag,
			ShardId: shardId,
		})
		return
	}

	result, err := self.invoke(handler, envelope)
	if err != nil {
		glog.Infof("[dispatch]%s error = %s\n", envelope.Tag, err)
		self.diagnostics.report(Diagnostic{
			Kind:    DiagnosticHandlerFailure,
			Tag:     envelope.Tag,
			ShardId: shardId,
			Err:     err,
		})
		return
	}
	if result == nil {
		return
	}

	emit := false
	switch result.Notify {
	case NotifyAlways:
		emit = true
	case NotifyOnChange:
		if result.Entity != nil {
			emit = !fieldsEqual(result.Previous, result.Entity.Snapshot())
		}
	}
	if emit {
		payload := result.Payload
		if payload == nil {
			payload = result.Entity
		}
		self.bus.Emit(Notification{
			Name:    result.Name,
			Payload: payload,
		})
	}
}

func (self *Dispatcher) invoke(handler HandlerFunction, envelope Envelope) (result *ActionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(envelope.Shard, envelope.Payload)
}
