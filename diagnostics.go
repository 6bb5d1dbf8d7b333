package reconcile

import (
	"github.com/golang/glog"
)

type DiagnosticKind int

const (
	DiagnosticUnknownEventTag DiagnosticKind = iota
	DiagnosticHandlerFailure
	DiagnosticPatchSchemaMismatch
	DiagnosticReadinessStall
)

func (self DiagnosticKind) String() string {
	switch self {
	case DiagnosticUnknownEventTag:
		return "unknown_event_tag"
	case DiagnosticHandlerFailure:
		return "handler_failure"
	case DiagnosticPatchSchemaMismatch:
		return "patch_schema_mismatch"
	case DiagnosticReadinessStall:
		return "readiness_stall"
	default:
		return "unknown"
	}
}

type Diagnostic struct {
	Kind     DiagnosticKind
	Tag      string
	EntityId Id
	ShardId  Id
	Fields   []string
	Err      error
}

type DiagnosticFunction func(diagnostic Diagnostic)

// dropped events and schema mismatches are never fatal, but they must be
// observable. Everything non-fatal that the dispatcher, cache, and shards
// swallow is reported here and to glog.
type Diagnostics struct {
	callbacks *CallbackList[DiagnosticFunction]
}

func NewDiagnostics() *Diagnostics {
	return &Diagnostics{
		callbacks: NewCallbackList[DiagnosticFunction](),
	}
}

func (self *Diagnostics) AddCallback(callback DiagnosticFunction) func() {
	callbackId := self.callbacks.Add(callback)
	return func() {
		self.callbacks.Remove(callbackId)
	}
}

func (self *Diagnostics) report(diagnostic Diagnostic) {
	if glog.V(2) {
		glog.Infof("[diag]%s tag=%s entity=%s shard=%s fields=%v err=%v\n",
			diagnostic.Kind,
			diagnostic.Tag,
			diagnostic.EntityId,
			diagnostic.ShardId,
			diagnostic.Fields,
			diagnostic.Err,
		)
	}
	for _, callback := range self.callbacks.Get() {
		callback(diagnostic)
	}
}
