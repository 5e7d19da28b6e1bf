// Package awaitable implements the recursive Awaitable resolution protocol
// of §4.4: a leaf Execution/Timer/Signal lookup against a single store read,
// and All/Any/Race combinators over leaf results. It is the only
// implementation of vm.Resolver in this module.
package awaitable

import (
	"context"
	"encoding/json"

	"github.com/rhythmrun/engine/internal/engine/store"
	"github.com/rhythmrun/engine/internal/lang/value"
	"github.com/rhythmrun/engine/internal/lang/vm"
)

// Resolver resolves Awaitables for one workflow step. WorkflowID scopes
// signal lookups (an Awaitable carries only signal_name/claim_id, not which
// workflow is waiting); Now is the step's fixed clock reading so a Timer
// Awaitable resolves consistently across every re-evaluation within the step.
type Resolver struct {
	Store      store.Backend
	Ctx        context.Context
	WorkflowID string
	Now        int64
}

// New constructs a Resolver bound to a single step's snapshot.
func New(ctx context.Context, backend store.Backend, workflowID string, now int64) *Resolver {
	return &Resolver{Store: backend, Ctx: ctx, WorkflowID: workflowID, Now: now}
}

// Resolve implements vm.Resolver.
func (r *Resolver) Resolve(a value.Awaitable) vm.AwaitStatus {
	switch a.Kind {
	case value.AwaitExecution:
		return r.resolveExecution(a.ExecutionID)
	case value.AwaitTimer:
		return r.resolveTimer(a.FireAtUnixNano)
	case value.AwaitSignal:
		return r.resolveSignal(a.SignalName, a.ClaimID)
	case value.AwaitAll:
		return r.resolveAll(a)
	case value.AwaitAny:
		return r.resolveAny(a)
	case value.AwaitRace:
		return r.resolveRace(a)
	default:
		return vm.AwaitStatus{Kind: vm.AwaitPending}
	}
}

func (r *Resolver) resolveExecution(executionID string) vm.AwaitStatus {
	exec, err := r.Store.GetExecution(r.Ctx, executionID)
	if err != nil {
		return vm.AwaitStatus{Kind: vm.AwaitPending}
	}
	switch exec.Status {
	case store.StatusCompleted:
		v, convErr := rawToValue(exec.Output)
		if convErr != nil {
			return vm.AwaitStatus{Kind: vm.AwaitError, Value: value.Err(vm.ErrInternalError, convErr.Error(), nil)}
		}
		return vm.AwaitStatus{Kind: vm.AwaitSuccess, Value: v}
	case store.StatusFailed:
		// A failed execution's output object (e.g. {code, message}) is
		// rethrown as is, so a catch can read its fields; any other output
		// is rethrown as INTERNAL_ERROR.
		v, convErr := rawToValue(exec.Output)
		if convErr != nil || (v.Kind() != value.KindError && v.Kind() != value.KindObj) {
			v = value.Err(vm.ErrInternalError, "execution failed", nil)
		}
		return vm.AwaitStatus{Kind: vm.AwaitError, Value: v}
	default:
		return vm.AwaitStatus{Kind: vm.AwaitPending}
	}
}

func (r *Resolver) resolveTimer(fireAtUnixNano int64) vm.AwaitStatus {
	if r.Now >= fireAtUnixNano {
		return vm.AwaitStatus{Kind: vm.AwaitSuccess, Value: value.Null}
	}
	return vm.AwaitStatus{Kind: vm.AwaitPending}
}

func (r *Resolver) resolveSignal(signalName, claimID string) vm.AwaitStatus {
	payload, ok, err := r.Store.GetSignalPayload(r.Ctx, r.WorkflowID, claimID)
	if err != nil || !ok {
		return vm.AwaitStatus{Kind: vm.AwaitPending}
	}
	v, convErr := rawToValue(payload)
	if convErr != nil {
		return vm.AwaitStatus{Kind: vm.AwaitError, Value: value.Err(vm.ErrInternalError, convErr.Error(), nil)}
	}
	return vm.AwaitStatus{Kind: vm.AwaitSuccess, Value: v}
}

// resolveAll succeeds only once every item has succeeded, producing an
// aggregate keyed the same way the Awaitable itself was built (list or
// object); any single item's error fails the whole aggregate immediately.
func (r *Resolver) resolveAll(a value.Awaitable) vm.AwaitStatus {
	results := make([]value.Value, len(a.Items))
	keys := make([]string, len(a.Items))
	for i, item := range a.Items {
		st := r.Resolve(item.Awaitable)
		switch st.Kind {
		case vm.AwaitError:
			return st
		case vm.AwaitPending:
			return vm.AwaitStatus{Kind: vm.AwaitPending}
		}
		results[i] = st.Value
		keys[i] = item.Key
	}
	return vm.AwaitStatus{Kind: vm.AwaitSuccess, Value: aggregate(a, keys, results)}
}

// resolveAny succeeds with {key, value} of the first item that succeeds; it
// stays Pending while any item is still pending and none has succeeded, and
// errors with an AggregateError (data: the items' errors, in order) only once
// every item has errored.
func (r *Resolver) resolveAny(a value.Awaitable) vm.AwaitStatus {
	allErrored := true
	var errs []value.Value
	for _, item := range a.Items {
		st := r.Resolve(item.Awaitable)
		switch st.Kind {
		case vm.AwaitSuccess:
			keyed := value.ObjFrom([]string{"key", "value"}, []value.Value{value.Str(item.Key), st.Value})
			return vm.AwaitStatus{Kind: vm.AwaitSuccess, Value: keyed}
		case vm.AwaitError:
			errs = append(errs, st.Value)
		default:
			allErrored = false
		}
	}
	if allErrored && len(a.Items) > 0 {
		data := value.List(errs)
		return vm.AwaitStatus{Kind: vm.AwaitError, Value: value.Err("AggregateError", "every awaited item failed", &data)}
	}
	return vm.AwaitStatus{Kind: vm.AwaitPending}
}

// resolveRace settles on whichever item settles first: a success as
// {key, value}, an error as that item's error.
func (r *Resolver) resolveRace(a value.Awaitable) vm.AwaitStatus {
	for _, item := range a.Items {
		st := r.Resolve(item.Awaitable)
		if st.Kind == vm.AwaitSuccess {
			keyed := value.ObjFrom([]string{"key", "value"}, []value.Value{value.Str(item.Key), st.Value})
			return vm.AwaitStatus{Kind: vm.AwaitSuccess, Value: keyed}
		}
		if st.Kind != vm.AwaitPending {
			return st
		}
	}
	return vm.AwaitStatus{Kind: vm.AwaitPending}
}

func aggregate(a value.Awaitable, keys []string, results []value.Value) value.Value {
	if a.IsObject {
		return value.ObjFrom(keys, results)
	}
	return value.List(results)
}

func rawToValue(raw json.RawMessage) (value.Value, error) {
	if len(raw) == 0 {
		return value.Null, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return value.Value{}, err
	}
	return value.FromJSON(decoded)
}
