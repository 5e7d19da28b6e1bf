// Package runner drives one workflow execution's VM through exactly one
// step: resolve outstanding signals (§4.6), load or construct the VM, run it
// to the next suspend/return/throw, translate its outbox and outcome into
// store terms, and commit everything in a single store.CommitStep call.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rhythmrun/engine/internal/engine/awaitable"
	"github.com/rhythmrun/engine/internal/engine/store"
	"github.com/rhythmrun/engine/internal/lang/parser"
	"github.com/rhythmrun/engine/internal/lang/value"
	"github.com/rhythmrun/engine/internal/lang/vm"
	engineerrors "github.com/rhythmrun/engine/pkg/errors"
)

// IDGenerator produces new execution/claim IDs. google/uuid backs the
// default implementation; tests can inject a deterministic sequence.
type IDGenerator func() string

// Runner advances workflow executions one step at a time against a Backend.
type Runner struct {
	Store store.Backend
	NewID IDGenerator
}

// New constructs a Runner bound to backend, generating IDs with newID.
func New(backend store.Backend, newID IDGenerator) *Runner {
	return &Runner{Store: backend, NewID: newID}
}

// StepWorkflow advances the workflow execution executionID by one step. It is
// the work performed when the dispatcher hands a KindWorkflow claim to a
// worker: load the definition and any suspended snapshot (or start fresh),
// resolve signals, run the VM, and commit the result.
func (r *Runner) StepWorkflow(ctx context.Context, executionID string, inputs json.RawMessage) error {
	exec, err := r.Store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("loading execution: %w", err)
	}

	if err := r.Store.ResolveSignals(ctx, executionID); err != nil {
		return fmt.Errorf("resolving signals: %w", err)
	}

	now := time.Now().UnixNano()
	resolver := awaitable.New(ctx, r.Store, executionID, now)

	machine, defID, err := r.loadOrStart(ctx, exec, inputs, resolver)
	if err != nil {
		return err
	}
	machine.SetClock(func() int64 { return now })

	machine.RunUntilDone()

	return r.commit(ctx, executionID, defID, exec.ParentWorkflowID, machine)
}

// loadOrStart restores a suspended VM from its snapshot, or (on the
// execution's first step) parses the registered workflow source and
// constructs a fresh one bound to Inputs.
func (r *Runner) loadOrStart(ctx context.Context, exec *store.Execution, inputs json.RawMessage, resolver vm.Resolver) (*vm.VM, string, error) {
	snap, err := r.Store.LoadSnapshot(ctx, exec.ID)
	if err != nil {
		return nil, "", fmt.Errorf("loading snapshot: %w", err)
	}
	if snap != nil {
		machine, err := vm.Restore(snap.VMState, resolver, r.NewID)
		if err != nil {
			return nil, "", fmt.Errorf("restoring VM: %w", err)
		}
		return machine, snap.WorkflowDefinitionID, nil
	}

	def, err := r.Store.GetWorkflowDefinitionByName(ctx, exec.FunctionName)
	if err != nil {
		return nil, "", fmt.Errorf("loading workflow definition: %w", err)
	}
	body, err := parser.Parse(def.Source)
	if err != nil {
		return nil, "", fmt.Errorf("parsing workflow %q: %w", exec.FunctionName, err)
	}
	inputsVal, err := rawToValue(exec.Inputs)
	if err != nil {
		return nil, "", fmt.Errorf("decoding inputs: %w", err)
	}
	machine := vm.New(body, inputsVal, value.NewObj(), resolver, r.NewID)
	return machine, def.ID, nil
}

// commit translates the VM's terminal state into a store.CommitStepInput and
// applies it transactionally.
func (r *Runner) commit(ctx context.Context, executionID, defID, parentID string, machine *vm.VM) error {
	in := store.CommitStepInput{
		ExecutionID:          executionID,
		WorkflowDefinitionID: defID,
		ParentWorkflowID:     parentID,
	}

	outbox, err := translateOutbox(machine.Outbox, r.NewID)
	if err != nil {
		return fmt.Errorf("translating outbox: %w", err)
	}
	in.Outbox = outbox

	switch machine.Outcome() {
	case vm.OutcomeReturned:
		in.Outcome = store.StepReturned
		out, err := json.Marshal(mustToJSON(machine.Control.Value))
		if err != nil {
			return fmt.Errorf("marshaling return value: %w", err)
		}
		in.Output = out
	case vm.OutcomeThrew:
		in.Outcome = store.StepThrew
		out, err := json.Marshal(mustToJSON(machine.Control.Value))
		if err != nil {
			return fmt.Errorf("marshaling throw value: %w", err)
		}
		in.Output = out
	case vm.OutcomeSuspended:
		in.Outcome = store.StepSuspended
		snap, err := machine.Snapshot()
		if err != nil {
			return fmt.Errorf("snapshotting VM: %w", err)
		}
		in.SnapshotState = snap
	}

	if err := r.Store.CommitStep(ctx, in); err != nil {
		return &engineerrors.StoreError{Op: "commit_step", Cause: err}
	}
	return nil
}

// translateOutbox converts the VM's language-level outbox entries into
// store-level ops, assigning a fresh child execution ID to every proposed
// Task/Workflow creation so the store package never depends on vm/value.
func translateOutbox(entries vm.Outbox, newID IDGenerator) ([]store.OutboxOp, error) {
	ops := make([]store.OutboxOp, 0, len(entries))
	for _, e := range entries {
		switch e.Kind {
		case vm.OutboxCreateTask, vm.OutboxCreateWorkflow:
			childKind := store.KindTask
			if e.Kind == vm.OutboxCreateWorkflow {
				childKind = store.KindWorkflow
			}
			argsJSON, err := json.Marshal(mustToJSON(e.Args))
			if err != nil {
				return nil, fmt.Errorf("marshaling args for %s: %w", e.FunctionName, err)
			}
			childID := e.ExecutionID
			if childID == "" {
				childID = newID()
			}
			ops = append(ops, store.OutboxOp{
				Kind:         store.OutboxOpCreateExecution,
				ChildID:      childID,
				ChildKind:    childKind,
				FunctionName: e.FunctionName,
				Inputs:       argsJSON,
				Queue:        e.Queue,
				Priority:     e.Priority,
			})
		case vm.OutboxRequestSignal:
			ops = append(ops, store.OutboxOp{
				Kind:       store.OutboxOpRequestSignal,
				ClaimID:    e.ClaimID,
				SignalName: e.SignalName,
			})
		}
	}
	return ops, nil
}

func mustToJSON(v value.Value) any {
	out, err := value.ToJSON(v)
	if err != nil {
		return map[string]any{"code": "INTERNAL_ERROR", "message": err.Error()}
	}
	return out
}

func rawToValue(raw json.RawMessage) (value.Value, error) {
	if len(raw) == 0 {
		return value.NewObj(), nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return value.Value{}, err
	}
	return value.FromJSON(decoded)
}
