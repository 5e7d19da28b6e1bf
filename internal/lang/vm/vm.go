// Package vm implements the stack-driven, resumable interpreter for the
// workflow language: no host-language recursion backs the interpreter loop,
// so a VM's durable state (frames, environment, pending control; the outbox
// is committed by the runner, not snapshotted) can be snapshotted to JSON
// after any Step and reconstructed byte-for-byte
// later, on any process, to resume exactly where it suspended.
package vm

import (
	"encoding/json"
	"time"

	"github.com/rhythmrun/engine/internal/lang/ast"
	"github.com/rhythmrun/engine/internal/lang/value"
)

// StepResult reports what Step just did.
type StepResult int

const (
	StepContinue StepResult = iota // more work remains; call Step again
	StepDone                       // the VM suspended, returned, or threw
)

// VM is one workflow execution's interpreter state.
type VM struct {
	Frames  []Frame
	Env     Env
	Control Control
	Outbox  Outbox

	// resumeValue/resumeIsThrow carry the settled value Resume supplied,
	// consumed exactly once by the first execBodyStatement/stepIf/stepWhile/
	// stepFor call that finds a matching Pending.
	resumeValue   value.Value
	resumeIsThrow bool
	awaitingInput bool

	// Resolver, NewID and NowUnixNano are runtime dependencies injected by
	// the caller (the runner); they are never part of the durable snapshot.
	Resolver   Resolver
	NewID      func() string
	nowUnixNano func() int64
}

// nativeObj builds a read-only namespace object mapping method name to
// NativeFuncID, e.g. {floor: Native(Math.floor), ...}.
func nativeObj(methods map[string]value.NativeFuncID) value.Value {
	out := value.NewObj()
	for name, id := range methods {
		out = out.Set(name, value.Native(id))
	}
	return out
}

func reservedEnv(inputs, context value.Value) Env {
	mathObj := nativeObj(map[string]value.NativeFuncID{
		"floor": value.FuncMathFloor, "ceil": value.FuncMathCeil,
		"abs": value.FuncMathAbs, "round": value.FuncMathRound,
	})
	taskObj := nativeObj(map[string]value.NativeFuncID{"run": value.FuncTaskRun})
	workflowObj := nativeObj(map[string]value.NativeFuncID{
		"run": value.FuncWorkflowRun, "sleep": value.FuncWorkflowSleep,
	})
	signalObj := nativeObj(map[string]value.NativeFuncID{"next": value.FuncSignalNext})
	return Env{
		{Name: "Inputs", Value: inputs},
		{Name: "Context", Value: context},
		{Name: "Math", Value: mathObj},
		{Name: "Task", Value: taskObj},
		{Name: "Workflow", Value: workflowObj},
		{Name: "Signal", Value: signalObj},
	}
}

// New constructs a fresh VM ready to run body as its root program. inputs and
// context are bound as the reserved Inputs/Context identifiers; Math, Task,
// Workflow and Signal are bound to their stdlib namespace objects.
func New(body []ast.Stmt, inputs, context value.Value, resolver Resolver, newID func() string) *VM {
	env := reservedEnv(inputs, context)
	vm := &VM{
		Frames:      []Frame{newBlockFrame(body, len(env))},
		Env:         env,
		Resolver:    resolver,
		NewID:       newID,
		nowUnixNano: func() int64 { return time.Now().UnixNano() },
	}
	return vm
}

// NowUnixNano returns the runner-supplied wall clock, or the real clock if
// none was injected (tests may override via SetClock).
func (vm *VM) NowUnixNano() int64 {
	if vm.nowUnixNano != nil {
		return vm.nowUnixNano()
	}
	return time.Now().UnixNano()
}

// SetClock overrides the VM's clock, used by the runner to bind every native
// call in a single step to one consistent instant, and by tests for
// determinism.
func (vm *VM) SetClock(f func() int64) { vm.nowUnixNano = f }

// consumeResume returns the value (or throw payload) Resume supplied and
// clears it. It must be called at most once per suspended step.
func (vm *VM) consumeResume() (value.Value, bool) {
	v, isThrow := vm.resumeValue, vm.resumeIsThrow
	vm.resumeValue = value.Null
	vm.resumeIsThrow = false
	vm.awaitingInput = false
	return v, isThrow
}

// Resume supplies the settled value for the Awaitable the VM last suspended
// on. It must be called exactly once per Suspend before the next Step.
func (vm *VM) Resume(v value.Value) {
	vm.resumeValue = v
	vm.resumeIsThrow = false
	vm.awaitingInput = true
	vm.Control = Control{}
}

// ResumeWithThrow supplies a failed settlement (e.g. a child execution that
// failed, or a cancelled timer) as a Throw at the await site.
func (vm *VM) ResumeWithThrow(v value.Value) {
	vm.resumeValue = v
	vm.resumeIsThrow = true
	vm.awaitingInput = true
	vm.Control = Control{}
}

// popFrame discards the top frame, truncating Env back to its ScopeBase, and
// advances the new top frame's Index (the compound statement that pushed the
// now-discarded frame is complete). When the stack empties with no Control
// already set, the workflow completed with an implicit `return null`.
func (vm *VM) popFrame() {
	f := vm.Frames[len(vm.Frames)-1]
	vm.Env = vm.Env[:f.ScopeBase]
	vm.Frames = vm.Frames[:len(vm.Frames)-1]
	if len(vm.Frames) > 0 {
		vm.Frames[len(vm.Frames)-1].Index++
	} else if vm.Control.Kind == CtrlNone {
		vm.Control = Control{Kind: CtrlReturn, Value: value.Null, HasValue: true}
	}
}

// advanceLoop moves a While/For frame past the iteration that just issued a
// Continue, truncating its per-iteration scope.
func (vm *VM) advanceLoop(frame *Frame) {
	vm.Env = vm.Env[:frame.ScopeBase]
	switch frame.Kind {
	case FrameWhile:
		frame.Stage = StageTest
	case FrameFor:
		frame.IterIndex++
		frame.Stage = StageIterNext
	}
}

// Step executes exactly one micro-action: resolving a suspended control
// signal (Return/Throw/Break/Continue) by unwinding the stack, or advancing
// whichever frame is on top.
func (vm *VM) Step() StepResult {
	if vm.Control.Kind != CtrlNone {
		return vm.unwind()
	}
	if len(vm.Frames) == 0 {
		return StepDone
	}
	vm.stepTop()
	if vm.Control.Kind != CtrlNone {
		return vm.unwind()
	}
	return StepContinue
}

// RunUntilDone steps the VM until it suspends, returns, or throws.
func (vm *VM) RunUntilDone() {
	for vm.Step() == StepContinue {
	}
}

// unwind resolves the VM's pending Control signal against the frame stack.
func (vm *VM) unwind() StepResult {
	switch vm.Control.Kind {
	case CtrlSuspend:
		return StepDone

	case CtrlReturn:
		for len(vm.Frames) > 0 {
			f := vm.Frames[len(vm.Frames)-1]
			vm.Env = vm.Env[:f.ScopeBase]
			vm.Frames = vm.Frames[:len(vm.Frames)-1]
		}
		return StepDone

	case CtrlThrow:
		for len(vm.Frames) > 0 {
			top := &vm.Frames[len(vm.Frames)-1]
			if top.Kind == FrameTry && !top.InCatch {
				vm.Env = vm.Env[:top.ScopeBase]
				vm.Env = append(vm.Env, EnvEntry{Name: top.CatchVar, Value: vm.Control.Value})
				top.InCatch = true
				top.Body = top.CatchBody
				top.Index = 0
				vm.Control = Control{}
				return StepContinue
			}
			vm.Env = vm.Env[:top.ScopeBase]
			vm.Frames = vm.Frames[:len(vm.Frames)-1]
		}
		return StepDone // unhandled at root: Control stays CtrlThrow, the runner reads it as the workflow's failure.

	case CtrlBreak, CtrlContinue:
		isBreak := vm.Control.Kind == CtrlBreak
		for len(vm.Frames) > 0 {
			top := &vm.Frames[len(vm.Frames)-1]
			if top.Kind == FrameWhile || top.Kind == FrameFor {
				vm.Control = Control{}
				if isBreak {
					vm.popFrame()
				} else {
					vm.advanceLoop(top)
				}
				return StepContinue
			}
			vm.Env = vm.Env[:top.ScopeBase]
			vm.Frames = vm.Frames[:len(vm.Frames)-1]
		}
		vm.Control = Control{Kind: CtrlThrow, Value: internalErrorf("break/continue outside a loop"), HasValue: true}
		return StepContinue
	}
	return StepDone
}

// Outcome summarizes a VM that has reached StepDone.
type Outcome int

const (
	OutcomeSuspended Outcome = iota
	OutcomeReturned
	OutcomeThrew
)

// Outcome reports which terminal state the VM is in after a StepDone.
func (vm *VM) Outcome() Outcome {
	switch vm.Control.Kind {
	case CtrlSuspend:
		return OutcomeSuspended
	case CtrlThrow:
		return OutcomeThrew
	default:
		return OutcomeReturned
	}
}

// wireVM is the VM's durable snapshot shape (workflow_execution_context.vm_state).
// Resolver/NewID/nowUnixNano are runtime dependencies, rebound fresh by the
// runner on every load; they never round-trip.
type wireVM struct {
	Frames  []Frame       `json:"frames"`
	Env     Env           `json:"env"`
	Control wireControl   `json:"control"`
}

// Snapshot serializes the VM's durable state (frames, env, pending control).
// The outbox is NOT included: it is drained and committed by the runner at
// the end of the step that produced it, never persisted as VM state.
func (vm *VM) Snapshot() ([]byte, error) {
	wc := wireControl{Kind: vm.Control.Kind, HasValue: vm.Control.HasValue}
	if vm.Control.HasValue {
		wc.Value = &vm.Control.Value
	}
	if vm.Control.Kind == CtrlSuspend {
		wc.Awaitable = &vm.Control.Awaitable
	}
	return json.Marshal(wireVM{Frames: vm.Frames, Env: vm.Env, Control: wc})
}

// Restore reconstructs a VM from a Snapshot, binding the supplied runtime
// dependencies fresh.
func Restore(data []byte, resolver Resolver, newID func() string) (*VM, error) {
	var w wireVM
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	vm := &VM{
		Frames:      w.Frames,
		Env:         w.Env,
		Resolver:    resolver,
		NewID:       newID,
		nowUnixNano: func() int64 { return time.Now().UnixNano() },
	}
	vm.Control = Control{Kind: w.Control.Kind, HasValue: w.Control.HasValue}
	if w.Control.Value != nil {
		vm.Control.Value = *w.Control.Value
	}
	if w.Control.Awaitable != nil {
		vm.Control.Awaitable = *w.Control.Awaitable
	}
	return vm, nil
}
