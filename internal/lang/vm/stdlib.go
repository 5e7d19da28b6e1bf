package vm

import (
	"math"

	"github.com/rhythmrun/engine/internal/lang/value"
)

// dispatchNative implements the stdlib surface (§6.3): pure Math helpers plus
// the four Promise-returning primitives. Task.run, Workflow.run and
// Signal.next append a proposed side effect to the outbox; Workflow.sleep
// appends nothing and only records its fire time in the Promise. Each hands
// back a Promise the workflow can await immediately or later, store in a
// variable, or fold into All/Any/Race.
func (vm *VM) dispatchNative(id value.NativeFuncID, args []value.Value) EvalResult {
	switch id {
	case value.FuncMathFloor:
		return mathUnary(args, math.Floor)
	case value.FuncMathCeil:
		return mathUnary(args, math.Ceil)
	case value.FuncMathAbs:
		return mathUnary(args, math.Abs)
	case value.FuncMathRound:
		return mathUnary(args, math.Round)
	case value.FuncTaskRun:
		return vm.nativeRun(args, OutboxCreateTask)
	case value.FuncWorkflowRun:
		return vm.nativeRun(args, OutboxCreateWorkflow)
	case value.FuncWorkflowSleep:
		return vm.nativeSleep(args)
	case value.FuncSignalNext:
		return vm.nativeSignalNext(args)
	default:
		return evThrow(internalErrorf("unknown native function %q", id))
	}
}

func mathUnary(args []value.Value, f func(float64) float64) EvalResult {
	if len(args) != 1 || args[0].Kind() != value.KindNum {
		return evThrow(argumentErrorf("expected a single number argument"))
	}
	return evVal(value.Num(f(args[0].AsNum())))
}

// nativeRun implements Task.run(name, args?, opts?) / Workflow.run(name, args?, opts?).
// opts may set queue and priority; both default (queue "default", priority 0).
func (vm *VM) nativeRun(args []value.Value, kind OutboxEntryKind) EvalResult {
	if len(args) < 1 || args[0].Kind() != value.KindStr {
		return evThrow(argumentErrorf("expected a function name as the first argument"))
	}
	name := args[0].AsStr()
	callArgs := value.NewObj()
	if len(args) >= 2 {
		if args[1].Kind() != value.KindObj {
			return evThrow(argumentErrorf("expected an object of arguments as the second argument"))
		}
		callArgs = args[1]
	}
	queue := "default"
	priority := 0
	if len(args) >= 3 {
		opts := args[2]
		if opts.Kind() != value.KindObj {
			return evThrow(argumentErrorf("expected an options object as the third argument"))
		}
		if q, ok := opts.Get("queue"); ok && q.Kind() == value.KindStr {
			queue = q.AsStr()
		}
		if p, ok := opts.Get("priority"); ok && p.Kind() == value.KindNum {
			priority = int(p.AsNum())
		}
	}
	id := vm.NewID()
	vm.Outbox = append(vm.Outbox, OutboxEntry{
		Kind: kind, ExecutionID: id, FunctionName: name, Args: callArgs,
		Queue: queue, Priority: priority,
	})
	return evVal(value.Prom(value.Awaitable{Kind: value.AwaitExecution, ExecutionID: id}))
}

// nativeSleep implements Workflow.sleep(milliseconds), producing a durable
// Timer awaitable the runner resolves by wall-clock comparison against the
// recorded fire time, not by blocking.
func (vm *VM) nativeSleep(args []value.Value) EvalResult {
	if len(args) != 1 || args[0].Kind() != value.KindNum {
		return evThrow(argumentErrorf("expected a millisecond duration"))
	}
	ms := args[0].AsNum()
	if ms < 0 {
		return evThrow(argumentErrorf("sleep duration must not be negative"))
	}
	fireAt := vm.NowUnixNano() + int64(ms)*int64(1_000_000)
	return evVal(value.Prom(value.Awaitable{Kind: value.AwaitTimer, FireAtUnixNano: fireAt}))
}

// nativeSignalNext implements Signal.next(name), returning a Promise for the
// next unclaimed delivery of the named signal.
func (vm *VM) nativeSignalNext(args []value.Value) EvalResult {
	if len(args) != 1 || args[0].Kind() != value.KindStr {
		return evThrow(argumentErrorf("expected a signal name"))
	}
	name := args[0].AsStr()
	claimID := vm.NewID()
	vm.Outbox = append(vm.Outbox, OutboxEntry{
		Kind: OutboxRequestSignal, ClaimID: claimID, SignalName: name,
	})
	return evVal(value.Prom(value.Awaitable{Kind: value.AwaitSignal, SignalName: name, ClaimID: claimID}))
}
