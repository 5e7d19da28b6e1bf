package vm

import (
	"github.com/rhythmrun/engine/internal/lang/ast"
	"github.com/rhythmrun/engine/internal/lang/value"
)

// EvalResultKind discriminates what evaluating an expression produced.
type EvalResultKind int

const (
	EvalValue EvalResultKind = iota
	EvalThrow
	EvalSuspend
)

// EvalResult is the outcome of evaluating one expression.
type EvalResult struct {
	Kind      EvalResultKind
	Value     value.Value
	Throw     value.Value
	Awaitable value.Awaitable
}

func evVal(v value.Value) EvalResult        { return EvalResult{Kind: EvalValue, Value: v} }
func evThrow(v value.Value) EvalResult      { return EvalResult{Kind: EvalThrow, Throw: v} }
func evSuspend(a value.Awaitable) EvalResult { return EvalResult{Kind: EvalSuspend, Awaitable: a} }

// AwaitStatusKind discriminates the outcome of resolving an Awaitable against
// a consistent store snapshot.
type AwaitStatusKind int

const (
	AwaitPending AwaitStatusKind = iota
	AwaitSuccess
	AwaitError
)

// AwaitStatus is the settled-or-not state of an Awaitable.
type AwaitStatus struct {
	Kind  AwaitStatusKind
	Value value.Value
}

// Resolver resolves an Awaitable against the store's current state. The VM
// never touches storage itself; the runner injects a Resolver bound to a
// single consistent read so every leaf of a step sees the same snapshot.
type Resolver interface {
	Resolve(a value.Awaitable) AwaitStatus
}

// eval evaluates expr. When top is true and expr is an AwaitExpr, a Pending
// Awaitable yields EvalSuspend; everywhere else (top is false, i.e. expr is
// nested inside a larger expression) an AwaitExpr is a validator escape and
// evaluates to an internal error rather than ever suspending, since nested
// await is rejected before a workflow is ever run.
func (vm *VM) eval(expr ast.Expr, top bool) EvalResult {
	switch e := expr.(type) {
	case ast.NullLit:
		return evVal(value.Null)
	case ast.BoolLit:
		return evVal(value.Bool(e.Value))
	case ast.NumLit:
		return evVal(value.Num(e.Value))
	case ast.StrLit:
		return evVal(value.Str(e.Value))
	case ast.ListLit:
		items := make([]value.Value, len(e.Items))
		for i, item := range e.Items {
			r := vm.eval(item, false)
			if r.Kind != EvalValue {
				return r
			}
			items[i] = r.Value
		}
		return evVal(value.List(items))
	case ast.ObjLit:
		out := value.NewObj()
		for i, k := range e.Keys {
			r := vm.eval(e.Values[i], false)
			if r.Kind != EvalValue {
				return r
			}
			out = out.Set(k, r.Value)
		}
		return evVal(out)
	case ast.Ident:
		return vm.evalIdent(e)
	case ast.MemberExpr:
		return vm.evalMember(e)
	case ast.CallExpr:
		return vm.evalCall(e)
	case ast.BinaryExpr:
		return vm.evalBinary(e)
	case ast.TernaryExpr:
		r := vm.eval(e.Test, false)
		if r.Kind != EvalValue {
			return r
		}
		if r.Value.Truthy() {
			return vm.eval(e.Then, false)
		}
		return vm.eval(e.Else, false)
	case ast.AwaitExpr:
		if !top {
			return evThrow(internalErrorf("nested await is not permitted"))
		}
		return vm.evalAwait(e)
	default:
		return evThrow(internalErrorf("unhandled expression node %T", expr))
	}
}

func (vm *VM) evalIdent(e ast.Ident) EvalResult {
	v, ok := vm.Env.Lookup(e.Name)
	if !ok {
		return evThrow(referenceError(e.Name))
	}
	return evVal(v)
}

func (vm *VM) evalMember(e ast.MemberExpr) EvalResult {
	obj := vm.eval(e.Object, false)
	if obj.Kind != EvalValue {
		return obj
	}
	switch access := e.Access.(type) {
	case ast.PropAccess:
		return vm.readProp(obj.Value, access.Name, access.Optional)
	case ast.IndexAccess:
		idx := vm.eval(access.Index, false)
		if idx.Kind != EvalValue {
			return idx
		}
		return vm.readIndex(obj.Value, idx.Value, access.Optional)
	default:
		return evThrow(internalErrorf("unhandled member access %T", e.Access))
	}
}

func (vm *VM) readProp(obj value.Value, name string, optional bool) EvalResult {
	if obj.Kind() == value.KindNull {
		if optional {
			return evVal(value.Null)
		}
		return evThrow(typeErrorf("cannot read property %q of null", name))
	}
	if obj.Kind() != value.KindObj {
		return evThrow(typeErrorf("cannot read property %q of %s", name, obj.Kind()))
	}
	v, ok := obj.Get(name)
	if !ok {
		return evVal(value.Null)
	}
	return evVal(v)
}

func (vm *VM) readIndex(obj, idx value.Value, optional bool) EvalResult {
	if obj.Kind() == value.KindNull {
		if optional {
			return evVal(value.Null)
		}
		return evThrow(typeErrorf("cannot read index of null"))
	}
	switch obj.Kind() {
	case value.KindList:
		if idx.Kind() != value.KindNum {
			return evThrow(typeErrorf("list index must be a number"))
		}
		i := int(idx.AsNum())
		list := obj.AsList()
		if i < 0 || i >= len(list) {
			return evVal(value.Null)
		}
		return evVal(list[i])
	case value.KindObj:
		key := value.ToDisplayString(idx)
		v, ok := obj.Get(key)
		if !ok {
			return evVal(value.Null)
		}
		return evVal(v)
	default:
		return evThrow(typeErrorf("cannot index into %s", obj.Kind()))
	}
}

func (vm *VM) evalBinary(e ast.BinaryExpr) EvalResult {
	left := vm.eval(e.Left, false)
	if left.Kind != EvalValue {
		return left
	}
	switch e.Op {
	case ast.OpAnd:
		if !left.Value.Truthy() {
			return evVal(left.Value)
		}
		return vm.eval(e.Right, false)
	case ast.OpOr:
		if left.Value.Truthy() {
			return evVal(left.Value)
		}
		return vm.eval(e.Right, false)
	case ast.OpNullish:
		if left.Value.Kind() != value.KindNull {
			return evVal(left.Value)
		}
		return vm.eval(e.Right, false)
	default:
		return evThrow(internalErrorf("unhandled binary operator %q", e.Op))
	}
}

func (vm *VM) evalCall(e ast.CallExpr) EvalResult {
	callee := vm.eval(e.Callee, false)
	if callee.Kind != EvalValue {
		return callee
	}
	if callee.Value.Kind() != value.KindNativeFunc {
		return evThrow(typeErrorf("value is not callable"))
	}
	args := make([]value.Value, len(e.Args))
	for i, a := range e.Args {
		r := vm.eval(a, false)
		if r.Kind != EvalValue {
			return r
		}
		args[i] = r.Value
	}
	return vm.dispatchNative(callee.Value.AsNative(), args)
}

// evalAwait evaluates the Promise-producing inner expression (which may
// itself have a side effect, e.g. Task.run appending to the outbox) and then
// resolves it against the current store snapshot. A non-Promise value awaits
// to itself.
func (vm *VM) evalAwait(e ast.AwaitExpr) EvalResult {
	inner := vm.eval(e.Inner, false)
	if inner.Kind != EvalValue {
		return inner
	}
	if inner.Value.Kind() != value.KindPromise {
		return evVal(inner.Value)
	}
	awaitable := *inner.Value.AsPromise()
	if vm.Resolver == nil {
		return evThrow(internalErrorf("no resolver bound to VM"))
	}
	status := vm.Resolver.Resolve(awaitable)
	switch status.Kind {
	case AwaitSuccess:
		return evVal(status.Value)
	case AwaitError:
		return evThrow(status.Value)
	default:
		return evSuspend(awaitable)
	}
}
