package vm

import (
	"github.com/rhythmrun/engine/internal/lang/ast"
	"github.com/rhythmrun/engine/internal/lang/value"
)

// stepTop dispatches on the kind of the frame currently on top of the stack.
func (vm *VM) stepTop() {
	frame := &vm.Frames[len(vm.Frames)-1]
	switch frame.Kind {
	case FrameBlock, FrameTry:
		vm.stepSimpleBlock(frame)
	case FrameIf:
		vm.stepIf(frame)
	case FrameWhile:
		vm.stepWhile(frame)
	case FrameFor:
		vm.stepFor(frame)
	}
}

// stepSimpleBlock advances a frame whose Body runs to completion with no
// loop-back (Block, and Try in either its try- or catch-body phase).
func (vm *VM) stepSimpleBlock(frame *Frame) {
	vm.execBodyStatement(frame)
	if frame.Index >= len(frame.Body) && vm.Control.Kind == CtrlNone {
		vm.popFrame()
	}
}

func (vm *VM) stepIf(frame *Frame) {
	if frame.Stage == StageTest {
		if frame.Pending != nil {
			resumed, isThrow := vm.consumeResume()
			frame.Pending = nil
			if isThrow {
				vm.Control = Control{Kind: CtrlThrow, Value: resumed, HasValue: true}
				return
			}
			vm.enterIfBranch(frame, resumed)
			return
		}
		result := vm.eval(frame.TestExpr, true)
		switch result.Kind {
		case EvalSuspend:
			frame.Pending = &PendingAwait{Awaitable: result.Awaitable}
			vm.Control = Control{Kind: CtrlSuspend, Awaitable: result.Awaitable}
		case EvalThrow:
			vm.Control = Control{Kind: CtrlThrow, Value: result.Throw, HasValue: true}
		default:
			vm.enterIfBranch(frame, result.Value)
		}
		return
	}
	vm.stepSimpleBlock(frame)
}

func (vm *VM) enterIfBranch(frame *Frame, testVal value.Value) {
	if testVal.Truthy() {
		frame.Body = frame.ThenBody
	} else {
		frame.Body = frame.ElseBody
	}
	frame.Index = 0
	frame.Stage = StageBody
	if len(frame.Body) == 0 {
		vm.popFrame()
	}
}

func (vm *VM) stepWhile(frame *Frame) {
	switch frame.Stage {
	case StageTest:
		vm.Env = vm.Env[:frame.ScopeBase]
		if frame.Pending != nil {
			resumed, isThrow := vm.consumeResume()
			frame.Pending = nil
			if isThrow {
				vm.Control = Control{Kind: CtrlThrow, Value: resumed, HasValue: true}
				return
			}
			vm.enterWhileBody(frame, resumed)
			return
		}
		result := vm.eval(frame.TestExpr, true)
		switch result.Kind {
		case EvalSuspend:
			frame.Pending = &PendingAwait{Awaitable: result.Awaitable}
			vm.Control = Control{Kind: CtrlSuspend, Awaitable: result.Awaitable}
		case EvalThrow:
			vm.Control = Control{Kind: CtrlThrow, Value: result.Throw, HasValue: true}
		default:
			vm.enterWhileBody(frame, result.Value)
		}
	case StageBody:
		vm.execBodyStatement(frame)
		if frame.Index >= len(frame.Body) && vm.Control.Kind == CtrlNone {
			frame.Stage = StageTest
		}
	}
}

func (vm *VM) enterWhileBody(frame *Frame, testVal value.Value) {
	if !testVal.Truthy() {
		vm.popFrame()
		return
	}
	frame.Body = frame.LoopBody
	frame.Index = 0
	frame.Stage = StageBody
}

func (vm *VM) stepFor(frame *Frame) {
	switch frame.Stage {
	case StageIterInit:
		if frame.Pending != nil {
			resumed, isThrow := vm.consumeResume()
			frame.Pending = nil
			if isThrow {
				vm.Control = Control{Kind: CtrlThrow, Value: resumed, HasValue: true}
				return
			}
			vm.finishForInit(frame, resumed)
			return
		}
		result := vm.eval(frame.IterableExpr, true)
		switch result.Kind {
		case EvalSuspend:
			frame.Pending = &PendingAwait{Awaitable: result.Awaitable}
			vm.Control = Control{Kind: CtrlSuspend, Awaitable: result.Awaitable}
		case EvalThrow:
			vm.Control = Control{Kind: CtrlThrow, Value: result.Throw, HasValue: true}
		default:
			vm.finishForInit(frame, result.Value)
		}
	case StageIterNext:
		vm.Env = vm.Env[:frame.ScopeBase]
		if frame.IterIndex >= len(frame.IterValues) {
			vm.popFrame()
			return
		}
		vm.Env = append(vm.Env, EnvEntry{Name: frame.ForVarName, Value: frame.IterValues[frame.IterIndex]})
		frame.Body = frame.LoopBody
		frame.Index = 0
		frame.Stage = StageBody
	case StageBody:
		vm.execBodyStatement(frame)
		if frame.Index >= len(frame.Body) && vm.Control.Kind == CtrlNone {
			frame.IterIndex++
			frame.Stage = StageIterNext
		}
	}
}

func (vm *VM) finishForInit(frame *Frame, iterable value.Value) {
	if frame.ForKind == ast.ForIn {
		if iterable.Kind() != value.KindObj {
			vm.Control = Control{Kind: CtrlThrow, Value: typeErrorf("for..in requires an object"), HasValue: true}
			return
		}
		keys := iterable.Keys()
		vals := make([]value.Value, len(keys))
		for i, k := range keys {
			vals[i] = value.Str(k)
		}
		frame.IterValues = vals
	} else {
		switch iterable.Kind() {
		case value.KindList:
			frame.IterValues = append([]value.Value(nil), iterable.AsList()...)
		case value.KindObj:
			keys := iterable.Keys()
			vals := make([]value.Value, len(keys))
			for i, k := range keys {
				v, _ := iterable.Get(k)
				vals[i] = v
			}
			frame.IterValues = vals
		default:
			vm.Control = Control{Kind: CtrlThrow, Value: typeErrorf("for..of requires a list or object"), HasValue: true}
			return
		}
	}
	frame.IterIndex = 0
	frame.Stage = StageIterNext
}

// execBodyStatement advances frame.Body[frame.Index] by exactly one step:
// either resuming a previously-suspended leaf statement, or dispatching a
// fresh statement (pushing a child Frame for compound statements, executing
// leaf statements inline).
func (vm *VM) execBodyStatement(frame *Frame) {
	if frame.Pending != nil {
		resumed, isThrow := vm.consumeResume()
		if isThrow {
			vm.Control = Control{Kind: CtrlThrow, Value: resumed, HasValue: true}
			frame.Pending = nil
			return
		}
		stmt := frame.Body[frame.Index]
		indices := frame.Pending.ResolvedIndices
		frame.Pending = nil
		vm.finishLeaf(frame, stmt, resumed, indices)
		return
	}

	stmt := frame.Body[frame.Index]
	switch s := stmt.(type) {
	case ast.BlockStmt:
		vm.Frames = append(vm.Frames, newBlockFrame(s.Body, len(vm.Env)))
	case ast.IfStmt:
		vm.Frames = append(vm.Frames, newIfFrame(&s, len(vm.Env)))
	case ast.WhileStmt:
		vm.Frames = append(vm.Frames, newWhileFrame(&s, len(vm.Env)))
	case ast.ForLoopStmt:
		vm.Frames = append(vm.Frames, newForFrame(&s, len(vm.Env)))
	case ast.TryStmt:
		vm.Frames = append(vm.Frames, newTryFrame(&s, len(vm.Env)))
	case ast.BreakStmt:
		vm.Control = Control{Kind: CtrlBreak}
	case ast.ContinueStmt:
		vm.Control = Control{Kind: CtrlContinue}
	default:
		vm.execLeafExpr(frame, stmt)
	}
}

// execLeafExpr evaluates the single expression slot of a Declare/Assign/
// Return/Expr statement. AssignStmt's member-path indices are evaluated
// first (left to right), per the language's evaluation order, and cached on
// the PendingAwait so they survive a suspend across the RHS.
func (vm *VM) execLeafExpr(frame *Frame, stmt ast.Stmt) {
	var slot ast.Expr
	var indices []value.Value

	switch s := stmt.(type) {
	case ast.DeclareStmt:
		slot = s.Init
	case ast.AssignStmt:
		slot = s.Value
		for _, seg := range s.Path {
			ix, ok := seg.(ast.IndexAccess)
			if !ok {
				continue
			}
			r := vm.eval(ix.Index, false)
			if r.Kind != EvalValue {
				if r.Kind == EvalThrow {
					vm.Control = Control{Kind: CtrlThrow, Value: r.Throw, HasValue: true}
				} else {
					vm.Control = Control{Kind: CtrlThrow, Value: internalErrorf("await not permitted in an assignment index"), HasValue: true}
				}
				return
			}
			indices = append(indices, r.Value)
		}
	case ast.ReturnStmt:
		slot = s.Value
	case ast.ExprStmt:
		slot = s.Value
	}

	if slot == nil {
		vm.finishLeaf(frame, stmt, value.Null, indices)
		return
	}

	result := vm.eval(slot, true)
	switch result.Kind {
	case EvalSuspend:
		frame.Pending = &PendingAwait{Awaitable: result.Awaitable, ResolvedIndices: indices}
		vm.Control = Control{Kind: CtrlSuspend, Awaitable: result.Awaitable}
	case EvalThrow:
		vm.Control = Control{Kind: CtrlThrow, Value: result.Throw, HasValue: true}
	default:
		vm.finishLeaf(frame, stmt, result.Value, indices)
	}
}

// finishLeaf applies a leaf statement's effect now that its slot value (val)
// is known, then advances frame.Index.
func (vm *VM) finishLeaf(frame *Frame, stmt ast.Stmt, val value.Value, indices []value.Value) {
	switch s := stmt.(type) {
	case ast.DeclareStmt:
		if err := vm.bindDeclareTarget(s.Target, val); err != nil {
			vm.Control = Control{Kind: CtrlThrow, Value: *err, HasValue: true}
			return
		}
	case ast.AssignStmt:
		if err := vm.applyAssign(s, val, indices); err != nil {
			vm.Control = Control{Kind: CtrlThrow, Value: *err, HasValue: true}
			return
		}
	case ast.ReturnStmt:
		vm.Control = Control{Kind: CtrlReturn, Value: val, HasValue: true}
		return
	case ast.ExprStmt:
		// discard val
	}
	frame.Index++
}

func (vm *VM) bindDeclareTarget(target ast.DeclareTarget, val value.Value) *value.Value {
	switch t := target.(type) {
	case ast.SimpleTarget:
		vm.Env = append(vm.Env, EnvEntry{Name: t.Name, Value: val})
		return nil
	case ast.DestructureTarget:
		switch t.Kind {
		case ast.DestructureArray:
			if val.Kind() != value.KindList {
				v := typeErrorf("cannot destructure %s as an array", val.Kind())
				return &v
			}
			list := val.AsList()
			for i, name := range t.Names {
				var bound value.Value
				if i < len(list) {
					bound = list[i]
				} else {
					bound = value.Null
				}
				vm.Env = append(vm.Env, EnvEntry{Name: name, Value: bound})
			}
			return nil
		case ast.DestructureObject:
			if val.Kind() != value.KindObj {
				v := typeErrorf("cannot destructure %s as an object", val.Kind())
				return &v
			}
			for i, name := range t.Names {
				key := t.Keys[i]
				bound, _ := val.Get(key)
				vm.Env = append(vm.Env, EnvEntry{Name: name, Value: bound})
			}
			return nil
		default:
			v := internalErrorf("unknown destructure kind %q", t.Kind)
			return &v
		}
	default:
		v := internalErrorf("unknown declare target %T", target)
		return &v
	}
}

func (vm *VM) applyAssign(s ast.AssignStmt, val value.Value, indices []value.Value) *value.Value {
	if len(s.Path) == 0 {
		if !vm.Env.Assign(s.Var, val) {
			v := referenceError(s.Var)
			return &v
		}
		return nil
	}
	root, ok := vm.Env.Lookup(s.Var)
	if !ok {
		v := referenceError(s.Var)
		return &v
	}
	updated, err := setMemberPath(root, s.Path, indices, val)
	if err != nil {
		return err
	}
	vm.Env.Assign(s.Var, updated)
	return nil
}

// setMemberPath rewrites root along path (property names and pre-resolved
// indices, interleaved in path order) with newVal at the final segment,
// returning a new root value.
func setMemberPath(root value.Value, path []ast.MemberAccess, indices []value.Value, newVal value.Value) (value.Value, *value.Value) {
	if len(path) == 0 {
		return newVal, nil
	}
	idxPos := 0
	keyFor := func(seg ast.MemberAccess) (string, *value.Value) {
		switch a := seg.(type) {
		case ast.PropAccess:
			return a.Name, nil
		case ast.IndexAccess:
			k := value.ToDisplayString(indices[idxPos])
			idxPos++
			return k, nil
		default:
			v := internalErrorf("unknown member access %T", seg)
			return "", &v
		}
	}

	seg := path[0]
	key, kerr := keyFor(seg)
	if kerr != nil {
		return value.Null, kerr
	}
	if root.Kind() == value.KindNull {
		v := typeErrorf("cannot write through a null member %q", key)
		return value.Null, &v
	}
	if root.Kind() != value.KindObj {
		v := typeErrorf("cannot write into a %s", root.Kind())
		return value.Null, &v
	}
	if len(path) == 1 {
		return root.Set(key, newVal), nil
	}
	child, _ := root.Get(key)
	restIndices := indices
	if _, isIdx := seg.(ast.IndexAccess); isIdx {
		restIndices = indices[1:]
	}
	updatedChild, err := setMemberPath(child, path[1:], restIndices, newVal)
	if err != nil {
		return value.Null, err
	}
	return root.Set(key, updatedChild), nil
}
