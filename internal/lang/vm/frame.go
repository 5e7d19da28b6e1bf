package vm

import (
	"github.com/rhythmrun/engine/internal/lang/ast"
	"github.com/rhythmrun/engine/internal/lang/value"
)

// FrameKind discriminates the stack-frame variants. Every compound statement
// (If/While/ForLoop/Try) and the top-level program body gets a Frame; leaf
// statements (Declare/Assign/Return/Expr/Break/Continue) execute inline
// against whichever Frame's Body they belong to.
type FrameKind int

const (
	FrameBlock FrameKind = iota
	FrameIf
	FrameWhile
	FrameFor
	FrameTry
)

// Stage is a Frame's micro-phase, meaning depends on Kind.
type Stage int

const (
	StageTest Stage = iota // If/While: about to evaluate Test
	StageIterInit
	StageIterNext
	StageBody // executing Body[Index]
)

// PendingAwait records that the statement at Body[Index] (or, for If/While,
// the frame's own Test; for ForLoop, its Iterable) suspended mid-evaluation.
// On resume the VM substitutes the settled value here instead of
// re-evaluating the expression, so a side-effecting call inside it (Task.run,
// Signal.next) is never invoked twice.
type PendingAwait struct {
	Awaitable value.Awaitable `json:"awaitable"`
	// ResolvedIndices holds an AssignStmt's member-path index values,
	// computed before the RHS was evaluated (and before it suspended), so
	// they survive the round trip to durable storage and back.
	ResolvedIndices []value.Value `json:"resolved_indices,omitempty"`
}

// Frame is one entry of the VM's call/control stack.
type Frame struct {
	Kind      FrameKind `json:"kind"`
	ScopeBase int       `json:"scope_base"`
	Stage     Stage     `json:"stage"`

	Body  []ast.Stmt `json:"body"`
	Index int        `json:"index"`

	Pending *PendingAwait `json:"pending,omitempty"`

	// If
	TestExpr ast.Expr  `json:"test_expr,omitempty"`
	ThenBody []ast.Stmt `json:"then_body,omitempty"`
	ElseBody []ast.Stmt `json:"else_body,omitempty"`

	// While
	LoopBody []ast.Stmt `json:"loop_body,omitempty"`

	// ForLoop
	ForKind      ast.ForLoopKind `json:"for_kind,omitempty"`
	ForVarName   string          `json:"for_var_name,omitempty"`
	IterableExpr ast.Expr        `json:"iterable_expr,omitempty"`
	IterValues   []value.Value   `json:"iter_values,omitempty"`
	IterIndex    int             `json:"iter_index,omitempty"`

	// Try
	CatchVar  string     `json:"catch_var,omitempty"`
	CatchBody []ast.Stmt `json:"catch_body,omitempty"`
	InCatch   bool       `json:"in_catch,omitempty"`
}

func newBlockFrame(body []ast.Stmt, scopeBase int) Frame {
	return Frame{Kind: FrameBlock, ScopeBase: scopeBase, Stage: StageBody, Body: body}
}

func newIfFrame(s *ast.IfStmt, scopeBase int) Frame {
	return Frame{
		Kind: FrameIf, ScopeBase: scopeBase, Stage: StageTest,
		TestExpr: s.Test, ThenBody: s.Then, ElseBody: s.Else,
	}
}

func newWhileFrame(s *ast.WhileStmt, scopeBase int) Frame {
	return Frame{
		Kind: FrameWhile, ScopeBase: scopeBase, Stage: StageTest,
		TestExpr: s.Test, LoopBody: s.Body,
	}
}

func newForFrame(s *ast.ForLoopStmt, scopeBase int) Frame {
	return Frame{
		Kind: FrameFor, ScopeBase: scopeBase, Stage: StageIterInit,
		ForKind: s.Kind, ForVarName: s.VarName, IterableExpr: s.Iterable, LoopBody: s.Body,
	}
}

func newTryFrame(s *ast.TryStmt, scopeBase int) Frame {
	return Frame{
		Kind: FrameTry, ScopeBase: scopeBase, Stage: StageBody,
		Body: s.Body, CatchVar: s.CatchVar, CatchBody: s.CatchBody,
	}
}
