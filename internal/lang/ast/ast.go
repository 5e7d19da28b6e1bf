// Package ast defines the serializable statement and expression trees produced
// by the workflow-language parser and consumed by the VM.
package ast

// Span marks a source range for diagnostics. It carries no runtime semantics
// and MUST round-trip through serialization unchanged.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Merge returns the smallest span covering both s and other.
func (s Span) Merge(other Span) Span {
	start, end := s.Start, s.End
	if other.Start < start {
		start = other.Start
	}
	if other.End > end {
		end = other.End
	}
	return Span{Start: start, End: end}
}

// VarKind distinguishes let/const declarations.
type VarKind string

const (
	VarLet   VarKind = "let"
	VarConst VarKind = "const"
)

// ForLoopKind distinguishes for..in (keys) from for..of (values).
type ForLoopKind string

const (
	ForIn ForLoopKind = "in"
	ForOf ForLoopKind = "of"
)

// DeclareTarget is the binding target of a Declare statement: a simple name
// or a destructuring pattern.
type DeclareTarget interface {
	declareTarget()
}

// SimpleTarget binds a single identifier.
type SimpleTarget struct {
	Name string
}

func (SimpleTarget) declareTarget() {}

// DestructureKind distinguishes array- from object-destructuring.
type DestructureKind string

const (
	DestructureArray  DestructureKind = "array"
	DestructureObject DestructureKind = "object"
)

// DestructureTarget binds an array or object pattern. For DestructureObject,
// Keys holds the source property name for each binding in Names (same index);
// for DestructureArray, Keys is nil and positional index is used.
type DestructureTarget struct {
	Kind  DestructureKind
	Names []string
	Keys  []string
}

func (DestructureTarget) declareTarget() {}

// MemberAccess is one segment of an Assign target's member path.
type MemberAccess interface {
	memberAccess()
}

// PropAccess accesses a named property (dotted access, optionally chained).
type PropAccess struct {
	Name     string
	Optional bool
}

func (PropAccess) memberAccess() {}

// IndexAccess accesses a computed index/key.
type IndexAccess struct {
	Index    Expr
	Optional bool
}

func (IndexAccess) memberAccess() {}

// Stmt is a node in the statement tree. Every concrete statement type embeds
// span information and implements Span().
type Stmt interface {
	Span() Span
	stmtNode()
}

type baseStmt struct {
	SpanVal Span `json:"span"`
}

func (b baseStmt) Span() Span { return b.SpanVal }

// BlockStmt executes its children sequentially in a fresh lexical scope.
type BlockStmt struct {
	baseStmt
	Body []Stmt `json:"body"`
}

func (BlockStmt) stmtNode() {}

// DeclareStmt introduces one or more bindings (let/const), with an optional
// initializer expression.
type DeclareStmt struct {
	baseStmt
	Kind   VarKind       `json:"kind"`
	Target DeclareTarget `json:"target"`
	Init   Expr          `json:"init,omitempty"`
}

func (DeclareStmt) stmtNode() {}

// AssignStmt assigns to a previously-declared variable or a member path off it.
type AssignStmt struct {
	baseStmt
	Var   string         `json:"var"`
	Path  []MemberAccess `json:"path,omitempty"`
	Value Expr           `json:"value"`
}

func (AssignStmt) stmtNode() {}

// IfStmt is a conditional with an optional else branch.
type IfStmt struct {
	baseStmt
	Test Expr   `json:"test"`
	Then []Stmt `json:"then"`
	Else []Stmt `json:"else,omitempty"`
}

func (IfStmt) stmtNode() {}

// WhileStmt repeats Body while Test is truthy.
type WhileStmt struct {
	baseStmt
	Test Expr   `json:"test"`
	Body []Stmt `json:"body"`
}

func (WhileStmt) stmtNode() {}

// ForLoopStmt iterates over an Obj's keys (ForIn) or a List/Obj's values (ForOf).
type ForLoopStmt struct {
	baseStmt
	Kind     ForLoopKind `json:"kind"`
	VarName  string      `json:"var_name"`
	Iterable Expr        `json:"iterable"`
	Body     []Stmt      `json:"body"`
}

func (ForLoopStmt) stmtNode() {}

// ReturnStmt terminates the current function (or, at root, the workflow)
// with an optional value.
type ReturnStmt struct {
	baseStmt
	Value Expr `json:"value,omitempty"`
}

func (ReturnStmt) stmtNode() {}

// TryStmt runs Body; any Throw reaching this frame during Body binds to
// CatchVar in a fresh scope and runs CatchBody.
type TryStmt struct {
	baseStmt
	Body      []Stmt `json:"body"`
	CatchVar  string `json:"catch_var"`
	CatchBody []Stmt `json:"catch_body"`
}

func (TryStmt) stmtNode() {}

// ExprStmt evaluates an expression for its side effects, discarding the result.
type ExprStmt struct {
	baseStmt
	Value Expr `json:"value"`
}

func (ExprStmt) stmtNode() {}

// BreakStmt exits the nearest enclosing loop.
type BreakStmt struct {
	baseStmt
}

func (BreakStmt) stmtNode() {}

// ContinueStmt restarts the nearest enclosing loop's test.
type ContinueStmt struct {
	baseStmt
}

func (ContinueStmt) stmtNode() {}

// NewBlock constructs a BlockStmt with the given span.
func NewBlock(span Span, body []Stmt) BlockStmt { return BlockStmt{baseStmt{span}, body} }

// NewDeclare constructs a DeclareStmt with the given span.
func NewDeclare(span Span, kind VarKind, target DeclareTarget, init Expr) DeclareStmt {
	return DeclareStmt{baseStmt{span}, kind, target, init}
}

// NewAssign constructs an AssignStmt with the given span.
func NewAssign(span Span, v string, path []MemberAccess, value Expr) AssignStmt {
	return AssignStmt{baseStmt{span}, v, path, value}
}

// NewIf constructs an IfStmt with the given span.
func NewIf(span Span, test Expr, then, els []Stmt) IfStmt {
	return IfStmt{baseStmt{span}, test, then, els}
}

// NewWhile constructs a WhileStmt with the given span.
func NewWhile(span Span, test Expr, body []Stmt) WhileStmt {
	return WhileStmt{baseStmt{span}, test, body}
}

// NewForLoop constructs a ForLoopStmt with the given span.
func NewForLoop(span Span, kind ForLoopKind, varName string, iterable Expr, body []Stmt) ForLoopStmt {
	return ForLoopStmt{baseStmt{span}, kind, varName, iterable, body}
}

// NewReturn constructs a ReturnStmt with the given span.
func NewReturn(span Span, value Expr) ReturnStmt { return ReturnStmt{baseStmt{span}, value} }

// NewTry constructs a TryStmt with the given span.
func NewTry(span Span, body []Stmt, catchVar string, catchBody []Stmt) TryStmt {
	return TryStmt{baseStmt{span}, body, catchVar, catchBody}
}

// NewExprStmt constructs an ExprStmt with the given span.
func NewExprStmt(span Span, value Expr) ExprStmt { return ExprStmt{baseStmt{span}, value} }

// NewBreak constructs a BreakStmt with the given span.
func NewBreak(span Span) BreakStmt { return BreakStmt{baseStmt{span}} }

// NewContinue constructs a ContinueStmt with the given span.
func NewContinue(span Span) ContinueStmt { return ContinueStmt{baseStmt{span}} }

// Expr is a node in the expression tree.
type Expr interface {
	Span() Span
	exprNode()
}

type baseExpr struct {
	SpanVal Span `json:"span"`
}

func (b baseExpr) Span() Span { return b.SpanVal }

// BinaryOp identifies a short-circuiting binary operator.
type BinaryOp string

const (
	OpAnd     BinaryOp = "&&"
	OpOr      BinaryOp = "||"
	OpNullish BinaryOp = "??"
)

// NullLit is the literal `null`.
type NullLit struct{ baseExpr }

func (NullLit) exprNode() {}

// BoolLit is a literal boolean.
type BoolLit struct {
	baseExpr
	Value bool
}

func (BoolLit) exprNode() {}

// NumLit is a literal number (stored as float64 per the language's Num type).
type NumLit struct {
	baseExpr
	Value float64
}

func (NumLit) exprNode() {}

// StrLit is a literal string.
type StrLit struct {
	baseExpr
	Value string
}

func (StrLit) exprNode() {}

// ListLit is a literal array; elements evaluate left-to-right.
type ListLit struct {
	baseExpr
	Items []Expr
}

func (ListLit) exprNode() {}

// ObjLit is a literal object; entries evaluate in source order, preserving
// insertion order at runtime.
type ObjLit struct {
	baseExpr
	Keys   []string
	Values []Expr
}

func (ObjLit) exprNode() {}

// Ident references a bound name.
type Ident struct {
	baseExpr
	Name string
}

func (Ident) exprNode() {}

// MemberExpr accesses a property or index off Object.
type MemberExpr struct {
	baseExpr
	Object   Expr
	Access   MemberAccess
}

func (MemberExpr) exprNode() {}

// CallExpr invokes Callee (which must evaluate to a NativeFunc) with Args.
type CallExpr struct {
	baseExpr
	Callee Expr
	Args   []Expr
}

func (CallExpr) exprNode() {}

// AwaitExpr awaits the Promise produced by Inner.
type AwaitExpr struct {
	baseExpr
	Inner Expr
}

func (AwaitExpr) exprNode() {}

// BinaryExpr is a short-circuiting binary expression.
type BinaryExpr struct {
	baseExpr
	Op    BinaryOp
	Left  Expr
	Right Expr
}

func (BinaryExpr) exprNode() {}

// TernaryExpr evaluates Test, then exactly one of Then/Else.
type TernaryExpr struct {
	baseExpr
	Test Expr
	Then Expr
	Else Expr
}

func (TernaryExpr) exprNode() {}

// NewNull constructs a NullLit with the given span.
func NewNull(span Span) NullLit { return NullLit{baseExpr{span}} }

// NewBool constructs a BoolLit with the given span.
func NewBool(span Span, v bool) BoolLit { return BoolLit{baseExpr{span}, v} }

// NewNum constructs a NumLit with the given span.
func NewNum(span Span, v float64) NumLit { return NumLit{baseExpr{span}, v} }

// NewStr constructs a StrLit with the given span.
func NewStr(span Span, v string) StrLit { return StrLit{baseExpr{span}, v} }

// NewList constructs a ListLit with the given span.
func NewList(span Span, items []Expr) ListLit { return ListLit{baseExpr{span}, items} }

// NewObj constructs an ObjLit with the given span.
func NewObj(span Span, keys []string, values []Expr) ObjLit {
	return ObjLit{baseExpr{span}, keys, values}
}

// NewIdent constructs an Ident with the given span.
func NewIdent(span Span, name string) Ident { return Ident{baseExpr{span}, name} }

// NewMember constructs a MemberExpr with the given span.
func NewMember(span Span, object Expr, access MemberAccess) MemberExpr {
	return MemberExpr{baseExpr{span}, object, access}
}

// NewCall constructs a CallExpr with the given span.
func NewCall(span Span, callee Expr, args []Expr) CallExpr {
	return CallExpr{baseExpr{span}, callee, args}
}

// NewAwait constructs an AwaitExpr with the given span.
func NewAwait(span Span, inner Expr) AwaitExpr { return AwaitExpr{baseExpr{span}, inner} }

// NewBinary constructs a BinaryExpr with the given span.
func NewBinary(span Span, op BinaryOp, left, right Expr) BinaryExpr {
	return BinaryExpr{baseExpr{span}, op, left, right}
}

// NewTernary constructs a TernaryExpr with the given span.
func NewTernary(span Span, test, then, els Expr) TernaryExpr {
	return TernaryExpr{baseExpr{span}, test, then, els}
}
