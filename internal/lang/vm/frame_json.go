package vm

import (
	"encoding/json"

	"github.com/rhythmrun/engine/internal/lang/ast"
)

// wireFrame is Frame's durable JSON shape: every ast.Stmt/ast.Expr-typed field
// becomes json.RawMessage so encoding/json never has to marshal the bare
// Stmt/Expr interfaces directly.
type wireFrame struct {
	Kind      FrameKind       `json:"kind"`
	ScopeBase int             `json:"scope_base"`
	Stage     Stage           `json:"stage"`
	Body      []json.RawMessage `json:"body,omitempty"`
	Index     int             `json:"index"`
	Pending   *PendingAwait   `json:"pending,omitempty"`

	TestExpr json.RawMessage   `json:"test_expr,omitempty"`
	ThenBody []json.RawMessage `json:"then_body,omitempty"`
	ElseBody []json.RawMessage `json:"else_body,omitempty"`

	LoopBody []json.RawMessage `json:"loop_body,omitempty"`

	ForKind      ast.ForLoopKind `json:"for_kind,omitempty"`
	ForVarName   string          `json:"for_var_name,omitempty"`
	IterableExpr json.RawMessage `json:"iterable_expr,omitempty"`
	IterValues   json.RawMessage `json:"iter_values,omitempty"`
	IterIndex    int             `json:"iter_index,omitempty"`

	CatchVar  string            `json:"catch_var,omitempty"`
	CatchBody []json.RawMessage `json:"catch_body,omitempty"`
	InCatch   bool              `json:"in_catch,omitempty"`
}

func marshalStmts(stmts []ast.Stmt) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(stmts))
	for i, s := range stmts {
		raw, err := ast.MarshalStmt(s)
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return out, nil
}

func unmarshalStmts(raws []json.RawMessage) ([]ast.Stmt, error) {
	out := make([]ast.Stmt, len(raws))
	for i, raw := range raws {
		s, err := ast.UnmarshalStmt(raw)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func marshalExprField(e ast.Expr) (json.RawMessage, error) {
	if e == nil {
		return nil, nil
	}
	return ast.MarshalExpr(e)
}

func unmarshalExprField(raw json.RawMessage) (ast.Expr, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return ast.UnmarshalExpr(raw)
}

// MarshalJSON implements json.Marshaler.
func (f Frame) MarshalJSON() ([]byte, error) {
	w := wireFrame{
		Kind: f.Kind, ScopeBase: f.ScopeBase, Stage: f.Stage, Index: f.Index,
		Pending: f.Pending,
		ForKind: f.ForKind, ForVarName: f.ForVarName, IterIndex: f.IterIndex,
		CatchVar: f.CatchVar, InCatch: f.InCatch,
	}
	var err error
	if w.Body, err = marshalStmts(f.Body); err != nil {
		return nil, err
	}
	if w.TestExpr, err = marshalExprField(f.TestExpr); err != nil {
		return nil, err
	}
	if w.ThenBody, err = marshalStmts(f.ThenBody); err != nil {
		return nil, err
	}
	if w.ElseBody, err = marshalStmts(f.ElseBody); err != nil {
		return nil, err
	}
	if w.LoopBody, err = marshalStmts(f.LoopBody); err != nil {
		return nil, err
	}
	if w.IterableExpr, err = marshalExprField(f.IterableExpr); err != nil {
		return nil, err
	}
	if w.CatchBody, err = marshalStmts(f.CatchBody); err != nil {
		return nil, err
	}
	if f.IterValues != nil {
		if w.IterValues, err = json.Marshal(f.IterValues); err != nil {
			return nil, err
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Frame) UnmarshalJSON(data []byte) error {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Frame{
		Kind: w.Kind, ScopeBase: w.ScopeBase, Stage: w.Stage, Index: w.Index,
		Pending: w.Pending,
		ForKind: w.ForKind, ForVarName: w.ForVarName, IterIndex: w.IterIndex,
		CatchVar: w.CatchVar, InCatch: w.InCatch,
	}
	var err error
	if out.Body, err = unmarshalStmts(w.Body); err != nil {
		return err
	}
	if out.TestExpr, err = unmarshalExprField(w.TestExpr); err != nil {
		return err
	}
	if out.ThenBody, err = unmarshalStmts(w.ThenBody); err != nil {
		return err
	}
	if out.ElseBody, err = unmarshalStmts(w.ElseBody); err != nil {
		return err
	}
	if out.LoopBody, err = unmarshalStmts(w.LoopBody); err != nil {
		return err
	}
	if out.IterableExpr, err = unmarshalExprField(w.IterableExpr); err != nil {
		return err
	}
	if out.CatchBody, err = unmarshalStmts(w.CatchBody); err != nil {
		return err
	}
	if len(w.IterValues) > 0 {
		if err := json.Unmarshal(w.IterValues, &out.IterValues); err != nil {
			return err
		}
	}
	*f = out
	return nil
}
