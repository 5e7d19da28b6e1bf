package ast

import (
	"encoding/json"
	"fmt"
)

// wireNode is the common envelope used to serialize the Stmt/Expr/DeclareTarget/
// MemberAccess interface hierarchies: a "type" discriminator plus the
// concrete fields, so AST trees survive a JSON round-trip (required for VM
// snapshots, which embed the statement node a Frame is paused on).
type wireNode struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func encode(typ string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireNode{Type: typ, Data: data})
}

// MarshalStmt encodes a Stmt (and everything under it) as a wireNode tree.
func MarshalStmt(s Stmt) ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	switch v := s.(type) {
	case BlockStmt:
		body, err := marshalStmtList(v.Body)
		if err != nil {
			return nil, err
		}
		return encode("block", struct {
			SpanVal Span              `json:"span"`
			Body    []json.RawMessage `json:"body"`
		}{v.SpanVal, body})
	case DeclareStmt:
		target, err := marshalDeclareTarget(v.Target)
		if err != nil {
			return nil, err
		}
		init, err := marshalExprField(v.Init)
		if err != nil {
			return nil, err
		}
		return encode("declare", declareStmtWire{v.SpanVal, v.Kind, target, init})
	case AssignStmt:
		path, err := marshalMemberPath(v.Path)
		if err != nil {
			return nil, err
		}
		value, err := marshalExprField(v.Value)
		if err != nil {
			return nil, err
		}
		return encode("assign", assignStmtWire{v.SpanVal, v.Var, path, value})
	case IfStmt:
		test, err := marshalExprField(v.Test)
		if err != nil {
			return nil, err
		}
		then, err := marshalStmtList(v.Then)
		if err != nil {
			return nil, err
		}
		els, err := marshalStmtList(v.Else)
		if err != nil {
			return nil, err
		}
		return encode("if", ifStmtWire{v.SpanVal, test, then, els})
	case WhileStmt:
		test, err := marshalExprField(v.Test)
		if err != nil {
			return nil, err
		}
		body, err := marshalStmtList(v.Body)
		if err != nil {
			return nil, err
		}
		return encode("while", whileStmtWire{v.SpanVal, test, body})
	case ForLoopStmt:
		iterable, err := marshalExprField(v.Iterable)
		if err != nil {
			return nil, err
		}
		body, err := marshalStmtList(v.Body)
		if err != nil {
			return nil, err
		}
		return encode("for", forStmtWire{v.SpanVal, v.Kind, v.VarName, iterable, body})
	case ReturnStmt:
		value, err := marshalExprField(v.Value)
		if err != nil {
			return nil, err
		}
		return encode("return", returnStmtWire{v.SpanVal, value})
	case TryStmt:
		body, err := marshalStmtList(v.Body)
		if err != nil {
			return nil, err
		}
		catchBody, err := marshalStmtList(v.CatchBody)
		if err != nil {
			return nil, err
		}
		return encode("try", tryStmtWire{v.SpanVal, body, v.CatchVar, catchBody})
	case ExprStmt:
		value, err := marshalExprField(v.Value)
		if err != nil {
			return nil, err
		}
		return encode("exprstmt", exprStmtWire{v.SpanVal, value})
	case BreakStmt:
		return encode("break", v)
	case ContinueStmt:
		return encode("continue", v)
	default:
		return nil, fmt.Errorf("ast: unknown Stmt type %T", s)
	}
}

func marshalExprField(e Expr) (json.RawMessage, error) {
	if e == nil {
		return nil, nil
	}
	return MarshalExpr(e)
}

func marshalStmtList(stmts []Stmt) ([]json.RawMessage, error) {
	if stmts == nil {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, len(stmts))
	for _, s := range stmts {
		raw, err := MarshalStmt(s)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func marshalExprList(exprs []Expr) ([]json.RawMessage, error) {
	if exprs == nil {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, len(exprs))
	for _, e := range exprs {
		raw, err := MarshalExpr(e)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func marshalMemberPath(path []MemberAccess) ([]json.RawMessage, error) {
	if path == nil {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, len(path))
	for _, a := range path {
		raw, err := marshalMemberAccess(a)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// UnmarshalStmt implements the inverse of MarshalStmt.
func UnmarshalStmt(raw []byte) (Stmt, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var w wireNode
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case "block":
		var v struct {
			SpanVal Span              `json:"span"`
			Body    []json.RawMessage `json:"body"`
		}
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		body, err := unmarshalStmtList(v.Body)
		if err != nil {
			return nil, err
		}
		return BlockStmt{baseStmt{v.SpanVal}, body}, nil
	case "declare":
		var v declareStmtWire
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		target, err := unmarshalDeclareTarget(v.Target)
		if err != nil {
			return nil, err
		}
		init, err := unmarshalExprField(v.Init)
		if err != nil {
			return nil, err
		}
		return DeclareStmt{baseStmt{v.SpanVal}, v.Kind, target, init}, nil
	case "assign":
		var v assignStmtWire
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		path, err := unmarshalMemberPath(v.Path)
		if err != nil {
			return nil, err
		}
		value, err := unmarshalExprField(v.Value)
		if err != nil {
			return nil, err
		}
		return AssignStmt{baseStmt{v.SpanVal}, v.Var, path, value}, nil
	case "if":
		var v ifStmtWire
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		test, err := unmarshalExprField(v.Test)
		if err != nil {
			return nil, err
		}
		then, err := unmarshalStmtList(v.Then)
		if err != nil {
			return nil, err
		}
		els, err := unmarshalStmtList(v.Else)
		if err != nil {
			return nil, err
		}
		return IfStmt{baseStmt{v.SpanVal}, test, then, els}, nil
	case "while":
		var v whileStmtWire
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		test, err := unmarshalExprField(v.Test)
		if err != nil {
			return nil, err
		}
		body, err := unmarshalStmtList(v.Body)
		if err != nil {
			return nil, err
		}
		return WhileStmt{baseStmt{v.SpanVal}, test, body}, nil
	case "for":
		var v forStmtWire
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		iterable, err := unmarshalExprField(v.Iterable)
		if err != nil {
			return nil, err
		}
		body, err := unmarshalStmtList(v.Body)
		if err != nil {
			return nil, err
		}
		return ForLoopStmt{baseStmt{v.SpanVal}, v.Kind, v.VarName, iterable, body}, nil
	case "return":
		var v returnStmtWire
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		value, err := unmarshalExprField(v.Value)
		if err != nil {
			return nil, err
		}
		return ReturnStmt{baseStmt{v.SpanVal}, value}, nil
	case "try":
		var v tryStmtWire
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		body, err := unmarshalStmtList(v.Body)
		if err != nil {
			return nil, err
		}
		catchBody, err := unmarshalStmtList(v.CatchBody)
		if err != nil {
			return nil, err
		}
		return TryStmt{baseStmt{v.SpanVal}, body, v.CatchVar, catchBody}, nil
	case "exprstmt":
		var v exprStmtWire
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		value, err := unmarshalExprField(v.Value)
		if err != nil {
			return nil, err
		}
		return ExprStmt{baseStmt{v.SpanVal}, value}, nil
	case "break":
		var v BreakStmt
		return decodeStmt(w.Data, &v)
	case "continue":
		var v ContinueStmt
		return decodeStmt(w.Data, &v)
	default:
		return nil, fmt.Errorf("ast: unknown stmt wire type %q", w.Type)
	}
}

func decodeStmt[T Stmt](raw []byte, v *T) (Stmt, error) {
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return *v, nil
}

// Wire structs mirror the public struct shape but replace nested Stmt/Expr
// fields with json.RawMessage so the discriminated-union decoder can recurse.
type declareStmtWire struct {
	SpanVal Span            `json:"span"`
	Kind    VarKind         `json:"kind"`
	Target  json.RawMessage `json:"target"`
	Init    json.RawMessage `json:"init,omitempty"`
}

type assignStmtWire struct {
	SpanVal Span              `json:"span"`
	Var     string            `json:"var"`
	Path    []json.RawMessage `json:"path,omitempty"`
	Value   json.RawMessage   `json:"value"`
}

type ifStmtWire struct {
	SpanVal Span              `json:"span"`
	Test    json.RawMessage   `json:"test"`
	Then    []json.RawMessage `json:"then"`
	Else    []json.RawMessage `json:"else,omitempty"`
}

type whileStmtWire struct {
	SpanVal Span              `json:"span"`
	Test    json.RawMessage   `json:"test"`
	Body    []json.RawMessage `json:"body"`
}

type forStmtWire struct {
	SpanVal  Span              `json:"span"`
	Kind     ForLoopKind       `json:"kind"`
	VarName  string            `json:"var_name"`
	Iterable json.RawMessage   `json:"iterable"`
	Body     []json.RawMessage `json:"body"`
}

type returnStmtWire struct {
	SpanVal Span            `json:"span"`
	Value   json.RawMessage `json:"value,omitempty"`
}

type tryStmtWire struct {
	SpanVal   Span              `json:"span"`
	Body      []json.RawMessage `json:"body"`
	CatchVar  string            `json:"catch_var"`
	CatchBody []json.RawMessage `json:"catch_body"`
}

type exprStmtWire struct {
	SpanVal Span            `json:"span"`
	Value   json.RawMessage `json:"value"`
}

func unmarshalStmtList(raws []json.RawMessage) ([]Stmt, error) {
	if raws == nil {
		return nil, nil
	}
	out := make([]Stmt, 0, len(raws))
	for _, r := range raws {
		s, err := UnmarshalStmt(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func unmarshalExprField(raw json.RawMessage) (Expr, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return UnmarshalExpr(raw)
}

// MarshalExpr encodes an Expr (and everything under it) as a wireNode tree.
func MarshalExpr(e Expr) ([]byte, error) {
	if e == nil {
		return []byte("null"), nil
	}
	switch v := e.(type) {
	case NullLit:
		return encode("null", v)
	case BoolLit:
		return encode("bool", v)
	case NumLit:
		return encode("num", v)
	case StrLit:
		return encode("str", v)
	case ListLit:
		items, err := marshalExprList(v.Items)
		if err != nil {
			return nil, err
		}
		return encode("list", listLitWire{v.SpanVal, items})
	case ObjLit:
		values, err := marshalExprList(v.Values)
		if err != nil {
			return nil, err
		}
		return encode("obj", objLitWire{v.SpanVal, v.Keys, values})
	case Ident:
		return encode("ident", v)
	case MemberExpr:
		object, err := marshalExprField(v.Object)
		if err != nil {
			return nil, err
		}
		access, err := marshalMemberAccess(v.Access)
		if err != nil {
			return nil, err
		}
		return encode("member", memberExprWire{v.SpanVal, object, access})
	case CallExpr:
		callee, err := marshalExprField(v.Callee)
		if err != nil {
			return nil, err
		}
		args, err := marshalExprList(v.Args)
		if err != nil {
			return nil, err
		}
		return encode("call", callExprWire{v.SpanVal, callee, args})
	case AwaitExpr:
		inner, err := marshalExprField(v.Inner)
		if err != nil {
			return nil, err
		}
		return encode("await", awaitExprWire{v.SpanVal, inner})
	case BinaryExpr:
		left, err := marshalExprField(v.Left)
		if err != nil {
			return nil, err
		}
		right, err := marshalExprField(v.Right)
		if err != nil {
			return nil, err
		}
		return encode("binary", binaryExprWire{v.SpanVal, v.Op, left, right})
	case TernaryExpr:
		test, err := marshalExprField(v.Test)
		if err != nil {
			return nil, err
		}
		then, err := marshalExprField(v.Then)
		if err != nil {
			return nil, err
		}
		els, err := marshalExprField(v.Else)
		if err != nil {
			return nil, err
		}
		return encode("ternary", ternaryExprWire{v.SpanVal, test, then, els})
	default:
		return nil, fmt.Errorf("ast: unknown Expr type %T", e)
	}
}

// UnmarshalExpr implements the inverse of MarshalExpr.
func UnmarshalExpr(raw []byte) (Expr, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var w wireNode
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case "null":
		var v NullLit
		return decodeExpr(w.Data, &v)
	case "bool":
		var v BoolLit
		return decodeExpr(w.Data, &v)
	case "num":
		var v NumLit
		return decodeExpr(w.Data, &v)
	case "str":
		var v StrLit
		return decodeExpr(w.Data, &v)
	case "list":
		var v listLitWire
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		items, err := unmarshalExprList(v.Items)
		if err != nil {
			return nil, err
		}
		return ListLit{baseExpr{v.SpanVal}, items}, nil
	case "obj":
		var v objLitWire
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		values, err := unmarshalExprList(v.Values)
		if err != nil {
			return nil, err
		}
		return ObjLit{baseExpr{v.SpanVal}, v.Keys, values}, nil
	case "ident":
		var v Ident
		return decodeExpr(w.Data, &v)
	case "member":
		var v memberExprWire
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		object, err := unmarshalExprField(v.Object)
		if err != nil {
			return nil, err
		}
		access, err := unmarshalMemberAccess(v.Access)
		if err != nil {
			return nil, err
		}
		return MemberExpr{baseExpr{v.SpanVal}, object, access}, nil
	case "call":
		var v callExprWire
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		callee, err := unmarshalExprField(v.Callee)
		if err != nil {
			return nil, err
		}
		args, err := unmarshalExprList(v.Args)
		if err != nil {
			return nil, err
		}
		return CallExpr{baseExpr{v.SpanVal}, callee, args}, nil
	case "await":
		var v awaitExprWire
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		inner, err := unmarshalExprField(v.Inner)
		if err != nil {
			return nil, err
		}
		return AwaitExpr{baseExpr{v.SpanVal}, inner}, nil
	case "binary":
		var v binaryExprWire
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		left, err := unmarshalExprField(v.Left)
		if err != nil {
			return nil, err
		}
		right, err := unmarshalExprField(v.Right)
		if err != nil {
			return nil, err
		}
		return BinaryExpr{baseExpr{v.SpanVal}, v.Op, left, right}, nil
	case "ternary":
		var v ternaryExprWire
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		test, err := unmarshalExprField(v.Test)
		if err != nil {
			return nil, err
		}
		then, err := unmarshalExprField(v.Then)
		if err != nil {
			return nil, err
		}
		els, err := unmarshalExprField(v.Else)
		if err != nil {
			return nil, err
		}
		return TernaryExpr{baseExpr{v.SpanVal}, test, then, els}, nil
	default:
		return nil, fmt.Errorf("ast: unknown expr wire type %q", w.Type)
	}
}

func decodeExpr[T Expr](raw []byte, v *T) (Expr, error) {
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return *v, nil
}

type listLitWire struct {
	SpanVal Span              `json:"span"`
	Items   []json.RawMessage `json:"items"`
}

type objLitWire struct {
	SpanVal Span              `json:"span"`
	Keys    []string          `json:"keys"`
	Values  []json.RawMessage `json:"values"`
}

type memberExprWire struct {
	SpanVal Span            `json:"span"`
	Object  json.RawMessage `json:"object"`
	Access  json.RawMessage `json:"access"`
}

type callExprWire struct {
	SpanVal Span              `json:"span"`
	Callee  json.RawMessage   `json:"callee"`
	Args    []json.RawMessage `json:"args"`
}

type awaitExprWire struct {
	SpanVal Span            `json:"span"`
	Inner   json.RawMessage `json:"inner"`
}

type binaryExprWire struct {
	SpanVal Span            `json:"span"`
	Op      BinaryOp        `json:"op"`
	Left    json.RawMessage `json:"left"`
	Right   json.RawMessage `json:"right"`
}

type ternaryExprWire struct {
	SpanVal Span            `json:"span"`
	Test    json.RawMessage `json:"test"`
	Then    json.RawMessage `json:"then"`
	Else    json.RawMessage `json:"else"`
}

func unmarshalExprList(raws []json.RawMessage) ([]Expr, error) {
	if raws == nil {
		return nil, nil
	}
	out := make([]Expr, 0, len(raws))
	for _, r := range raws {
		e, err := UnmarshalExpr(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func marshalDeclareTarget(t DeclareTarget) ([]byte, error) {
	switch v := t.(type) {
	case SimpleTarget:
		return encode("simple", v)
	case DestructureTarget:
		return encode("destructure", v)
	default:
		return nil, fmt.Errorf("ast: unknown DeclareTarget type %T", t)
	}
}

func unmarshalDeclareTarget(raw json.RawMessage) (DeclareTarget, error) {
	var w wireNode
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case "simple":
		var v SimpleTarget
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "destructure":
		var v DestructureTarget
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("ast: unknown declare target wire type %q", w.Type)
	}
}

func marshalMemberAccess(a MemberAccess) ([]byte, error) {
	switch v := a.(type) {
	case PropAccess:
		return encode("prop", v)
	case IndexAccess:
		idx, err := MarshalExpr(v.Index)
		if err != nil {
			return nil, err
		}
		return encode("index", struct {
			Index    json.RawMessage `json:"index"`
			Optional bool            `json:"optional"`
		}{idx, v.Optional})
	default:
		return nil, fmt.Errorf("ast: unknown MemberAccess type %T", a)
	}
}

func unmarshalMemberAccess(raw json.RawMessage) (MemberAccess, error) {
	var w wireNode
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case "prop":
		var v PropAccess
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "index":
		var v struct {
			Index    json.RawMessage `json:"index"`
			Optional bool            `json:"optional"`
		}
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return nil, err
		}
		idx, err := unmarshalExprField(v.Index)
		if err != nil {
			return nil, err
		}
		return IndexAccess{Index: idx, Optional: v.Optional}, nil
	default:
		return nil, fmt.Errorf("ast: unknown member access wire type %q", w.Type)
	}
}

func unmarshalMemberPath(raws []json.RawMessage) ([]MemberAccess, error) {
	if raws == nil {
		return nil, nil
	}
	out := make([]MemberAccess, 0, len(raws))
	for _, r := range raws {
		a, err := unmarshalMemberAccess(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
