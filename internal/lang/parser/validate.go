package parser

import (
	"fmt"

	"github.com/rhythmrun/engine/internal/lang/ast"
)

// Validate rejects workflow source the VM cannot run: nested await (await
// anywhere but directly in a statement's top expression slot). The VM itself
// treats a nested AwaitExpr as an internal error at eval time; Validate
// catches it at registration time instead, before any execution is created.
func Validate(body []ast.Stmt) error {
	return validateStmts(body)
}

func validateStmts(stmts []ast.Stmt) error {
	for _, s := range stmts {
		if err := validateStmt(s); err != nil {
			return err
		}
	}
	return nil
}

func validateStmt(s ast.Stmt) error {
	switch st := s.(type) {
	case ast.BlockStmt:
		return validateStmts(st.Body)
	case ast.DeclareStmt:
		return validateTopExpr(st.Init)
	case ast.AssignStmt:
		for _, seg := range st.Path {
			if ix, ok := seg.(ast.IndexAccess); ok {
				if err := validateExpr(ix.Index, false); err != nil {
					return err
				}
			}
		}
		return validateTopExpr(st.Value)
	case ast.IfStmt:
		if err := validateTopExpr(st.Test); err != nil {
			return err
		}
		if err := validateStmts(st.Then); err != nil {
			return err
		}
		return validateStmts(st.Else)
	case ast.WhileStmt:
		if err := validateTopExpr(st.Test); err != nil {
			return err
		}
		return validateStmts(st.Body)
	case ast.ForLoopStmt:
		if err := validateTopExpr(st.Iterable); err != nil {
			return err
		}
		return validateStmts(st.Body)
	case ast.ReturnStmt:
		return validateTopExpr(st.Value)
	case ast.TryStmt:
		if err := validateStmts(st.Body); err != nil {
			return err
		}
		return validateStmts(st.CatchBody)
	case ast.ExprStmt:
		return validateTopExpr(st.Value)
	case ast.BreakStmt, ast.ContinueStmt:
		return nil
	default:
		return fmt.Errorf("parser: unhandled statement node %T during validation", s)
	}
}

// validateTopExpr validates an expression that sits in a statement's top
// slot: a single leading AwaitExpr is allowed, but nothing nested inside it
// (or anywhere else in the expression) may itself be an AwaitExpr.
func validateTopExpr(e ast.Expr) error {
	if e == nil {
		return nil
	}
	if a, ok := e.(ast.AwaitExpr); ok {
		return validateExpr(a.Inner, false)
	}
	return validateExpr(e, false)
}

func validateExpr(e ast.Expr, allowAwait bool) error {
	if e == nil {
		return nil
	}
	switch ex := e.(type) {
	case ast.NullLit, ast.BoolLit, ast.NumLit, ast.StrLit, ast.Ident:
		return nil
	case ast.ListLit:
		for _, item := range ex.Items {
			if err := validateExpr(item, false); err != nil {
				return err
			}
		}
		return nil
	case ast.ObjLit:
		for _, v := range ex.Values {
			if err := validateExpr(v, false); err != nil {
				return err
			}
		}
		return nil
	case ast.MemberExpr:
		if err := validateExpr(ex.Object, false); err != nil {
			return err
		}
		if ix, ok := ex.Access.(ast.IndexAccess); ok {
			return validateExpr(ix.Index, false)
		}
		return nil
	case ast.CallExpr:
		if err := validateExpr(ex.Callee, false); err != nil {
			return err
		}
		for _, a := range ex.Args {
			if err := validateExpr(a, false); err != nil {
				return err
			}
		}
		return nil
	case ast.BinaryExpr:
		if err := validateExpr(ex.Left, false); err != nil {
			return err
		}
		return validateExpr(ex.Right, false)
	case ast.TernaryExpr:
		if err := validateExpr(ex.Test, false); err != nil {
			return err
		}
		if err := validateExpr(ex.Then, false); err != nil {
			return err
		}
		return validateExpr(ex.Else, false)
	case ast.AwaitExpr:
		if !allowAwait {
			return fmt.Errorf("parser: nested await is not permitted at offset %d", ex.Span().Start)
		}
		return validateExpr(ex.Inner, false)
	default:
		return fmt.Errorf("parser: unhandled expression node %T during validation", e)
	}
}
