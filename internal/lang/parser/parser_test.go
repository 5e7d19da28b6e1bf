// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhythmrun/engine/internal/lang/ast"
)

func TestParse_DeclareAndReturn(t *testing.T) {
	body, err := Parse(`let x = 1; return x;`)
	require.NoError(t, err)
	require.Len(t, body, 2)

	decl, ok := body[0].(ast.DeclareStmt)
	require.True(t, ok)
	assert.Equal(t, ast.VarLet, decl.Kind)
	num, ok := decl.Init.(ast.NumLit)
	require.True(t, ok)
	assert.Equal(t, float64(1), num.Value)

	ret, ok := body[1].(ast.ReturnStmt)
	require.True(t, ok)
	ident, ok := ret.Value.(ast.Ident)
	require.True(t, ok)
	assert.Equal(t, "x", ident.Name)
}

func TestParse_Const(t *testing.T) {
	body, err := Parse(`const y = "hi";`)
	require.NoError(t, err)
	decl := body[0].(ast.DeclareStmt)
	assert.Equal(t, ast.VarConst, decl.Kind)
	str := decl.Init.(ast.StrLit)
	assert.Equal(t, "hi", str.Value)
}

func TestParse_IfElse(t *testing.T) {
	body, err := Parse(`if (true) { return 1; } else { return 2; }`)
	require.NoError(t, err)
	ifStmt := body[0].(ast.IfStmt)
	require.Len(t, ifStmt.Then, 1)
	require.Len(t, ifStmt.Else, 1)
}

func TestParse_While(t *testing.T) {
	body, err := Parse(`while (true) { break; }`)
	require.NoError(t, err)
	ws := body[0].(ast.WhileStmt)
	require.Len(t, ws.Body, 1)
	_, ok := ws.Body[0].(ast.BreakStmt)
	assert.True(t, ok)
}

func TestParse_ForOfAndForIn(t *testing.T) {
	body, err := Parse(`for (let x of items) { continue; } for (let k in obj) { continue; }`)
	require.NoError(t, err)
	forOf := body[0].(ast.ForLoopStmt)
	assert.Equal(t, ast.ForOf, forOf.Kind)
	assert.Equal(t, "x", forOf.VarName)

	forIn := body[1].(ast.ForLoopStmt)
	assert.Equal(t, ast.ForIn, forIn.Kind)
}

func TestParse_TryCatch(t *testing.T) {
	body, err := Parse(`try { return 1; } catch (e) { return e; }`)
	require.NoError(t, err)
	tryStmt := body[0].(ast.TryStmt)
	assert.Equal(t, "e", tryStmt.CatchVar)
	require.Len(t, tryStmt.CatchBody, 1)
}

func TestParse_Assignment(t *testing.T) {
	body, err := Parse(`let x = 1; x = 2;`)
	require.NoError(t, err)
	assign := body[1].(ast.AssignStmt)
	assert.Equal(t, "x", assign.Var)
}

func TestParse_MemberAssignment(t *testing.T) {
	body, err := Parse(`let x = {}; x.y = 1;`)
	require.NoError(t, err)
	assign := body[1].(ast.AssignStmt)
	require.Len(t, assign.Path, 1)
	prop, ok := assign.Path[0].(ast.PropAccess)
	require.True(t, ok)
	assert.Equal(t, "y", prop.Name)
}

func TestParse_CallAndMemberChain(t *testing.T) {
	body, err := Parse(`Task.run("sendEmail", { to: "a@b.com" });`)
	require.NoError(t, err)
	exprStmt := body[0].(ast.ExprStmt)
	call := exprStmt.Value.(ast.CallExpr)
	require.Len(t, call.Args, 2)
	member := call.Callee.(ast.MemberExpr)
	prop := member.Access.(ast.PropAccess)
	assert.Equal(t, "run", prop.Name)
}

func TestParse_Await(t *testing.T) {
	body, err := Parse(`let result = await Task.run("f", {});`)
	require.NoError(t, err)
	decl := body[0].(ast.DeclareStmt)
	_, ok := decl.Init.(ast.AwaitExpr)
	assert.True(t, ok)
}

func TestParse_NestedAwaitRejected(t *testing.T) {
	_, err := Parse(`let x = Task.run("f", await Task.run("g", {}));`)
	assert.Error(t, err, "nested await must be rejected at parse time")
}

func TestParse_TernaryAndNullishAndBoolOps(t *testing.T) {
	body, err := Parse(`let x = a ? b : (c ?? d) || (e && f);`)
	require.NoError(t, err)
	decl := body[0].(ast.DeclareStmt)
	_, ok := decl.Init.(ast.TernaryExpr)
	assert.True(t, ok)
}

func TestParse_ListAndObjectLiterals(t *testing.T) {
	body, err := Parse(`let x = [1, 2, 3]; let y = { a: 1, b: 2 };`)
	require.NoError(t, err)
	list := body[0].(ast.DeclareStmt).Init.(ast.ListLit)
	assert.Len(t, list.Items, 3)

	obj := body[1].(ast.DeclareStmt).Init.(ast.ObjLit)
	assert.Equal(t, []string{"a", "b"}, obj.Keys)
}

func TestParse_ArrayDestructure(t *testing.T) {
	body, err := Parse(`let [a, b] = pair;`)
	require.NoError(t, err)
	decl := body[0].(ast.DeclareStmt)
	target, ok := decl.Target.(ast.DestructureTarget)
	require.True(t, ok)
	assert.Equal(t, ast.DestructureArray, target.Kind)
	assert.Equal(t, []string{"a", "b"}, target.Names)
}

func TestParse_ObjectDestructureWithAlias(t *testing.T) {
	body, err := Parse(`let { x: renamed } = obj;`)
	require.NoError(t, err)
	decl := body[0].(ast.DeclareStmt)
	target := decl.Target.(ast.DestructureTarget)
	assert.Equal(t, ast.DestructureObject, target.Kind)
	assert.Equal(t, []string{"renamed"}, target.Names)
	assert.Equal(t, []string{"x"}, target.Keys)
}

func TestParse_UnterminatedBlockIsError(t *testing.T) {
	_, err := Parse(`if (true) { return 1;`)
	assert.Error(t, err)
}

func TestParse_InvalidAssignmentTargetIsError(t *testing.T) {
	_, err := Parse(`1 = 2;`)
	assert.Error(t, err)
}
