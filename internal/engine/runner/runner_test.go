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

package runner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhythmrun/engine/internal/engine/store"
	"github.com/rhythmrun/engine/internal/engine/store/memory"
)

func newTestRunner() (*Runner, *memory.Backend) {
	backend := memory.New()
	return New(backend, uuid.NewString), backend
}

func registerAndStart(t *testing.T, r *Runner, b *memory.Backend, ctx context.Context, name, source string, inputs json.RawMessage) string {
	t.Helper()
	_, err := b.RegisterWorkflowDefinition(ctx, name, source)
	require.NoError(t, err)
	id := uuid.NewString()
	inserted, err := b.CreateExecution(ctx, &store.Execution{
		ID: id, Kind: store.KindWorkflow, FunctionName: name, Status: store.StatusRunning, Inputs: inputs,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	return id
}

func TestStepWorkflow_ReturnsImmediately(t *testing.T) {
	r, b := newTestRunner()
	ctx := context.Background()
	id := registerAndStart(t, r, b, ctx, "double", `return Inputs.n;`, []byte(`{"n": 21}`))

	require.NoError(t, r.StepWorkflow(ctx, id, nil))

	exec, err := b.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, exec.Status)
	assert.JSONEq(t, `21`, string(exec.Output))
}

func TestStepWorkflow_ThrowsUncaught(t *testing.T) {
	r, b := newTestRunner()
	ctx := context.Background()
	id := registerAndStart(t, r, b, ctx, "boom", `Math.floor("not a number");`, nil)

	require.NoError(t, r.StepWorkflow(ctx, id, nil))

	exec, err := b.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, exec.Status)
}

func TestStepWorkflow_SuspendsOnAwaitAndResumesOnSecondStep(t *testing.T) {
	r, b := newTestRunner()
	ctx := context.Background()
	id := registerAndStart(t, r, b, ctx, "delegates", `let result = await Task.run("double", Inputs); return result;`, []byte(`{"n": 10}`))

	require.NoError(t, r.StepWorkflow(ctx, id, nil))

	exec, err := b.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuspended, exec.Status)

	snap, err := b.LoadSnapshot(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, snap)

	tasks, err := b.GetWorkflowTasks(ctx, id)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	childID := tasks[0].ID

	require.NoError(t, b.CommitStep(ctx, store.CommitStepInput{
		ExecutionID: childID,
		Outcome:     store.StepReturned,
		Output:      []byte(`20`),
	}))

	require.NoError(t, r.StepWorkflow(ctx, id, nil))

	exec, err = b.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, exec.Status)
	assert.JSONEq(t, `20`, string(exec.Output))
}

func TestStepWorkflow_SuspendsOnSignalAndResumesWhenSent(t *testing.T) {
	r, b := newTestRunner()
	ctx := context.Background()
	id := registerAndStart(t, r, b, ctx, "waitsForApproval", `let approval = await Signal.next("approved"); return approval;`, nil)

	require.NoError(t, r.StepWorkflow(ctx, id, nil))
	exec, err := b.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuspended, exec.Status)

	require.NoError(t, b.SendSignal(ctx, id, "approved", []byte(`"yes"`)))

	require.NoError(t, r.StepWorkflow(ctx, id, nil))
	exec, err = b.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, exec.Status)
	assert.JSONEq(t, `"yes"`, string(exec.Output))
}
