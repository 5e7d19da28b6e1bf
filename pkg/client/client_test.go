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

package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhythmrun/engine/internal/config"
	"github.com/rhythmrun/engine/internal/engine/dispatcher"
	"github.com/rhythmrun/engine/internal/engine/store"
	engineerrors "github.com/rhythmrun/engine/pkg/errors"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Store.Path = ""
	c, err := Initialize(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRegisterAndStartWorkflow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	defID, err := c.RegisterWorkflow(ctx, "echo", `return Inputs.msg;`)
	require.NoError(t, err)
	assert.NotEmpty(t, defID)

	execID, err := c.StartWorkflow(ctx, "echo", []byte(`{"msg":"hi"}`), "")
	require.NoError(t, err)
	assert.NotEmpty(t, execID)

	exec, err := c.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, exec.Status)
	assert.Equal(t, "default", exec.Queue)
}

func TestRegisterWorkflow_RejectsInvalidSource(t *testing.T) {
	c := newTestClient(t)
	_, err := c.RegisterWorkflow(context.Background(), "broken", `let x = ;`)
	require.Error(t, err)
	var verr *engineerrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestStartWorkflow_UnregisteredNameIsNotFound(t *testing.T) {
	c := newTestClient(t)
	_, err := c.StartWorkflow(context.Background(), "ghost", nil, "")
	require.Error(t, err)
	var nf *engineerrors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestClaimWork_StepsWorkflowsAndReturnsOnlyTasks(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.RegisterWorkflow(ctx, "delegator", `let r = await Task.run("greet", Inputs); return r;`)
	require.NoError(t, err)
	execID, err := c.StartWorkflow(ctx, "delegator", []byte(`{"name":"ada"}`), "")
	require.NoError(t, err)

	claimCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	task, err := c.ClaimWork(claimCtx, "w1", []string{"default"}, time.Minute, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "greet", task.FunctionName)

	exec, err := c.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuspended, exec.Status)
}

func TestCompleteWork_RequiresExactlyOneOfResultOrError(t *testing.T) {
	c := newTestClient(t)
	err := c.CompleteWork(context.Background(), "e1", nil, nil)
	require.Error(t, err)

	err = c.CompleteWork(context.Background(), "e1", []byte(`1`), []byte(`{"code":"X"}`))
	require.Error(t, err)
}

func TestSendSignal_EnqueuesSuspendedWorkflow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.RegisterWorkflow(ctx, "waiter", `let v = await Signal.next("go"); return v;`)
	require.NoError(t, err)
	execID, err := c.StartWorkflow(ctx, "waiter", nil, "")
	require.NoError(t, err)

	require.NoError(t, c.Runner.StepWorkflow(ctx, execID, nil))
	exec, err := c.GetExecution(ctx, execID)
	require.NoError(t, err)
	require.Equal(t, store.StatusSuspended, exec.Status)

	require.NoError(t, c.SendSignal(ctx, execID, "go", []byte(`"now"`)))

	claim, err := c.Store.ClaimWork(ctx, "w1", []string{"default"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, execID, claim.ExecutionID)
}

func TestQueryExecutions_FiltersByStatus(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.RegisterWorkflow(ctx, "noop", `return null;`)
	require.NoError(t, err)
	_, err = c.StartWorkflow(ctx, "noop", nil, "")
	require.NoError(t, err)

	execs, err := c.QueryExecutions(ctx, store.ExecutionFilter{Status: store.StatusPending})
	require.NoError(t, err)
	assert.Len(t, execs, 1)

	execs, err = c.QueryExecutions(ctx, store.ExecutionFilter{Status: store.StatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestNewDispatcher_AcceptsNilExecutor(t *testing.T) {
	c := newTestClient(t)
	d := c.NewDispatcher(dispatcher.Config{Queues: []string{"default"}}, nil)
	assert.NotNil(t, d)
}
