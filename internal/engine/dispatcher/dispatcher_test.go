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

package dispatcher

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhythmrun/engine/internal/engine/runner"
	"github.com/rhythmrun/engine/internal/engine/store"
	"github.com/rhythmrun/engine/internal/engine/store/memory"
)

type fakeExecutor struct {
	output []byte
	failed bool
	err    error
	calls  int
}

func (f *fakeExecutor) RunTask(ctx context.Context, functionName string, inputs []byte) ([]byte, bool, error) {
	f.calls++
	return f.output, f.failed, f.err
}

func newTestDispatcher(t *testing.T, executor Executor) (*Dispatcher, *memory.Backend) {
	t.Helper()
	backend := memory.New()
	r := runner.New(backend, uuid.NewString)
	d := New(Config{Queues: []string{"default"}, PollInterval: time.Millisecond, LeaseDuration: time.Minute}, backend, r, executor, slog.Default(), nil)
	return d, backend
}

func TestDrain_StepsWorkflowToCompletion(t *testing.T) {
	d, backend := newTestDispatcher(t, nil)
	ctx := context.Background()

	_, err := backend.RegisterWorkflowDefinition(ctx, "echo", `return Inputs.n;`)
	require.NoError(t, err)
	_, err = backend.CreateExecution(ctx, &store.Execution{ID: "wf1", Kind: store.KindWorkflow, FunctionName: "echo", Status: store.StatusPending, Inputs: []byte(`{"n":7}`)})
	require.NoError(t, err)
	require.NoError(t, backend.EnqueueWork(ctx, "wf1", "default", 0, time.Time{}))

	d.Drain(ctx)

	exec, err := backend.GetExecution(ctx, "wf1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, exec.Status)
}

func TestDrain_RunsTaskThroughExecutor(t *testing.T) {
	executor := &fakeExecutor{output: []byte(`"done"`)}
	d, backend := newTestDispatcher(t, executor)
	ctx := context.Background()

	_, err := backend.CreateExecution(ctx, &store.Execution{ID: "task1", Kind: store.KindTask, FunctionName: "doThing", Status: store.StatusPending})
	require.NoError(t, err)
	require.NoError(t, backend.EnqueueWork(ctx, "task1", "default", 0, time.Time{}))

	d.Drain(ctx)

	assert.Equal(t, 1, executor.calls)
	exec, err := backend.GetExecution(ctx, "task1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, exec.Status)
}

func TestDrain_TaskWithNoExecutorIsSkippedNotCrashed(t *testing.T) {
	d, backend := newTestDispatcher(t, nil)
	ctx := context.Background()

	_, err := backend.CreateExecution(ctx, &store.Execution{ID: "task1", Kind: store.KindTask, FunctionName: "doThing", Status: store.StatusPending})
	require.NoError(t, err)
	require.NoError(t, backend.EnqueueWork(ctx, "task1", "default", 0, time.Time{}))

	assert.NotPanics(t, func() { d.Drain(ctx) })
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRecordHeartbeat_RecoversDeadWorkers(t *testing.T) {
	d, backend := newTestDispatcher(t, nil)
	d.cfg.DeadWorkerTimeout = time.Nanosecond // other-worker's heartbeat is stale by the time recovery runs
	ctx := context.Background()

	require.NoError(t, backend.RecordHeartbeat(ctx, "other-worker", []string{"default"}))
	_, err := backend.CreateExecution(ctx, &store.Execution{ID: "stuck", Status: store.StatusRunning})
	require.NoError(t, err)

	assert.NotPanics(t, func() { d.recordHeartbeat(ctx) })

	exec, err := backend.GetExecution(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, exec.Status, "a dead worker's running execution must be reset to pending")
}
