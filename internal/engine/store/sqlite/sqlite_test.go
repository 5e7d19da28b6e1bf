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

package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhythmrun/engine/internal/engine/store"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNew_MigratesAndIsUsable(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	inserted, err := b.CreateExecution(ctx, &store.Execution{ID: "e1", Kind: store.KindWorkflow, Status: store.StatusPending})
	require.NoError(t, err)
	assert.True(t, inserted)

	got, err := b.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
}

func TestCreateExecution_DuplicateIsNoOpUnlessFailed(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	inserted, err := b.CreateExecution(ctx, &store.Execution{ID: "e1", Status: store.StatusPending})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = b.CreateExecution(ctx, &store.Execution{ID: "e1", Status: store.StatusPending})
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestGetExecution_NotFound(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.GetExecution(context.Background(), "missing")
	assert.Error(t, err)
}

func TestClaimWork_LeaseBlocksSecondClaimant(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.CreateExecution(ctx, &store.Execution{ID: "e1", Kind: store.KindTask, Status: store.StatusPending})
	require.NoError(t, err)
	require.NoError(t, b.EnqueueWork(ctx, "e1", "default", 0, time.Time{}))

	claim, err := b.ClaimWork(ctx, "w1", []string{"default"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, "e1", claim.ExecutionID)

	claim2, err := b.ClaimWork(ctx, "w2", []string{"default"}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claim2, "an actively leased row must not be claimable by a second worker")
}

func TestCommitStep_SuspendedPersistsSnapshot(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.CreateExecution(ctx, &store.Execution{ID: "wf", Kind: store.KindWorkflow, Status: store.StatusRunning})
	require.NoError(t, err)

	err = b.CommitStep(ctx, store.CommitStepInput{
		ExecutionID:          "wf",
		WorkflowDefinitionID: "def-1",
		Outcome:              store.StepSuspended,
		SnapshotState:        []byte(`{"pc":1}`),
	})
	require.NoError(t, err)

	snap, err := b.LoadSnapshot(ctx, "wf")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.JSONEq(t, `{"pc":1}`, string(snap.VMState))
}

func TestSignals_SendAndResolveFIFO(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.CreateExecution(ctx, &store.Execution{ID: "wf", Kind: store.KindWorkflow, Status: store.StatusSuspended})
	require.NoError(t, err)

	require.NoError(t, b.SendSignal(ctx, "wf", "approved", []byte(`"first"`)))
	require.NoError(t, b.SendSignal(ctx, "wf", "approved", []byte(`"second"`)))

	err = b.CommitStep(ctx, store.CommitStepInput{
		ExecutionID: "wf",
		Outcome:     store.StepSuspended,
		Outbox: []store.OutboxOp{
			{Kind: store.OutboxOpRequestSignal, ClaimID: "claim-1", SignalName: "approved"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, b.ResolveSignals(ctx, "wf"))

	payload, ok, err := b.GetSignalPayload(ctx, "wf", "claim-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"first"`, string(payload))
}

func TestRegisterWorkflowDefinition_DedupesByHash(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	first, err := b.RegisterWorkflowDefinition(ctx, "wf", "return 1;")
	require.NoError(t, err)

	second, err := b.RegisterWorkflowDefinition(ctx, "wf", "return 1;")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	third, err := b.RegisterWorkflowDefinition(ctx, "wf", "return 2;")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestRecordHeartbeatAndRecoverDeadWorkers(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.CreateExecution(ctx, &store.Execution{ID: "e1", Status: store.StatusRunning})
	require.NoError(t, err)
	require.NoError(t, b.RecordHeartbeat(ctx, "w1", []string{"default"}))

	n, err := b.RecoverDeadWorkers(ctx, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	got, err := b.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
}

func TestInsertDeadLetter(t *testing.T) {
	b := newTestBackend(t)
	err := b.InsertDeadLetter(context.Background(), store.DeadLetterRecord{ExecutionID: "e1", FunctionName: "f", FailedAt: time.Now()})
	assert.NoError(t, err)
}
