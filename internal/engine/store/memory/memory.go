// Package memory implements store.Backend entirely in process memory, for
// unit tests that exercise the VM/runner/resolver without a SQLite file.
// It satisfies the same at-most-one-claimer and race-free-signal-match
// contract as the sqlite backend by serializing every operation behind a
// single mutex — the in-memory analog of SQLite's single-writer discipline.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rhythmrun/engine/internal/engine/store"
	"github.com/rhythmrun/engine/pkg/errors"
)

type workQueueRow struct {
	executionID  string
	queue        string
	priority     int
	claimedUntil time.Time
	visibleAfter time.Time
	createdAt    time.Time
	seq          int64
}

type signalRow struct {
	workflowID string
	signalName string
	status     store.SignalStatus
	claimID    string
	payload    json.RawMessage
	createdAt  time.Time
	seq        int64
}

// Backend is an in-memory store.Backend.
type Backend struct {
	mu sync.Mutex

	executions  map[string]*store.Execution
	snapshots   map[string]*store.WorkflowExecutionContext
	definitions map[string]*store.WorkflowDefinition // by id
	byName      map[string]string                    // name -> id
	workQueue   []*workQueueRow
	signals     []*signalRow
	heartbeats  map[string]*store.WorkerHeartbeat
	deadLetters []store.DeadLetterRecord
	seq         int64
}

// New constructs an empty in-memory Backend.
func New() *Backend {
	return &Backend{
		executions:  map[string]*store.Execution{},
		snapshots:   map[string]*store.WorkflowExecutionContext{},
		definitions: map[string]*store.WorkflowDefinition{},
		byName:      map[string]string{},
		heartbeats:  map[string]*store.WorkerHeartbeat{},
	}
}

func (b *Backend) nextSeq() int64 {
	b.seq++
	return b.seq
}

func cloneExecution(e *store.Execution) *store.Execution {
	cp := *e
	return &cp
}

func (b *Backend) CreateExecution(ctx context.Context, exec *store.Execution) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.executions[exec.ID]
	if ok && existing.Status != store.StatusFailed {
		return false, nil
	}
	cp := cloneExecution(exec)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	b.executions[exec.ID] = cp
	return true, nil
}

func (b *Backend) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.executions[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	return cloneExecution(e), nil
}

func (b *Backend) QueryExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*store.Execution
	for _, e := range b.executions {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.Queue != "" && e.Queue != filter.Queue {
			continue
		}
		if filter.FunctionName != "" && e.FunctionName != filter.FunctionName {
			continue
		}
		if filter.ParentWorkflowID != "" && e.ParentWorkflowID != filter.ParentWorkflowID {
			continue
		}
		out = append(out, cloneExecution(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (b *Backend) GetWorkflowTasks(ctx context.Context, workflowID string) ([]*store.Execution, error) {
	return b.QueryExecutions(ctx, store.ExecutionFilter{ParentWorkflowID: workflowID})
}

func (b *Backend) EnqueueWork(ctx context.Context, executionID, queue string, priority int, visibleAfter time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueueLocked(executionID, queue, priority, visibleAfter)
	return nil
}

func (b *Backend) enqueueLocked(executionID, queue string, priority int, visibleAfter time.Time) {
	for _, row := range b.workQueue {
		if row.executionID == executionID {
			return // at most one unclaimed work-queue row per execution
		}
	}
	b.workQueue = append(b.workQueue, &workQueueRow{
		executionID:  executionID,
		queue:        queue,
		priority:     priority,
		visibleAfter: visibleAfter,
		createdAt:    time.Now().UTC(),
		seq:          b.nextSeq(),
	})
}

func inQueues(queue string, queues []string) bool {
	if len(queues) == 0 {
		return true
	}
	for _, q := range queues {
		if q == queue {
			return true
		}
	}
	return false
}

func (b *Backend) claimOneLocked(workerID string, queues []string, lease time.Duration, now time.Time) *workQueueRow {
	var best *workQueueRow
	for _, row := range b.workQueue {
		if !inQueues(row.queue, queues) {
			continue
		}
		if row.visibleAfter.After(now) {
			continue
		}
		if !row.claimedUntil.IsZero() && row.claimedUntil.After(now) {
			continue
		}
		if best == nil {
			best = row
			continue
		}
		if row.priority != best.priority {
			if row.priority > best.priority {
				best = row
			}
			continue
		}
		if row.createdAt.Before(best.createdAt) {
			best = row
		}
	}
	if best != nil {
		best.claimedUntil = now.Add(lease)
	}
	return best
}

func (b *Backend) ClaimWork(ctx context.Context, workerID string, queues []string, lease time.Duration) (*store.ClaimedWork, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	row := b.claimOneLocked(workerID, queues, lease, time.Now().UTC())
	if row == nil {
		return nil, nil
	}
	return b.toClaimedLocked(row)
}

func (b *Backend) ClaimBatch(ctx context.Context, workerID string, queues []string, n int, lease time.Duration) ([]*store.ClaimedWork, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	var out []*store.ClaimedWork
	for i := 0; i < n; i++ {
		row := b.claimOneLocked(workerID, queues, lease, now)
		if row == nil {
			break
		}
		cw, err := b.toClaimedLocked(row)
		if err != nil {
			return nil, err
		}
		out = append(out, cw)
	}
	return out, nil
}

func (b *Backend) toClaimedLocked(row *workQueueRow) (*store.ClaimedWork, error) {
	exec, ok := b.executions[row.executionID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "execution", ID: row.executionID}
	}
	exec.Status = store.StatusRunning
	now := time.Now().UTC()
	exec.ClaimedAt = &now
	return &store.ClaimedWork{
		ExecutionID:  row.executionID,
		Kind:         exec.Kind,
		FunctionName: exec.FunctionName,
		Queue:        row.queue,
		Inputs:       exec.Inputs,
		ClaimedUntil: row.claimedUntil,
	}, nil
}

func (b *Backend) removeWorkQueueLocked(executionID string) {
	out := b.workQueue[:0]
	for _, row := range b.workQueue {
		if row.executionID != executionID {
			out = append(out, row)
		}
	}
	b.workQueue = out
}

func (b *Backend) LoadSnapshot(ctx context.Context, executionID string) (*store.WorkflowExecutionContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.snapshots[executionID]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

// ResolveSignals implements §4.6: pair each Requested row with the oldest
// unclaimed Sent row sharing its signal_name, claim it, and delete the
// Requested row.
func (b *Backend) ResolveSignals(ctx context.Context, workflowID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolveSignalsLocked(workflowID)
}

func (b *Backend) resolveSignalsLocked(workflowID string) error {
	var requested []*signalRow
	for _, s := range b.signals {
		if s.workflowID == workflowID && s.status == store.SignalRequested {
			requested = append(requested, s)
		}
	}
	sort.Slice(requested, func(i, j int) bool { return requested[i].seq < requested[j].seq })

	for _, req := range requested {
		var oldest *signalRow
		for _, s := range b.signals {
			if s.workflowID != workflowID || s.status != store.SignalSent || s.signalName != req.signalName {
				continue
			}
			if s.claimID != "" {
				continue // already claimed
			}
			if oldest == nil || s.seq < oldest.seq {
				oldest = s
			}
		}
		if oldest == nil {
			continue
		}
		oldest.claimID = req.claimID
		b.deleteSignalLocked(req)
	}
	return nil
}

func (b *Backend) deleteSignalLocked(target *signalRow) {
	out := b.signals[:0]
	for _, s := range b.signals {
		if s != target {
			out = append(out, s)
		}
	}
	b.signals = out
}

func (b *Backend) SendSignal(ctx context.Context, workflowID, signalName string, payload json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signals = append(b.signals, &signalRow{
		workflowID: workflowID,
		signalName: signalName,
		status:     store.SignalSent,
		payload:    payload,
		createdAt:  time.Now().UTC(),
		seq:        b.nextSeq(),
	})
	b.enqueueLocked(workflowID, "default", 0, time.Now().UTC())
	return nil
}

func (b *Backend) GetSignalPayload(ctx context.Context, workflowID, claimID string) (json.RawMessage, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.signals {
		if s.workflowID == workflowID && s.claimID == claimID && s.status == store.SignalSent {
			return s.payload, true, nil
		}
	}
	return nil, false, nil
}

func (b *Backend) RegisterWorkflowDefinition(ctx context.Context, name, source string) (*store.WorkflowDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sum := sha256.Sum256([]byte(source))
	hash := hex.EncodeToString(sum[:])

	if id, ok := b.byName[name]; ok {
		existing := b.definitions[id]
		if existing.VersionHash == hash {
			cp := *existing
			return &cp, nil
		}
	}
	def := &store.WorkflowDefinition{
		ID:          uuid.NewString(),
		Name:        name,
		VersionHash: hash,
		Source:      source,
		CreatedAt:   time.Now().UTC(),
	}
	b.definitions[def.ID] = def
	b.byName[name] = def.ID
	cp := *def
	return &cp, nil
}

func (b *Backend) GetWorkflowDefinitionByName(ctx context.Context, name string) (*store.WorkflowDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byName[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow_definition", ID: name}
	}
	cp := *b.definitions[id]
	return &cp, nil
}

func (b *Backend) GetWorkflowDefinition(ctx context.Context, id string) (*store.WorkflowDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	def, ok := b.definitions[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow_definition", ID: id}
	}
	cp := *def
	return &cp, nil
}

func (b *Backend) CommitStep(ctx context.Context, in store.CommitStepInput) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	exec, ok := b.executions[in.ExecutionID]
	if !ok {
		return &errors.NotFoundError{Resource: "execution", ID: in.ExecutionID}
	}

	for _, op := range in.Outbox {
		switch op.Kind {
		case store.OutboxOpCreateExecution:
			if existing, ok := b.executions[op.ChildID]; ok && existing.Status != store.StatusFailed {
				continue
			}
			b.executions[op.ChildID] = &store.Execution{
				ID: op.ChildID, Kind: op.ChildKind, FunctionName: op.FunctionName,
				Queue: op.Queue, Status: store.StatusPending, Inputs: op.Inputs,
				ParentWorkflowID: in.ExecutionID, CreatedAt: time.Now().UTC(),
			}
			b.enqueueLocked(op.ChildID, op.Queue, op.Priority, time.Now().UTC())
		case store.OutboxOpRequestSignal:
			b.signals = append(b.signals, &signalRow{
				workflowID: in.ExecutionID, signalName: op.SignalName,
				status: store.SignalRequested, claimID: op.ClaimID,
				createdAt: time.Now().UTC(), seq: b.nextSeq(),
			})
		}
	}

	now := time.Now().UTC()
	switch in.Outcome {
	case store.StepReturned:
		exec.Status = store.StatusCompleted
		exec.Output = in.Output
		exec.CompletedAt = &now
		delete(b.snapshots, in.ExecutionID)
		if in.ParentWorkflowID != "" {
			b.enqueueLocked(in.ParentWorkflowID, "default", 0, now)
		}
	case store.StepSuspended:
		exec.Status = store.StatusSuspended
		b.snapshots[in.ExecutionID] = &store.WorkflowExecutionContext{
			ExecutionID: in.ExecutionID, WorkflowDefinitionID: in.WorkflowDefinitionID,
			VMState: in.SnapshotState,
		}
	case store.StepThrew:
		exec.Status = store.StatusFailed
		exec.Output = in.Output
		exec.CompletedAt = &now
		delete(b.snapshots, in.ExecutionID)
		b.deadLetters = append(b.deadLetters, store.DeadLetterRecord{
			ExecutionID: in.ExecutionID, FunctionName: exec.FunctionName,
			Error: in.Output, Attempt: exec.Attempt, FailedAt: now,
		})
		if in.ParentWorkflowID != "" {
			b.enqueueLocked(in.ParentWorkflowID, "default", 0, now)
		}
	}

	b.removeWorkQueueLocked(in.ExecutionID)
	return nil
}

func (b *Backend) CompleteTask(ctx context.Context, executionID string, output json.RawMessage, failed bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	exec, ok := b.executions[executionID]
	if !ok {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	now := time.Now().UTC()
	exec.Output = output
	exec.CompletedAt = &now
	if failed {
		exec.Status = store.StatusFailed
		b.deadLetters = append(b.deadLetters, store.DeadLetterRecord{
			ExecutionID: executionID, FunctionName: exec.FunctionName,
			Error: output, Attempt: exec.Attempt, FailedAt: now,
		})
	} else {
		exec.Status = store.StatusCompleted
	}
	if exec.ParentWorkflowID != "" {
		b.enqueueLocked(exec.ParentWorkflowID, "default", 0, now)
	}
	return nil
}

func (b *Backend) RecordHeartbeat(ctx context.Context, workerID string, queues []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartbeats[workerID] = &store.WorkerHeartbeat{
		WorkerID: workerID, LastHeartbeat: time.Now().UTC(), Queues: queues, Status: "alive",
	}
	return nil
}

func (b *Backend) RecoverDeadWorkers(ctx context.Context, timeout time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().UTC().Add(-timeout)
	recovered := 0
	for _, hb := range b.heartbeats {
		if hb.LastHeartbeat.After(cutoff) {
			continue
		}
		hb.Status = "dead"
		for _, exec := range b.executions {
			if exec.Status == store.StatusRunning || exec.Status == store.StatusSuspended {
				exec.Status = store.StatusPending
				recovered++
			}
		}
	}
	return recovered, nil
}

func (b *Backend) InsertDeadLetter(ctx context.Context, rec store.DeadLetterRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters = append(b.deadLetters, rec)
	return nil
}

func (b *Backend) Close() error { return nil }
