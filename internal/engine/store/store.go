// Package store defines the durable persistence contract for the workflow
// engine: executions, the work queue, signals, VM snapshots, workflow
// definitions, and worker heartbeats. Backend is implemented by
// internal/engine/store/sqlite (the reference backend) and
// internal/engine/store/memory (for unit tests); both satisfy identical
// transactional guarantees so callers never need to special-case either one.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Kind discriminates an Execution's role.
type Kind string

const (
	KindTask     Kind = "task"
	KindWorkflow Kind = "workflow"
)

// Status is an Execution's lifecycle state. Transitions form a DAG: Pending
// -> Running -> {Suspended -> Pending | Completed | Failed}. Completed and
// Failed are terminal and never revisited.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Execution is the unit of durable work: a Task or a Workflow instance.
type Execution struct {
	ID               string
	Kind             Kind
	FunctionName     string
	Queue            string
	Status           Status
	Inputs           json.RawMessage
	Output           json.RawMessage
	ParentWorkflowID string
	CreatedAt        time.Time
	ClaimedAt        *time.Time
	CompletedAt      *time.Time
	Attempt          int
	MaxRetries       int
}

// WorkflowDefinition is a registered workflow's parsed-source record.
// VersionHash lets re-registration of identical source be a no-op while
// changed source under the same name gets a fresh row; suspended executions
// keep pointing at the definition they started with.
type WorkflowDefinition struct {
	ID          string
	Name        string
	VersionHash string
	Source      string
	CreatedAt   time.Time
}

// WorkflowExecutionContext is the persisted VM snapshot for a suspended
// workflow. It exists only while the workflow is Suspended and is replaced
// wholesale on each new suspension.
type WorkflowExecutionContext struct {
	ExecutionID          string
	WorkflowDefinitionID string
	VMState              json.RawMessage
}

// ClaimedWork is one work-queue row handed to a worker by ClaimWork/ClaimBatch.
type ClaimedWork struct {
	ExecutionID  string
	Kind         Kind
	FunctionName string
	Queue        string
	Inputs       json.RawMessage
	ClaimedUntil time.Time
}

// SignalStatus discriminates a signals row's role: a workflow's outstanding
// wait (Requested) or a sender's delivered payload (Sent).
type SignalStatus string

const (
	SignalRequested SignalStatus = "requested"
	SignalSent      SignalStatus = "sent"
)

// DeadLetterRecord is written on terminal Failure so an operator can debug
// without re-running the execution.
type DeadLetterRecord struct {
	ExecutionID  string
	FunctionName string
	Error        json.RawMessage
	Attempt      int
	FailedAt     time.Time
}

// WorkerHeartbeat records a worker's last-seen liveness.
type WorkerHeartbeat struct {
	WorkerID      string
	LastHeartbeat time.Time
	Queues        []string
	Status        string
}

// ExecutionFilter narrows QueryExecutions. Zero-valued fields are unfiltered.
type ExecutionFilter struct {
	Status           Status
	Queue            string
	FunctionName     string
	ParentWorkflowID string
	Limit            int
}

// OutboxOpKind discriminates one proposed side effect committed by CommitStep.
type OutboxOpKind int

const (
	OutboxOpCreateExecution OutboxOpKind = iota
	OutboxOpRequestSignal
)

// OutboxOp is a store-level proposed side effect, translated by the runner
// from a vm.OutboxEntry so the store package carries no dependency on the
// language runtime.
type OutboxOp struct {
	Kind OutboxOpKind

	// OutboxOpCreateExecution
	ChildID      string
	ChildKind    Kind
	FunctionName string
	Inputs       json.RawMessage
	Queue        string
	Priority     int

	// OutboxOpRequestSignal
	ClaimID    string
	SignalName string
}

// StepOutcomeKind is the terminal control state a workflow step reached,
// mirroring vm.Outcome without importing the vm package.
type StepOutcomeKind int

const (
	StepReturned StepOutcomeKind = iota
	StepSuspended
	StepThrew
)

// CommitStepInput is everything one workflow step's transaction must apply
// atomically: the outbox, the execution's new status/output, the VM
// snapshot (written or deleted), and removal of the work-queue row that
// was claimed to run this step. See §4.7 of the engine design: every
// branch (Returned, Suspended, Threw) commits — a Throw reaching the root
// is a normal terminal outcome, not an infrastructure failure.
type CommitStepInput struct {
	ExecutionID          string
	WorkflowDefinitionID string
	ParentWorkflowID     string
	Outcome              StepOutcomeKind
	Output               json.RawMessage // set when Outcome is Returned or Threw
	SnapshotState        json.RawMessage // set when Outcome is Suspended
	Outbox               []OutboxOp
}

// Backend is the full persistence contract. A single writer connection
// (SQLite) or row-level locking (Postgres-shaped backends) both satisfy the
// at-most-one-claimer and race-free-signal-match guarantees the engine
// design requires; Backend itself only states the contract.
type Backend interface {
	// CreateExecution inserts exec idempotently: inserting the same ID twice
	// yields one row (inserted=false on the second call) unless the existing
	// row is Failed, in which case it is replaced and inserted=true.
	CreateExecution(ctx context.Context, exec *Execution) (inserted bool, err error)
	GetExecution(ctx context.Context, id string) (*Execution, error)
	QueryExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	GetWorkflowTasks(ctx context.Context, workflowID string) ([]*Execution, error)

	EnqueueWork(ctx context.Context, executionID, queue string, priority int, visibleAfter time.Time) error
	ClaimWork(ctx context.Context, workerID string, queues []string, lease time.Duration) (*ClaimedWork, error)
	ClaimBatch(ctx context.Context, workerID string, queues []string, n int, lease time.Duration) ([]*ClaimedWork, error)

	LoadSnapshot(ctx context.Context, executionID string) (*WorkflowExecutionContext, error)

	// ResolveSignals runs the race-free matching protocol (§4.6) for one
	// workflow: every Requested row is paired with the oldest unclaimed Sent
	// row sharing its signal_name, the Sent row's claim_id is set, and the
	// Requested row is deleted. It commits in its own transaction before the
	// step that follows it runs; it is not part of that step's CommitStep
	// transaction.
	ResolveSignals(ctx context.Context, workflowID string) error
	SendSignal(ctx context.Context, workflowID, signalName string, payload json.RawMessage) error
	GetSignalPayload(ctx context.Context, workflowID, claimID string) (payload json.RawMessage, ok bool, err error)

	RegisterWorkflowDefinition(ctx context.Context, name, source string) (*WorkflowDefinition, error)
	GetWorkflowDefinitionByName(ctx context.Context, name string) (*WorkflowDefinition, error)
	GetWorkflowDefinition(ctx context.Context, id string) (*WorkflowDefinition, error)

	// CommitStep applies in to a single transaction, as described on
	// CommitStepInput, then removes the work-queue row for executionID.
	CommitStep(ctx context.Context, in CommitStepInput) error

	// CompleteTask records a Task execution's terminal output, reported by
	// an external task executor, and re-enqueues the parent workflow.
	CompleteTask(ctx context.Context, executionID string, output json.RawMessage, failed bool) error

	RecordHeartbeat(ctx context.Context, workerID string, queues []string) error
	RecoverDeadWorkers(ctx context.Context, timeout time.Duration) (int, error)

	InsertDeadLetter(ctx context.Context, rec DeadLetterRecord) error

	Close() error
}
