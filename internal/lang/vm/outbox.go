package vm

import "github.com/rhythmrun/engine/internal/lang/value"

// OutboxEntryKind discriminates a proposed side effect recorded during a
// step. The runner commits these transactionally alongside the VM snapshot;
// nothing here is visible to other executions until that commit lands.
type OutboxEntryKind int

const (
	OutboxCreateTask OutboxEntryKind = iota
	OutboxCreateWorkflow
	OutboxRequestSignal
)

// OutboxEntry is one proposed side effect.
type OutboxEntry struct {
	Kind OutboxEntryKind `json:"kind"`

	// OutboxCreateTask / OutboxCreateWorkflow
	ExecutionID  string      `json:"execution_id,omitempty"`
	FunctionName string      `json:"function_name,omitempty"`
	Args         value.Value `json:"args,omitempty"`
	Queue        string      `json:"queue,omitempty"`
	Priority     int         `json:"priority,omitempty"`

	// OutboxRequestSignal
	ClaimID    string `json:"claim_id,omitempty"`
	SignalName string `json:"signal_name,omitempty"`
}

// Outbox is the ordered log of side effects proposed by the current step.
// It is cleared by the caller once committed; a Suspend or Return/Throw both
// end a step and both carry whatever outbox entries accumulated along the way.
type Outbox []OutboxEntry
