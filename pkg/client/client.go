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

// Package client exposes the engine's host-facing operations (§6.2):
// initialize, register_workflow, start_workflow, claim_work, complete_work,
// send_signal, get_execution, get_workflow_tasks, query_executions. It is
// the one seam between an embedding Go program (a CLI, an HTTP handler, a
// test) and the engine's store/runner/parser internals.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rhythmrun/engine/internal/config"
	"github.com/rhythmrun/engine/internal/engine/dispatcher"
	"github.com/rhythmrun/engine/internal/engine/runner"
	"github.com/rhythmrun/engine/internal/engine/store"
	"github.com/rhythmrun/engine/internal/engine/store/memory"
	"github.com/rhythmrun/engine/internal/engine/store/sqlite"
	"github.com/rhythmrun/engine/internal/lang/parser"
	"github.com/rhythmrun/engine/internal/observability"
	engineerrors "github.com/rhythmrun/engine/pkg/errors"
)

// Client is the engine's embeddable API. It owns the store connection and a
// Runner bound to it; a worker daemon additionally wraps it in a Dispatcher.
type Client struct {
	Store  store.Backend
	Runner *runner.Runner
	Logger *slog.Logger
	Obs    *observability.Provider
}

// Initialize opens the configured store backend, applies migrations (for
// sqlite, done inside sqlite.New), and returns a ready Client. This is the
// "initialize(config)" operation of §6.2. obs may be nil to disable metrics
// and tracing entirely.
func Initialize(ctx context.Context, cfg *config.Config, logger *slog.Logger, obs *observability.Provider) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, &engineerrors.ConfigError{Key: "store", Reason: "opening backend", Cause: err}
	}

	r := runner.New(backend, uuid.NewString)
	return &Client{Store: backend, Runner: r, Logger: logger, Obs: obs}, nil
}

func openBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.Store.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite", "":
		return sqlite.New(sqlite.Config{Path: cfg.Store.Path, WAL: cfg.Store.WALEnabled()})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// Close releases the underlying store connection.
func (c *Client) Close() error {
	return c.Store.Close()
}

// RegisterWorkflow parses and validates source, then registers it under
// name, returning its definition ID. Registration is a no-op (same ID
// returned) when source is byte-identical to the currently registered
// version, and creates a new definition row when it differs — existing
// suspended executions keep pointing at the definition they started with.
func (c *Client) RegisterWorkflow(ctx context.Context, name, source string) (string, error) {
	if _, err := parser.Parse(source); err != nil {
		return "", &engineerrors.ValidationError{Field: "source", Message: err.Error()}
	}
	def, err := c.Store.RegisterWorkflowDefinition(ctx, name, source)
	if err != nil {
		return "", &engineerrors.StoreError{Op: "register_workflow", Cause: err}
	}
	return def.ID, nil
}

// StartWorkflow creates a new workflow execution and enqueues its first
// step. queue defaults to "default" when empty.
func (c *Client) StartWorkflow(ctx context.Context, name string, inputs json.RawMessage, queue string) (string, error) {
	if queue == "" {
		queue = "default"
	}
	if _, err := c.Store.GetWorkflowDefinitionByName(ctx, name); err != nil {
		return "", &engineerrors.NotFoundError{Resource: "workflow", ID: name}
	}

	id := uuid.NewString()
	exec := &store.Execution{
		ID:           id,
		Kind:         store.KindWorkflow,
		FunctionName: name,
		Queue:        queue,
		Status:       store.StatusPending,
		Inputs:       inputs,
	}
	if _, err := c.Store.CreateExecution(ctx, exec); err != nil {
		return "", &engineerrors.StoreError{Op: "create_execution", Cause: err}
	}
	if err := c.Store.EnqueueWork(ctx, id, queue, 0, time.Now()); err != nil {
		return "", &engineerrors.StoreError{Op: "enqueue_work", Cause: err}
	}
	return id, nil
}

// ClaimedTask is a claimed Task execution returned to an external executor.
// Workflow steps are never returned here; the dispatcher runs those
// internally via Runner.StepWorkflow.
type ClaimedTask struct {
	ExecutionID  string
	FunctionName string
	Inputs       json.RawMessage
}

// ClaimWork polls for one claimable Task, running the workflow steps
// internally along the way (a claimed KindWorkflow row is stepped and
// re-enqueued/completed rather than surfaced to the caller). It blocks,
// polling at pollInterval, until ctx is cancelled or a Task is claimed.
func (c *Client) ClaimWork(ctx context.Context, workerID string, queues []string, lease, pollInterval time.Duration) (*ClaimedTask, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		claim, err := c.Store.ClaimWork(ctx, workerID, queues, lease)
		if err != nil {
			return nil, &engineerrors.StoreError{Op: "claim_work", Cause: err}
		}
		if claim != nil {
			if claim.Kind == store.KindTask {
				return &ClaimedTask{ExecutionID: claim.ExecutionID, FunctionName: claim.FunctionName, Inputs: claim.Inputs}, nil
			}
			if err := c.Runner.StepWorkflow(ctx, claim.ExecutionID, claim.Inputs); err != nil {
				c.Logger.Error("stepping workflow during claim_work", "execution_id", claim.ExecutionID, "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CompleteWork reports a Task execution's terminal result: exactly one of
// result or taskErr must be non-nil.
func (c *Client) CompleteWork(ctx context.Context, executionID string, result json.RawMessage, taskErr json.RawMessage) error {
	if (result == nil) == (taskErr == nil) {
		return &engineerrors.ValidationError{Field: "result/error", Message: "exactly one of result or error must be supplied"}
	}
	output, failed := result, false
	if taskErr != nil {
		output, failed = taskErr, true
	}
	if err := c.Store.CompleteTask(ctx, executionID, output, failed); err != nil {
		return &engineerrors.StoreError{Op: "complete_work", Cause: err}
	}
	return nil
}

// SendSignal inserts a Sent row for workflowID/signalName and enqueues a
// step so the resolver (§4.6) can pair it against any outstanding Requested
// row — or leaves it to be picked up by a future Signal.next call.
func (c *Client) SendSignal(ctx context.Context, workflowID, signalName string, payload json.RawMessage) error {
	if err := c.Store.SendSignal(ctx, workflowID, signalName, payload); err != nil {
		return &engineerrors.StoreError{Op: "send_signal", Cause: err}
	}
	exec, err := c.Store.GetExecution(ctx, workflowID)
	if err != nil {
		return &engineerrors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	if exec.Status == store.StatusSuspended || exec.Status == store.StatusPending {
		if err := c.Store.EnqueueWork(ctx, workflowID, exec.Queue, 0, time.Now()); err != nil {
			return &engineerrors.StoreError{Op: "enqueue_work", Cause: err}
		}
	}
	return nil
}

// GetExecution fetches one execution by ID.
func (c *Client) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	exec, err := c.Store.GetExecution(ctx, id)
	if err != nil {
		return nil, &engineerrors.NotFoundError{Resource: "execution", ID: id}
	}
	return exec, nil
}

// GetWorkflowTasks lists the Task executions a workflow has created.
func (c *Client) GetWorkflowTasks(ctx context.Context, workflowID string) ([]*store.Execution, error) {
	tasks, err := c.Store.GetWorkflowTasks(ctx, workflowID)
	if err != nil {
		return nil, &engineerrors.StoreError{Op: "get_workflow_tasks", Cause: err}
	}
	return tasks, nil
}

// QueryExecutions lists executions matching filter.
func (c *Client) QueryExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	execs, err := c.Store.QueryExecutions(ctx, filter)
	if err != nil {
		return nil, &engineerrors.StoreError{Op: "query_executions", Cause: err}
	}
	return execs, nil
}

// NewDispatcher builds a Dispatcher wired to this Client's store and runner,
// ready for a worker daemon to Run.
func (c *Client) NewDispatcher(dcfg dispatcher.Config, executor dispatcher.Executor) *dispatcher.Dispatcher {
	return dispatcher.New(dcfg, c.Store, c.Runner, executor, c.Logger, c.Obs)
}
