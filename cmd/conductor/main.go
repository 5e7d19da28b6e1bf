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

// Command conductor is the engine's client CLI: it registers workflow
// definitions, starts and signals executions, and inspects their state. Its
// claim and complete commands let an out-of-process task worker take and
// finish Task executions; it never steps workflows itself, conductord does.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"

	"github.com/rhythmrun/engine/internal/config"
	"github.com/rhythmrun/engine/internal/engine/store"
	"github.com/rhythmrun/engine/internal/log"
	"github.com/rhythmrun/engine/pkg/client"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	jqFilter   string
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func rootContext() context.Context {
	return context.Background()
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "conductor",
		Short:         "Client CLI for the rhythmrun durable workflow engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to settings.yaml (default: XDG config dir)")
	cmd.PersistentFlags().StringVar(&jqFilter, "jq", "", "reshape JSON output through a jq filter")

	cmd.AddCommand(
		newVersionCommand(),
		newRegisterCommand(),
		newStartCommand(),
		newSignalCommand(),
		newGetCommand(),
		newTasksCommand(),
		newQueryCommand(),
		newClaimCommand(),
		newCompleteCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("conductor %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

// openClient loads configuration and initializes a client.Client with
// tracing disabled (the CLI is a one-shot process; conductord carries the
// observability.Provider).
func openClient() (*client.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)
	return client.Initialize(rootContext(), cfg, logger, nil)
}

func newRegisterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <name> <path>",
		Short: "Parse, validate, and register a workflow definition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[1], err)
			}
			c, err := openClient()
			if err != nil {
				return err
			}
			defer c.Close()

			id, err := c.RegisterWorkflow(rootContext(), args[0], string(source))
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"workflow": args[0], "definition_id": id})
		},
	}
	return cmd
}

func newStartCommand() *cobra.Command {
	var queue, inputJSON, inputFile string
	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a new execution of a registered workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := resolveJSONArg(inputJSON, inputFile)
			if err != nil {
				return err
			}
			c, err := openClient()
			if err != nil {
				return err
			}
			defer c.Close()

			id, err := c.StartWorkflow(rootContext(), args[0], inputs, queue)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"execution_id": id})
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "work queue to enqueue on (default: \"default\")")
	cmd.Flags().StringVar(&inputJSON, "input", "", "JSON-encoded workflow input")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "path to a file containing JSON workflow input")
	return cmd
}

func newSignalCommand() *cobra.Command {
	var payloadJSON, payloadFile string
	cmd := &cobra.Command{
		Use:   "signal <workflow-id> <signal-name>",
		Short: "Deliver a signal to a (possibly suspended) workflow execution",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := resolveJSONArg(payloadJSON, payloadFile)
			if err != nil {
				return err
			}
			c, err := openClient()
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.SendSignal(rootContext(), args[0], args[1], payload); err != nil {
				return err
			}
			return printJSON(map[string]string{"status": "delivered"})
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "JSON-encoded signal payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "path to a file containing JSON signal payload")
	return cmd
}

func newGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Fetch one execution by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient()
			if err != nil {
				return err
			}
			defer c.Close()

			exec, err := c.GetExecution(rootContext(), args[0])
			if err != nil {
				return err
			}
			return printJSON(exec)
		},
	}
	return cmd
}

func newTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks <workflow-id>",
		Short: "List the task executions a workflow has created",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openClient()
			if err != nil {
				return err
			}
			defer c.Close()

			tasks, err := c.GetWorkflowTasks(rootContext(), args[0])
			if err != nil {
				return err
			}
			return printJSON(tasks)
		},
	}
	return cmd
}

func newQueryCommand() *cobra.Command {
	var status, queue, functionName, where string
	var limit int
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List executions, optionally narrowed by a client-side expr predicate",
		Long: `List executions matching --status/--queue/--function, applied by the
store, then optionally narrowed further by --where, an expr-lang expression
evaluated against each execution (fields: ID, Kind, FunctionName, Queue,
Status, Attempt, MaxRetries). Example:

  conductor query --status running --where 'Attempt > 1 && Queue == "billing"'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var pred *vm.Program
			if where != "" {
				p, err := expr.Compile(where, expr.Env(store.Execution{}), expr.AsBool())
				if err != nil {
					return fmt.Errorf("compiling --where expression: %w", err)
				}
				pred = p
			}

			c, err := openClient()
			if err != nil {
				return err
			}
			defer c.Close()

			filter := store.ExecutionFilter{
				Status:       store.Status(status),
				Queue:        queue,
				FunctionName: functionName,
				Limit:        limit,
			}
			execs, err := c.QueryExecutions(rootContext(), filter)
			if err != nil {
				return err
			}

			if pred != nil {
				filtered := execs[:0]
				for _, e := range execs {
					match, err := expr.Run(pred, *e)
					if err != nil {
						return fmt.Errorf("evaluating --where expression: %w", err)
					}
					if match.(bool) {
						filtered = append(filtered, e)
					}
				}
				execs = filtered
			}
			return printJSON(execs)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, suspended, completed, failed)")
	cmd.Flags().StringVar(&queue, "queue", "", "filter by queue")
	cmd.Flags().StringVar(&functionName, "function", "", "filter by workflow/task function name")
	cmd.Flags().StringVar(&where, "where", "", "expr-lang predicate evaluated against each execution")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows to return (0 = store default)")
	return cmd
}

// newClaimCommand exposes claim_work to a task worker written in any
// language: it blocks until a Task execution is claimable, then prints it
// as JSON and exits. conductord never claims Task work itself (it has no
// way to know what arbitrary task functions to run); a task worker polls
// with this command, or a Go process embeds pkg/client.ClaimWork directly.
func newClaimCommand() *cobra.Command {
	var queues []string
	var lease, pollInterval time.Duration
	var workerID string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Block until a Task execution is claimable, then print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workerID == "" {
				host, _ := os.Hostname()
				workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
			}
			c, err := openClient()
			if err != nil {
				return err
			}
			defer c.Close()

			task, err := c.ClaimWork(rootContext(), workerID, queues, lease, pollInterval)
			if err != nil {
				return err
			}
			return printJSON(task)
		},
	}
	cmd.Flags().StringSliceVar(&queues, "queue", []string{"default"}, "queues to claim from, in priority order")
	cmd.Flags().DurationVar(&lease, "lease", 30*time.Second, "how long the claim is leased before another worker may reclaim it")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Second, "how often to poll while no work is available")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker identity recorded on the claim (default: hostname-pid)")
	return cmd
}

func newCompleteCommand() *cobra.Command {
	var resultJSON, resultFile, errorJSON string
	cmd := &cobra.Command{
		Use:   "complete <execution-id>",
		Short: "Report a claimed Task execution's terminal result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := resolveJSONArg(resultJSON, resultFile)
			if err != nil {
				return err
			}
			var taskErr json.RawMessage
			if errorJSON != "" {
				taskErr = json.RawMessage(errorJSON)
			}

			c, err := openClient()
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.CompleteWork(rootContext(), args[0], result, taskErr); err != nil {
				return err
			}
			return printJSON(map[string]string{"status": "completed"})
		},
	}
	cmd.Flags().StringVar(&resultJSON, "result", "", "JSON-encoded task output (mutually exclusive with --error)")
	cmd.Flags().StringVar(&resultFile, "result-file", "", "path to a file containing JSON task output")
	cmd.Flags().StringVar(&errorJSON, "error", "", "JSON-encoded task error (mutually exclusive with --result)")
	return cmd
}

// printJSON marshals v to JSON and, when --jq was given, reshapes it through
// a gojq filter before printing.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	if jqFilter == "" {
		fmt.Println(string(data))
		return nil
	}
	return printThroughJQ(data)
}

func printThroughJQ(data []byte) error {
	query, err := gojq.Parse(jqFilter)
	if err != nil {
		return fmt.Errorf("parsing --jq filter: %w", err)
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return fmt.Errorf("decoding output for --jq: %w", err)
	}
	iter := query.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, ok := v.(error); ok {
			return fmt.Errorf("running --jq filter: %w", err)
		}
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding --jq output: %w", err)
		}
		fmt.Println(string(out))
	}
}

func resolveJSONArg(inline, filePath string) (json.RawMessage, error) {
	switch {
	case inline != "" && filePath != "":
		return nil, fmt.Errorf("specify only one of the inline and file-based JSON flags")
	case filePath != "":
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", filePath, err)
		}
		return json.RawMessage(data), nil
	case inline != "":
		return json.RawMessage(inline), nil
	default:
		return nil, nil
	}
}
