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

package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics collects the counters and histograms a dispatcher records as it
// claims, steps, suspends, completes, and fails executions.
type Metrics struct {
	claimsTotal      metric.Int64Counter
	commitsTotal     metric.Int64Counter
	suspensionsTotal metric.Int64Counter
	failuresTotal    metric.Int64Counter
	stepDuration     metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter("github.com/rhythmrun/engine")

	m := &Metrics{}
	var err error

	m.claimsTotal, err = meter.Int64Counter(
		"rhythmrun_claims_total",
		metric.WithDescription("Total number of work items claimed"),
		metric.WithUnit("{claim}"),
	)
	if err != nil {
		return nil, err
	}

	m.commitsTotal, err = meter.Int64Counter(
		"rhythmrun_commits_total",
		metric.WithDescription("Total number of workflow steps committed"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return nil, err
	}

	m.suspensionsTotal, err = meter.Int64Counter(
		"rhythmrun_suspensions_total",
		metric.WithDescription("Total number of workflow executions suspended on an awaitable"),
		metric.WithUnit("{suspension}"),
	)
	if err != nil {
		return nil, err
	}

	m.failuresTotal, err = meter.Int64Counter(
		"rhythmrun_failures_total",
		metric.WithDescription("Total number of executions that finished failed"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	m.stepDuration, err = meter.Float64Histogram(
		"rhythmrun_step_duration_seconds",
		metric.WithDescription("Duration of one workflow step, from claim to commit or suspend"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordClaim counts one work item claimed off queue.
func (m *Metrics) RecordClaim(ctx context.Context, queue string, kind string) {
	if m == nil {
		return
	}
	m.claimsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("kind", kind),
	))
}

// RecordCommit counts one workflow step that committed (ran to completion,
// to Return, or to Throw) rather than suspending.
func (m *Metrics) RecordCommit(ctx context.Context, workflow string) {
	if m == nil {
		return
	}
	m.commitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", workflow)))
}

// RecordSuspension counts one workflow step that suspended on an awaitable.
func (m *Metrics) RecordSuspension(ctx context.Context, workflow string) {
	if m == nil {
		return
	}
	m.suspensionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", workflow)))
}

// RecordFailure counts one execution (workflow or task) that finished
// failed.
func (m *Metrics) RecordFailure(ctx context.Context, workflow string, kind string) {
	if m == nil {
		return
	}
	m.failuresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("kind", kind),
	))
}

// ObserveStepDuration records how long one step took, in seconds.
func (m *Metrics) ObserveStepDuration(ctx context.Context, workflow string, seconds float64) {
	if m == nil {
		return
	}
	m.stepDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("workflow", workflow)))
}
