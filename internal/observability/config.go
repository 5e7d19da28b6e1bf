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

// Package observability wires the engine's metrics and tracing: a
// Prometheus exporter that is always active (a worker daemon exposes it at
// /metrics) and an optional OTLP trace exporter selected by config, for
// local debugging or shipping to a collector.
package observability

// Config controls trace export. Metrics (Prometheus) are always collected;
// Config only governs whether and where spans are shipped.
type Config struct {
	// ServiceName and ServiceVersion tag the resource attached to every
	// span and metric.
	ServiceName    string
	ServiceVersion string

	// Exporter selects the trace destination: "otlp-grpc", "otlp-http",
	// "stdout", or "none" (spans are created but never exported).
	// Default: none
	Exporter string

	// Endpoint is the OTLP collector address. Ignored for stdout/none.
	Endpoint string

	// Insecure disables TLS for the OTLP exporters (development only).
	Insecure bool

	// SampleRatio is the fraction of traces recorded, in [0,1]. 1 means
	// sample everything; <=0 means never sample.
	// Default: 1.0
	SampleRatio float64
}

// DefaultConfig returns a Config with tracing disabled (no exporter) and
// full sampling, matching the opt-in default a new deployment starts with.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "rhythmrun-engine",
		ServiceVersion: "dev",
		Exporter:       "none",
		SampleRatio:    1.0,
	}
}
