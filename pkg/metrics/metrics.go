/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Apply operation metrics
	applyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capstan_apply_total",
		Help: "Total number of object apply operations",
	}, []string{"result", "mode", "gvk"})

	applyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capstan_apply_duration_seconds",
		Help:    "Duration of object apply operations",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	}, []string{"mode", "gvk"})

	// Bootstrap step metrics
	stepTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capstan_step_total",
		Help: "Total number of bootstrap steps by outcome",
	}, []string{"step", "result"})

	stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capstan_step_duration_seconds",
		Help:    "Duration of bootstrap steps including the readiness wait",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
	}, []string{"step"})

	readinessEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capstan_readiness_evaluations_total",
		Help: "Total number of readiness predicate evaluations",
	}, []string{"check"})

	diagnosticsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capstan_diagnostics_total",
		Help: "Total number of diagnostic inspections by probable cause",
	}, []string{"cause"})

	// Teardown metrics
	deleteTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capstan_delete_total",
		Help: "Total number of objects deleted by teardown, by method",
	}, []string{"gvk", "method"})

	teardownResidual = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "capstan_teardown_residual_resources",
		Help: "Number of resources found by the last teardown verification",
	})

	// Profile fetch metrics
	profileFetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capstan_profile_fetch_duration_seconds",
		Help:    "Duration of deployment profile fetch and validation",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
	}, []string{"type", "status"})

	// Package repository metrics
	repositoryRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capstan_repository_requests_total",
		Help: "Total number of package repository requests",
	}, []string{"operation", "status"})
)

func init() {
	// Register with controller-runtime's registry so a single gatherer exposes everything
	metrics.Registry.MustRegister(
		applyTotal,
		applyDuration,
		stepTotal,
		stepDuration,
		readinessEvaluations,
		diagnosticsTotal,
		deleteTotal,
		teardownResidual,
		profileFetchDuration,
		repositoryRequests,
	)
}

// RecordApply records an apply operation
// result: "success" or "failure"
// mode: "apply", "create", or "merge"
// gvk: GroupVersionKind as string (e.g., "apps/v1/Deployment")
func RecordApply(result, mode, gvk string, durationSeconds float64) {
	applyTotal.WithLabelValues(result, mode, gvk).Inc()
	applyDuration.WithLabelValues(mode, gvk).Observe(durationSeconds)
}

// RecordStep records the outcome of one bootstrap step
// result: "ready", "skipped", "error", or "timeout"
func RecordStep(step, result string, durationSeconds float64) {
	stepTotal.WithLabelValues(step, result).Inc()
	stepDuration.WithLabelValues(step).Observe(durationSeconds)
}

// RecordReadinessEvaluation counts one predicate evaluation
func RecordReadinessEvaluation(check string) {
	readinessEvaluations.WithLabelValues(check).Inc()
}

// RecordDiagnosis counts one inspection by its leading probable cause
func RecordDiagnosis(cause string) {
	diagnosticsTotal.WithLabelValues(cause).Inc()
}

// RecordDelete counts one deleted object
// method: "graceful" or "forced"
func RecordDelete(gvk, method string) {
	deleteTotal.WithLabelValues(gvk, method).Inc()
}

// SetTeardownResidual sets the residual resource gauge
func SetTeardownResidual(count int) {
	teardownResidual.Set(float64(count))
}

// RecordProfileFetch records a profile fetch
func RecordProfileFetch(fetcherType, status string, durationSeconds float64) {
	profileFetchDuration.WithLabelValues(fetcherType, status).Observe(durationSeconds)
}

// RecordRepositoryRequest counts one package repository request
func RecordRepositoryRequest(operation, status string) {
	repositoryRequests.WithLabelValues(operation, status).Inc()
}
