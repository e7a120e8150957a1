/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"sync"

	"github.com/couchbase/gocbcorex/contrib/buildversion"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	OutcomeSuccess     = "success"
	OutcomeServerError = "server_error"
	OutcomeFailed      = "failed"

	CacheResultHit         = "hit"
	CacheResultNotModified = "not_modified"
	CacheResultMiss        = "miss"
)

type ExecutorMetrics struct {
	Requests        metric.Int64Counter
	Failovers       metric.Int64Counter
	CacheResults    metric.Int64Counter
	TopologyUpdates metric.Int64Counter
	RequestDuration metric.Float64Histogram
}

var (
	executorMetrics     *ExecutorMetrics
	executorMetricsLock sync.Mutex
)

func GetExecutorMetrics() *ExecutorMetrics {
	executorMetricsLock.Lock()

	if executorMetrics != nil {
		executorMetricsLock.Unlock()
		return executorMetrics
	}

	executorMetrics = newExecutorMetrics()

	executorMetricsLock.Unlock()
	return executorMetrics
}

var buildVersion string = buildversion.GetVersion("github.com/couchbase/stellar-docclient")

func BuildVersion() string {
	return buildVersion
}

func newExecutorMetrics() *ExecutorMetrics {
	meter := otel.Meter(
		"com.couchbase.stellar-docclient",
		metric.WithInstrumentationVersion(buildVersion))

	requests, _ := meter.Int64Counter("executor_requests_total",
		metric.WithDescription("Commands executed, by outcome"))
	failovers, _ := meter.Int64Counter("executor_failovers_total",
		metric.WithDescription("Attempts made against a node other than the first choice"))
	cacheResults, _ := meter.Int64Counter("executor_cache_results_total",
		metric.WithDescription("Response cache lookups, by result"))
	topologyUpdates, _ := meter.Int64Counter("executor_topology_updates_total",
		metric.WithDescription("Topology refreshes, by whether a newer topology was applied"))
	requestDuration, _ := meter.Float64Histogram("executor_request_duration_seconds",
		metric.WithUnit("s"))

	return &ExecutorMetrics{
		Requests:        requests,
		Failovers:       failovers,
		CacheResults:    cacheResults,
		TopologyUpdates: topologyUpdates,
		RequestDuration: requestDuration,
	}
}

func DatabaseAttr(database string) attribute.KeyValue {
	return attribute.String("db.name", database)
}

func OutcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String("outcome", outcome)
}

func CacheResultAttr(result string) attribute.KeyValue {
	return attribute.String("result", result)
}

func AppliedAttr(applied bool) attribute.KeyValue {
	return attribute.Bool("applied", applied)
}
