/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package client implements the request executor of the document database
// driver.  A RequestExecutor sends commands to the nodes of a database,
// choosing a node per command, failing over between nodes and keeping its
// view of the cluster topology current in the background.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/couchbase/stellar-docclient/client/httpcache"
	"github.com/couchbase/stellar-docclient/common/doctopology"
	"github.com/couchbase/stellar-docclient/pkg/metrics"
)

type RequestExecutor struct {
	logger     *zap.Logger
	config     Config
	httpClient HttpDoer
	authHeader string

	topology atomic.Pointer[doctopology.Topology]
	tracker  *nodeHealthTracker
	selector *nodeSelector
	cache    *httpcache.Cache
	updater  *topologyUpdater

	metrics *metrics.ExecutorMetrics
	tracer  trace.Tracer

	initGroup   singleflight.Group
	initialized atomic.Bool
	closed      atomic.Bool
	closeOnce   sync.Once
}

// NewRequestExecutor creates an executor for cfg.Database, seeded with
// cfg.SeedUrls.  Unless topology updates are disabled, the cluster topology is
// fetched on first use and refreshed in the background from then on.
func NewRequestExecutor(cfg *Config) (*RequestExecutor, error) {
	config := cfg.withDefaults()

	seedTopology, err := doctopology.NewSeedTopology(config.SeedUrls, config.Database)
	if err != nil {
		return nil, err
	}

	httpClient := config.HttpClient
	if httpClient == nil {
		httpClient = NewInstrumentedHttpClient()
	}

	tracker := newNodeHealthTracker()

	r := &RequestExecutor{
		logger:     config.Logger,
		config:     config,
		httpClient: httpClient,
		authHeader: basicAuthHeader(config.Username, config.Password),
		tracker:    tracker,
		cache: httpcache.New(httpcache.Options{
			MaxSizeBytes: config.MaxCacheSize,
			MaxEntries:   config.MaxCacheEntries,
		}),
		metrics: metrics.GetExecutorMetrics(),
		tracer:  otel.GetTracerProvider().Tracer("github.com/couchbase/stellar-docclient/client"),
	}
	r.topology.Store(seedTopology)

	r.selector = newNodeSelector(&nodeSelectorOptions{
		Logger:            config.Logger.Named("selector"),
		ReadBalance:       config.ReadBalance,
		Tracker:           tracker,
		FailureQuarantine: config.FailureQuarantine,
		SpeedTester: newSpeedTester(&speedTesterOptions{
			Logger:     config.Logger.Named("speedtest"),
			HttpClient: httpClient,
			Tracker:    tracker,
			Timeout:    config.SpeedTestTimeout,
			AuthHeader: r.authHeader,
		}),
	})

	if !config.DisableTopologyUpdates {
		r.updater = newTopologyUpdater(&topologyUpdaterOptions{
			Logger:   config.Logger.Named("updater"),
			Interval: config.TopologyRefreshInterval,
			Update:   r.UpdateTopology,
		})
	}

	r.logger.Debug("request executor created",
		zap.String("database", config.Database),
		zap.Strings("seeds", config.SeedUrls),
		zap.Stringer("readBalance", config.ReadBalance))

	return r, nil
}

// NewRequestExecutorForSingleNode creates an executor which only ever talks to
// nodeUrl and never fetches the cluster topology.
func NewRequestExecutorForSingleNode(nodeUrl string, cfg *Config) (*RequestExecutor, error) {
	config := *cfg
	config.SeedUrls = []string{nodeUrl}
	config.DisableTopologyUpdates = true
	return NewRequestExecutor(&config)
}

// Topology returns the current topology.  The returned value must not be
// modified.
func (r *RequestExecutor) Topology() *doctopology.Topology {
	return r.topology.Load()
}

func (r *RequestExecutor) NodeStatuses() map[string]NodeStatus {
	return r.tracker.Snapshot()
}

func (r *RequestExecutor) Cache() *httpcache.Cache {
	return r.cache
}

func (r *RequestExecutor) Database() string {
	return r.config.Database
}

// UpdateTopology fetches the topology from the cluster, trying the nodes of
// the current topology in failover order, and applies it if it is newer than
// the current one.
func (r *RequestExecutor) UpdateTopology(ctx context.Context) (bool, error) {
	if r.closed.Load() {
		return false, ErrExecutorClosed
	}

	topology := r.topology.Load()
	preferred, err := r.selector.PreferredNode(topology)
	if err != nil {
		return false, err
	}

	cmd := &topologyCommand{database: r.config.Database}
	err = r.executeOnNodes(ctx, time.Now(), cmd, &ExecuteOptions{NoCache: true},
		r.selector.FailoverOrder(topology, preferred.Index))
	if err != nil {
		r.metrics.TopologyUpdates.Add(ctx, 1,
			metricAttrs(r.config.Database, metrics.AppliedAttr(false), metrics.OutcomeAttr(metrics.OutcomeFailed)))
		return false, err
	}

	applied := r.trySwapTopology(cmd.result)
	r.metrics.TopologyUpdates.Add(ctx, 1,
		metricAttrs(r.config.Database, metrics.AppliedAttr(applied), metrics.OutcomeAttr(metrics.OutcomeSuccess)))

	return applied, nil
}

// trySwapTopology installs newTopology if its etag is greater than the one of
// the current topology.  A losing concurrent swap retries against the winner.
func (r *RequestExecutor) trySwapTopology(newTopology *doctopology.Topology) bool {
	for {
		oldTopology := r.topology.Load()
		if !newTopology.IsNewerThan(oldTopology) {
			return false
		}

		if r.topology.CompareAndSwap(oldTopology, newTopology) {
			r.tracker.Prune(newTopology)
			r.logger.Info("topology updated",
				zap.Int64("oldEtag", oldTopology.Etag),
				zap.Int64("newEtag", newTopology.Etag),
				zap.Int("numNodes", newTopology.Len()))
			return true
		}
	}
}

// ensureInitialized performs the first topology fetch synchronously.  A failed
// fetch is returned to the caller and attempted again on the next call.
// Concurrent callers share one fetch, but each stops waiting on its own
// context.
func (r *RequestExecutor) ensureInitialized(ctx context.Context, start time.Time) error {
	if r.config.DisableTopologyUpdates || r.initialized.Load() {
		return nil
	}

	resCh := r.initGroup.DoChan("init", func() (interface{}, error) {
		if r.initialized.Load() {
			return nil, nil
		}

		// the fetch outlives the caller which happened to start it
		_, err := r.UpdateTopology(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		r.initialized.Store(true)
		return nil, nil
	})

	select {
	case res := <-resCh:
		if res.Err != nil {
			return fmt.Errorf("failed to fetch initial topology: %w", res.Err)
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("failed to fetch initial topology: %w", &AllNodesFailedError{
				Elapsed:          time.Since(start),
				RequestTimeout:   r.config.RequestTimeout,
				DeadlineExceeded: true,
			})
		}
		return ctx.Err()
	}
}

func (r *RequestExecutor) signalTopologyRefresh(etag int64) {
	if r.updater == nil {
		return
	}

	if etag >= 0 && etag <= r.topology.Load().Etag {
		return
	}

	r.updater.Signal(etag)
}

// Close stops the background topology updater.  Executing commands after
// Close fails with ErrExecutorClosed.
func (r *RequestExecutor) Close() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if r.updater != nil {
			r.updater.Close()
		}
	})
}

type topologyCommand struct {
	database string
	result   *doctopology.Topology
}

var _ Command = (*topologyCommand)(nil)

func (c *topologyCommand) CreateRequest(ctx context.Context, node *doctopology.ServerNode) (*http.Request, error) {
	reqUrl := node.Url + doctopology.TopologyPath + "?name=" + url.QueryEscape(c.database)
	return http.NewRequestWithContext(ctx, http.MethodGet, reqUrl, nil)
}

func (c *topologyCommand) SetResponse(body []byte, fromCache bool) error {
	topology, err := doctopology.ParseTopology(body, c.database)
	if err != nil {
		return err
	}
	if topology.Len() == 0 {
		return ErrEmptyTopology
	}

	c.result = topology
	return nil
}

func (c *topologyCommand) IsReadRequest() bool {
	return true
}
