package client

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/couchbase/stellar-docclient/common/doctopology"
	"github.com/couchbase/stellar-docclient/testutils"
)

type testGetCommand struct {
	id string

	body      []byte
	fromCache bool
	calls     int
}

func (c *testGetCommand) CreateRequest(ctx context.Context, node *doctopology.ServerNode) (*http.Request, error) {
	reqUrl := node.Url + "/databases/" + node.Database + "/docs?id=" + url.QueryEscape(c.id)
	return http.NewRequestWithContext(ctx, http.MethodGet, reqUrl, nil)
}

func (c *testGetCommand) SetResponse(body []byte, fromCache bool) error {
	c.body = body
	c.fromCache = fromCache
	c.calls++
	return nil
}

func (c *testGetCommand) IsReadRequest() bool {
	return true
}

type testGetOrMissingCommand struct {
	testGetCommand
	notFound bool
}

func (c *testGetOrMissingCommand) SetNotFound() {
	c.notFound = true
}

type testPutCommand struct {
	id   string
	body string
}

func (c *testPutCommand) CreateRequest(ctx context.Context, node *doctopology.ServerNode) (*http.Request, error) {
	reqUrl := node.Url + "/databases/" + node.Database + "/docs?id=" + url.QueryEscape(c.id)
	return http.NewRequestWithContext(ctx, http.MethodPut, reqUrl, strings.NewReader(c.body))
}

func (c *testPutCommand) SetResponse(body []byte, fromCache bool) error {
	return nil
}

func (c *testPutCommand) IsReadRequest() bool {
	return false
}

type testIdentityCommand struct {
	name      string
	requestID string
	result    []byte
}

func (c *testIdentityCommand) CreateRequest(ctx context.Context, node *doctopology.ServerNode) (*http.Request, error) {
	reqUrl := node.Url + "/databases/" + node.Database + "/identity/next?name=" + url.QueryEscape(c.name)
	return http.NewRequestWithContext(ctx, http.MethodPost, reqUrl, nil)
}

func (c *testIdentityCommand) SetResponse(body []byte, fromCache bool) error {
	c.result = body
	return nil
}

func (c *testIdentityCommand) IsReadRequest() bool {
	return false
}

func (c *testIdentityCommand) RaftRequestID() string {
	return c.requestID
}

func (c *testIdentityCommand) RequiresLeader() bool {
	return true
}

func newTestExecutor(t *testing.T, cluster *testutils.FakeCluster, configure func(cfg *Config)) *RequestExecutor {
	cfg := DefaultConfig()
	cfg.Logger = zaptest.NewLogger(t)
	cfg.SeedUrls = cluster.Urls()
	cfg.Database = cluster.Database
	cfg.RequestTimeout = 2 * time.Second
	cfg.FailureQuarantine = time.Hour
	cfg.TopologyRefreshInterval = time.Hour
	if configure != nil {
		configure(&cfg)
	}

	executor, err := NewRequestExecutor(&cfg)
	require.NoError(t, err)
	t.Cleanup(executor.Close)

	return executor
}

func disableUpdates(cfg *Config) {
	cfg.DisableTopologyUpdates = true
}

func TestNewRequestExecutorValidation(t *testing.T) {
	_, err := NewRequestExecutor(&Config{Database: "db"})
	assert.ErrorIs(t, err, doctopology.ErrNoSeedUrls)

	_, err = NewRequestExecutor(&Config{SeedUrls: []string{"http://a"}})
	assert.ErrorIs(t, err, doctopology.ErrNoDatabase)
}

func TestExecuteFetchesTopologyOnFirstUse(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 3)
	cluster.SetEtag(5)
	cluster.SetLeader(2)

	executor := newTestExecutor(t, cluster, nil)
	assert.Equal(t, doctopology.SeedEtag, executor.Topology().Etag)

	cluster.PutDocument("users/1", []byte(`{"name":"one"}`))
	cmd := &testGetCommand{id: "users/1"}
	require.NoError(t, executor.Execute(context.Background(), cmd, nil))

	topology := executor.Topology()
	assert.Equal(t, int64(6), topology.Etag)
	require.Equal(t, 3, topology.Len())
	leaderIdx, leader := topology.Leader()
	assert.Equal(t, 2, leaderIdx)
	assert.Equal(t, "C", leader.ClusterTag)

	// later calls do not fetch again
	require.NoError(t, executor.Execute(context.Background(), &testGetCommand{id: "users/1"}, nil))
	var numTopologyFetches int
	for _, node := range cluster.Nodes {
		numTopologyFetches += len(node.RequestsTo(doctopology.TopologyPath))
	}
	assert.Equal(t, 1, numTopologyFetches)
}

func TestExecuteRetriesFailedInitialTopologyFetch(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 1)
	cluster.PutDocument("users/1", []byte(`{}`))
	cluster.Nodes[0].SetFailStatus(http.StatusBadRequest)

	executor := newTestExecutor(t, cluster, nil)

	err := executor.Execute(context.Background(), &testGetCommand{id: "users/1"}, nil)
	require.Error(t, err)
	assert.Equal(t, doctopology.SeedEtag, executor.Topology().Etag)

	cluster.Nodes[0].SetFailStatus(0)
	require.NoError(t, executor.Execute(context.Background(), &testGetCommand{id: "users/1"}, nil))
	assert.Equal(t, int64(0), executor.Topology().Etag)
}

func TestUpdateTopologyIgnoresOlderEtags(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 3)
	cluster.SetEtag(5)

	executor := newTestExecutor(t, cluster, disableUpdates)
	ctx := context.Background()

	applied, err := executor.UpdateTopology(ctx)
	require.NoError(t, err)
	assert.True(t, applied)
	current := executor.Topology()
	assert.Equal(t, int64(5), current.Etag)

	applied, err = executor.UpdateTopology(ctx)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Same(t, current, executor.Topology())

	cluster.SetEtag(3)
	applied, err = executor.UpdateTopology(ctx)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Same(t, current, executor.Topology())

	cluster.SetEtag(6)
	applied, err = executor.UpdateTopology(ctx)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NotSame(t, current, executor.Topology())
	assert.Equal(t, int64(6), executor.Topology().Etag)
}

func TestExecuteFailureClearAndQuarantine(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 2)
	cluster.PutDocument("users/1", []byte(`{}`))
	executor := newTestExecutor(t, cluster, disableUpdates)
	ctx := context.Background()
	node0 := executor.Topology().Nodes[0]

	cluster.Nodes[0].SetDown(true)
	require.NoError(t, executor.Execute(ctx, &testGetCommand{id: "users/1"}, &ExecuteOptions{NoCache: true}))

	status := executor.NodeStatuses()[node0.Key()]
	assert.Equal(t, int64(1), status.ConsecutiveFailures)
	require.NotNil(t, status.LastFailure)

	// the node is back but still quarantined, so it is not tried
	cluster.Nodes[0].SetDown(false)
	numRequests := cluster.Nodes[0].NumRequests()
	require.NoError(t, executor.Execute(ctx, &testGetCommand{id: "users/1"}, &ExecuteOptions{NoCache: true}))
	assert.Equal(t, numRequests, cluster.Nodes[0].NumRequests())

	// once the quarantine expires it is preferred again and its failure cleared
	executor.selector.nowFn = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, executor.Execute(ctx, &testGetCommand{id: "users/1"}, &ExecuteOptions{NoCache: true}))
	assert.Greater(t, cluster.Nodes[0].NumRequests(), numRequests)

	status = executor.NodeStatuses()[node0.Key()]
	assert.Equal(t, int64(0), status.ConsecutiveFailures)
	assert.Nil(t, status.LastFailure)
	assert.NotNil(t, status.LastLatency)
}

func TestExecuteServesNotModifiedFromCache(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 1)
	changeVector := cluster.PutDocument("users/1", []byte(`{"name":"one"}`))
	executor := newTestExecutor(t, cluster, disableUpdates)
	ctx := context.Background()

	first := &testGetCommand{id: "users/1"}
	require.NoError(t, executor.Execute(ctx, first, nil))
	assert.False(t, first.fromCache)
	assert.Equal(t, 1, executor.Cache().Len())

	second := &testGetCommand{id: "users/1"}
	require.NoError(t, executor.Execute(ctx, second, nil))
	assert.True(t, second.fromCache)
	assert.Equal(t, first.body, second.body)

	requests := cluster.Nodes[0].RequestsTo("/docs")
	require.Len(t, requests, 2)
	assert.Empty(t, requests[0].Header.Get(HeaderIfNoneMatch))
	assert.Equal(t, `"`+changeVector+`"`, requests[1].Header.Get(HeaderIfNoneMatch))

	// a changed document is transferred again
	cluster.PutDocument("users/1", []byte(`{"name":"uno"}`))
	third := &testGetCommand{id: "users/1"}
	require.NoError(t, executor.Execute(ctx, third, nil))
	assert.False(t, third.fromCache)
	assert.Contains(t, string(third.body), "uno")
}

func TestExecuteAggressiveCaching(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 1)
	cluster.PutDocument("users/1", []byte(`{"name":"one"}`))
	executor := newTestExecutor(t, cluster, func(cfg *Config) {
		cfg.DisableTopologyUpdates = true
		cfg.InvalidateCacheOnWrite = true
	})
	ctx := context.Background()
	aggressive := &ExecuteOptions{AggressiveCacheFor: time.Minute}

	require.NoError(t, executor.Execute(ctx, &testGetCommand{id: "users/1"}, aggressive))
	numRequests := cluster.Nodes[0].NumRequests()

	cached := &testGetCommand{id: "users/1"}
	require.NoError(t, executor.Execute(ctx, cached, aggressive))
	assert.True(t, cached.fromCache)
	assert.Equal(t, numRequests, cluster.Nodes[0].NumRequests())

	// a write marks the cache stale, which forces a round trip
	require.NoError(t, executor.Execute(ctx, &testPutCommand{id: "users/2", body: `{}`}, nil))
	numRequests = cluster.Nodes[0].NumRequests()

	revalidated := &testGetCommand{id: "users/1"}
	require.NoError(t, executor.Execute(ctx, revalidated, aggressive))
	assert.True(t, revalidated.fromCache)
	assert.Equal(t, numRequests+1, cluster.Nodes[0].NumRequests())

	// NoCache bypasses the cache entirely
	uncached := &testGetCommand{id: "users/1"}
	require.NoError(t, executor.Execute(ctx, uncached, &ExecuteOptions{NoCache: true}))
	assert.False(t, uncached.fromCache)
	requests := cluster.Nodes[0].RequestsTo("/docs")
	assert.Empty(t, requests[len(requests)-1].Header.Get(HeaderIfNoneMatch))
}

func TestExecuteFailsOverBetweenNodes(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 3)
	cluster.PutDocument("users/1", []byte(`{}`))
	executor := newTestExecutor(t, cluster, disableUpdates)
	topology := executor.Topology()

	cluster.Nodes[0].SetFailStatus(http.StatusServiceUnavailable)
	cluster.Nodes[1].SetDown(true)

	cmd := &testGetCommand{id: "users/1"}
	require.NoError(t, executor.Execute(context.Background(), cmd, nil))
	assert.Equal(t, 1, cmd.calls)

	statuses := executor.NodeStatuses()
	assert.Equal(t, int64(1), statuses[topology.Nodes[0].Key()].ConsecutiveFailures)
	assert.Equal(t, int64(1), statuses[topology.Nodes[1].Key()].ConsecutiveFailures)
	assert.Equal(t, int64(0), statuses[topology.Nodes[2].Key()].ConsecutiveFailures)
}

func TestExecuteAllNodesFailed(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 3)
	executor := newTestExecutor(t, cluster, disableUpdates)

	cluster.Nodes[0].SetFailStatus(http.StatusServiceUnavailable)
	cluster.Nodes[1].SetFailStatus(http.StatusBadGateway)
	cluster.Nodes[2].SetDown(true)

	err := executor.Execute(context.Background(), &testGetCommand{id: "users/1"}, nil)

	var allFailedErr *AllNodesFailedError
	require.ErrorAs(t, err, &allFailedErr)
	assert.False(t, allFailedErr.DeadlineExceeded)
	assert.Equal(t, 2*time.Second, allFailedErr.RequestTimeout)
	require.Len(t, allFailedErr.Failures, 3)
	assert.Equal(t, http.StatusServiceUnavailable, allFailedErr.Failures[0].StatusCode)
	assert.Equal(t, http.StatusBadGateway, allFailedErr.Failures[1].StatusCode)
	assert.Equal(t, 0, allFailedErr.Failures[2].StatusCode)
	assert.Equal(t, cluster.Nodes[2].Url, allFailedErr.Failures[2].Node.Url)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExecuteUniqueRequestIdIsStableAcrossRetries(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 3)
	cluster.SetLeader(2)
	executor := newTestExecutor(t, cluster, disableUpdates)

	// node 0 is down for writes, node 1 redirects to the leader
	cluster.Nodes[0].SetFailStatus(http.StatusServiceUnavailable)

	cmd := &testIdentityCommand{name: "orders", requestID: "request-1"}
	require.NoError(t, executor.Execute(context.Background(), cmd, nil))
	assert.JSONEq(t, `{"NewIdentity":1}`, string(cmd.result))

	var seenIDs []string
	for _, node := range cluster.Nodes {
		for _, req := range node.RequestsTo("/identity/next") {
			seenIDs = append(seenIDs, req.Query[RaftRequestIdParam]...)
		}
	}
	assert.Equal(t, []string{"request-1", "request-1", "request-1"}, seenIDs)

	// executing the same request again is not applied twice
	again := &testIdentityCommand{name: "orders", requestID: "request-1"}
	require.NoError(t, executor.Execute(context.Background(), again, nil))
	assert.JSONEq(t, `{"NewIdentity":1}`, string(again.result))
}

func TestExecuteFollowsLeaderHint(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 4)
	cluster.SetLeader(3)
	executor := newTestExecutor(t, cluster, disableUpdates)

	cmd := &testIdentityCommand{name: "orders", requestID: "request-2"}
	require.NoError(t, executor.Execute(context.Background(), cmd, nil))

	assert.Len(t, cluster.Nodes[0].RequestsTo("/identity/next"), 1)
	assert.Empty(t, cluster.Nodes[1].RequestsTo("/identity/next"))
	assert.Empty(t, cluster.Nodes[2].RequestsTo("/identity/next"))
	assert.Len(t, cluster.Nodes[3].RequestsTo("/identity/next"), 1)
}

func TestExecuteMissingRequestId(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 1)
	executor := newTestExecutor(t, cluster, disableUpdates)

	err := executor.Execute(context.Background(), &testIdentityCommand{name: "orders"}, nil)
	assert.ErrorIs(t, err, ErrMissingRequestID)
	assert.Equal(t, int64(0), cluster.Nodes[0].NumRequests())
}

func TestExecuteApplicationErrorDoesNotFailOver(t *testing.T) {
	for _, statusCode := range []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError} {
		cluster := testutils.NewFakeCluster(t, "db", 2)
		executor := newTestExecutor(t, cluster, disableUpdates)
		cluster.Nodes[0].SetFailStatus(statusCode)

		err := executor.Execute(context.Background(), &testGetCommand{id: "users/1"}, nil)

		var serverErr *ServerError
		require.ErrorAs(t, err, &serverErr)
		assert.Equal(t, statusCode, serverErr.StatusCode)
		assert.Equal(t, "InjectedFailure", serverErr.Type)
		assert.Equal(t, "injected failure", serverErr.Message)
		assert.Equal(t, int64(0), cluster.Nodes[1].NumRequests())
		assert.False(t, IsRetryable(err))
	}
}

func TestExecuteNotFound(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 2)
	executor := newTestExecutor(t, cluster, disableUpdates)

	missing := &testGetOrMissingCommand{}
	missing.id = "users/404"
	require.NoError(t, executor.Execute(context.Background(), missing, nil))
	assert.True(t, missing.notFound)
	assert.Equal(t, 0, missing.calls)

	err := executor.Execute(context.Background(), &testGetCommand{id: "users/404"}, nil)
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusNotFound, serverErr.StatusCode)
	assert.Equal(t, int64(0), cluster.Nodes[1].NumRequests())
}

func TestExecuteDeadlineExceededDuringFailover(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 3)
	executor := newTestExecutor(t, cluster, func(cfg *Config) {
		cfg.DisableTopologyUpdates = true
		cfg.RequestTimeout = 10 * time.Second
	})
	topology := executor.Topology()

	cluster.Nodes[0].SetDown(true)
	cluster.Nodes[1].SetDelay(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := executor.Execute(ctx, &testGetCommand{id: "users/1"}, nil)
	assert.Less(t, time.Since(start), 3*time.Second)

	var allFailedErr *AllNodesFailedError
	require.ErrorAs(t, err, &allFailedErr)
	assert.True(t, allFailedErr.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, allFailedErr.Failures, 2)

	// running out of time is not held against the slow node
	assert.Equal(t, int64(0), executor.NodeStatuses()[topology.Nodes[1].Key()].ConsecutiveFailures)
	assert.Equal(t, int64(0), cluster.Nodes[2].NumRequests())
}

func TestExecutePerAttemptTimeout(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 2)
	cluster.PutDocument("users/1", []byte(`{}`))
	executor := newTestExecutor(t, cluster, func(cfg *Config) {
		cfg.DisableTopologyUpdates = true
		cfg.RequestTimeout = 100 * time.Millisecond
	})
	topology := executor.Topology()

	cluster.Nodes[0].SetDelay(2 * time.Second)

	require.NoError(t, executor.Execute(context.Background(), &testGetCommand{id: "users/1"}, nil))
	assert.Equal(t, int64(1), executor.NodeStatuses()[topology.Nodes[0].Key()].ConsecutiveFailures)
}

func TestExecuteRefreshTopologyHint(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 2)
	cluster.PutDocument("users/1", []byte(`{}`))
	executor := newTestExecutor(t, cluster, nil)
	ctx := context.Background()

	require.NoError(t, executor.Execute(ctx, &testGetCommand{id: "users/1"}, nil))
	assert.Equal(t, int64(0), executor.Topology().Etag)

	cluster.SetEtag(7)
	for _, node := range cluster.Nodes {
		node.SetResponseHeader(HeaderRefreshTopology, "true")
		node.SetResponseHeader(HeaderTopologyEtag, "7")
	}

	require.NoError(t, executor.Execute(ctx, &testGetCommand{id: "users/1"}, nil))

	require.Eventually(t, func() bool {
		return executor.Topology().Etag == 7
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExecuteRoundRobinSessions(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 3)
	cluster.PutDocument("users/1", []byte(`{}`))
	executor := newTestExecutor(t, cluster, func(cfg *Config) {
		cfg.DisableTopologyUpdates = true
		cfg.ReadBalance = ReadBalanceRoundRobin
	})

	for sessionID := 0; sessionID < 3; sessionID++ {
		require.NoError(t, executor.Execute(context.Background(), &testGetCommand{id: "users/1"},
			&ExecuteOptions{SessionID: sessionID, NoCache: true}))
	}

	for _, node := range cluster.Nodes {
		assert.Len(t, node.RequestsTo("/docs"), 1)
	}

	// writes always go to the preferred node
	require.NoError(t, executor.Execute(context.Background(), &testPutCommand{id: "users/2", body: `{}`},
		&ExecuteOptions{SessionID: 2}))
	assert.Len(t, cluster.Nodes[0].RequestsTo("/docs"), 2)
}

func TestExecuteBasicAuth(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 1)
	cluster.PutDocument("users/1", []byte(`{}`))
	cluster.Nodes[0].RequireBasicAuth("reader", "secret")

	executor := newTestExecutor(t, cluster, func(cfg *Config) {
		cfg.DisableTopologyUpdates = true
		cfg.Username = "reader"
		cfg.Password = "secret"
	})
	require.NoError(t, executor.Execute(context.Background(), &testGetCommand{id: "users/1"}, nil))

	badExecutor := newTestExecutor(t, cluster, func(cfg *Config) {
		cfg.DisableTopologyUpdates = true
		cfg.Username = "reader"
		cfg.Password = "wrong"
	})
	err := badExecutor.Execute(context.Background(), &testGetCommand{id: "users/1"}, nil)
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusUnauthorized, serverErr.StatusCode)
}

func TestExecuteOverTls(t *testing.T) {
	cluster := testutils.NewFakeTLSCluster(t, "db", 2)
	cluster.PutDocument("users/1", []byte(`{"secure":true}`))
	for _, node := range cluster.Nodes {
		node.RequireBasicAuth("reader", "secret")
	}
	require.True(t, strings.HasPrefix(cluster.Nodes[0].Url, "https://"))

	executor := newTestExecutor(t, cluster, func(cfg *Config) {
		cfg.Username = "reader"
		cfg.Password = "secret"
		cfg.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: cluster.CertPool},
			},
		}
	})

	cmd := &testGetCommand{id: "users/1"}
	require.NoError(t, executor.Execute(context.Background(), cmd, nil))
	assert.Contains(t, string(cmd.body), `"secure":true`)
	assert.Equal(t, cluster.Etag(), executor.Topology().Etag)
}

func TestExecuteAfterClose(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 1)
	executor := newTestExecutor(t, cluster, nil)
	executor.Close()
	executor.Close()

	err := executor.Execute(context.Background(), &testGetCommand{id: "users/1"}, nil)
	assert.ErrorIs(t, err, ErrExecutorClosed)
	assert.Equal(t, int64(0), cluster.Nodes[0].NumRequests())
}

func TestSingleNodeExecutor(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 2)
	cluster.PutDocument("users/1", []byte(`{}`))

	cfg := DefaultConfig()
	cfg.Database = "db"
	executor, err := NewRequestExecutorForSingleNode(cluster.Nodes[1].Url, &cfg)
	require.NoError(t, err)
	defer executor.Close()

	require.NoError(t, executor.Execute(context.Background(), &testGetCommand{id: "users/1"}, nil))
	assert.Nil(t, executor.updater)
	assert.Equal(t, 1, executor.Topology().Len())
	assert.Equal(t, int64(0), cluster.Nodes[0].NumRequests())
	assert.Empty(t, cluster.Nodes[1].RequestsTo(doctopology.TopologyPath))
}

func TestExecuteConcurrentWithTopologyUpdates(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 3)
	cluster.PutDocument("users/1", []byte(`{}`))
	executor := newTestExecutor(t, cluster, func(cfg *Config) {
		cfg.ReadBalance = ReadBalanceRoundRobin
		cfg.TopologyRefreshInterval = 5 * time.Millisecond
	})
	ctx := context.Background()

	done := make(chan struct{})
	var wg sync.WaitGroup

	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				err := executor.Execute(ctx, &testGetCommand{id: "users/1"}, &ExecuteOptions{SessionID: worker + i})
				assert.NoError(t, err)

				topology := executor.Topology()
				if assert.Equal(t, 3, topology.Len()) {
					for _, node := range topology.Nodes {
						assert.NotNil(t, node)
					}
				}
			}
		}(worker)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			cluster.SetEtag(cluster.Etag() + 1)
			_, err := executor.UpdateTopology(ctx)
			assert.NoError(t, err)
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatalf("concurrent executions did not finish")
	}

	assert.GreaterOrEqual(t, executor.Topology().Etag, int64(50))
}

func TestExecuteFastestNodeAvoidsSlowNode(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 3)
	cluster.PutDocument("users/1", []byte(`{}`))
	cluster.Nodes[0].SetDelay(200 * time.Millisecond)

	executor := newTestExecutor(t, cluster, func(cfg *Config) {
		cfg.ReadBalance = ReadBalanceFastestNode
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, executor.Execute(context.Background(), &testGetCommand{id: "users/1"},
			&ExecuteOptions{NoCache: true}))
	}

	// the topology came from node 0, the reads must not simply follow it there
	assert.Len(t, cluster.Nodes[0].RequestsTo(doctopology.TopologyPath), 1)
	assert.Empty(t, cluster.Nodes[0].RequestsTo("/docs"))

	var numProbes int
	var servingNodes int
	for _, node := range cluster.Nodes {
		numProbes += len(node.RequestsTo(AlivePath))
		if numDocs := len(node.RequestsTo("/docs")); numDocs > 0 {
			assert.Equal(t, 5, numDocs)
			servingNodes++
		}
	}
	assert.GreaterOrEqual(t, numProbes, 1)
	assert.Equal(t, 1, servingNodes)
}

func TestExecuteDeadlineWhileAnotherCallerInitializes(t *testing.T) {
	cluster := testutils.NewFakeCluster(t, "db", 1)
	cluster.PutDocument("users/1", []byte(`{}`))
	cluster.Nodes[0].SetDelay(2 * time.Second)

	executor := newTestExecutor(t, cluster, func(cfg *Config) {
		cfg.RequestTimeout = 5 * time.Second
	})

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- executor.Execute(context.Background(), &testGetCommand{id: "users/1"}, nil)
	}()

	require.Eventually(t, func() bool {
		return len(cluster.Nodes[0].RequestsTo(doctopology.TopologyPath)) == 1
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := executor.Execute(ctx, &testGetCommand{id: "users/1"}, nil)
	assert.Less(t, time.Since(start), time.Second)

	var allFailedErr *AllNodesFailedError
	require.ErrorAs(t, err, &allFailedErr)
	assert.True(t, allFailedErr.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, allFailedErr.Elapsed, 100*time.Millisecond)

	// the shared fetch is not abandoned with the impatient caller
	select {
	case err := <-firstDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("first caller did not finish")
	}
	assert.Len(t, cluster.Nodes[0].RequestsTo(doctopology.TopologyPath), 1)
	assert.Equal(t, int64(0), executor.Topology().Etag)
}
