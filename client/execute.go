package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/couchbase/stellar-docclient/client/httpcache"
	"github.com/couchbase/stellar-docclient/common/doctopology"
	"github.com/couchbase/stellar-docclient/pkg/metrics"
)

const (
	// RaftRequestIdParam carries the unique id of a UniqueRequestCommand.
	RaftRequestIdParam = "raft-request-id"

	HeaderRefreshTopology = "Refresh-Topology"
	HeaderTopologyEtag    = "Topology-Etag"
	HeaderLeaderNodeUrl   = "Leader-Node-Url"
	HeaderIfNoneMatch     = "If-None-Match"
	HeaderEtag            = "ETag"

	maxErrorBodySize = 64 * 1024
)

func metricAttrs(database string, attrs ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(append([]attribute.KeyValue{metrics.DatabaseAttr(database)}, attrs...)...)
}

// Execute sends cmd to the cluster, failing over between nodes until one of
// them serves it.  The caller's context bounds the whole operation, each
// individual attempt is additionally bounded by Config.RequestTimeout.
func (r *RequestExecutor) Execute(ctx context.Context, cmd Command, opts *ExecuteOptions) (err error) {
	if opts == nil {
		opts = &ExecuteOptions{}
	}

	if r.closed.Load() {
		return ErrExecutorClosed
	}

	ctx, span := r.tracer.Start(ctx, "Execute", trace.WithAttributes(
		metrics.DatabaseAttr(r.config.Database),
		attribute.Bool("db.read", cmd.IsReadRequest()),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		outcome := metrics.OutcomeSuccess
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())

			outcome = metrics.OutcomeFailed
			var serverErr *ServerError
			if errors.As(err, &serverErr) {
				outcome = metrics.OutcomeServerError
			}
		}

		attrs := metricAttrs(r.config.Database, metrics.OutcomeAttr(outcome))
		r.metrics.Requests.Add(ctx, 1, attrs)
		r.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}()

	err = r.ensureInitialized(ctx, start)
	if err != nil {
		return err
	}

	if uniqueCmd, ok := cmd.(UniqueRequestCommand); ok && uniqueCmd.RaftRequestID() == "" {
		return ErrMissingRequestID
	}

	topology := r.topology.Load()
	chosen, err := r.selector.ChooseNodeForRequest(ctx, topology, cmd, opts.SessionID)
	if err != nil {
		return err
	}

	span.SetAttributes(attribute.String("db.node", chosen.Node.Url))

	return r.executeOnNodes(ctx, start, cmd, opts, r.selector.FailoverOrder(topology, chosen.Index))
}

// executeOnNodes tries the candidates in order until one of them serves cmd.
// Elapsed times in the returned errors are measured from start.
func (r *RequestExecutor) executeOnNodes(
	ctx context.Context,
	start time.Time,
	cmd Command,
	opts *ExecuteOptions,
	candidates []CurrentIndexAndNode,
) error {
	if len(candidates) == 0 {
		return ErrEmptyTopology
	}

	var requestID string
	if uniqueCmd, ok := cmd.(UniqueRequestCommand); ok {
		requestID = uniqueCmd.RaftRequestID()
		if requestID == "" {
			return ErrMissingRequestID
		}
	}

	var failures []NodeFailure

	newAllFailedError := func(deadlineExceeded bool) error {
		return &AllNodesFailedError{
			Elapsed:          time.Since(start),
			RequestTimeout:   r.config.RequestTimeout,
			DeadlineExceeded: deadlineExceeded,
			Failures:         failures,
		}
	}

	for candidateIdx := 0; candidateIdx < len(candidates); candidateIdx++ {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return newAllFailedError(true)
			}
			return err
		}

		node := candidates[candidateIdx].Node
		if candidateIdx > 0 {
			r.metrics.Failovers.Add(ctx, 1, metricAttrs(r.config.Database))
		}

		err := r.executeOnNode(ctx, cmd, opts, node, requestID)
		if err == nil {
			return nil
		}

		if !IsRetryable(err) {
			return err
		}

		failure := NodeFailure{Node: node, Err: err}
		var nodeErr *nodeUnavailableError
		if errors.As(err, &nodeErr) {
			failure.StatusCode = nodeErr.StatusCode
		}
		failures = append(failures, failure)

		if ctxErr := ctx.Err(); ctxErr != nil {
			// the caller ran out of time, which says nothing about the node
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return newAllFailedError(true)
			}
			return ctxErr
		}

		r.tracker.RecordFailure(node, time.Now())

		r.logger.Debug("node failed to serve command, failing over",
			zap.String("node", node.Url),
			zap.Int("attempt", candidateIdx+1),
			zap.Int("candidates", len(candidates)),
			zap.Error(err))

		if nodeErr != nil && nodeErr.LeaderUrl != "" {
			candidates = moveToFront(candidates, candidateIdx+1, nodeErr.LeaderUrl)
		}
	}

	return newAllFailedError(false)
}

// executeOnNode performs a single attempt of cmd against node.
func (r *RequestExecutor) executeOnNode(
	ctx context.Context,
	cmd Command,
	opts *ExecuteOptions,
	node *doctopology.ServerNode,
	requestID string,
) error {
	attemptCtx, cancel := context.WithTimeout(ctx, r.config.RequestTimeout)
	defer cancel()

	req, err := cmd.CreateRequest(attemptCtx, node)
	if err != nil {
		return err
	}

	if requestID != "" {
		query := req.URL.Query()
		query.Set(RaftRequestIdParam, requestID)
		req.URL.RawQuery = query.Encode()
	}

	applyAuthHeader(req, r.authHeader)

	useCache := cmd.IsReadRequest() && !opts.NoCache && req.Method == http.MethodGet
	var cacheKey string
	var cached *httpcache.Item
	if useCache {
		// keyed without the node so that all nodes share cached responses
		cacheKey = httpcache.Key(req.Method, node.Database+" "+req.URL.RequestURI())

		if item, ok := r.cache.Get(cacheKey); ok {
			cached = item

			if opts.AggressiveCacheFor > 0 && !item.Stale && item.Age < opts.AggressiveCacheFor {
				r.recordCacheResult(ctx, metrics.CacheResultHit)
				return cmd.SetResponse(item.Body, true)
			}

			req.Header.Set(HeaderIfNoneMatch, `"`+item.ChangeToken+`"`)
		} else {
			r.recordCacheResult(ctx, metrics.CacheResultMiss)
		}
	}

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return &nodeUnavailableError{Cause: err}
	}
	defer func() {
		err := resp.Body.Close()
		if err != nil {
			r.logger.Debug("unexpected close error", zap.Error(err))
		}
	}()
	latency := time.Since(start)

	r.checkRefreshTopology(resp)

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		r.tracker.RecordSuccess(node, latency)
		r.recordCacheResult(ctx, metrics.CacheResultNotModified)
		if cached.Stale {
			// the server confirmed the entry, so it is current again
			r.cache.Put(cacheKey, cached.ChangeToken, cached.Body)
		}
		return cmd.SetResponse(cached.Body, true)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return &nodeUnavailableError{StatusCode: resp.StatusCode, Cause: err}
		}

		r.tracker.RecordSuccess(node, latency)

		if useCache && resp.StatusCode == http.StatusOK {
			if changeToken := parseEtagHeader(resp.Header.Get(HeaderEtag)); changeToken != "" {
				r.cache.Put(cacheKey, changeToken, body)
			}
		}

		if !cmd.IsReadRequest() && r.config.InvalidateCacheOnWrite {
			r.cache.Invalidate()
		}

		return cmd.SetResponse(body, false)

	case resp.StatusCode == http.StatusNotFound:
		r.tracker.RecordSuccess(node, latency)
		if useCache {
			r.cache.Remove(cacheKey)
		}

		if handler, ok := cmd.(NotFoundHandler); ok {
			handler.SetNotFound()
			return nil
		}

		return parseServerError(resp.StatusCode, req.URL.String(), readErrorBody(resp.Body))

	case isNodeSpecificStatus(resp.StatusCode):
		nodeErr := &nodeUnavailableError{
			StatusCode: resp.StatusCode,
			Cause:      parseServerError(resp.StatusCode, req.URL.String(), readErrorBody(resp.Body)),
		}
		if resp.StatusCode == http.StatusMisdirectedRequest {
			nodeErr.LeaderUrl = resp.Header.Get(HeaderLeaderNodeUrl)
			// the node we picked is no longer the right one, our topology is stale
			r.signalTopologyRefresh(-1)
		}
		return nodeErr

	default:
		// the node answered, so it is healthy even though the request failed
		r.tracker.RecordSuccess(node, latency)
		return parseServerError(resp.StatusCode, req.URL.String(), readErrorBody(resp.Body))
	}
}

func (r *RequestExecutor) checkRefreshTopology(resp *http.Response) {
	if !strings.EqualFold(resp.Header.Get(HeaderRefreshTopology), "true") {
		return
	}

	etag := int64(-1)
	if etagStr := resp.Header.Get(HeaderTopologyEtag); etagStr != "" {
		parsedEtag, err := strconv.ParseInt(etagStr, 10, 64)
		if err == nil {
			etag = parsedEtag
		}
	}

	r.signalTopologyRefresh(etag)
}

func (r *RequestExecutor) recordCacheResult(ctx context.Context, result string) {
	r.metrics.CacheResults.Add(ctx, 1, metricAttrs(r.config.Database, metrics.CacheResultAttr(result)))
}

func readErrorBody(body io.Reader) []byte {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
	return data
}

// parseEtagHeader strips the quoting and weak marker from an ETag header.
func parseEtagHeader(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "W/")
	return strings.Trim(value, `"`)
}
