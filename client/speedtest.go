package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/couchbase/stellar-docclient/common/doctopology"
)

// AlivePath is probed on every node when looking for the fastest node.
const AlivePath = "/setup/alive"

var errNoProbeSucceeded = errors.New("no node answered the speed test")

type speedTesterOptions struct {
	Logger     *zap.Logger
	HttpClient HttpDoer
	Tracker    *nodeHealthTracker
	Timeout    time.Duration
	AuthHeader string
}

type speedTester struct {
	logger     *zap.Logger
	httpClient HttpDoer
	tracker    *nodeHealthTracker
	timeout    time.Duration
	authHeader string

	group singleflight.Group
}

func newSpeedTester(opts *speedTesterOptions) *speedTester {
	return &speedTester{
		logger:     opts.Logger,
		httpClient: opts.HttpClient,
		tracker:    opts.Tracker,
		timeout:    opts.Timeout,
		authHeader: opts.AuthHeader,
	}
}

// FindFastest returns the index of the node which answered a probe first.
// Concurrent callers for the same topology share one speed test.
func (s *speedTester) FindFastest(ctx context.Context, topology *doctopology.Topology) (int, error) {
	resCh := s.group.DoChan(strconv.FormatInt(topology.Etag, 10), func() (interface{}, error) {
		return s.run(topology)
	})

	select {
	case res := <-resCh:
		if res.Err != nil {
			return -1, res.Err
		}
		return res.Val.(int), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// run is detached from any caller context, since its result is shared between
// callers and one of them leaving must not fail the others.
func (s *speedTester) run(topology *doctopology.Topology) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	winnerCh := make(chan int, len(topology.Nodes))

	var g errgroup.Group
	for nodeIdx, node := range topology.Nodes {
		g.Go(func() error {
			latency, err := s.probe(ctx, node)
			if err != nil {
				if ctx.Err() == nil {
					s.tracker.RecordFailure(node, time.Now())
				}
				return fmt.Errorf("probe of %s failed: %w", node.Url, err)
			}

			s.tracker.RecordSuccess(node, latency)
			winnerCh <- nodeIdx
			return nil
		})
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- g.Wait()
	}()

	select {
	case nodeIdx := <-winnerCh:
		// returning cancels the probes which are still running
		s.logger.Debug("speed test finished",
			zap.Int64("etag", topology.Etag),
			zap.String("fastest", topology.Nodes[nodeIdx].Url))
		return nodeIdx, nil
	case err := <-waitCh:
		select {
		case nodeIdx := <-winnerCh:
			return nodeIdx, nil
		default:
		}
		if err == nil {
			err = errNoProbeSucceeded
		}
		return -1, err
	case <-ctx.Done():
		return -1, fmt.Errorf("%w: %w", errNoProbeSucceeded, ctx.Err())
	}
}

func (s *speedTester) probe(ctx context.Context, node *doctopology.ServerNode) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.Url+AlivePath, nil)
	if err != nil {
		return 0, err
	}
	applyAuthHeader(req, s.authHeader)

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	latency := time.Since(start)

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	err = resp.Body.Close()
	if err != nil {
		s.logger.Debug("unexpected close error", zap.Error(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	return latency, nil
}
