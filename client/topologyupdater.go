package client

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/couchbase/stellar-docclient/utils/latestonlychannel"
)

type topologyUpdaterOptions struct {
	Logger   *zap.Logger
	Interval time.Duration
	// Update fetches the topology and applies it if it is newer.
	Update func(ctx context.Context) (bool, error)
}

// topologyUpdater refreshes the topology periodically and whenever it is
// signalled, from a single goroutine.
type topologyUpdater struct {
	logger    *zap.Logger
	interval  time.Duration
	update    func(ctx context.Context) (bool, error)
	trigger   *latestonlychannel.Trigger[int64]
	ctx       context.Context
	ctxCancel func()
	closeCh   chan struct{}
}

func newTopologyUpdater(opts *topologyUpdaterOptions) *topologyUpdater {
	ctx, ctxCancel := context.WithCancel(context.Background())

	u := &topologyUpdater{
		logger:    opts.Logger,
		interval:  opts.Interval,
		update:    opts.Update,
		trigger:   latestonlychannel.NewTrigger[int64](ctx),
		ctx:       ctx,
		ctxCancel: ctxCancel,
		closeCh:   make(chan struct{}),
	}
	u.init()
	return u
}

func (u *topologyUpdater) init() {
	go u.procThread()
}

// Signal asks for a refresh.  etag is the topology etag the server reported,
// or -1 if unknown.  It never waits for the refresh itself.
func (u *topologyUpdater) Signal(etag int64) {
	u.trigger.Signal(etag)
}

func (u *topologyUpdater) procThread() {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = u.interval
	b.MaxElapsedTime = u.interval

MainLoop:
	for {
		select {
		case <-ticker.C:
			u.logger.Debug("periodic topology refresh")
		case etag, ok := <-u.trigger.C:
			if !ok {
				break MainLoop
			}
			u.logger.Debug("topology refresh requested", zap.Int64("etag", etag))
		case <-u.ctx.Done():
			break MainLoop
		}

		u.runWithRetries(b)
	}

	close(u.closeCh)
}

// runWithRetries retries a failed refresh with backoff until it succeeds, the
// updater is closed, or the refresh interval has elapsed and the next periodic
// refresh takes over.
func (u *topologyUpdater) runWithRetries(b *backoff.ExponentialBackOff) {
	b.Reset()

	for {
		updated, err := u.update(u.ctx)
		if err == nil {
			if updated {
				u.logger.Debug("topology refresh applied a newer topology")
			}
			return
		}

		if u.ctx.Err() != nil {
			return
		}

		nextWait := b.NextBackOff()
		if nextWait == backoff.Stop {
			u.logger.Warn("giving up on topology refresh until the next interval", zap.Error(err))
			return
		}

		u.logger.Warn("failed to refresh topology",
			zap.Error(err),
			zap.Duration("retryIn", nextWait))

		select {
		case <-time.After(nextWait):
		case <-u.ctx.Done():
			return
		}
	}
}

func (u *topologyUpdater) Close() {
	// shut down our context
	u.ctxCancel()

	// wait for the shutdown to complete
	<-u.closeCh
}
