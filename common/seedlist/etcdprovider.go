/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package seedlist

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/couchbase/stellar-docclient/common/doctopology"
	"github.com/couchbase/stellar-docclient/utils/sliceutils"
)

type EtcdProviderOptions struct {
	EtcdClient *etcd.Client
	KeyPrefix  string
	Logger     *zap.Logger
}

// EtcdProvider discovers seed urls from etcd.  Every key below the prefix holds
// the url of one node as its value.
type EtcdProvider struct {
	etcdClient *etcd.Client
	keyPrefix  string
	logger     *zap.Logger
}

func NewEtcdProvider(opts EtcdProviderOptions) *EtcdProvider {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EtcdProvider{
		etcdClient: opts.EtcdClient,
		keyPrefix:  strings.TrimRight(opts.KeyPrefix, "/") + "/",
		logger:     logger,
	}
}

func (p *EtcdProvider) Seeds(ctx context.Context) ([]string, error) {
	resp, err := p.etcdClient.KV.Get(ctx, p.keyPrefix, etcd.WithPrefix())
	if err != nil {
		return nil, err
	}

	seeds := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		url := doctopology.NormalizeUrl(string(kv.Value))
		if url == "" {
			p.logger.Debug("ignoring empty seed entry", zap.ByteString("key", kv.Key))
			continue
		}
		seeds = append(seeds, url)
	}
	sort.Strings(seeds)

	return sliceutils.RemoveDuplicates(seeds), nil
}

// Registration is a seed url published through Register.  It disappears once
// its lease lapses or it is removed.
type Registration struct {
	etcdClient *etcd.Client
	key        string
	leaseID    etcd.LeaseID
	kaCancel   func()
}

// Register publishes url as a seed.  The entry is bound to a lease which is
// kept alive until Remove is called or the process exits.
func (p *EtcdProvider) Register(ctx context.Context, url string, leasePeriod time.Duration) (*Registration, error) {
	if leasePeriod < 5*time.Second {
		// etcd refuses shorter leases
		return nil, errors.New("lease period must be at least 5 seconds")
	}

	lease, err := p.etcdClient.Lease.Grant(ctx, int64(leasePeriod/time.Second))
	if err != nil {
		return nil, err
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())
	leaseKaCh, err := p.etcdClient.Lease.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return nil, err
	}

	go func() {
		for range leaseKaCh {
		}
		p.logger.Debug("seed lease keep-alive stopped", zap.String("url", url))
	}()

	key := p.keyPrefix + uuid.NewString()
	_, err = p.etcdClient.KV.Put(ctx, key, doctopology.NormalizeUrl(url), etcd.WithLease(lease.ID))
	if err != nil {
		kaCancel()
		return nil, err
	}

	return &Registration{
		etcdClient: p.etcdClient,
		key:        key,
		leaseID:    lease.ID,
		kaCancel:   kaCancel,
	}, nil
}

func (r *Registration) Remove(ctx context.Context) error {
	r.kaCancel()

	_, err := r.etcdClient.Lease.Revoke(ctx, r.leaseID)
	if err != nil {
		return err
	}

	return nil
}

// WatchSeeds emits the full seed list initially and again whenever it changes,
// until ctx is cancelled.
func (p *EtcdProvider) WatchSeeds(ctx context.Context) (<-chan []string, error) {
	seeds, err := p.Seeds(ctx)
	if err != nil {
		return nil, err
	}

	outputCh := make(chan []string, 1)
	outputCh <- seeds

	watchCh := p.etcdClient.Watch(ctx, p.keyPrefix, etcd.WithPrefix())

	go func() {
		defer close(outputCh)

		for range watchCh {
			seeds, err := p.Seeds(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("failed to refresh seeds after change", zap.Error(err))
				continue
			}

			select {
			case outputCh <- seeds:
			case <-ctx.Done():
				return
			}
		}
	}()

	return outputCh, nil
}
