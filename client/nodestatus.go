package client

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/stellar-docclient/common/doctopology"
)

// NodeStatus is a point in time copy of the health of a node.
type NodeStatus struct {
	LastFailure         *time.Time
	ConsecutiveFailures int64
	LastLatency         *time.Duration
}

// nodeFailure is replaced as a whole so that the failure count and time are
// always observed together.
type nodeFailure struct {
	lastFailureNanos int64
	consecutive      int64
}

// nodeHealth is mutated concurrently from every Execute call.  All fields are
// atomics so that updates for one node never wait on another.
type nodeHealth struct {
	failure      atomic.Pointer[nodeFailure] // nil when the node has not failed
	latencyNanos atomic.Int64                // -1 when no measurement exists
}

func newNodeHealth() *nodeHealth {
	h := &nodeHealth{}
	h.latencyNanos.Store(-1)
	return h
}

func (h *nodeHealth) status() NodeStatus {
	var status NodeStatus

	if failure := h.failure.Load(); failure != nil {
		t := time.Unix(0, failure.lastFailureNanos)
		status.LastFailure = &t
		status.ConsecutiveFailures = failure.consecutive
	}
	if latency := h.latencyNanos.Load(); latency >= 0 {
		d := time.Duration(latency)
		status.LastLatency = &d
	}

	return status
}

type fastestNodeRecord struct {
	TopologyEtag int64
	NodeKey      string
}

// nodeHealthTracker records failures and latencies of nodes.  The map itself is
// only write locked to lazily create entries or to prune them.
type nodeHealthTracker struct {
	lock  sync.RWMutex
	nodes map[string]*nodeHealth

	fastest atomic.Pointer[fastestNodeRecord]
}

func newNodeHealthTracker() *nodeHealthTracker {
	return &nodeHealthTracker{
		nodes: make(map[string]*nodeHealth),
	}
}

func (t *nodeHealthTracker) get(node *doctopology.ServerNode) *nodeHealth {
	key := node.Key()

	t.lock.RLock()
	h := t.nodes[key]
	t.lock.RUnlock()
	if h != nil {
		return h
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	// someone else may have created it while we were unlocked
	h = t.nodes[key]
	if h == nil {
		h = newNodeHealth()
		t.nodes[key] = h
	}
	return h
}

func (t *nodeHealthTracker) peek(node *doctopology.ServerNode) *nodeHealth {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.nodes[node.Key()]
}

// RecordSuccess clears any failure state of the node.  A non-negative latency
// replaces the last measured latency.
func (t *nodeHealthTracker) RecordSuccess(node *doctopology.ServerNode, latency time.Duration) {
	h := t.get(node)
	if h.failure.Load() != nil {
		h.failure.Store(nil)
	}
	if latency >= 0 {
		h.latencyNanos.Store(int64(latency))
	}
}

func (t *nodeHealthTracker) RecordFailure(node *doctopology.ServerNode, now time.Time) {
	h := t.get(node)
	for {
		old := h.failure.Load()
		next := &nodeFailure{lastFailureNanos: now.UnixNano(), consecutive: 1}
		if old != nil {
			next.consecutive = old.consecutive + 1
		}
		if h.failure.CompareAndSwap(old, next) {
			break
		}
	}

	// a failing node can no longer be the fastest one
	if record := t.fastest.Load(); record != nil && record.NodeKey == node.Key() {
		t.fastest.CompareAndSwap(record, nil)
	}
}

func (t *nodeHealthTracker) Status(node *doctopology.ServerNode) NodeStatus {
	h := t.peek(node)
	if h == nil {
		return NodeStatus{}
	}
	return h.status()
}

// IsViable reports whether the node may be used as a preferred node, which is
// the case unless it failed within the quarantine window.
func (t *nodeHealthTracker) IsViable(node *doctopology.ServerNode, now time.Time, quarantine time.Duration) bool {
	h := t.peek(node)
	if h == nil {
		return true
	}

	failure := h.failure.Load()
	if failure == nil {
		return true
	}

	return now.Sub(time.Unix(0, failure.lastFailureNanos)) >= quarantine
}

// Latency returns the last measured latency of the node.
func (t *nodeHealthTracker) Latency(node *doctopology.ServerNode) (time.Duration, bool) {
	h := t.peek(node)
	if h == nil {
		return 0, false
	}

	latency := h.latencyNanos.Load()
	if latency < 0 {
		return 0, false
	}
	return time.Duration(latency), true
}

// Prune drops the state of every node not present in the topology, and forgets
// the fastest node unless it was determined for this topology.
func (t *nodeHealthTracker) Prune(topology *doctopology.Topology) {
	keep := make(map[string]struct{}, len(topology.Nodes))
	for _, node := range topology.Nodes {
		keep[node.Key()] = struct{}{}
	}

	t.lock.Lock()
	for key := range t.nodes {
		if _, ok := keep[key]; !ok {
			delete(t.nodes, key)
		}
	}
	t.lock.Unlock()

	if record := t.fastest.Load(); record != nil && record.TopologyEtag != topology.Etag {
		t.fastest.CompareAndSwap(record, nil)
	}
}

func (t *nodeHealthTracker) Snapshot() map[string]NodeStatus {
	t.lock.RLock()
	defer t.lock.RUnlock()

	out := make(map[string]NodeStatus, len(t.nodes))
	for key, h := range t.nodes {
		out[key] = h.status()
	}
	return out
}

func (t *nodeHealthTracker) Fastest(topologyEtag int64) (string, bool) {
	record := t.fastest.Load()
	if record == nil || record.TopologyEtag != topologyEtag {
		return "", false
	}
	return record.NodeKey, true
}

func (t *nodeHealthTracker) SetFastest(topologyEtag int64, node *doctopology.ServerNode) {
	t.fastest.Store(&fastestNodeRecord{
		TopologyEtag: topologyEtag,
		NodeKey:      node.Key(),
	})
}

func (t *nodeHealthTracker) ResetFastest() {
	t.fastest.Store(nil)
}
