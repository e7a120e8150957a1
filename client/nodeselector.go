package client

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/couchbase/stellar-docclient/common/doctopology"
)

type CurrentIndexAndNode struct {
	Index int
	Node  *doctopology.ServerNode
}

type nodeSelectorOptions struct {
	Logger            *zap.Logger
	ReadBalance       ReadBalanceBehavior
	Tracker           *nodeHealthTracker
	FailureQuarantine time.Duration
	SpeedTester       *speedTester
}

// nodeSelector decides which node of a topology serves a command.  It holds no
// topology of its own, every call is given the snapshot the caller loaded so
// that a single Execute call works against one consistent topology.
type nodeSelector struct {
	logger      *zap.Logger
	readBalance ReadBalanceBehavior
	tracker     *nodeHealthTracker
	quarantine  time.Duration
	speedTester *speedTester
	nowFn       func() time.Time
}

func newNodeSelector(opts *nodeSelectorOptions) *nodeSelector {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &nodeSelector{
		logger:      logger,
		readBalance: opts.ReadBalance,
		tracker:     opts.Tracker,
		quarantine:  opts.FailureQuarantine,
		speedTester: opts.SpeedTester,
		nowFn:       time.Now,
	}
}

func (s *nodeSelector) isViable(node *doctopology.ServerNode, now time.Time) bool {
	return s.tracker.IsViable(node, now, s.quarantine)
}

// PreferredNode returns the first viable node in topology order, or the first
// node if none are viable.
func (s *nodeSelector) PreferredNode(topology *doctopology.Topology) (CurrentIndexAndNode, error) {
	if topology.Len() == 0 {
		return CurrentIndexAndNode{}, ErrEmptyTopology
	}

	now := s.nowFn()
	for nodeIdx, node := range topology.Nodes {
		if s.isViable(node, now) {
			return CurrentIndexAndNode{Index: nodeIdx, Node: node}, nil
		}
	}

	return CurrentIndexAndNode{Index: 0, Node: topology.Nodes[0]}, nil
}

// NodeBySessionID maps a session onto a node.  A given session always lands on
// the same node for the same topology and node health.
func (s *nodeSelector) NodeBySessionID(topology *doctopology.Topology, sessionID int) (CurrentIndexAndNode, error) {
	numNodes := topology.Len()
	if numNodes == 0 {
		return CurrentIndexAndNode{}, ErrEmptyTopology
	}

	startIdx := sessionID % numNodes
	if startIdx < 0 {
		startIdx += numNodes
	}

	now := s.nowFn()
	for offset := 0; offset < numNodes; offset++ {
		nodeIdx := (startIdx + offset) % numNodes
		node := topology.Nodes[nodeIdx]
		if s.isViable(node, now) {
			return CurrentIndexAndNode{Index: nodeIdx, Node: node}, nil
		}
	}

	return CurrentIndexAndNode{Index: startIdx, Node: topology.Nodes[startIdx]}, nil
}

// FastestNode returns the viable node with the lowest measured latency.  Unless
// every viable node has been measured, all nodes are probed concurrently
// instead and the first to answer is remembered until the topology changes.
func (s *nodeSelector) FastestNode(ctx context.Context, topology *doctopology.Topology) (CurrentIndexAndNode, error) {
	if topology.Len() == 0 {
		return CurrentIndexAndNode{}, ErrEmptyTopology
	}

	now := s.nowFn()

	if nodeKey, ok := s.tracker.Fastest(topology.Etag); ok {
		for nodeIdx, node := range topology.Nodes {
			if node.Key() == nodeKey && s.isViable(node, now) {
				return CurrentIndexAndNode{Index: nodeIdx, Node: node}, nil
			}
		}
	}

	// latencies are only comparable once every viable node has one
	bestIdx := -1
	var bestLatency time.Duration
	for nodeIdx, node := range topology.Nodes {
		if !s.isViable(node, now) {
			continue
		}

		latency, ok := s.tracker.Latency(node)
		if !ok {
			bestIdx = -1
			break
		}

		if bestIdx < 0 || latency < bestLatency {
			bestIdx = nodeIdx
			bestLatency = latency
		}
	}
	if bestIdx >= 0 {
		s.tracker.SetFastest(topology.Etag, topology.Nodes[bestIdx])
		return CurrentIndexAndNode{Index: bestIdx, Node: topology.Nodes[bestIdx]}, nil
	}

	if s.speedTester != nil {
		nodeIdx, err := s.speedTester.FindFastest(ctx, topology)
		if err == nil {
			s.tracker.SetFastest(topology.Etag, topology.Nodes[nodeIdx])
			return CurrentIndexAndNode{Index: nodeIdx, Node: topology.Nodes[nodeIdx]}, nil
		}

		s.logger.Debug("speed test failed, falling back to preferred node",
			zap.Int64("etag", topology.Etag),
			zap.Error(err))
	}

	return s.PreferredNode(topology)
}

// LeaderNode returns the leader of the topology if it is viable.  Topologies
// without a leader, such as those of replication only databases, use the
// preferred node.
func (s *nodeSelector) LeaderNode(topology *doctopology.Topology) (CurrentIndexAndNode, error) {
	if topology.Len() == 0 {
		return CurrentIndexAndNode{}, ErrEmptyTopology
	}

	leaderIdx, leader := topology.Leader()
	if leader != nil && s.isViable(leader, s.nowFn()) {
		return CurrentIndexAndNode{Index: leaderIdx, Node: leader}, nil
	}

	return s.PreferredNode(topology)
}

// FailoverOrder lists every node of the topology, starting at preferredIdx and
// wrapping around.  Viable nodes come first, quarantined nodes are kept at the
// end as a last resort.
func (s *nodeSelector) FailoverOrder(topology *doctopology.Topology, preferredIdx int) []CurrentIndexAndNode {
	numNodes := topology.Len()
	if numNodes == 0 {
		return nil
	}
	if preferredIdx < 0 || preferredIdx >= numNodes {
		preferredIdx = 0
	}

	now := s.nowFn()
	viable := make([]CurrentIndexAndNode, 0, numNodes)
	var quarantined []CurrentIndexAndNode
	for offset := 0; offset < numNodes; offset++ {
		nodeIdx := (preferredIdx + offset) % numNodes
		candidate := CurrentIndexAndNode{Index: nodeIdx, Node: topology.Nodes[nodeIdx]}
		if s.isViable(candidate.Node, now) {
			viable = append(viable, candidate)
		} else {
			quarantined = append(quarantined, candidate)
		}
	}

	// the chosen node always goes first, even when it is quarantined
	if len(viable) == 0 || viable[0].Index != preferredIdx {
		for candidateIdx, candidate := range quarantined {
			if candidate.Index == preferredIdx {
				quarantined = slices.Delete(quarantined, candidateIdx, candidateIdx+1)
				viable = slices.Insert(viable, 0, candidate)
				break
			}
		}
	}

	return append(viable, quarantined...)
}

// ChooseNodeForRequest picks the node to send cmd to first.  Writes go to the
// preferred node, leader-only commands to the leader, and reads follow the
// configured read balance policy.
func (s *nodeSelector) ChooseNodeForRequest(
	ctx context.Context,
	topology *doctopology.Topology,
	cmd Command,
	sessionID int,
) (CurrentIndexAndNode, error) {
	if topology.Len() == 0 {
		return CurrentIndexAndNode{}, ErrEmptyTopology
	}

	if commandRequiresLeader(cmd) {
		return s.LeaderNode(topology)
	}

	if !cmd.IsReadRequest() {
		return s.PreferredNode(topology)
	}

	switch s.readBalance {
	case ReadBalanceRoundRobin:
		return s.NodeBySessionID(topology, sessionID)
	case ReadBalanceFastestNode:
		return s.FastestNode(ctx, topology)
	default:
		return s.PreferredNode(topology)
	}
}

// moveToFront moves the candidate for url to position pos of candidates if it
// appears at or after pos.
func moveToFront(candidates []CurrentIndexAndNode, pos int, url string) []CurrentIndexAndNode {
	url = doctopology.NormalizeUrl(url)
	for candidateIdx := pos; candidateIdx < len(candidates); candidateIdx++ {
		if candidates[candidateIdx].Node.Url != url {
			continue
		}

		if candidateIdx == pos {
			return candidates
		}

		candidate := candidates[candidateIdx]
		candidates = slices.Delete(candidates, candidateIdx, candidateIdx+1)
		return slices.Insert(candidates, pos, candidate)
	}
	return candidates
}
