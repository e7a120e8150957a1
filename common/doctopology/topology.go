/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package doctopology

import (
	"errors"
	"strings"
)

// SeedEtag is the etag assigned to topologies built locally from seed urls.
// Any topology fetched from the cluster has an etag of at least zero and will
// always replace a seed topology.
const SeedEtag int64 = -1

var (
	ErrNoSeedUrls   = errors.New("at least one seed url must be specified")
	ErrNoDatabase   = errors.New("a database name must be specified")
	ErrInvalidNodes = errors.New("topology contains an invalid node")
)

type ServerNode struct {
	Url        string
	Database   string
	ClusterTag string
	IsLeader   bool
}

// Key returns the identity of the node, which is its url and database.
func (n *ServerNode) Key() string {
	return n.Url + "|" + n.Database
}

func (n *ServerNode) String() string {
	if n.ClusterTag != "" {
		return n.ClusterTag + "@" + n.Url
	}
	return n.Url
}

// Topology is an immutable snapshot of the nodes serving a database.  It must
// never be modified once it has been published, updates are performed by
// building a new Topology and swapping it in.
type Topology struct {
	Etag  int64
	Nodes []*ServerNode
}

func NewSeedTopology(seedUrls []string, database string) (*Topology, error) {
	if len(seedUrls) == 0 {
		return nil, ErrNoSeedUrls
	}
	if database == "" {
		return nil, ErrNoDatabase
	}

	nodes := make([]*ServerNode, 0, len(seedUrls))
	seen := make(map[string]struct{}, len(seedUrls))
	for _, seedUrl := range seedUrls {
		url := NormalizeUrl(seedUrl)
		if url == "" {
			continue
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}

		nodes = append(nodes, &ServerNode{
			Url:      url,
			Database: database,
		})
	}
	if len(nodes) == 0 {
		return nil, ErrNoSeedUrls
	}

	return &Topology{
		Etag:  SeedEtag,
		Nodes: nodes,
	}, nil
}

// IsNewerThan reports whether t should replace other.  A nil other is always
// replaced.
func (t *Topology) IsNewerThan(other *Topology) bool {
	if other == nil {
		return true
	}
	return t.Etag > other.Etag
}

func (t *Topology) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Nodes)
}

func (t *Topology) IndexOf(url string) int {
	url = NormalizeUrl(url)
	for nodeIdx, node := range t.Nodes {
		if node.Url == url {
			return nodeIdx
		}
	}
	return -1
}

func (t *Topology) Leader() (int, *ServerNode) {
	for nodeIdx, node := range t.Nodes {
		if node.IsLeader {
			return nodeIdx, node
		}
	}
	return -1, nil
}

func (t *Topology) Contains(node *ServerNode) bool {
	key := node.Key()
	for _, n := range t.Nodes {
		if n.Key() == key {
			return true
		}
	}
	return false
}

// NormalizeUrl trims whitespace and trailing slashes so that urls coming from
// seeds, topology responses and leader hints compare equal.
func NormalizeUrl(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}
