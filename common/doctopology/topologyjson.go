package doctopology

import (
	"encoding/json"
	"fmt"
)

const ServerRoleLeader = "Leader"

// TopologyPath is the per-database topology endpoint, relative to a node url.
const TopologyPath = "/topology"

type NodeJson struct {
	Url        string `json:"Url"`
	Database   string `json:"Database,omitempty"`
	ClusterTag string `json:"ClusterTag,omitempty"`
	ServerRole string `json:"ServerRole,omitempty"`
}

type TopologyJson struct {
	Etag  int64      `json:"Etag"`
	Nodes []NodeJson `json:"Nodes"`
}

// ParseTopology converts a topology response into a Topology.  Nodes which do
// not declare a database inherit the requested one.
func ParseTopology(data []byte, database string) (*Topology, error) {
	var topologyJson TopologyJson
	err := json.Unmarshal(data, &topologyJson)
	if err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}

	return topologyJson.ToTopology(database)
}

func (j *TopologyJson) ToTopology(database string) (*Topology, error) {
	if j.Etag < 0 {
		return nil, fmt.Errorf("topology etag must not be negative (etag: %d)", j.Etag)
	}

	nodes := make([]*ServerNode, len(j.Nodes))
	for nodeIdx, nodeJson := range j.Nodes {
		url := NormalizeUrl(nodeJson.Url)
		if url == "" {
			return nil, ErrInvalidNodes
		}

		nodeDatabase := nodeJson.Database
		if nodeDatabase == "" {
			nodeDatabase = database
		}

		nodes[nodeIdx] = &ServerNode{
			Url:        url,
			Database:   nodeDatabase,
			ClusterTag: nodeJson.ClusterTag,
			IsLeader:   nodeJson.ServerRole == ServerRoleLeader,
		}
	}

	return &Topology{
		Etag:  j.Etag,
		Nodes: nodes,
	}, nil
}

func NewTopologyJson(t *Topology) *TopologyJson {
	out := &TopologyJson{
		Etag:  t.Etag,
		Nodes: make([]NodeJson, len(t.Nodes)),
	}
	for nodeIdx, node := range t.Nodes {
		role := "Member"
		if node.IsLeader {
			role = ServerRoleLeader
		}
		out.Nodes[nodeIdx] = NodeJson{
			Url:        node.Url,
			Database:   node.Database,
			ClusterTag: node.ClusterTag,
			ServerRole: role,
		}
	}
	return out
}
