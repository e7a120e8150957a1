package doctopology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSeedTopology(t *testing.T) {
	topology, err := NewSeedTopology([]string{
		"http://a:8080/",
		" http://b:8080",
		"http://a:8080",
		"",
	}, "db")
	require.NoError(t, err)

	assert.Equal(t, SeedEtag, topology.Etag)
	require.Len(t, topology.Nodes, 2)
	assert.Equal(t, "http://a:8080", topology.Nodes[0].Url)
	assert.Equal(t, "http://b:8080", topology.Nodes[1].Url)
	assert.Equal(t, "db", topology.Nodes[1].Database)
}

func TestNewSeedTopologyErrors(t *testing.T) {
	_, err := NewSeedTopology(nil, "db")
	assert.ErrorIs(t, err, ErrNoSeedUrls)

	_, err = NewSeedTopology([]string{" "}, "db")
	assert.ErrorIs(t, err, ErrNoSeedUrls)

	_, err = NewSeedTopology([]string{"http://a"}, "")
	assert.ErrorIs(t, err, ErrNoDatabase)
}

func TestParseTopology(t *testing.T) {
	topology, err := ParseTopology([]byte(`{
		"Etag": 7,
		"Nodes": [
			{"Url": "http://a:8080/", "ClusterTag": "A", "ServerRole": "Leader"},
			{"Url": "http://b:8080", "Database": "other", "ClusterTag": "B", "ServerRole": "Member"}
		]
	}`), "db")
	require.NoError(t, err)

	assert.Equal(t, int64(7), topology.Etag)
	require.Len(t, topology.Nodes, 2)
	assert.Equal(t, &ServerNode{Url: "http://a:8080", Database: "db", ClusterTag: "A", IsLeader: true}, topology.Nodes[0])
	assert.Equal(t, "other", topology.Nodes[1].Database)
	assert.False(t, topology.Nodes[1].IsLeader)

	leaderIdx, leader := topology.Leader()
	assert.Equal(t, 0, leaderIdx)
	assert.Equal(t, "A", leader.ClusterTag)
	assert.Equal(t, 1, topology.IndexOf("http://b:8080/"))
	assert.Equal(t, -1, topology.IndexOf("http://c:8080"))
}

func TestParseTopologyInvalid(t *testing.T) {
	_, err := ParseTopology([]byte(`{"Etag": -3, "Nodes": []}`), "db")
	assert.Error(t, err)

	_, err = ParseTopology([]byte(`{"Etag": 1, "Nodes": [{"Url": ""}]}`), "db")
	assert.ErrorIs(t, err, ErrInvalidNodes)

	_, err = ParseTopology([]byte(`not json`), "db")
	assert.Error(t, err)
}

func TestTopologyJsonRoundTrip(t *testing.T) {
	topology := &Topology{
		Etag: 3,
		Nodes: []*ServerNode{
			{Url: "http://a", Database: "db", ClusterTag: "A", IsLeader: true},
			{Url: "http://b", Database: "db", ClusterTag: "B"},
		},
	}

	out, err := NewTopologyJson(topology).ToTopology("db")
	require.NoError(t, err)
	assert.Equal(t, topology, out)
}

func TestIsNewerThan(t *testing.T) {
	older := &Topology{Etag: 4}
	newer := &Topology{Etag: 5}

	assert.True(t, newer.IsNewerThan(older))
	assert.False(t, older.IsNewerThan(newer))
	assert.False(t, older.IsNewerThan(&Topology{Etag: 4}))
	assert.True(t, older.IsNewerThan(nil))
}
