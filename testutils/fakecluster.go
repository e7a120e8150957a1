package testutils

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/couchbase/stellar-docclient/common/doctopology"
	"github.com/couchbase/stellar-docclient/utils/authhdr"
	"github.com/couchbase/stellar-docclient/utils/selfsignedcert"
)

// RecordedRequest is what a FakeNode remembers about a request it received.
type RecordedRequest struct {
	Method string
	Path   string
	Query  map[string][]string
	Header http.Header
}

type fakeDocument struct {
	Body         json.RawMessage
	ChangeVector string
}

// FakeCluster is an in-process cluster of http nodes serving one database,
// with controls for injecting the failures the executor has to deal with.
type FakeCluster struct {
	Database string
	Nodes    []*FakeNode

	// CertPool trusts the nodes of a tls cluster.  It is nil otherwise.
	CertPool *x509.CertPool

	lock           sync.Mutex
	etag           int64
	leaderIdx      int
	docs           map[string]*fakeDocument
	identities     map[string]int64
	identityByRaft map[string]int64
	changeCounter  int64
}

func NewFakeCluster(t testing.TB, database string, numNodes int) *FakeCluster {
	return newFakeCluster(t, database, numNodes, nil)
}

// NewFakeTLSCluster is like NewFakeCluster but serves https with a
// self-signed certificate trusted by CertPool.
func NewFakeTLSCluster(t testing.TB, database string, numNodes int) *FakeCluster {
	cert, err := selfsignedcert.GenerateCertificate("127.0.0.1", "localhost")
	if err != nil {
		t.Fatalf("failed to generate certificate: %s", err)
	}

	return newFakeCluster(t, database, numNodes, cert)
}

func newFakeCluster(t testing.TB, database string, numNodes int, cert *tls.Certificate) *FakeCluster {
	c := &FakeCluster{
		Database:       database,
		leaderIdx:      0,
		docs:           make(map[string]*fakeDocument),
		identities:     make(map[string]int64),
		identityByRaft: make(map[string]int64),
	}

	for nodeIdx := 0; nodeIdx < numNodes; nodeIdx++ {
		node := &FakeNode{
			cluster: c,
			Tag:     string(rune('A' + nodeIdx)),
		}
		node.Server = httptest.NewUnstartedServer(node.router())
		if cert != nil {
			node.Server.TLS = &tls.Config{Certificates: []tls.Certificate{*cert}}
			node.Server.StartTLS()
		} else {
			node.Server.Start()
		}
		node.Url = node.Server.URL
		c.Nodes = append(c.Nodes, node)
	}

	if cert != nil {
		pool, err := selfsignedcert.CertPool(cert)
		if err != nil {
			t.Fatalf("failed to build cert pool: %s", err)
		}
		c.CertPool = pool
	}

	t.Cleanup(c.Close)
	return c
}

func (c *FakeCluster) Close() {
	for _, node := range c.Nodes {
		node.Server.CloseClientConnections()
		node.Server.Close()
	}
}

func (c *FakeCluster) Urls() []string {
	urls := make([]string, len(c.Nodes))
	for nodeIdx, node := range c.Nodes {
		urls[nodeIdx] = node.Url
	}
	return urls
}

func (c *FakeCluster) Etag() int64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.etag
}

func (c *FakeCluster) SetEtag(etag int64) {
	c.lock.Lock()
	c.etag = etag
	c.lock.Unlock()
}

// SetLeader moves leadership to the node at leaderIdx and bumps the etag.
func (c *FakeCluster) SetLeader(leaderIdx int) {
	c.lock.Lock()
	c.leaderIdx = leaderIdx
	c.etag++
	c.lock.Unlock()
}

func (c *FakeCluster) Leader() *FakeNode {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.Nodes[c.leaderIdx]
}

func (c *FakeCluster) Topology() *doctopology.TopologyJson {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.topologyLocked()
}

func (c *FakeCluster) topologyLocked() *doctopology.TopologyJson {
	topology := &doctopology.TopologyJson{Etag: c.etag}
	for nodeIdx, node := range c.Nodes {
		role := "Member"
		if nodeIdx == c.leaderIdx {
			role = doctopology.ServerRoleLeader
		}
		topology.Nodes = append(topology.Nodes, doctopology.NodeJson{
			Url:        node.Url,
			Database:   c.Database,
			ClusterTag: node.Tag,
			ServerRole: role,
		})
	}
	return topology
}

// PutDocument stores a document directly and returns its change vector.
func (c *FakeCluster) PutDocument(id string, body []byte) string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.putLocked(id, body, "A")
}

func (c *FakeCluster) putLocked(id string, body []byte, tag string) string {
	c.changeCounter++
	changeVector := fmt.Sprintf("%s:%d", tag, c.changeCounter)
	c.docs[strings.ToLower(id)] = &fakeDocument{
		Body:         append(json.RawMessage(nil), body...),
		ChangeVector: changeVector,
	}
	return changeVector
}

// FakeNode is a single node of a FakeCluster.
type FakeNode struct {
	Server *httptest.Server
	Url    string
	Tag    string

	cluster *FakeCluster

	down       atomic.Bool
	failStatus atomic.Int32
	delayNanos atomic.Int64
	numReqs    atomic.Int64

	lock         sync.Mutex
	extraHeaders http.Header
	requests     []RecordedRequest
	requireAuth  bool
	username     string
	password     string
}

// SetDown makes the node drop every connection without answering.
func (n *FakeNode) SetDown(down bool) {
	n.down.Store(down)
}

// SetFailStatus makes the node answer every request with statusCode.  Zero
// restores normal behaviour.
func (n *FakeNode) SetFailStatus(statusCode int) {
	n.failStatus.Store(int32(statusCode))
}

func (n *FakeNode) SetDelay(delay time.Duration) {
	n.delayNanos.Store(int64(delay))
}

// SetResponseHeader adds a header to every response of the node.
func (n *FakeNode) SetResponseHeader(key, value string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if n.extraHeaders == nil {
		n.extraHeaders = make(http.Header)
	}
	n.extraHeaders.Set(key, value)
}

func (n *FakeNode) RequireBasicAuth(username, password string) {
	n.lock.Lock()
	n.requireAuth = true
	n.username = username
	n.password = password
	n.lock.Unlock()
}

// NumRequests counts every request the node received, including dropped ones.
func (n *FakeNode) NumRequests() int64 {
	return n.numReqs.Load()
}

func (n *FakeNode) Requests() []RecordedRequest {
	n.lock.Lock()
	defer n.lock.Unlock()
	return append([]RecordedRequest(nil), n.requests...)
}

// RequestsTo returns the recorded requests whose path ends in suffix.
func (n *FakeNode) RequestsTo(suffix string) []RecordedRequest {
	var out []RecordedRequest
	for _, req := range n.Requests() {
		if strings.HasSuffix(req.Path, suffix) {
			out = append(out, req)
		}
	}
	return out
}

func (n *FakeNode) router() http.Handler {
	r := mux.NewRouter()
	r.Use(n.faultMiddleware)

	r.HandleFunc(doctopology.TopologyPath, n.handleTopology).Methods(http.MethodGet)
	r.HandleFunc("/setup/alive", n.handleAlive).Methods(http.MethodGet)
	r.HandleFunc("/databases/{db}/docs", n.handleGetDocument).Methods(http.MethodGet)
	r.HandleFunc("/databases/{db}/docs", n.handlePutDocument).Methods(http.MethodPut)
	r.HandleFunc("/databases/{db}/identity/next", n.handleNextIdentity).Methods(http.MethodPost)
	r.HandleFunc("/databases/{db}/stats", n.handleStats).Methods(http.MethodGet)

	return r
}

func (n *FakeNode) faultMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.numReqs.Add(1)

		n.lock.Lock()
		n.requests = append(n.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
		})
		for key, values := range n.extraHeaders {
			for _, value := range values {
				w.Header().Add(key, value)
			}
		}
		requireAuth, username, password := n.requireAuth, n.username, n.password
		n.lock.Unlock()

		if delay := time.Duration(n.delayNanos.Load()); delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		if n.down.Load() {
			hijacker, ok := w.(http.Hijacker)
			if ok {
				conn, _, err := hijacker.Hijack()
				if err == nil {
					_ = conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		if requireAuth {
			reqUser, reqPass, ok := authhdr.DecodeBasicAuth(r.Header.Get("Authorization"))
			if !ok || reqUser != username || reqPass != password {
				writeError(w, http.StatusUnauthorized, "AuthenticationException", "invalid credentials")
				return
			}
		}

		if failStatus := int(n.failStatus.Load()); failStatus != 0 {
			writeError(w, failStatus, "InjectedFailure", "injected failure")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJson(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, errType, message string) {
	writeJson(w, statusCode, map[string]string{
		"Type":    errType,
		"Message": message,
	})
}

func (n *FakeNode) handleTopology(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("name") != n.cluster.Database {
		writeError(w, http.StatusServiceUnavailable, "DatabaseDoesNotExistException",
			fmt.Sprintf("database %q does not exist", r.URL.Query().Get("name")))
		return
	}

	writeJson(w, http.StatusOK, n.cluster.Topology())
}

func (n *FakeNode) handleAlive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (n *FakeNode) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")

	n.cluster.lock.Lock()
	doc := n.cluster.docs[strings.ToLower(id)]
	n.cluster.lock.Unlock()

	if doc == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	etag := `"` + doc.ChangeVector + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", etag)
	writeJson(w, http.StatusOK, map[string]any{
		"Id":           id,
		"ChangeVector": doc.ChangeVector,
		"Document":     doc.Body,
	})
}

func (n *FakeNode) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "ArgumentException", "document id is required")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "BadRequestException", "document body must be valid json")
		return
	}

	n.cluster.lock.Lock()
	changeVector := n.cluster.putLocked(id, body, n.Tag)
	n.cluster.lock.Unlock()

	writeJson(w, http.StatusCreated, map[string]string{
		"Id":           id,
		"ChangeVector": changeVector,
	})
}

func (n *FakeNode) handleNextIdentity(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	raftID := r.URL.Query().Get("raft-request-id")
	if name == "" || raftID == "" {
		writeError(w, http.StatusBadRequest, "ArgumentException", "name and raft-request-id are required")
		return
	}

	n.cluster.lock.Lock()
	defer n.cluster.lock.Unlock()

	leader := n.cluster.Nodes[n.cluster.leaderIdx]
	if leader != n {
		w.Header().Set("Leader-Node-Url", leader.Url)
		writeError(w, http.StatusMisdirectedRequest, "NotLeaderException", "this node is not the leader")
		return
	}

	// a retried request must observe the result of its first application
	value, ok := n.cluster.identityByRaft[raftID]
	if !ok {
		n.cluster.identities[name]++
		value = n.cluster.identities[name]
		n.cluster.identityByRaft[raftID] = value
	}

	writeJson(w, http.StatusOK, map[string]int64{
		"NewIdentity": value,
	})
}

func (n *FakeNode) handleStats(w http.ResponseWriter, r *http.Request) {
	n.cluster.lock.Lock()
	numDocs := len(n.cluster.docs)
	numIdentities := len(n.cluster.identities)
	n.cluster.lock.Unlock()

	writeJson(w, http.StatusOK, map[string]any{
		"DatabaseName":      mux.Vars(r)["db"],
		"CountOfDocuments":  numDocs,
		"CountOfIdentities": numIdentities,
		"NodeTag":           n.Tag,
		"TopologyEtag":      strconv.FormatInt(n.cluster.Etag(), 10),
	})
}
