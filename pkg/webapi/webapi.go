// This file is to handle things such as metrics/status/log level, etc

package webapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/couchbase/stellar-docclient/client"
	"github.com/couchbase/stellar-docclient/common/doctopology"
)

// StatusSource is what the web api reports on.  It is satisfied by
// *client.RequestExecutor.
type StatusSource interface {
	Database() string
	Topology() *doctopology.Topology
	NodeStatuses() map[string]client.NodeStatus
}

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Source        StatusSource
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	source        StatusSource
	httpServer    *http.Server
}

func NewWebServer(opts WebServerOptions) *WebServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WebServer{
		logger:        logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		source:        opts.Source,
	}
}

type nodeStatusJson struct {
	Url                 string     `json:"url"`
	ClusterTag          string     `json:"clusterTag"`
	IsLeader            bool       `json:"isLeader"`
	LastFailure         *time.Time `json:"lastFailure,omitempty"`
	ConsecutiveFailures int64      `json:"consecutiveFailures"`
	LastLatencyMs       *float64   `json:"lastLatencyMs,omitempty"`
}

type topologyStatusJson struct {
	Database string           `json:"database"`
	Etag     int64            `json:"etag"`
	Nodes    []nodeStatusJson `json:"nodes"`
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the docclient internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleTopology(rw http.ResponseWriter, r *http.Request) {
	if w.source == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	topology := w.source.Topology()
	if topology == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	statuses := w.source.NodeStatuses()

	out := topologyStatusJson{
		Database: w.source.Database(),
		Etag:     topology.Etag,
		Nodes:    make([]nodeStatusJson, 0, topology.Len()),
	}
	for _, node := range topology.Nodes {
		status := statuses[node.Key()]

		nodeJson := nodeStatusJson{
			Url:                 node.Url,
			ClusterTag:          node.ClusterTag,
			IsLeader:            node.IsLeader,
			LastFailure:         status.LastFailure,
			ConsecutiveFailures: status.ConsecutiveFailures,
		}
		if status.LastLatency != nil {
			latencyMs := float64(*status.LastLatency) / float64(time.Millisecond)
			nodeJson.LastLatencyMs = &latencyMs
		}

		out.Nodes = append(out.Nodes, nodeJson)
	}

	rw.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(rw).Encode(out)
	if err != nil {
		w.logger.Debug("failed to write topology response", zap.Error(err))
	}
}

func (w *WebServer) handleGetLogLevel(rw http.ResponseWriter, r *http.Request) {
	if w.logLevel == nil {
		rw.WriteHeader(http.StatusNotFound)
		return
	}

	_, err := rw.Write([]byte(w.logLevel.Level().String()))
	if err != nil {
		w.logger.Debug("failed to write log level response", zap.Error(err))
	}
}

func (w *WebServer) handleSetLogLevel(rw http.ResponseWriter, r *http.Request) {
	if w.logLevel == nil {
		rw.WriteHeader(http.StatusNotFound)
		return
	}

	newLevel, err := zapcore.ParseLevel(mux.Vars(r)["level"])
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	w.logLevel.SetLevel(newLevel)
	w.logger.Info("updated log level via webapi",
		zap.String("newLevel", newLevel.String()))

	rw.WriteHeader(http.StatusNoContent)
}

func (w *WebServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/topology", w.handleTopology).Methods(http.MethodGet)
	r.HandleFunc("/log-level", w.handleGetLogLevel).Methods(http.MethodGet)
	r.HandleFunc("/log-level/{level}", w.handleSetLogLevel).Methods(http.MethodPut)
	r.HandleFunc("/", w.handleRoot)

	return r
}

func (w *WebServer) ListenAndServe() error {
	w.httpServer = &http.Server{
		Handler:      w.Handler(),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return w.httpServer.ListenAndServe()
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return
	}

	globalWebServer = NewWebServer(opts)
	globalWebLock.Unlock()
	go func() {
		err := globalWebServer.ListenAndServe()
		if err != nil {
			opts.Logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()
}
