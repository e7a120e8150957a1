package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/couchbase/stellar-docclient/common/doctopology"
)

var (
	ErrEmptyTopology    = errors.New("topology contains no nodes")
	ErrMissingRequestID = errors.New("command requires a unique request id but none was provided")
	ErrExecutorClosed   = errors.New("request executor is closed")
)

// ServerError is an application level failure reported by a node.  These are
// never retried against another node.
type ServerError struct {
	StatusCode int
	Type       string
	Message    string
	Url        string
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Type != "" {
		return fmt.Sprintf("%s (status: %d, type: %s, url: %s)", msg, e.StatusCode, e.Type, e.Url)
	}
	return fmt.Sprintf("%s (status: %d, url: %s)", msg, e.StatusCode, e.Url)
}

// NodeFailure captures why a single node could not serve a command.
type NodeFailure struct {
	Node       *doctopology.ServerNode
	StatusCode int
	Err        error
}

func (f NodeFailure) String() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", f.Node.Url, f.StatusCode, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Node.Url, f.Err)
}

// AllNodesFailedError is returned once every candidate node for a command has
// failed, or the caller's deadline expired while failing over.
type AllNodesFailedError struct {
	Elapsed          time.Duration
	RequestTimeout   time.Duration
	DeadlineExceeded bool
	Failures         []NodeFailure
}

func (e *AllNodesFailedError) Error() string {
	reasons := make([]string, len(e.Failures))
	for failureIdx, failure := range e.Failures {
		reasons[failureIdx] = failure.String()
	}

	prefix := "all topology nodes are unreachable"
	if e.DeadlineExceeded {
		prefix = "deadline exceeded while failing over between topology nodes"
	}

	return fmt.Sprintf("%s (elapsed: %s, request timeout: %s, attempted: %d): [%s]",
		prefix,
		e.Elapsed,
		e.RequestTimeout,
		len(e.Failures),
		strings.Join(reasons, "; "))
}

func (e *AllNodesFailedError) Unwrap() error {
	if e.DeadlineExceeded {
		return context.DeadlineExceeded
	}
	return nil
}

// nodeUnavailableError marks a failure as specific to the node which was
// contacted, making it eligible for failover.
type nodeUnavailableError struct {
	StatusCode int
	LeaderUrl  string
	Cause      error
}

func (e *nodeUnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("node unavailable (status: %d): %s", e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("node unavailable: %s", e.Cause)
}

func (e *nodeUnavailableError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err indicates a problem with the node rather than
// the operation, meaning the operation may be attempted on another node.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var nodeErr *nodeUnavailableError
	if errors.As(err, &nodeErr) {
		return true
	}

	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		// a per-attempt timeout, the overall deadline is checked separately
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// isNodeSpecificStatus reports the statuses which indicate that the node we
// contacted cannot currently serve the request, rather than that the request
// itself is invalid.
func isNodeSpecificStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusGone,
		http.StatusMisdirectedRequest,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

type errorResponseJson struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
	Error   string `json:"Error"`
}

func parseServerError(statusCode int, url string, body []byte) *ServerError {
	serverErr := &ServerError{
		StatusCode: statusCode,
		Url:        url,
	}

	var errJson errorResponseJson
	if json.Unmarshal(body, &errJson) == nil {
		serverErr.Type = errJson.Type
		serverErr.Message = errJson.Message
		if serverErr.Message == "" {
			serverErr.Message = errJson.Error
		}
	} else if len(body) > 0 && len(body) <= 512 {
		serverErr.Message = strings.TrimSpace(string(body))
	}

	return serverErr
}
