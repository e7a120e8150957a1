package client

import (
	"context"
	"net/http"
	"time"

	"github.com/couchbase/stellar-docclient/common/doctopology"
)

// Command is a single logical database operation.  Commands are created by
// the caller for one Execute call and hold their own result.
type Command interface {
	// CreateRequest builds the request to send to node.  It may be invoked
	// several times during one Execute call when failing over between nodes.
	CreateRequest(ctx context.Context, node *doctopology.ServerNode) (*http.Request, error)

	// SetResponse parses a successful response body.  fromCache indicates the
	// body came from the response cache rather than the wire.
	SetResponse(body []byte, fromCache bool) error

	// IsReadRequest marks the command as cacheable and subject to the read
	// balance policy.
	IsReadRequest() bool
}

// UniqueRequestCommand is implemented by writes that must be applied exactly
// once across the cluster.  The id must be generated by the caller once and
// is sent unchanged on every retry.
type UniqueRequestCommand interface {
	Command
	RaftRequestID() string
}

// LeaderCommand is implemented by commands that may only be served by the
// current cluster leader.
type LeaderCommand interface {
	Command
	RequiresLeader() bool
}

// NotFoundHandler is implemented by commands for which a 404 response is a
// valid, empty result rather than an error.
type NotFoundHandler interface {
	Command
	SetNotFound()
}

func commandRequiresLeader(cmd Command) bool {
	leaderCmd, ok := cmd.(LeaderCommand)
	return ok && leaderCmd.RequiresLeader()
}

type ExecuteOptions struct {
	// SessionID selects the preferred node under the round robin policy.
	SessionID int
	// NoCache bypasses the response cache for this call.
	NoCache bool
	// AggressiveCacheFor allows serving a cached response younger than this
	// duration without contacting the server.
	AggressiveCacheFor time.Duration
}
