package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/couchbase/stellar-docclient/client"
	"github.com/couchbase/stellar-docclient/common/doctopology"
)

// NextIdentityCommand increments a named identity on the cluster leader.  The
// raft request id is generated once per command so that retries on other
// nodes are applied at most once.
type NextIdentityCommand struct {
	Name      string
	RequestID string

	Result int64
}

var (
	_ client.UniqueRequestCommand = (*NextIdentityCommand)(nil)
	_ client.LeaderCommand        = (*NextIdentityCommand)(nil)
)

func NewNextIdentityCommand(name string) (*NextIdentityCommand, error) {
	if name == "" {
		return nil, errors.New("identity name must not be empty")
	}

	return &NextIdentityCommand{
		Name:      name,
		RequestID: uuid.NewString(),
	}, nil
}

func (c *NextIdentityCommand) CreateRequest(ctx context.Context, node *doctopology.ServerNode) (*http.Request, error) {
	reqUrl := databaseUrl(node, "/identity/next") + "?name=" + url.QueryEscape(c.Name)
	return http.NewRequestWithContext(ctx, http.MethodPost, reqUrl, nil)
}

func (c *NextIdentityCommand) SetResponse(body []byte, fromCache bool) error {
	var resp struct {
		NewIdentity int64 `json:"NewIdentity"`
	}
	err := json.Unmarshal(body, &resp)
	if err != nil {
		return errors.Wrapf(err, "failed to parse next identity of %s", c.Name)
	}

	c.Result = resp.NewIdentity
	return nil
}

func (c *NextIdentityCommand) IsReadRequest() bool {
	return false
}

func (c *NextIdentityCommand) RaftRequestID() string {
	return c.RequestID
}

func (c *NextIdentityCommand) RequiresLeader() bool {
	return true
}
