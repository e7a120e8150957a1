// Package commands contains the concrete commands the request executor runs
// against a database.
package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/pkg/errors"

	"github.com/couchbase/stellar-docclient/client"
	"github.com/couchbase/stellar-docclient/common/doctopology"
)

var ErrInvalidId = errors.New("document id must not be empty")

func databaseUrl(node *doctopology.ServerNode, path string) string {
	return node.Url + "/databases/" + url.PathEscape(node.Database) + path
}

// Document is a document together with the change vector it was read at.
type Document struct {
	Id           string          `json:"Id"`
	ChangeVector string          `json:"ChangeVector"`
	Body         json.RawMessage `json:"Document"`
}

type GetDocumentCommand struct {
	Id string

	// Result is nil when the document does not exist.
	Result    *Document
	FromCache bool
}

var _ client.NotFoundHandler = (*GetDocumentCommand)(nil)

func NewGetDocumentCommand(id string) (*GetDocumentCommand, error) {
	if id == "" {
		return nil, ErrInvalidId
	}
	return &GetDocumentCommand{Id: id}, nil
}

func (c *GetDocumentCommand) CreateRequest(ctx context.Context, node *doctopology.ServerNode) (*http.Request, error) {
	reqUrl := databaseUrl(node, "/docs") + "?id=" + url.QueryEscape(c.Id)
	return http.NewRequestWithContext(ctx, http.MethodGet, reqUrl, nil)
}

func (c *GetDocumentCommand) SetResponse(body []byte, fromCache bool) error {
	var doc Document
	err := json.Unmarshal(body, &doc)
	if err != nil {
		return errors.Wrapf(err, "failed to parse document %s", c.Id)
	}

	c.Result = &doc
	c.FromCache = fromCache
	return nil
}

func (c *GetDocumentCommand) SetNotFound() {
	c.Result = nil
	c.FromCache = false
}

func (c *GetDocumentCommand) IsReadRequest() bool {
	return true
}

type PutResult struct {
	Id           string `json:"Id"`
	ChangeVector string `json:"ChangeVector"`
}

type PutDocumentCommand struct {
	Id       string
	Document json.RawMessage

	Result *PutResult
}

func NewPutDocumentCommand(id string, document []byte) (*PutDocumentCommand, error) {
	if id == "" {
		return nil, ErrInvalidId
	}
	if !json.Valid(document) {
		return nil, errors.Errorf("document %s is not valid json", id)
	}
	return &PutDocumentCommand{Id: id, Document: document}, nil
}

func (c *PutDocumentCommand) CreateRequest(ctx context.Context, node *doctopology.ServerNode) (*http.Request, error) {
	reqUrl := databaseUrl(node, "/docs") + "?id=" + url.QueryEscape(c.Id)

	// each attempt needs its own reader
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, reqUrl, bytes.NewReader(c.Document))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *PutDocumentCommand) SetResponse(body []byte, fromCache bool) error {
	var result PutResult
	err := json.Unmarshal(body, &result)
	if err != nil {
		return errors.Wrapf(err, "failed to parse put result of %s", c.Id)
	}

	c.Result = &result
	return nil
}

func (c *PutDocumentCommand) IsReadRequest() bool {
	return false
}

type DatabaseStatistics struct {
	DatabaseName      string `json:"DatabaseName"`
	CountOfDocuments  int64  `json:"CountOfDocuments"`
	CountOfIdentities int64  `json:"CountOfIdentities"`
	NodeTag           string `json:"NodeTag"`
}

type GetStatisticsCommand struct {
	Result *DatabaseStatistics
}

func (c *GetStatisticsCommand) CreateRequest(ctx context.Context, node *doctopology.ServerNode) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, databaseUrl(node, "/stats"), nil)
}

func (c *GetStatisticsCommand) SetResponse(body []byte, fromCache bool) error {
	var stats DatabaseStatistics
	err := json.Unmarshal(body, &stats)
	if err != nil {
		return errors.Wrap(err, "failed to parse database statistics")
	}

	c.Result = &stats
	return nil
}

func (c *GetStatisticsCommand) IsReadRequest() bool {
	return true
}
