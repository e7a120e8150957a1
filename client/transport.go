package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/httptrace/otelhttptrace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/couchbase/stellar-docclient/utils/authhdr"
)

// HttpDoer is the part of *http.Client the executor uses.
type HttpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewInstrumentedHttpClient returns an http client whose transport emits otel
// spans for every request and for the connection phases of each request.
func NewInstrumentedHttpClient() *http.Client {
	baseTransport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(baseTransport,
			otelhttp.WithClientTrace(func(ctx context.Context) *httptrace.ClientTrace {
				return otelhttptrace.NewClientTrace(ctx)
			})),
	}
}

// basicAuthHeader returns the Authorization header value for the credentials,
// or "" if there are none.
func basicAuthHeader(username, password string) string {
	if username == "" && password == "" {
		return ""
	}
	return authhdr.EncodeBasicAuth(username, password)
}

// applyAuthHeader sets authHeader unless the command set its own.
func applyAuthHeader(req *http.Request, authHeader string) {
	if authHeader == "" || req.Header.Get("Authorization") != "" {
		return
	}
	req.Header.Set("Authorization", authHeader)
}
