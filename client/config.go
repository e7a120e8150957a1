package client

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

type ReadBalanceBehavior int

const (
	ReadBalanceNone ReadBalanceBehavior = iota
	ReadBalanceRoundRobin
	ReadBalanceFastestNode
)

func (b ReadBalanceBehavior) String() string {
	switch b {
	case ReadBalanceNone:
		return "none"
	case ReadBalanceRoundRobin:
		return "roundRobin"
	case ReadBalanceFastestNode:
		return "fastestNode"
	}
	return fmt.Sprintf("unknown(%d)", int(b))
}

func ParseReadBalanceBehavior(value string) (ReadBalanceBehavior, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "none":
		return ReadBalanceNone, nil
	case "roundrobin", "round-robin":
		return ReadBalanceRoundRobin, nil
	case "fastestnode", "fastest-node", "fastest":
		return ReadBalanceFastestNode, nil
	}
	return ReadBalanceNone, fmt.Errorf("invalid read balance behavior: %q", value)
}

// Config is the configuration for a RequestExecutor.  It is a plain value; the
// executor copies what it needs at construction time.
type Config struct {
	Logger *zap.Logger

	SeedUrls []string
	Database string

	ReadBalance ReadBalanceBehavior

	// RequestTimeout bounds every individual attempt against a node.
	RequestTimeout time.Duration
	// FailureQuarantine is how long a failed node is skipped when picking a
	// preferred node.
	FailureQuarantine time.Duration
	// TopologyRefreshInterval is the period of the background topology refresh.
	TopologyRefreshInterval time.Duration
	// SpeedTestTimeout bounds the wait for the first speed test probe.
	SpeedTestTimeout time.Duration

	MaxCacheSize    int64
	MaxCacheEntries int

	// DisableTopologyUpdates pins the executor to the seed nodes and never
	// starts the background updater.
	DisableTopologyUpdates bool
	// InvalidateCacheOnWrite marks all cached responses as stale whenever a
	// write command succeeds.
	InvalidateCacheOnWrite bool

	Username string
	Password string

	// HttpClient is the transport used for all requests.  If nil, an
	// instrumented client is created.
	HttpClient HttpDoer
}

func DefaultConfig() Config {
	return Config{
		ReadBalance:             ReadBalanceNone,
		RequestTimeout:          30 * time.Second,
		FailureQuarantine:       5 * time.Second,
		TopologyRefreshInterval: 5 * time.Minute,
		SpeedTestTimeout:        5 * time.Second,
		MaxCacheSize:            512 * 1024 * 1024,
		MaxCacheEntries:         64 * 1024,
	}
}

// withDefaults fills in zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.FailureQuarantine <= 0 {
		c.FailureQuarantine = defaults.FailureQuarantine
	}
	if c.TopologyRefreshInterval <= 0 {
		c.TopologyRefreshInterval = defaults.TopologyRefreshInterval
	}
	if c.SpeedTestTimeout <= 0 {
		c.SpeedTestTimeout = defaults.SpeedTestTimeout
	}
	if c.MaxCacheSize <= 0 {
		c.MaxCacheSize = defaults.MaxCacheSize
	}
	if c.MaxCacheEntries <= 0 {
		c.MaxCacheEntries = defaults.MaxCacheEntries
	}
	return c
}
