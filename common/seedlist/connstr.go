package seedlist

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/couchbaselabs/gocbconnstr"

	"github.com/couchbase/stellar-docclient/client"
)

const DefaultPort = 8080

// ConnSpec is the result of parsing a connection string such as
// docdb://node1:8080,node2/orders?readBalance=roundRobin.
type ConnSpec struct {
	SeedUrls               []string
	Database               string
	ReadBalance            client.ReadBalanceBehavior
	DisableTopologyUpdates bool
}

func schemeToHttp(scheme string) (string, error) {
	switch strings.ToLower(scheme) {
	case "", "docdb", "http":
		return "http", nil
	case "docdbs", "https":
		return "https", nil
	}
	return "", fmt.Errorf("unsupported connection string scheme %q", scheme)
}

func lastOption(options map[string][]string, name string) (string, bool) {
	values := options[name]
	if len(values) == 0 {
		return "", false
	}
	return values[len(values)-1], true
}

// ParseConnStr parses a docdb:// or docdbs:// connection string.  The plain
// http and https schemes are accepted as well.
func ParseConnStr(connStr string) (*ConnSpec, error) {
	// gocbconnstr only knows the couchbase schemes, so it is handed the
	// remainder after the scheme has been mapped here
	scheme, rest, hasScheme := strings.Cut(connStr, "://")
	if !hasScheme {
		scheme, rest = "", connStr
	}

	httpScheme, err := schemeToHttp(scheme)
	if err != nil {
		return nil, err
	}

	baseSpec, err := gocbconnstr.Parse(rest)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if len(baseSpec.Addresses) == 0 {
		return nil, fmt.Errorf("connection string %q contains no hosts", connStr)
	}

	spec := &ConnSpec{
		Database: baseSpec.Bucket,
	}

	for _, address := range baseSpec.Addresses {
		port := address.Port
		if port <= 0 {
			port = DefaultPort
		}
		spec.SeedUrls = append(spec.SeedUrls,
			httpScheme+"://"+address.Host+":"+strconv.Itoa(port))
	}

	if value, ok := lastOption(baseSpec.Options, "readBalance"); ok {
		spec.ReadBalance, err = client.ParseReadBalanceBehavior(value)
		if err != nil {
			return nil, err
		}
	}

	if value, ok := lastOption(baseSpec.Options, "disableTopologyUpdates"); ok {
		spec.DisableTopologyUpdates, err = strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid disableTopologyUpdates option %q: %w", value, err)
		}
	}

	return spec, nil
}

// Apply copies the parsed values into cfg.  An explicitly configured database
// is kept when the connection string does not name one.
func (s *ConnSpec) Apply(cfg *client.Config) {
	cfg.SeedUrls = s.SeedUrls
	if s.Database != "" {
		cfg.Database = s.Database
	}
	cfg.ReadBalance = s.ReadBalance
	cfg.DisableTopologyUpdates = s.DisableTopologyUpdates
}
