/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package testutils

import (
	"os"
	"strings"
	"testing"
)

// Config describes a real cluster to run integration tests against.  Without
// DOCTEST_URLS those tests are skipped.
type Config struct {
	Urls     []string
	Database string
	Username string
	Password string
}

var globalTestConfig *Config

func GetTestConfig(t *testing.T) *Config {
	if globalTestConfig == nil {
		testConfig := &Config{
			Database: "test",
		}

		envUrls := os.Getenv("DOCTEST_URLS")
		if envUrls != "" {
			testConfig.Urls = strings.Split(envUrls, ",")
		}

		envDatabase := os.Getenv("DOCTEST_DATABASE")
		if envDatabase != "" {
			testConfig.Database = envDatabase
		}

		testConfig.Username = os.Getenv("DOCTEST_USER")
		testConfig.Password = os.Getenv("DOCTEST_PASS")

		t.Logf("initialized test configuration")
		t.Logf("  urls: %s", strings.Join(testConfig.Urls, ","))
		t.Logf("  database: %s", testConfig.Database)
		t.Logf("  user: %s", testConfig.Username)

		globalTestConfig = testConfig
	}

	return globalTestConfig
}

func SkipIfNoCluster(t *testing.T) *Config {
	config := GetTestConfig(t)
	if len(config.Urls) == 0 {
		t.Skip("skipping due to no DOCTEST_URLS")
	}
	return config
}
