// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spannerclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"github.com/google/go-cmp/cmp"
	"github.com/googleapis/go-spanner-client/testutil"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

func TestParseConnectionString(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		dsn      string
		host     string
		project  string
		instance string
		database string
	}{
		{
			dsn:      "projects/p/instances/i/databases/d",
			project:  "p",
			instance: "i",
			database: "d",
		},
		{
			dsn:      "localhost:9010/projects/test-project/instances/test-instance/databases/test_database",
			host:     "localhost:9010",
			project:  "test-project",
			instance: "test-instance",
			database: "test_database",
		},
		{
			dsn:      "spanner.googleapis.com/projects/p/instances/i/databases/d?minSessions=10",
			host:     "spanner.googleapis.com",
			project:  "p",
			instance: "i",
			database: "d",
		},
		{
			dsn:      "projects/DEFAULT_PROJECT_ID/instances/i/databases/d;",
			project:  "DEFAULT_PROJECT_ID",
			instance: "i",
			database: "d",
		},
	} {
		cs, err := ParseConnectionString(test.dsn)
		if err != nil {
			t.Fatalf("%s: %v", test.dsn, err)
		}
		got := []string{cs.Host, cs.Project, cs.Instance, cs.Database}
		want := []string{test.host, test.project, test.instance, test.database}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s: parts mismatch (-want +got):\n%s", test.dsn, diff)
		}
	}
}

func TestParseConnectionStringErrors(t *testing.T) {
	t.Parallel()

	for _, dsn := range []string{
		"",
		"projects/p",
		"projects/p/instances/i",
		"projects/p/instances/i/databases/d;unknown=true",
		"projects/p/instances/i/databases/d;minSessions",
		"projects/p/instances/i/databases/d;minSessions=-1",
		"projects/p/instances/i/databases/d;usePlainText=maybe",
		"projects/p/instances/i/databases/d;dialect=mysql",
	} {
		if _, err := ParseConnectionString(dsn); spanner.ErrCode(err) != codes.InvalidArgument {
			t.Errorf("%q: error code mismatch\n Got: %v\nWant: %v", dsn, spanner.ErrCode(err), codes.InvalidArgument)
		}
	}
}

func TestConnectionStringClientConfig(t *testing.T) {
	t.Parallel()

	cs, err := ParseConnectionString("projects/p/instances/i/databases/d;" +
		"min_sessions=5;MaxSessions=50;burstyPool=true;checkout_timeout=2s;maxIdleTime=60000;" +
		"databaseRole=reader;disableRouteToLeader=true;transactionTimeout=30s;numChannels=2;" +
		"multiplexedRefreshInterval=1h;multiplexedPollInterval=1m")
	if err != nil {
		t.Fatal(err)
	}
	want := ClientConfig{
		SessionPoolConfig: SessionPoolConfig{
			MinSessions:     5,
			MaxSessions:     50,
			Bursty:          true,
			CheckoutTimeout: 2 * time.Second,
			MaxIdleTime:     time.Minute,
		},
		MultiplexedSessionConfig: MultiplexedSessionConfig{
			RefreshInterval: time.Hour,
			PollInterval:    time.Minute,
		},
		DatabaseRole:         "reader",
		DisableRouteToLeader: true,
		TransactionTimeout:   30 * time.Second,
		NumChannels:          2,
	}
	if diff := cmp.Diff(want, cs.ClientConfig(), cmp.AllowUnexported(ClientConfig{})); diff != "" {
		t.Fatalf("client config mismatch (-want +got):\n%s", diff)
	}
}

func TestConnectionStringDefaults(t *testing.T) {
	t.Parallel()

	cs, err := ParseConnectionString("projects/p/instances/i/databases/d")
	if err != nil {
		t.Fatal(err)
	}
	config := cs.ClientConfig()
	if g, w := config.SessionPoolConfig, DefaultSessionPoolConfig; g != w {
		t.Fatalf("session pool config mismatch\n Got: %v\nWant: %v", g, w)
	}
	if g, w := config.TransactionTimeout, DefaultTransactionTimeout; g != w {
		t.Fatalf("transaction timeout mismatch\n Got: %v\nWant: %v", g, w)
	}
	if g, w := len(cs.ClientOptions()), 0; g != w {
		t.Fatalf("client options count mismatch\n Got: %v\nWant: %v", g, w)
	}
	if g, w := propertyDialect.GetValueOrDefault(cs.Values), databasepb.DatabaseDialect_GOOGLE_STANDARD_SQL; g != w {
		t.Fatalf("dialect mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestConnectionStringClientOptions(t *testing.T) {
	t.Parallel()

	cs, err := ParseConnectionString("localhost:9010/projects/p/instances/i/databases/d;usePlainText=true")
	if err != nil {
		t.Fatal(err)
	}
	// Endpoint, insecure transport and no authentication.
	if g, w := len(cs.ClientOptions()), 3; g != w {
		t.Fatalf("client options count mismatch\n Got: %v\nWant: %v", g, w)
	}
	if g, w := len(cs.ClientOptions(nil, nil)), 5; g != w {
		t.Fatalf("client options count mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestParseDialect(t *testing.T) {
	t.Parallel()

	for value, want := range map[string]databasepb.DatabaseDialect{
		"":                    databasepb.DatabaseDialect_GOOGLE_STANDARD_SQL,
		"googlesql":           databasepb.DatabaseDialect_GOOGLE_STANDARD_SQL,
		"GOOGLE_STANDARD_SQL": databasepb.DatabaseDialect_GOOGLE_STANDARD_SQL,
		"postgresql":          databasepb.DatabaseDialect_POSTGRESQL,
		" PG ":                databasepb.DatabaseDialect_POSTGRESQL,
	} {
		got, err := parseDialect(value)
		if err != nil {
			t.Fatalf("%q: %v", value, err)
		}
		if got != want {
			t.Errorf("%q: dialect mismatch\n Got: %v\nWant: %v", value, got, want)
		}
	}
}

func TestOpenDatabase(t *testing.T) {
	t.Parallel()

	server, _, teardown := testutil.NewMockedSpannerInMemTestServer(t)
	defer teardown()

	ctx := context.Background()
	dsn := fmt.Sprintf("%s/projects/p/instances/i/databases/d;usePlainText=true;minSessions=1;maxSessions=5", server.Address)
	db, err := OpenDatabase(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	if g, w := db.Name(), "projects/p/instances/i/databases/d"; g != w {
		t.Fatalf("database name mismatch\n Got: %v\nWant: %v", g, w)
	}
	iter := db.Single().Query(ctx, NewStatement(testutil.SelectFooFromBar))
	var count int
	for {
		_, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		count++
	}
	if g, w := count, 2; g != w {
		t.Fatalf("row count mismatch\n Got: %v\nWant: %v", g, w)
	}
	client := db.client
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	if !client.isClosed() {
		t.Fatal("client was not closed together with the database")
	}
}

func TestOpenDatabaseInvalidPoolConfig(t *testing.T) {
	t.Parallel()

	_, err := OpenDatabase(context.Background(), "localhost:9010/projects/p/instances/i/databases/d;usePlainText=true;minSessions=10;maxSessions=5")
	if g, w := spanner.ErrCode(err), codes.InvalidArgument; g != w {
		t.Fatalf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}
}
