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
	"strings"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"github.com/googleapis/go-spanner-client/properties"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// connectionProperties contains all properties that can be set in a
// connection string.
var connectionProperties = map[string]properties.Property{}

// The following variables define the properties that are supported in
// connection strings. They are global variables, so they can be used
// directly to read the value of exactly that property.

var propertyCredentials = createConnectionProperty(
	"credentials",
	"File name of the credentials to use. The default credentials of the environment are used if not set.",
	"",
	nil,
	properties.ConvertString,
)
var propertyCredentialsJSON = createConnectionProperty(
	"credentials_json",
	"The credentials to use as a JSON string.",
	"",
	nil,
	properties.ConvertString,
)
var propertyUsePlainText = createConnectionProperty(
	"use_plain_text",
	"Use plain text communication without authentication (true/false). Set this to true to connect to "+
		"local mock servers or the emulator.",
	false,
	nil,
	properties.ConvertBool,
)
var propertyMinSessions = createConnectionProperty(
	"min_sessions",
	"The number of sessions that the session pool creates when it is first used.",
	uint64(DefaultMinSessions),
	nil,
	properties.ConvertUint64,
)
var propertyMaxSessions = createConnectionProperty(
	"max_sessions",
	"The maximum number of sessions in the session pool.",
	uint64(DefaultMaxSessions),
	nil,
	properties.ConvertUint64,
)
var propertyNumChannels = createConnectionProperty(
	"num_channels",
	"The number of gRPC channels to use to communicate with Spanner.",
	defaultNumChannels,
	nil,
	properties.ConvertInt,
)
var propertyDatabaseRole = createConnectionProperty(
	"database_role",
	"The database role to use for all sessions.",
	"",
	nil,
	properties.ConvertString,
)
var propertyDisableRouteToLeader = createConnectionProperty(
	"disable_route_to_leader",
	"Disables routing read/write and partitioned DML requests to the leader region (true/false).",
	false,
	nil,
	properties.ConvertBool,
)
var propertyBurstyPool = createConnectionProperty(
	"bursty_pool",
	"Create sessions on demand instead of creating min_sessions sessions when the pool is first used.",
	false,
	nil,
	properties.ConvertBool,
)
var propertyCheckoutTimeout = createConnectionProperty(
	"checkout_timeout",
	"The maximum time to wait for a session when the session pool is exhausted.",
	DefaultCheckoutTimeout,
	nil,
	properties.ConvertDuration,
)
var propertyMaxIdleTime = createConnectionProperty(
	"max_idle_time",
	"The maximum time that a session may remain unused in the session pool.",
	DefaultMaxIdleTime,
	nil,
	properties.ConvertDuration,
)
var propertyMultiplexedRefreshInterval = createConnectionProperty(
	"multiplexed_refresh_interval",
	"The age at which the multiplexed session is replaced with a new one.",
	DefaultMultiplexedSessionRefreshInterval,
	nil,
	properties.ConvertDuration,
)
var propertyMultiplexedPollInterval = createConnectionProperty(
	"multiplexed_poll_interval",
	"The interval at which the multiplexed session worker checks whether the session must be refreshed.",
	DefaultMultiplexedSessionPollInterval,
	nil,
	properties.ConvertDuration,
)
var propertyAutoConfigEmulator = createConnectionProperty(
	"auto_config_emulator",
	"Automatically configure the connection to connect to the Spanner emulator (true/false). "+
		"The instance and database in the connection string are created if they do not yet exist "+
		"on the emulator. Add dialect=postgresql to the connection string to create a PostgreSQL database.",
	false,
	nil,
	properties.ConvertBool,
)
var propertyDialect = createConnectionProperty(
	"dialect",
	"The dialect of the database that is created by auto_config_emulator (googlesql/postgresql).",
	databasepb.DatabaseDialect_GOOGLE_STANDARD_SQL,
	[]databasepb.DatabaseDialect{databasepb.DatabaseDialect_GOOGLE_STANDARD_SQL, databasepb.DatabaseDialect_POSTGRESQL},
	parseDialect,
)
var propertyTransactionTimeout = createConnectionProperty(
	"transaction_timeout",
	"The wall-clock budget for retrying aborted read/write transactions and partitioned DML statements.",
	DefaultTransactionTimeout,
	nil,
	properties.ConvertDuration,
)

func createConnectionProperty[T comparable](name, description string, defaultValue T, validValues []T, converter func(value string) (T, error)) *properties.TypedProperty[T] {
	prop := properties.CreateProperty(name, description, defaultValue, validValues, converter)
	connectionProperties[prop.Key()] = prop
	return prop
}

func parseDialect(value string) (databasepb.DatabaseDialect, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "", "GOOGLESQL", "GOOGLE_STANDARD_SQL":
		return databasepb.DatabaseDialect_GOOGLE_STANDARD_SQL, nil
	case "POSTGRESQL", "POSTGRES", "PG":
		return databasepb.DatabaseDialect_POSTGRESQL, nil
	}
	return databasepb.DatabaseDialect_DATABASE_DIALECT_UNSPECIFIED, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "invalid dialect: %q", value))
}

// clientConfigFromValues returns the client configuration for the given
// connection properties.
func clientConfigFromValues(values *properties.Values) ClientConfig {
	return ClientConfig{
		SessionPoolConfig: SessionPoolConfig{
			MinSessions:     propertyMinSessions.GetValueOrDefault(values),
			MaxSessions:     propertyMaxSessions.GetValueOrDefault(values),
			Bursty:          propertyBurstyPool.GetValueOrDefault(values),
			CheckoutTimeout: propertyCheckoutTimeout.GetValueOrDefault(values),
			MaxIdleTime:     propertyMaxIdleTime.GetValueOrDefault(values),
		},
		MultiplexedSessionConfig: MultiplexedSessionConfig{
			RefreshInterval: propertyMultiplexedRefreshInterval.GetValueOrDefault(values),
			PollInterval:    propertyMultiplexedPollInterval.GetValueOrDefault(values),
		},
		DatabaseRole:         propertyDatabaseRole.GetValueOrDefault(values),
		DisableRouteToLeader: propertyDisableRouteToLeader.GetValueOrDefault(values),
		TransactionTimeout:   propertyTransactionTimeout.GetValueOrDefault(values),
		NumChannels:          propertyNumChannels.GetValueOrDefault(values),
		CredentialsFile:      propertyCredentials.GetValueOrDefault(values),
	}
}
