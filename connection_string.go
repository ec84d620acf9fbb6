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
	"regexp"
	"strings"

	"cloud.google.com/go/spanner"
	"github.com/googleapis/go-spanner-client/properties"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// dsnRegExp describes the valid values for a connection string for Spanner.
// The string consists of the following parts:
//  1. (Optional) Host: The host name and port number to connect to.
//  2. Database name: The database name to connect to in the format
//     `projects/my-project/instances/my-instance/databases/my-database`
//  3. (Optional) Parameters: One or more parameters in the format
//     `name=value`. Multiple entries are separated by `;`. The supported
//     parameters are the keys of connectionProperties. Parameter names are
//     case-insensitive, and may be written without underscores.
//
// Example: `localhost:9010/projects/test-project/instances/test-instance/databases/test-database;usePlainText=true;minSessions=10`
var dsnRegExp = regexp.MustCompile(`((?P<HOSTGROUP>[\w.-]+(?:\.[\w\.-]+)*[\w\-\._~:/?#\[\]@!\$&'\(\)\*\+,;=.]+)/)?projects/(?P<PROJECTGROUP>(([a-z]|[-.:]|[0-9])+|(DEFAULT_PROJECT_ID)))(/instances/(?P<INSTANCEGROUP>([a-z]|[-]|[0-9])+)(/databases/(?P<DATABASEGROUP>([a-z]|[-]|[_]|[0-9])+))?)?(([\?|;])(?P<PARAMSGROUP>.*))?`)

// ConnectionString is a parsed connection string.
type ConnectionString struct {
	Host     string
	Project  string
	Instance string
	Database string
	// Values contains the connection properties that were set in the
	// connection string.
	Values *properties.Values

	dsn string
}

// ParseConnectionString parses a connection string. The connection string
// must contain a project, an instance and a database.
func ParseConnectionString(dsn string) (*ConnectionString, error) {
	match := dsnRegExp.FindStringSubmatch(dsn)
	if match == nil {
		return nil, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "invalid connection string: %s", dsn))
	}
	matches := make(map[string]string)
	for i, name := range dsnRegExp.SubexpNames() {
		if i != 0 && name != "" {
			matches[name] = match[i]
		}
	}
	if matches["INSTANCEGROUP"] == "" || matches["DATABASEGROUP"] == "" {
		return nil, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "connection string must contain an instance and a database: %s", dsn))
	}
	params, err := extractConnectionParams(matches["PARAMSGROUP"])
	if err != nil {
		return nil, err
	}
	values, err := properties.ExtractValues(connectionProperties, params)
	if err != nil {
		return nil, spanner.ToSpannerError(err)
	}
	return &ConnectionString{
		Host:     matches["HOSTGROUP"],
		Project:  matches["PROJECTGROUP"],
		Instance: matches["INSTANCEGROUP"],
		Database: matches["DATABASEGROUP"],
		Values:   values,
		dsn:      dsn,
	}, nil
}

func extractConnectionParams(paramsString string) (map[string]string, error) {
	params := make(map[string]string)
	if paramsString == "" {
		return params, nil
	}
	for _, keyValueString := range strings.Split(paramsString, ";") {
		if keyValueString == "" {
			// Ignore empty entries, for example a trailing ';'.
			continue
		}
		keyValue := strings.SplitN(keyValueString, "=", 2)
		if len(keyValue) != 2 {
			return nil, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "invalid connection property: %s", keyValueString))
		}
		params[strings.ToLower(keyValue[0])] = keyValue[1]
	}
	return params, nil
}

// ClientConfig returns the client configuration of the connection string.
func (cs *ConnectionString) ClientConfig() ClientConfig {
	return clientConfigFromValues(cs.Values)
}

// ClientOptions returns the client options of the connection string,
// followed by the given options.
func (cs *ConnectionString) ClientOptions(opts ...option.ClientOption) []option.ClientOption {
	var result []option.ClientOption
	if cs.Host != "" {
		result = append(result, option.WithEndpoint(cs.Host))
	}
	if json := propertyCredentialsJSON.GetValueOrDefault(cs.Values); json != "" {
		result = append(result, option.WithCredentialsJSON([]byte(json)))
	}
	if propertyUsePlainText.GetValueOrDefault(cs.Values) || propertyAutoConfigEmulator.GetValueOrDefault(cs.Values) {
		result = append(result,
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			option.WithoutAuthentication())
	}
	return append(result, opts...)
}

// OpenDatabase creates a client for the connection string and returns the
// handle for the database in the connection string. The client is closed
// when the database is closed. If auto_config_emulator is set, the instance
// and the database are created on the emulator if they do not exist.
func OpenDatabase(ctx context.Context, dsn string, opts ...option.ClientOption) (*Database, error) {
	cs, err := ParseConnectionString(dsn)
	if err != nil {
		return nil, err
	}
	config := cs.ClientConfig()
	if err := config.SessionPoolConfig.validate(); err != nil {
		return nil, err
	}
	autoConfig := propertyAutoConfigEmulator.GetValueOrDefault(cs.Values)
	if autoConfig && cs.Host == "" {
		cs.Host = "localhost:9010"
	}
	client, err := NewClient(ctx, cs.Project, config, cs.ClientOptions(opts...)...)
	if err != nil {
		return nil, err
	}
	if autoConfig {
		if err := client.autoConfigEmulator(ctx, cs.Instance, cs.Database, propertyDialect.GetValueOrDefault(cs.Values)); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	db, err := client.Instance(cs.Instance).Database(ctx, cs.Database)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	db.ownsClient = true
	return db, nil
}
