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
	"errors"
	"io"
	"log/slog"
	"sync"

	"cloud.google.com/go/spanner"
	adminapi "cloud.google.com/go/spanner/admin/database/apiv1"
	instanceapi "cloud.google.com/go/spanner/admin/instance/apiv1"
	"github.com/google/uuid"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const userAgent = "go-spanner-client/0.1.0" // x-release-please-version

// LevelNotice is the default logging level that the client uses for
// informational logs. This level is deliberately chosen to be one level lower
// than the default log level, which is slog.LevelInfo. This prevents the
// client from adding noise to any default logger that has been set for the
// application.
const LevelNotice = slog.LevelInfo - 1

// Logger that discards everything and skips (almost) all logs.
var noopLogger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))

var errClientClosed = spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "client has been closed"))

// Client is a client for the databases of one project. A Client owns the
// Instance handles that it returns, which in turn own their Database
// handles. A Client is safe for concurrent use.
type Client struct {
	project         string
	config          ClientConfig
	opts            []option.ClientOption
	id              uint64
	logger          *slog.Logger
	obs             *observability
	credentialsInfo string

	mu            sync.Mutex
	closed        bool
	instances     map[string]*Instance
	databaseAdmin *adminapi.DatabaseAdminClient
	instanceAdmin *instanceapi.InstanceAdminClient
}

// NewClient creates a client for the given project. The options are used
// for all connections of the client, including the connections of the admin
// clients.
func NewClient(ctx context.Context, project string, config ClientConfig, opts ...option.ClientOption) (*Client, error) {
	if project == "" {
		return nil, spanner.ToSpannerError(status.Error(codes.InvalidArgument, "project must not be empty"))
	}
	config = config.withDefaults()
	if config.CredentialsFile != "" {
		opts = append([]option.ClientOption{option.WithCredentialsFile(config.CredentialsFile)}, opts...)
	}
	id := nextClientID()
	c := &Client{
		project: project,
		config:  config,
		opts:    opts,
		id:      id,
		logger: config.Logger.With(
			"clientId", id,
			"clientUid", uuid.New().String(),
			"project", project),
		obs:             newObservability(config.TracerProvider, config.MeterProvider),
		credentialsInfo: config.credentialsDescription(),
		instances:       make(map[string]*Instance),
	}
	c.logger.Log(ctx, LevelNotice, "created client", "credentials", c.credentialsInfo)
	return c, nil
}

// Project returns the project ID of the client.
func (c *Client) Project() string {
	return c.project
}

// Instance returns the handle for the given instance. The same handle is
// returned for all calls with the same instance ID.
func (c *Client) Instance(id string) *Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.instances[id]; ok {
		return inst
	}
	inst := newInstance(c, id)
	c.instances[id] = inst
	return inst
}

// DatabaseAdminClient returns the database admin client of this client. The
// admin client is created on first use and closed when the client is closed.
func (c *Client) DatabaseAdminClient(ctx context.Context) (*adminapi.DatabaseAdminClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClientClosed
	}
	if c.databaseAdmin == nil {
		c.logger.Log(ctx, LevelNotice, "creating database admin client")
		admin, err := adminapi.NewDatabaseAdminClient(ctx, adminClientOptions(c.config.lookupEnv, c.opts)...)
		if err != nil {
			return nil, toSpannerError(err, c.credentialsInfo)
		}
		c.databaseAdmin = admin
	}
	return c.databaseAdmin, nil
}

// InstanceAdminClient returns the instance admin client of this client. The
// admin client is created on first use and closed when the client is closed.
func (c *Client) InstanceAdminClient(ctx context.Context) (*instanceapi.InstanceAdminClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClientClosed
	}
	if c.instanceAdmin == nil {
		c.logger.Log(ctx, LevelNotice, "creating instance admin client")
		admin, err := instanceapi.NewInstanceAdminClient(ctx, adminClientOptions(c.config.lookupEnv, c.opts)...)
		if err != nil {
			return nil, toSpannerError(err, c.credentialsInfo)
		}
		c.instanceAdmin = admin
	}
	return c.instanceAdmin, nil
}

// Close closes all databases that were opened by this client and the admin
// clients of the client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	instances := make([]*Instance, 0, len(c.instances))
	for _, inst := range c.instances {
		instances = append(instances, inst)
	}
	databaseAdmin, instanceAdmin := c.databaseAdmin, c.instanceAdmin
	c.mu.Unlock()

	var errs []error
	for _, inst := range instances {
		errs = append(errs, inst.close())
	}
	if databaseAdmin != nil {
		errs = append(errs, databaseAdmin.Close())
	}
	if instanceAdmin != nil {
		errs = append(errs, instanceAdmin.Close())
	}
	c.logger.Log(context.Background(), LevelNotice, "closed client")
	return errors.Join(errs...)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
