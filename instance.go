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
	"log/slog"
	"sync"

	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"cloud.google.com/go/spanner/admin/instance/apiv1/instancepb"
	"google.golang.org/api/iterator"
)

// Instance is a handle for an instance. It owns the Database handles that it
// returns.
type Instance struct {
	client *Client
	id     string
	name   string
	logger *slog.Logger

	mu        sync.Mutex
	databases map[string]*Database
}

func newInstance(c *Client, id string) *Instance {
	name := InstanceName(c.project, id)
	return &Instance{
		client:    c,
		id:        id,
		name:      name,
		logger:    c.logger.With("instance", id),
		databases: make(map[string]*Database),
	}
}

// ID returns the ID of the instance.
func (i *Instance) ID() string {
	return i.id
}

// Name returns the fully qualified name of the instance.
func (i *Instance) Name() string {
	return i.name
}

// Database returns the handle for the given database. The same handle is
// returned for all calls with the same database ID until the handle is
// closed. Creating a handle does not execute any RPCs, and the database does
// not need to exist.
func (i *Instance) Database(ctx context.Context, id string) (*Database, error) {
	if i.client.isClosed() {
		return nil, errClientClosed
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if db, ok := i.databases[id]; ok && !db.isClosed() {
		return db, nil
	}
	db, err := newDatabase(ctx, i, id)
	if err != nil {
		return nil, err
	}
	i.databases[id] = db
	return db, nil
}

// Reload returns the current state of the instance.
func (i *Instance) Reload(ctx context.Context) (*instancepb.Instance, error) {
	admin, err := i.client.InstanceAdminClient(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := admin.GetInstance(ctx, &instancepb.GetInstanceRequest{Name: i.name})
	return resp, i.wrap(err)
}

// ListDatabases lists the databases of the instance.
func (i *Instance) ListDatabases(ctx context.Context) ([]*databasepb.Database, error) {
	admin, err := i.client.DatabaseAdminClient(ctx)
	if err != nil {
		return nil, err
	}
	it := admin.ListDatabases(ctx, &databasepb.ListDatabasesRequest{Parent: i.name})
	var databases []*databasepb.Database
	for {
		db, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return databases, nil
		}
		if err != nil {
			return nil, i.wrap(err)
		}
		databases = append(databases, db)
	}
}

func (i *Instance) wrap(err error) error {
	return toSpannerError(err, i.client.credentialsInfo)
}

func (i *Instance) forget(db *Database) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.databases[db.id] == db {
		delete(i.databases, db.id)
	}
}

func (i *Instance) close() error {
	i.mu.Lock()
	databases := make([]*Database, 0, len(i.databases))
	for _, db := range i.databases {
		databases = append(databases, db)
	}
	i.mu.Unlock()
	var errs []error
	for _, db := range databases {
		errs = append(errs, db.Close())
	}
	return errors.Join(errs...)
}
