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

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"google.golang.org/api/iterator"
)

// operationIterator is implemented by the operation iterators of the admin
// clients.
type operationIterator interface {
	Next() (*longrunningpb.Operation, error)
}

func collectOperations(it operationIterator, wrap func(error) error) ([]*longrunningpb.Operation, error) {
	var ops []*longrunningpb.Operation
	for {
		op, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return ops, nil
		}
		if err != nil {
			return nil, wrap(err)
		}
		ops = append(ops, op)
	}
}

// GetOperation returns the current state of the long-running operation with
// the given name.
func (c *Client) GetOperation(ctx context.Context, name string) (*longrunningpb.Operation, error) {
	admin, err := c.DatabaseAdminClient(ctx)
	if err != nil {
		return nil, err
	}
	op, err := admin.GetOperation(ctx, &longrunningpb.GetOperationRequest{Name: name})
	return op, toSpannerError(err, c.credentialsInfo)
}

// CancelOperation starts the cancellation of a long-running operation. The
// operation is not guaranteed to be cancelled.
func (c *Client) CancelOperation(ctx context.Context, name string) error {
	admin, err := c.DatabaseAdminClient(ctx)
	if err != nil {
		return err
	}
	return toSpannerError(admin.CancelOperation(ctx, &longrunningpb.CancelOperationRequest{Name: name}), c.credentialsInfo)
}

// DeleteOperation deletes a long-running operation. The operation itself is
// not cancelled.
func (c *Client) DeleteOperation(ctx context.Context, name string) error {
	admin, err := c.DatabaseAdminClient(ctx)
	if err != nil {
		return err
	}
	return toSpannerError(admin.DeleteOperation(ctx, &longrunningpb.DeleteOperationRequest{Name: name}), c.credentialsInfo)
}

// ListOperations lists the long-running operations of a resource, for
// example the name of a database followed by /operations.
func (c *Client) ListOperations(ctx context.Context, name, filter string) ([]*longrunningpb.Operation, error) {
	admin, err := c.DatabaseAdminClient(ctx)
	if err != nil {
		return nil, err
	}
	it := admin.ListOperations(ctx, &longrunningpb.ListOperationsRequest{Name: name, Filter: filter})
	return collectOperations(it, func(err error) error { return toSpannerError(err, c.credentialsInfo) })
}

// ListDatabaseOperations lists the database operations of the instance that
// match the filter.
func (i *Instance) ListDatabaseOperations(ctx context.Context, filter string) ([]*longrunningpb.Operation, error) {
	admin, err := i.client.DatabaseAdminClient(ctx)
	if err != nil {
		return nil, err
	}
	it := admin.ListDatabaseOperations(ctx, &databasepb.ListDatabaseOperationsRequest{Parent: i.name, Filter: filter})
	return collectOperations(it, i.wrap)
}

// ListBackupOperations lists the backup operations of the instance that
// match the filter.
func (i *Instance) ListBackupOperations(ctx context.Context, filter string) ([]*longrunningpb.Operation, error) {
	admin, err := i.client.DatabaseAdminClient(ctx)
	if err != nil {
		return nil, err
	}
	it := admin.ListBackupOperations(ctx, &databasepb.ListBackupOperationsRequest{Parent: i.name, Filter: filter})
	return collectOperations(it, i.wrap)
}

// ListOperations lists the operations of the database that match the
// filter.
func (db *Database) ListOperations(ctx context.Context, filter string) ([]*longrunningpb.Operation, error) {
	return db.instance.ListDatabaseOperations(ctx, databaseOperationFilter(db.name, filter))
}

func databaseOperationFilter(name, filter string) string {
	f := `name:` + name + `/operations/`
	if filter == "" {
		return f
	}
	return "(" + f + ") AND (" + filter + ")"
}
