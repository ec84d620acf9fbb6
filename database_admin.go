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
	"fmt"
	"strings"

	"cloud.google.com/go/spanner"
	adminapi "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"github.com/googleapis/go-spanner-client/internal"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/fieldmaskpb"
)

// CreateDatabaseOptions are the options for creating a database.
type CreateDatabaseOptions struct {
	// ExtraStatements are DDL statements that are executed after the database
	// has been created.
	ExtraStatements []string
	Dialect         databasepb.DatabaseDialect
	// EncryptionConfig is the customer-managed encryption key for the
	// database.
	EncryptionConfig *databasepb.EncryptionConfig
	// ProtoDescriptors is a serialized FileDescriptorSet that is used by
	// CREATE PROTO BUNDLE statements in ExtraStatements.
	ProtoDescriptors []byte
}

// createDatabaseStatement returns the CREATE DATABASE statement for the
// given database ID. The ID is quoted if it contains a hyphen.
func createDatabaseStatement(id string, dialect databasepb.DatabaseDialect) string {
	if !strings.Contains(id, "-") {
		return fmt.Sprintf("CREATE DATABASE %s", id)
	}
	if dialect == databasepb.DatabaseDialect_POSTGRESQL {
		return fmt.Sprintf(`CREATE DATABASE "%s"`, id)
	}
	return fmt.Sprintf("CREATE DATABASE `%s`", id)
}

func (db *Database) adminContext(ctx context.Context) context.Context {
	md := internal.CallMetadata{ResourcePrefix: db.name}
	return md.AppendToOutgoingContext(ctx)
}

func (db *Database) admin(ctx context.Context) (*adminapi.DatabaseAdminClient, error) {
	return db.client.DatabaseAdminClient(ctx)
}

func (db *Database) wrap(err error) error {
	return toSpannerError(err, db.client.credentialsInfo)
}

// Create creates the database. The returned operation finishes when the
// database has been created.
func (db *Database) Create(ctx context.Context, opts CreateDatabaseOptions) (*adminapi.CreateDatabaseOperation, error) {
	if err := validateDatabaseID(db.id); err != nil {
		return nil, err
	}
	admin, err := db.admin(ctx)
	if err != nil {
		return nil, err
	}
	extra := opts.ExtraStatements
	if extra == nil {
		extra = []string{}
	}
	db.logger.Log(ctx, LevelNotice, "creating database", "dialect", opts.Dialect)
	op, err := admin.CreateDatabase(db.adminContext(ctx), &databasepb.CreateDatabaseRequest{
		Parent:           db.instance.name,
		CreateStatement:  createDatabaseStatement(db.id, opts.Dialect),
		ExtraStatements:  extra,
		EncryptionConfig: opts.EncryptionConfig,
		DatabaseDialect:  opts.Dialect,
		ProtoDescriptors: opts.ProtoDescriptors,
	})
	return op, db.wrap(err)
}

// Reload returns the current state of the database.
func (db *Database) Reload(ctx context.Context) (*databasepb.Database, error) {
	admin, err := db.admin(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := admin.GetDatabase(db.adminContext(ctx), &databasepb.GetDatabaseRequest{Name: db.name})
	return resp, db.wrap(err)
}

// Exists returns true if the database exists.
func (db *Database) Exists(ctx context.Context) (bool, error) {
	_, err := db.DDL(ctx)
	if err == nil {
		return true, nil
	}
	if spanner.ErrCode(err) == codes.NotFound {
		return false, nil
	}
	return false, err
}

// DDL returns the DDL statements that define the schema of the database.
func (db *Database) DDL(ctx context.Context) ([]string, error) {
	admin, err := db.admin(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := admin.GetDatabaseDdl(db.adminContext(ctx), &databasepb.GetDatabaseDdlRequest{Database: db.name})
	if err != nil {
		return nil, db.wrap(err)
	}
	return resp.GetStatements(), nil
}

// UpdateDDL executes DDL statements on the database. operationID is
// optional, and makes the call idempotent if set.
func (db *Database) UpdateDDL(ctx context.Context, statements []string, operationID string) (*adminapi.UpdateDatabaseDdlOperation, error) {
	admin, err := db.admin(ctx)
	if err != nil {
		return nil, err
	}
	op, err := admin.UpdateDatabaseDdl(db.adminContext(ctx), &databasepb.UpdateDatabaseDdlRequest{
		Database:    db.name,
		Statements:  statements,
		OperationId: operationID,
	})
	return op, db.wrap(err)
}

// Update updates the fields of the database that are listed in paths, for
// example enable_drop_protection.
func (db *Database) Update(ctx context.Context, database *databasepb.Database, paths ...string) (*adminapi.UpdateDatabaseOperation, error) {
	admin, err := db.admin(ctx)
	if err != nil {
		return nil, err
	}
	database.Name = db.name
	op, err := admin.UpdateDatabase(db.adminContext(ctx), &databasepb.UpdateDatabaseRequest{
		Database:   database,
		UpdateMask: &fieldmaskpb.FieldMask{Paths: paths},
	})
	return op, db.wrap(err)
}

// Drop drops the database. The handle must not be used for data operations
// after the database has been dropped.
func (db *Database) Drop(ctx context.Context) error {
	admin, err := db.admin(ctx)
	if err != nil {
		return err
	}
	db.logger.Log(ctx, LevelNotice, "dropping database")
	return db.wrap(admin.DropDatabase(db.adminContext(ctx), &databasepb.DropDatabaseRequest{Database: db.name}))
}

// RestoreDatabaseOptions are the options for restoring a database.
type RestoreDatabaseOptions struct {
	EncryptionConfig *databasepb.RestoreDatabaseEncryptionConfig
}

// Restore restores the database from the given backup. The database must
// not exist.
func (db *Database) Restore(ctx context.Context, backup string, opts RestoreDatabaseOptions) (*adminapi.RestoreDatabaseOperation, error) {
	if _, _, _, err := ParseBackupName(backup); err != nil {
		return nil, err
	}
	admin, err := db.admin(ctx)
	if err != nil {
		return nil, err
	}
	op, err := admin.RestoreDatabase(db.adminContext(ctx), &databasepb.RestoreDatabaseRequest{
		Parent:           db.instance.name,
		DatabaseId:       db.id,
		Source:           &databasepb.RestoreDatabaseRequest_Backup{Backup: backup},
		EncryptionConfig: opts.EncryptionConfig,
	})
	return op, db.wrap(err)
}

// ListDatabaseRoles lists the database roles of the database.
func (db *Database) ListDatabaseRoles(ctx context.Context) ([]*databasepb.DatabaseRole, error) {
	admin, err := db.admin(ctx)
	if err != nil {
		return nil, err
	}
	it := admin.ListDatabaseRoles(db.adminContext(ctx), &databasepb.ListDatabaseRolesRequest{Parent: db.name})
	var roles []*databasepb.DatabaseRole
	for {
		role, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return roles, nil
		}
		if err != nil {
			return nil, db.wrap(err)
		}
		roles = append(roles, role)
	}
}
