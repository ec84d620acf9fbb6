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
	"time"

	"cloud.google.com/go/spanner"
	adminapi "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/fieldmaskpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Backup is a handle for a backup of a database. Creating a handle does not
// execute any RPCs, and the backup does not need to exist.
type Backup struct {
	instance *Instance
	id       string
	name     string
	logger   *slog.Logger
}

// Backup returns a handle for the backup with the given ID.
func (i *Instance) Backup(id string) *Backup {
	return &Backup{
		instance: i,
		id:       id,
		name:     BackupName(i.client.project, i.id, id),
		logger:   i.logger.With("backup", id),
	}
}

// ID returns the ID of the backup.
func (b *Backup) ID() string {
	return b.id
}

// Name returns the fully qualified name of the backup.
func (b *Backup) Name() string {
	return b.name
}

// CreateBackupOptions are the options for creating or copying a backup.
type CreateBackupOptions struct {
	// ExpireTime is the time when the backup is deleted. It is required.
	ExpireTime time.Time
	// VersionTime is the time at which the database is backed up. The
	// creation time of the backup is used if zero. Not supported when a
	// backup is copied.
	VersionTime      time.Time
	EncryptionConfig *databasepb.CreateBackupEncryptionConfig
}

func (b *Backup) admin(ctx context.Context) (*adminapi.DatabaseAdminClient, error) {
	return b.instance.client.DatabaseAdminClient(ctx)
}

// Create creates the backup from the given database. The returned operation
// finishes when the backup is ready.
func (b *Backup) Create(ctx context.Context, database string, opts CreateBackupOptions) (*adminapi.CreateBackupOperation, error) {
	if opts.ExpireTime.IsZero() {
		return nil, spanner.ToSpannerError(status.Error(codes.InvalidArgument, "backup expire time is required"))
	}
	admin, err := b.admin(ctx)
	if err != nil {
		return nil, err
	}
	backup := &databasepb.Backup{
		Database:   DatabaseName(b.instance.client.project, b.instance.id, database),
		ExpireTime: timestamppb.New(opts.ExpireTime),
	}
	if !opts.VersionTime.IsZero() {
		backup.VersionTime = timestamppb.New(opts.VersionTime)
	}
	b.logger.Log(ctx, LevelNotice, "creating backup", "database", database)
	op, err := admin.CreateBackup(ctx, &databasepb.CreateBackupRequest{
		Parent:           b.instance.name,
		BackupId:         b.id,
		Backup:           backup,
		EncryptionConfig: opts.EncryptionConfig,
	})
	return op, b.instance.wrap(err)
}

// Copy creates the backup as a copy of the given source backup. The source
// may be in another instance.
func (b *Backup) Copy(ctx context.Context, source string, opts CreateBackupOptions) (*adminapi.CopyBackupOperation, error) {
	if _, _, _, err := ParseBackupName(source); err != nil {
		return nil, err
	}
	if opts.ExpireTime.IsZero() {
		return nil, spanner.ToSpannerError(status.Error(codes.InvalidArgument, "backup expire time is required"))
	}
	if !opts.VersionTime.IsZero() {
		return nil, spanner.ToSpannerError(status.Error(codes.InvalidArgument, "version time is not supported when copying a backup"))
	}
	admin, err := b.admin(ctx)
	if err != nil {
		return nil, err
	}
	var encryption *databasepb.CopyBackupEncryptionConfig
	if opts.EncryptionConfig != nil {
		encryption = &databasepb.CopyBackupEncryptionConfig{
			EncryptionType: databasepb.CopyBackupEncryptionConfig_EncryptionType(opts.EncryptionConfig.GetEncryptionType()),
			KmsKeyName:     opts.EncryptionConfig.GetKmsKeyName(),
			KmsKeyNames:    opts.EncryptionConfig.GetKmsKeyNames(),
		}
	}
	op, err := admin.CopyBackup(ctx, &databasepb.CopyBackupRequest{
		Parent:           b.instance.name,
		BackupId:         b.id,
		SourceBackup:     source,
		ExpireTime:       timestamppb.New(opts.ExpireTime),
		EncryptionConfig: encryption,
	})
	return op, b.instance.wrap(err)
}

// Reload returns the current state of the backup.
func (b *Backup) Reload(ctx context.Context) (*databasepb.Backup, error) {
	admin, err := b.admin(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := admin.GetBackup(ctx, &databasepb.GetBackupRequest{Name: b.name})
	return resp, b.instance.wrap(err)
}

// Exists returns true if the backup exists.
func (b *Backup) Exists(ctx context.Context) (bool, error) {
	_, err := b.Reload(ctx)
	if err == nil {
		return true, nil
	}
	if spanner.ErrCode(err) == codes.NotFound {
		return false, nil
	}
	return false, err
}

// UpdateExpireTime changes the expire time of the backup.
func (b *Backup) UpdateExpireTime(ctx context.Context, expireTime time.Time) (*databasepb.Backup, error) {
	admin, err := b.admin(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := admin.UpdateBackup(ctx, &databasepb.UpdateBackupRequest{
		Backup:     &databasepb.Backup{Name: b.name, ExpireTime: timestamppb.New(expireTime)},
		UpdateMask: &fieldmaskpb.FieldMask{Paths: []string{"expire_time"}},
	})
	return resp, b.instance.wrap(err)
}

// Delete deletes the backup.
func (b *Backup) Delete(ctx context.Context) error {
	admin, err := b.admin(ctx)
	if err != nil {
		return err
	}
	b.logger.Log(ctx, LevelNotice, "deleting backup")
	return b.instance.wrap(admin.DeleteBackup(ctx, &databasepb.DeleteBackupRequest{Name: b.name}))
}

// ListBackups lists the backups of the instance that match the filter. All
// backups are returned if the filter is empty.
func (i *Instance) ListBackups(ctx context.Context, filter string) ([]*databasepb.Backup, error) {
	admin, err := i.client.DatabaseAdminClient(ctx)
	if err != nil {
		return nil, err
	}
	it := admin.ListBackups(ctx, &databasepb.ListBackupsRequest{Parent: i.name, Filter: filter})
	var backups []*databasepb.Backup
	for {
		backup, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return backups, nil
		}
		if err != nil {
			return nil, i.wrap(err)
		}
		backups = append(backups, backup)
	}
}
