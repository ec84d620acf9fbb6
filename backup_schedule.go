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

	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/types/known/fieldmaskpb"
)

func (db *Database) backupScheduleName(id string) string {
	return BackupScheduleName(db.client.project, db.instance.id, db.id, id)
}

// CreateBackupSchedule creates a backup schedule for the database.
func (db *Database) CreateBackupSchedule(ctx context.Context, id string, schedule *databasepb.BackupSchedule) (*databasepb.BackupSchedule, error) {
	admin, err := db.admin(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := admin.CreateBackupSchedule(db.adminContext(ctx), &databasepb.CreateBackupScheduleRequest{
		Parent:           db.name,
		BackupScheduleId: id,
		BackupSchedule:   schedule,
	})
	return resp, db.wrap(err)
}

// GetBackupSchedule returns the backup schedule with the given ID.
func (db *Database) GetBackupSchedule(ctx context.Context, id string) (*databasepb.BackupSchedule, error) {
	admin, err := db.admin(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := admin.GetBackupSchedule(db.adminContext(ctx), &databasepb.GetBackupScheduleRequest{Name: db.backupScheduleName(id)})
	return resp, db.wrap(err)
}

// UpdateBackupSchedule updates the fields of the backup schedule with the
// given ID that are listed in paths.
func (db *Database) UpdateBackupSchedule(ctx context.Context, id string, schedule *databasepb.BackupSchedule, paths ...string) (*databasepb.BackupSchedule, error) {
	admin, err := db.admin(ctx)
	if err != nil {
		return nil, err
	}
	schedule.Name = db.backupScheduleName(id)
	resp, err := admin.UpdateBackupSchedule(db.adminContext(ctx), &databasepb.UpdateBackupScheduleRequest{
		BackupSchedule: schedule,
		UpdateMask:     &fieldmaskpb.FieldMask{Paths: paths},
	})
	return resp, db.wrap(err)
}

// DeleteBackupSchedule deletes the backup schedule with the given ID.
func (db *Database) DeleteBackupSchedule(ctx context.Context, id string) error {
	admin, err := db.admin(ctx)
	if err != nil {
		return err
	}
	return db.wrap(admin.DeleteBackupSchedule(db.adminContext(ctx), &databasepb.DeleteBackupScheduleRequest{Name: db.backupScheduleName(id)}))
}

// ListBackupSchedules lists the backup schedules of the database.
func (db *Database) ListBackupSchedules(ctx context.Context) ([]*databasepb.BackupSchedule, error) {
	admin, err := db.admin(ctx)
	if err != nil {
		return nil, err
	}
	it := admin.ListBackupSchedules(db.adminContext(ctx), &databasepb.ListBackupSchedulesRequest{Parent: db.name})
	var schedules []*databasepb.BackupSchedule
	for {
		schedule, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return schedules, nil
		}
		if err != nil {
			return nil, db.wrap(err)
		}
		schedules = append(schedules, schedule)
	}
}
