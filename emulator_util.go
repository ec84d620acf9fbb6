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

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"cloud.google.com/go/spanner/admin/instance/apiv1/instancepb"
	"google.golang.org/grpc/codes"
)

const emulatorInstanceConfig = "emulator-config"

// autoConfigEmulator creates the given instance and database on the
// emulator, unless they already exist.
func (c *Client) autoConfigEmulator(ctx context.Context, instanceID, databaseID string, dialect databasepb.DatabaseDialect) error {
	inst := c.Instance(instanceID)
	if err := inst.createOnEmulator(ctx); err != nil {
		if spanner.ErrCode(err) != codes.AlreadyExists {
			return err
		}
	}
	db, err := inst.Database(ctx, databaseID)
	if err != nil {
		return err
	}
	op, err := db.Create(ctx, CreateDatabaseOptions{Dialect: dialect})
	if err != nil {
		if spanner.ErrCode(err) == codes.AlreadyExists {
			return nil
		}
		return err
	}
	// Wait for the database creation to finish.
	if _, err := op.Wait(ctx); err != nil {
		if spanner.ErrCode(err) == codes.AlreadyExists {
			return nil
		}
		return fmt.Errorf("waiting for database creation to finish failed: %w", err)
	}
	c.logger.Log(ctx, LevelNotice, "created database on emulator", "instance", instanceID, "database", databaseID)
	return nil
}

func (i *Instance) createOnEmulator(ctx context.Context) error {
	admin, err := i.client.InstanceAdminClient(ctx)
	if err != nil {
		return err
	}
	op, err := admin.CreateInstance(ctx, &instancepb.CreateInstanceRequest{
		Parent:     ProjectName(i.client.project),
		InstanceId: i.id,
		Instance: &instancepb.Instance{
			Config:      InstanceConfigName(i.client.project, emulatorInstanceConfig),
			DisplayName: i.id,
			NodeCount:   1,
		},
	})
	if err != nil {
		return i.wrap(err)
	}
	// Wait for the instance creation to finish.
	if _, err := op.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for instance creation to finish failed: %w", i.wrap(err))
	}
	return nil
}
