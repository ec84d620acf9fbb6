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
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"github.com/google/go-cmp/cmp"
	"github.com/googleapis/go-spanner-client/testutil"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/known/durationpb"
)

const testDatabaseName = "projects/p/instances/i/databases/d"

// setupAdminTestServer returns a database handle for a database that exists
// on the in-mem admin server.
func setupAdminTestServer(t *testing.T, ddl ...string) (*Database, *testutil.MockedSpannerInMemTestServer, func()) {
	t.Helper()
	db, server, teardown := setupMockedTestServer(t)
	server.TestInstanceAdmin.AddInstance("projects/p/instances/i")
	server.TestDatabaseAdmin.AddDatabase(testDatabaseName, databasepb.DatabaseDialect_GOOGLE_STANDARD_SQL, ddl...)
	return db, server, teardown
}

func TestDatabaseReload(t *testing.T) {
	t.Parallel()

	db, _, teardown := setupAdminTestServer(t)
	defer teardown()

	resp, err := db.Reload(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if g, w := resp.GetName(), testDatabaseName; g != w {
		t.Fatalf("name mismatch\n Got: %v\nWant: %v", g, w)
	}
	if g, w := resp.GetState(), databasepb.Database_READY; g != w {
		t.Fatalf("state mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestDatabaseExists(t *testing.T) {
	t.Parallel()

	db, _, teardown := setupAdminTestServer(t)
	defer teardown()
	ctx := context.Background()

	exists, err := db.Exists(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatal("database does not exist")
	}
	other, err := db.instance.Database(ctx, "other")
	if err != nil {
		t.Fatal(err)
	}
	exists, err = other.Exists(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("unknown database exists")
	}
}

func TestDatabaseUpdateDDL(t *testing.T) {
	t.Parallel()

	db, server, teardown := setupAdminTestServer(t, "CREATE TABLE Singers (SingerId INT64) PRIMARY KEY (SingerId)")
	defer teardown()
	ctx := context.Background()

	op, err := db.UpdateDDL(ctx, []string{"CREATE INDEX Idx ON Singers (SingerId)"}, "op_1")
	if err != nil {
		t.Fatal(err)
	}
	if err := op.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	ddl, err := db.DDL(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"CREATE TABLE Singers (SingerId INT64) PRIMARY KEY (SingerId)",
		"CREATE INDEX Idx ON Singers (SingerId)",
	}
	if diff := cmp.Diff(want, ddl); diff != "" {
		t.Fatalf("ddl mismatch (-want +got):\n%s", diff)
	}

	var update *databasepb.UpdateDatabaseDdlRequest
	for _, req := range server.TestDatabaseAdmin.Reqs() {
		if r, ok := req.(*databasepb.UpdateDatabaseDdlRequest); ok {
			update = r
		}
	}
	if update == nil {
		t.Fatal("missing UpdateDatabaseDdl request")
	}
	if g, w := update.GetOperationId(), "op_1"; g != w {
		t.Fatalf("operation id mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestDatabaseDropProtection(t *testing.T) {
	t.Parallel()

	db, server, teardown := setupAdminTestServer(t)
	defer teardown()
	ctx := context.Background()

	op, err := db.Update(ctx, &databasepb.Database{EnableDropProtection: true}, "enable_drop_protection")
	if err != nil {
		t.Fatal(err)
	}
	updated, err := op.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !updated.GetEnableDropProtection() {
		t.Fatal("drop protection was not enabled")
	}
	if err := db.Drop(ctx); spanner.ErrCode(err) != codes.FailedPrecondition {
		t.Fatalf("error code mismatch\n Got: %v\nWant: %v", spanner.ErrCode(err), codes.FailedPrecondition)
	}

	op, err = db.Update(ctx, &databasepb.Database{}, "enable_drop_protection")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := op.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if err := db.Drop(ctx); err != nil {
		t.Fatal(err)
	}
	if g := server.TestDatabaseAdmin.Databases(); len(g) != 0 {
		t.Fatalf("databases mismatch\n Got: %v\nWant: []", g)
	}
	if err := db.Drop(ctx); spanner.ErrCode(err) != codes.NotFound {
		t.Fatalf("error code mismatch\n Got: %v\nWant: %v", spanner.ErrCode(err), codes.NotFound)
	}
}

func TestListDatabasesAndRoles(t *testing.T) {
	t.Parallel()

	db, server, teardown := setupAdminTestServer(t)
	defer teardown()
	ctx := context.Background()
	server.TestDatabaseAdmin.AddDatabase("projects/p/instances/i/databases/pg", databasepb.DatabaseDialect_POSTGRESQL)
	server.TestDatabaseAdmin.AddDatabase("projects/p/instances/other/databases/d", databasepb.DatabaseDialect_GOOGLE_STANDARD_SQL)

	databases, err := db.instance.ListDatabases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, d := range databases {
		names = append(names, d.GetName())
	}
	if diff := cmp.Diff([]string{testDatabaseName, "projects/p/instances/i/databases/pg"}, names); diff != "" {
		t.Fatalf("databases mismatch (-want +got):\n%s", diff)
	}

	roles, err := db.ListDatabaseRoles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []*databasepb.DatabaseRole{{Name: testDatabaseName + "/databaseRoles/public"}}
	if diff := cmp.Diff(want, roles, protocmp.Transform()); diff != "" {
		t.Fatalf("roles mismatch (-want +got):\n%s", diff)
	}

	inst, err := db.instance.Reload(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if g, w := inst.GetName(), "projects/p/instances/i"; g != w {
		t.Fatalf("instance name mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestBackupSchedules(t *testing.T) {
	t.Parallel()

	db, _, teardown := setupAdminTestServer(t)
	defer teardown()
	ctx := context.Background()

	created, err := db.CreateBackupSchedule(ctx, "daily", &databasepb.BackupSchedule{
		Spec: &databasepb.BackupScheduleSpec{ScheduleSpec: &databasepb.BackupScheduleSpec_CronSpec{
			CronSpec: &databasepb.CrontabSpec{Text: "0 2 * * *"},
		}},
		RetentionDuration: durationpb.New(24 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if g, w := created.GetName(), testDatabaseName+"/backupSchedules/daily"; g != w {
		t.Fatalf("schedule name mismatch\n Got: %v\nWant: %v", g, w)
	}
	if _, err := db.CreateBackupSchedule(ctx, "daily", &databasepb.BackupSchedule{}); spanner.ErrCode(err) != codes.AlreadyExists {
		t.Fatalf("error code mismatch\n Got: %v\nWant: %v", spanner.ErrCode(err), codes.AlreadyExists)
	}

	updated, err := db.UpdateBackupSchedule(ctx, "daily", &databasepb.BackupSchedule{RetentionDuration: durationpb.New(time.Hour)}, "retention_duration")
	if err != nil {
		t.Fatal(err)
	}
	if g, w := updated.GetRetentionDuration().AsDuration().Hours(), 1.0; g != w {
		t.Fatalf("retention mismatch\n Got: %v\nWant: %v", g, w)
	}
	got, err := db.GetBackupSchedule(ctx, "daily")
	if err != nil {
		t.Fatal(err)
	}
	if g, w := got.GetSpec().GetCronSpec().GetText(), "0 2 * * *"; g != w {
		t.Fatalf("cron spec mismatch\n Got: %v\nWant: %v", g, w)
	}

	schedules, err := db.ListBackupSchedules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if g, w := len(schedules), 1; g != w {
		t.Fatalf("schedule count mismatch\n Got: %v\nWant: %v", g, w)
	}
	if err := db.DeleteBackupSchedule(ctx, "daily"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetBackupSchedule(ctx, "daily"); spanner.ErrCode(err) != codes.NotFound {
		t.Fatalf("error code mismatch\n Got: %v\nWant: %v", spanner.ErrCode(err), codes.NotFound)
	}
}

func TestDatabaseDDLRequest(t *testing.T) {
	t.Parallel()

	db, server, teardown := setupAdminTestServer(t)
	defer teardown()

	if _, err := db.DDL(context.Background()); err != nil {
		t.Fatal(err)
	}
	reqs := server.TestDatabaseAdmin.Reqs()
	if g, w := len(reqs), 1; g != w {
		t.Fatalf("request count mismatch\n Got: %v\nWant: %v", g, w)
	}
	if diff := cmp.Diff(&databasepb.GetDatabaseDdlRequest{Database: testDatabaseName}, reqs[0], protocmp.Transform()); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
}
