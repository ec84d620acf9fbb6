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
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestParseDatabaseName(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name                        string
		project, instance, database string
		wantErr                     bool
	}{
		{name: "projects/p/instances/i/databases/testdb", project: "p", instance: "i", database: "testdb"},
		{name: "projects/my-project/instances/test-instance/databases/db_one-2", project: "my-project", instance: "test-instance", database: "db_one-2"},
		{name: "projects/p/instances/i/databases/db-", wantErr: true},
		{name: "projects/p/instances/i/databases/1db", wantErr: true},
		{name: "projects/p/instances/i", wantErr: true},
		{name: "p/i/d", wantErr: true},
	} {
		project, instance, database, err := ParseDatabaseName(test.name)
		if test.wantErr {
			if g, w := status.Code(err), codes.InvalidArgument; g != w {
				t.Errorf("%s: error code mismatch\n Got: %v\nWant: %v", test.name, g, w)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", test.name, err)
		}
		if project != test.project || instance != test.instance || database != test.database {
			t.Errorf("%s: parts mismatch\n Got: %v/%v/%v\nWant: %v/%v/%v", test.name, project, instance, database, test.project, test.instance, test.database)
		}
		if g, w := DatabaseName(project, instance, database), test.name; g != w {
			t.Errorf("database name mismatch\n Got: %v\nWant: %v", g, w)
		}
	}
}

func TestParseBackupName(t *testing.T) {
	t.Parallel()

	project, instance, backup, err := ParseBackupName("projects/p/instances/i/backups/bk-1")
	if err != nil {
		t.Fatal(err)
	}
	if g, w := BackupName(project, instance, backup), "projects/p/instances/i/backups/bk-1"; g != w {
		t.Fatalf("backup name mismatch\n Got: %v\nWant: %v", g, w)
	}
	if _, _, _, err := ParseBackupName("projects/p/instances/i/databases/d"); err == nil {
		t.Fatal("expected error for database name")
	}
}

func TestValidateDatabaseID(t *testing.T) {
	t.Parallel()

	for id, valid := range map[string]bool{
		"testdb":  true,
		"db-one":  true,
		"db_1":    true,
		"d":       false,
		"Db":      false,
		"db-":     false,
		"-db":     false,
		"db.name": false,
	} {
		err := validateDatabaseID(id)
		if g, w := err == nil, valid; g != w {
			t.Errorf("validateDatabaseID(%q) mismatch\n Got valid: %v\nWant valid: %v", id, g, w)
		}
	}
}

func TestResourceNameFormats(t *testing.T) {
	t.Parallel()

	for g, w := range map[string]string{
		ProjectName("p"):                           "projects/p",
		InstanceName("p", "i"):                     "projects/p/instances/i",
		InstanceConfigName("p", "emulator-config"): "projects/p/instanceConfigs/emulator-config",
		BackupScheduleName("p", "i", "d", "s"):     "projects/p/instances/i/databases/d/backupSchedules/s",
		DatabaseRoleName("p", "i", "d", "r"):       "projects/p/instances/i/databases/d/databaseRoles/r",
		KMSKeyName("p", "us", "ring", "key"):       "projects/p/locations/us/keyRings/ring/cryptoKeys/key",
		sessionID("projects/p/instances/i/databases/d/sessions/abc"): "abc",
	} {
		if g != w {
			t.Errorf("resource name mismatch\n Got: %v\nWant: %v", g, w)
		}
	}
}
