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
	"fmt"
	"regexp"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	databaseIDRegExp   = regexp.MustCompile(`^[a-z][a-z0-9_\-]*[a-z0-9]$`)
	databaseNameRegExp = regexp.MustCompile(`^projects/(?P<project>[^/]+)/instances/(?P<instance>[a-z][-a-z0-9]*)/databases/(?P<database>[a-z][a-z0-9_\-]*[a-z0-9])$`)
	backupNameRegExp   = regexp.MustCompile(`^projects/(?P<project>[^/]+)/instances/(?P<instance>[a-z][-a-z0-9]*)/backups/(?P<backup>[a-z][a-z0-9_\-]*[a-z0-9])$`)
)

// ProjectName returns the resource name of a project.
func ProjectName(project string) string {
	return "projects/" + project
}

// InstanceName returns the resource name of an instance.
func InstanceName(project, instance string) string {
	return fmt.Sprintf("projects/%s/instances/%s", project, instance)
}

// InstanceConfigName returns the resource name of an instance configuration.
func InstanceConfigName(project, config string) string {
	return fmt.Sprintf("projects/%s/instanceConfigs/%s", project, config)
}

// DatabaseName returns the resource name of a database.
func DatabaseName(project, instance, database string) string {
	return fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, database)
}

// BackupName returns the resource name of a backup.
func BackupName(project, instance, backup string) string {
	return fmt.Sprintf("projects/%s/instances/%s/backups/%s", project, instance, backup)
}

// BackupScheduleName returns the resource name of a backup schedule.
func BackupScheduleName(project, instance, database, schedule string) string {
	return fmt.Sprintf("projects/%s/instances/%s/databases/%s/backupSchedules/%s", project, instance, database, schedule)
}

// DatabaseRoleName returns the resource name of a database role.
func DatabaseRoleName(project, instance, database, role string) string {
	return fmt.Sprintf("projects/%s/instances/%s/databases/%s/databaseRoles/%s", project, instance, database, role)
}

// KMSKeyName returns the resource name of a Cloud KMS key.
func KMSKeyName(project, location, keyRing, key string) string {
	return fmt.Sprintf("projects/%s/locations/%s/keyRings/%s/cryptoKeys/%s", project, location, keyRing, key)
}

// ParseDatabaseName splits a fully qualified database name into its parts.
func ParseDatabaseName(name string) (project, instance, database string, err error) {
	m := databaseNameRegExp.FindStringSubmatch(name)
	if m == nil {
		return "", "", "", status.Errorf(codes.InvalidArgument, "invalid database name: %q", name)
	}
	return m[1], m[2], m[3], nil
}

// ParseBackupName splits a fully qualified backup name into its parts.
func ParseBackupName(name string) (project, instance, backup string, err error) {
	m := backupNameRegExp.FindStringSubmatch(name)
	if m == nil {
		return "", "", "", status.Errorf(codes.InvalidArgument, "invalid backup name: %q", name)
	}
	return m[1], m[2], m[3], nil
}

func validateDatabaseID(id string) error {
	if !databaseIDRegExp.MatchString(id) {
		return status.Errorf(codes.InvalidArgument, "invalid database id: %q", id)
	}
	return nil
}

// sessionID returns the last segment of a session name.
func sessionID(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}
