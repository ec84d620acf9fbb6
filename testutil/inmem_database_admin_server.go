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

package testutil

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// InMemDatabaseAdminServer contains the DatabaseAdminServer interface plus a
// couple of specific methods for setting mocked results.
type InMemDatabaseAdminServer interface {
	databasepb.DatabaseAdminServer
	Stop()
	// Resps returns the responses that are returned by CreateDatabase,
	// DropDatabase and UpdateDatabaseDdl instead of the simulated state.
	Resps() []proto.Message
	SetResps([]proto.Message)
	Reqs() []proto.Message
	SetReqs([]proto.Message)
	// SetErr sets an error that is returned by all calls.
	SetErr(error)
	AddDdlResponse(key string, result *longrunningpb.Operation)
	// Databases returns the names of all databases, sorted.
	Databases() []string
	// AddDatabase adds a database with the given DDL statements.
	AddDatabase(name string, dialect databasepb.DatabaseDialect, statements ...string)
}

// createDatabaseRegExp extracts the database ID of a CREATE DATABASE
// statement.
var createDatabaseRegExp = regexp.MustCompile("(?i)^\\s*CREATE\\s+DATABASE\\s+[`\"]?([^`\"\\s]+)[`\"]?\\s*$")

type simulatedDatabase struct {
	db  *databasepb.Database
	ddl []string
}

// inMemDatabaseAdminServer implements InMemDatabaseAdminServer. It is safe
// for concurrent use.
type inMemDatabaseAdminServer struct {
	databasepb.UnimplementedDatabaseAdminServer

	mu   sync.Mutex
	reqs []proto.Message
	// If set, all calls return this error
	err error
	// responses to return if err == nil
	resps []proto.Message

	// Specific results for UpdateDatabaseDdl calls.
	// These results are returned if an UpdateDatabaseDdlRequest corresponds exactly to the key in this map.
	// The key is calculated by concatenating all statements in the UpdateDatabaseDdlRequest into one string separated
	// by semicolons.
	ddlResults map[string]*longrunningpb.Operation

	databases  map[string]*simulatedDatabase
	backups    map[string]*databasepb.Backup
	schedules  map[string]*databasepb.BackupSchedule
	operations InMemOperationsServer
	opCounter  int
}

// NewInMemDatabaseAdminServer creates a new in-mem test server. Finished
// operations are registered with the given operations server. A new
// operations server is used if ops is nil.
func NewInMemDatabaseAdminServer(ops InMemOperationsServer) InMemDatabaseAdminServer {
	if ops == nil {
		ops = NewInMemOperationsServer()
	}
	return &inMemDatabaseAdminServer{
		ddlResults: make(map[string]*longrunningpb.Operation),
		databases:  make(map[string]*simulatedDatabase),
		backups:    make(map[string]*databasepb.Backup),
		schedules:  make(map[string]*databasepb.BackupSchedule),
		operations: ops,
	}
}

// checkCall records the request and returns the error that the call should
// return. The lock must be held.
func (s *inMemDatabaseAdminServer) checkCall(ctx context.Context, req proto.Message) error {
	md, _ := metadata.FromIncomingContext(ctx)
	if xg := md["x-goog-api-client"]; len(xg) == 0 || !strings.Contains(xg[0], "gl-go/") {
		return fmt.Errorf("x-goog-api-client = %v, expected gl-go key", xg)
	}
	s.reqs = append(s.reqs, req)
	return s.err
}

// newOperation registers a finished operation for the given resource. The
// lock must be held.
func (s *inMemDatabaseAdminServer) newOperation(resource string, response, md proto.Message) (*longrunningpb.Operation, error) {
	s.opCounter++
	op, err := newDoneOperation(fmt.Sprintf("%s/operations/op%d", resource, s.opCounter), response, md)
	if err != nil {
		return nil, err
	}
	s.operations.PutOperation(op)
	return op, nil
}

func (s *inMemDatabaseAdminServer) getDatabase(name string) (*simulatedDatabase, error) {
	db, ok := s.databases[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Database not found: %s", name)
	}
	return db, nil
}

func (s *inMemDatabaseAdminServer) CreateDatabase(ctx context.Context, req *databasepb.CreateDatabaseRequest) (*longrunningpb.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	if len(s.resps) > 0 {
		return s.resps[0].(*longrunningpb.Operation), nil
	}
	m := createDatabaseRegExp.FindStringSubmatch(req.CreateStatement)
	if m == nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid create statement: %s", req.CreateStatement)
	}
	name := fmt.Sprintf("%s/databases/%s", req.Parent, m[1])
	if _, ok := s.databases[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "Database already exists: %s", name)
	}
	dialect := req.DatabaseDialect
	if dialect == databasepb.DatabaseDialect_DATABASE_DIALECT_UNSPECIFIED {
		dialect = databasepb.DatabaseDialect_GOOGLE_STANDARD_SQL
	}
	db := &databasepb.Database{
		Name:            name,
		State:           databasepb.Database_READY,
		CreateTime:      timestamppb.Now(),
		DatabaseDialect: dialect,
	}
	s.databases[name] = &simulatedDatabase{db: db, ddl: append([]string(nil), req.ExtraStatements...)}
	return s.newOperation(name, db, &databasepb.CreateDatabaseMetadata{Database: name})
}

func (s *inMemDatabaseAdminServer) AddDatabase(name string, dialect databasepb.DatabaseDialect, statements ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.databases[name] = &simulatedDatabase{
		db:  &databasepb.Database{Name: name, State: databasepb.Database_READY, CreateTime: timestamppb.Now(), DatabaseDialect: dialect},
		ddl: statements,
	}
}

func (s *inMemDatabaseAdminServer) Databases() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *inMemDatabaseAdminServer) GetDatabase(ctx context.Context, req *databasepb.GetDatabaseRequest) (*databasepb.Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	db, err := s.getDatabase(req.Name)
	if err != nil {
		return nil, err
	}
	return db.db, nil
}

func (s *inMemDatabaseAdminServer) ListDatabases(ctx context.Context, req *databasepb.ListDatabasesRequest) (*databasepb.ListDatabasesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	resp := &databasepb.ListDatabasesResponse{}
	for name, db := range s.databases {
		if strings.HasPrefix(name, req.Parent+"/") {
			resp.Databases = append(resp.Databases, db.db)
		}
	}
	sort.Slice(resp.Databases, func(i, j int) bool { return resp.Databases[i].Name < resp.Databases[j].Name })
	return resp, nil
}

func (s *inMemDatabaseAdminServer) GetDatabaseDdl(ctx context.Context, req *databasepb.GetDatabaseDdlRequest) (*databasepb.GetDatabaseDdlResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	db, err := s.getDatabase(req.Database)
	if err != nil {
		return nil, err
	}
	return &databasepb.GetDatabaseDdlResponse{Statements: db.ddl}, nil
}

func (s *inMemDatabaseAdminServer) DropDatabase(ctx context.Context, req *databasepb.DropDatabaseRequest) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	if len(s.resps) > 0 {
		return s.resps[0].(*emptypb.Empty), nil
	}
	db, err := s.getDatabase(req.Database)
	if err != nil {
		return nil, err
	}
	if db.db.EnableDropProtection {
		return nil, status.Errorf(codes.FailedPrecondition, "Database %s has drop protection enabled", req.Database)
	}
	delete(s.databases, req.Database)
	return &emptypb.Empty{}, nil
}

func (s *inMemDatabaseAdminServer) UpdateDatabaseDdl(ctx context.Context, req *databasepb.UpdateDatabaseDdlRequest) (*longrunningpb.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	key := toKey(req)
	if resp, ok := s.ddlResults[key]; ok {
		return resp, nil
	}
	if len(s.resps) > 0 {
		return s.resps[0].(*longrunningpb.Operation), nil
	}
	db, err := s.getDatabase(req.Database)
	if err != nil {
		return nil, err
	}
	db.ddl = append(db.ddl, req.Statements...)
	return s.newOperation(req.Database, &emptypb.Empty{}, &databasepb.UpdateDatabaseDdlMetadata{
		Database:   req.Database,
		Statements: req.Statements,
	})
}

func toKey(req *databasepb.UpdateDatabaseDdlRequest) string {
	return strings.Join(req.Statements, ";")
}

func (s *inMemDatabaseAdminServer) UpdateDatabase(ctx context.Context, req *databasepb.UpdateDatabaseRequest) (*longrunningpb.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	db, err := s.getDatabase(req.GetDatabase().GetName())
	if err != nil {
		return nil, err
	}
	for _, path := range req.GetUpdateMask().GetPaths() {
		switch path {
		case "enable_drop_protection":
			db.db.EnableDropProtection = req.Database.EnableDropProtection
		default:
			return nil, status.Errorf(codes.InvalidArgument, "unsupported field: %s", path)
		}
	}
	return s.newOperation(db.db.Name, db.db, &databasepb.UpdateDatabaseMetadata{Request: req})
}

func (s *inMemDatabaseAdminServer) RestoreDatabase(ctx context.Context, req *databasepb.RestoreDatabaseRequest) (*longrunningpb.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	backup, ok := s.backups[req.GetBackup()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Backup not found: %s", req.GetBackup())
	}
	name := fmt.Sprintf("%s/databases/%s", req.Parent, req.DatabaseId)
	if _, ok := s.databases[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "Database already exists: %s", name)
	}
	source, ok := s.databases[backup.Database]
	db := &databasepb.Database{
		Name:        name,
		State:       databasepb.Database_READY,
		CreateTime:  timestamppb.Now(),
		RestoreInfo: &databasepb.RestoreInfo{SourceType: databasepb.RestoreSourceType_BACKUP},
	}
	var ddl []string
	if ok {
		db.DatabaseDialect = source.db.DatabaseDialect
		ddl = append(ddl, source.ddl...)
	}
	s.databases[name] = &simulatedDatabase{db: db, ddl: ddl}
	return s.newOperation(name, db, &databasepb.RestoreDatabaseMetadata{Name: name})
}

func (s *inMemDatabaseAdminServer) ListDatabaseRoles(ctx context.Context, req *databasepb.ListDatabaseRolesRequest) (*databasepb.ListDatabaseRolesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	if _, err := s.getDatabase(req.Parent); err != nil {
		return nil, err
	}
	return &databasepb.ListDatabaseRolesResponse{
		DatabaseRoles: []*databasepb.DatabaseRole{{Name: req.Parent + "/databaseRoles/public"}},
	}, nil
}

func (s *inMemDatabaseAdminServer) CreateBackup(ctx context.Context, req *databasepb.CreateBackupRequest) (*longrunningpb.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	if _, err := s.getDatabase(req.GetBackup().GetDatabase()); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s/backups/%s", req.Parent, req.BackupId)
	if _, ok := s.backups[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "Backup already exists: %s", name)
	}
	backup := proto.Clone(req.Backup).(*databasepb.Backup)
	backup.Name = name
	backup.State = databasepb.Backup_READY
	backup.CreateTime = timestamppb.Now()
	if backup.VersionTime == nil {
		backup.VersionTime = backup.CreateTime
	}
	s.backups[name] = backup
	return s.newOperation(name, backup, &databasepb.CreateBackupMetadata{Name: name, Database: backup.Database})
}

func (s *inMemDatabaseAdminServer) CopyBackup(ctx context.Context, req *databasepb.CopyBackupRequest) (*longrunningpb.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	source, ok := s.backups[req.SourceBackup]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Backup not found: %s", req.SourceBackup)
	}
	name := fmt.Sprintf("%s/backups/%s", req.Parent, req.BackupId)
	if _, ok := s.backups[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "Backup already exists: %s", name)
	}
	backup := proto.Clone(source).(*databasepb.Backup)
	backup.Name = name
	backup.ExpireTime = req.ExpireTime
	backup.CreateTime = timestamppb.Now()
	s.backups[name] = backup
	return s.newOperation(name, backup, &databasepb.CopyBackupMetadata{Name: name, SourceBackup: req.SourceBackup})
}

func (s *inMemDatabaseAdminServer) GetBackup(ctx context.Context, req *databasepb.GetBackupRequest) (*databasepb.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	backup, ok := s.backups[req.Name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Backup not found: %s", req.Name)
	}
	return backup, nil
}

func (s *inMemDatabaseAdminServer) UpdateBackup(ctx context.Context, req *databasepb.UpdateBackupRequest) (*databasepb.Backup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	backup, ok := s.backups[req.GetBackup().GetName()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Backup not found: %s", req.GetBackup().GetName())
	}
	for _, path := range req.GetUpdateMask().GetPaths() {
		switch path {
		case "expire_time":
			backup.ExpireTime = req.Backup.ExpireTime
		default:
			return nil, status.Errorf(codes.InvalidArgument, "unsupported field: %s", path)
		}
	}
	return backup, nil
}

func (s *inMemDatabaseAdminServer) DeleteBackup(ctx context.Context, req *databasepb.DeleteBackupRequest) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	if _, ok := s.backups[req.Name]; !ok {
		return nil, status.Errorf(codes.NotFound, "Backup not found: %s", req.Name)
	}
	delete(s.backups, req.Name)
	return &emptypb.Empty{}, nil
}

func (s *inMemDatabaseAdminServer) ListBackups(ctx context.Context, req *databasepb.ListBackupsRequest) (*databasepb.ListBackupsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	resp := &databasepb.ListBackupsResponse{}
	for name, backup := range s.backups {
		if strings.HasPrefix(name, req.Parent+"/") {
			resp.Backups = append(resp.Backups, backup)
		}
	}
	sort.Slice(resp.Backups, func(i, j int) bool { return resp.Backups[i].Name < resp.Backups[j].Name })
	return resp, nil
}

func (s *inMemDatabaseAdminServer) CreateBackupSchedule(ctx context.Context, req *databasepb.CreateBackupScheduleRequest) (*databasepb.BackupSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	if _, err := s.getDatabase(req.Parent); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s/backupSchedules/%s", req.Parent, req.BackupScheduleId)
	if _, ok := s.schedules[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "Backup schedule already exists: %s", name)
	}
	schedule := proto.Clone(req.BackupSchedule).(*databasepb.BackupSchedule)
	schedule.Name = name
	schedule.UpdateTime = timestamppb.Now()
	s.schedules[name] = schedule
	return schedule, nil
}

func (s *inMemDatabaseAdminServer) GetBackupSchedule(ctx context.Context, req *databasepb.GetBackupScheduleRequest) (*databasepb.BackupSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	schedule, ok := s.schedules[req.Name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Backup schedule not found: %s", req.Name)
	}
	return schedule, nil
}

func (s *inMemDatabaseAdminServer) UpdateBackupSchedule(ctx context.Context, req *databasepb.UpdateBackupScheduleRequest) (*databasepb.BackupSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	schedule, ok := s.schedules[req.GetBackupSchedule().GetName()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Backup schedule not found: %s", req.GetBackupSchedule().GetName())
	}
	for _, path := range req.GetUpdateMask().GetPaths() {
		switch path {
		case "retention_duration":
			schedule.RetentionDuration = req.BackupSchedule.RetentionDuration
		case "spec":
			schedule.Spec = req.BackupSchedule.Spec
		default:
			return nil, status.Errorf(codes.InvalidArgument, "unsupported field: %s", path)
		}
	}
	schedule.UpdateTime = timestamppb.Now()
	return schedule, nil
}

func (s *inMemDatabaseAdminServer) DeleteBackupSchedule(ctx context.Context, req *databasepb.DeleteBackupScheduleRequest) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	if _, ok := s.schedules[req.Name]; !ok {
		return nil, status.Errorf(codes.NotFound, "Backup schedule not found: %s", req.Name)
	}
	delete(s.schedules, req.Name)
	return &emptypb.Empty{}, nil
}

func (s *inMemDatabaseAdminServer) ListBackupSchedules(ctx context.Context, req *databasepb.ListBackupSchedulesRequest) (*databasepb.ListBackupSchedulesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	resp := &databasepb.ListBackupSchedulesResponse{}
	for name, schedule := range s.schedules {
		if strings.HasPrefix(name, req.Parent+"/") {
			resp.BackupSchedules = append(resp.BackupSchedules, schedule)
		}
	}
	sort.Slice(resp.BackupSchedules, func(i, j int) bool { return resp.BackupSchedules[i].Name < resp.BackupSchedules[j].Name })
	return resp, nil
}

func (s *inMemDatabaseAdminServer) ListDatabaseOperations(ctx context.Context, req *databasepb.ListDatabaseOperationsRequest) (*databasepb.ListDatabaseOperationsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	return &databasepb.ListDatabaseOperationsResponse{Operations: s.operations.Operations(req.Parent + "/databases/")}, nil
}

func (s *inMemDatabaseAdminServer) ListBackupOperations(ctx context.Context, req *databasepb.ListBackupOperationsRequest) (*databasepb.ListBackupOperationsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCall(ctx, req); err != nil {
		return nil, err
	}
	return &databasepb.ListBackupOperationsResponse{Operations: s.operations.Operations(req.Parent + "/backups/")}, nil
}

func (s *inMemDatabaseAdminServer) Stop() {
	// do nothing
}

func (s *inMemDatabaseAdminServer) Resps() []proto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resps
}

func (s *inMemDatabaseAdminServer) SetResps(resps []proto.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resps = resps
}

func (s *inMemDatabaseAdminServer) Reqs() []proto.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]proto.Message(nil), s.reqs...)
}

func (s *inMemDatabaseAdminServer) SetReqs(reqs []proto.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = reqs
}

func (s *inMemDatabaseAdminServer) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *inMemDatabaseAdminServer) AddDdlResponse(key string, result *longrunningpb.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ddlResults[key] = result
}
