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
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"reflect"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// The names of the methods of the in-mem server. They are used to register
// simulated execution times and errors.
const (
	MethodCreateSession       = "CREATE_SESSION"
	MethodBatchCreateSession  = "BATCH_CREATE_SESSION"
	MethodGetSession          = "GET_SESSION"
	MethodDeleteSession       = "DELETE_SESSION"
	MethodBeginTransaction    = "BEGIN_TRANSACTION"
	MethodCommitTransaction   = "COMMIT_TRANSACTION"
	MethodRollbackTransaction = "ROLLBACK_TRANSACTION"
	MethodExecuteSql          = "EXECUTE_SQL"
	MethodExecuteStreamingSql = "EXECUTE_STREAMING_SQL"
	MethodExecuteBatchDml     = "EXECUTE_BATCH_DML"
	MethodStreamingRead       = "EXECUTE_STREAMING_READ"
	MethodPartitionQuery      = "PARTITION_QUERY"
	MethodPartitionRead       = "PARTITION_READ"
)

// StatementResultType indicates the type of result returned by a SQL
// statement.
type StatementResultType int

const (
	// StatementResultError indicates that the statement returns an error.
	StatementResultError StatementResultType = 0
	// StatementResultResultSet indicates that the statement returns rows.
	StatementResultResultSet StatementResultType = 1
	// StatementResultUpdateCount indicates that the statement returns an
	// update count.
	StatementResultUpdateCount StatementResultType = 2
)

// StatementResult is a mocked result on the test server. The result can be
// either a ResultSet, an update count or an error.
type StatementResult struct {
	Type        StatementResultType
	Err         error
	ResultSet   *spannerpb.ResultSet
	UpdateCount int64
}

// SimulatedExecutionTime represents the time the execution of a method
// should take, and any errors that should be returned by the method.
type SimulatedExecutionTime struct {
	MinimumExecutionTime time.Duration
	RandomExecutionTime  time.Duration
	// Errors are returned by the next calls of the method, one per call.
	Errors []error
	// KeepError keeps returning the first error of Errors for all calls.
	KeepError bool
}

// PartialResultSetExecutionTime defines an error or a delay that is applied
// when the server is about to return the PartialResultSet with the given
// resume token. Errors are returned once.
type PartialResultSetExecutionTime struct {
	ResumeToken   []byte
	ExecutionTime time.Duration
	Err           error
}

// EncodeResumeToken returns the resume token that the server attaches to
// the row with the given 1-based index.
func EncodeResumeToken(t uint64) []byte {
	rt := make([]byte, 16)
	binary.PutUvarint(rt, t)
	return rt
}

// DecodeResumeToken decodes a resume token that was created by
// EncodeResumeToken.
func DecodeResumeToken(t []byte) (uint64, error) {
	s, n := binary.Uvarint(t)
	if n <= 0 {
		return 0, fmt.Errorf("invalid resume token: %v", t)
	}
	return s, nil
}

// PartitionToken returns the token of the partition with the given index.
func PartitionToken(i int) []byte {
	return []byte(fmt.Sprintf("partition-%d", i))
}

// RequestsOfType returns the requests of the given type.
func RequestsOfType(requests []any, t reflect.Type) []any {
	res := make([]any, 0)
	for _, req := range requests {
		if reflect.TypeOf(req) == t {
			res = append(res, req)
		}
	}
	return res
}

// InMemSpannerServer contains the SpannerServer interface plus a couple of
// specific methods for adding mocked results and inspecting the requests
// that were received.
type InMemSpannerServer interface {
	spannerpb.SpannerServer

	// Stop makes all calls fail with Unavailable.
	Stop()
	// Reset removes all sessions, transactions and received requests.
	Reset()
	// SetError sets an error that is returned by the next call to any
	// method.
	SetError(err error)
	// PutStatementResult adds a mocked result for the given SQL string.
	PutStatementResult(sql string, result *StatementResult) error
	// PutReadResult adds a mocked result for reads of the given table.
	PutReadResult(table string, result *StatementResult) error
	// PutPartitionResult adds a mocked result for the given partition token.
	// It takes precedence over the result of the statement or table.
	PutPartitionResult(partitionToken []byte, result *StatementResult) error
	// SetPartitionCount sets the number of partitions that are returned by
	// PartitionQuery and PartitionRead. The default is 2.
	SetPartitionCount(n int)
	// AddPartialResultSetError adds an error or a delay for the stream of
	// the given SQL string.
	AddPartialResultSetError(sql string, partialResultSetError PartialResultSetExecutionTime)
	// PutExecutionTime sets the simulated execution time of a method.
	PutExecutionTime(method string, executionTime SimulatedExecutionTime)
	// SetMultiplexedSessionsUnsupported makes CreateSession fail with
	// Unimplemented for multiplexed sessions.
	SetMultiplexedSessionsUnsupported(unsupported bool)
	// SetMaxSessionsReturnedByServerPerBatchRequest caps the number of
	// sessions that are returned by one BatchCreateSessions call.
	SetMaxSessionsReturnedByServerPerBatchRequest(n int32)

	TotalSessionsCreated() uint
	TotalSessionsDeleted() uint
	// DumpSessions returns the names of all live sessions, and whether they
	// are multiplexed.
	DumpSessions() map[string]bool
	// DrainRequestsFromServer returns and removes all received requests.
	DrainRequestsFromServer() []any
	// DrainRequestsWithMetadata returns and removes all received requests,
	// together with the incoming metadata of each request.
	DrainRequestsWithMetadata() ([]any, []metadata.MD)
}

type transactionInfo struct {
	session     string
	readOnly    bool
	partitioned bool
	done        bool
}

// inMemSpannerServer implements InMemSpannerServer. It is safe for
// concurrent use.
type inMemSpannerServer struct {
	spannerpb.UnimplementedSpannerServer

	mu      sync.Mutex
	stopped bool
	err     error

	sessions         map[string]*spannerpb.Session
	sessionCounter   uint64
	totalCreated     uint
	totalDeleted     uint
	transactions     map[string]*transactionInfo
	txCounter        uint64
	statementResults map[string]*StatementResult
	readResults      map[string]*StatementResult
	partitionResults map[string]*StatementResult
	partitionCount   int
	partialErrors    map[string][]*PartialResultSetExecutionTime
	executionTimes   map[string]*SimulatedExecutionTime

	multiplexedUnsupported bool
	maxSessionsPerBatch    int32

	requests []any
	metadata []metadata.MD
}

// NewInMemSpannerServer creates a new in-mem test server.
func NewInMemSpannerServer() InMemSpannerServer {
	s := &inMemSpannerServer{}
	s.init()
	return s
}

func (s *inMemSpannerServer) init() {
	s.sessions = make(map[string]*spannerpb.Session)
	s.transactions = make(map[string]*transactionInfo)
	s.statementResults = make(map[string]*StatementResult)
	s.readResults = make(map[string]*StatementResult)
	s.partitionResults = make(map[string]*StatementResult)
	s.partialErrors = make(map[string][]*PartialResultSetExecutionTime)
	s.executionTimes = make(map[string]*SimulatedExecutionTime)
	s.partitionCount = 2
	s.requests = nil
	s.metadata = nil
	s.totalCreated = 0
	s.totalDeleted = 0
}

func (s *inMemSpannerServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *inMemSpannerServer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
}

func (s *inMemSpannerServer) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func validateResult(result *StatementResult) error {
	if result == nil {
		return fmt.Errorf("result must not be nil")
	}
	switch result.Type {
	case StatementResultError:
		if result.Err == nil {
			return fmt.Errorf("error result must contain an error")
		}
	case StatementResultResultSet:
		if result.ResultSet == nil {
			return fmt.Errorf("result set result must contain a result set")
		}
	}
	return nil
}

func (s *inMemSpannerServer) PutStatementResult(sql string, result *StatementResult) error {
	if err := validateResult(result); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statementResults[sql] = result
	return nil
}

func (s *inMemSpannerServer) PutReadResult(table string, result *StatementResult) error {
	if err := validateResult(result); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readResults[table] = result
	return nil
}

func (s *inMemSpannerServer) PutPartitionResult(partitionToken []byte, result *StatementResult) error {
	if err := validateResult(result); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitionResults[string(partitionToken)] = result
	return nil
}

func (s *inMemSpannerServer) SetPartitionCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitionCount = n
}

func (s *inMemSpannerServer) AddPartialResultSetError(sql string, partialResultSetError PartialResultSetExecutionTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partialErrors[sql] = append(s.partialErrors[sql], &partialResultSetError)
}

func (s *inMemSpannerServer) PutExecutionTime(method string, executionTime SimulatedExecutionTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executionTimes[method] = &executionTime
}

func (s *inMemSpannerServer) SetMultiplexedSessionsUnsupported(unsupported bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multiplexedUnsupported = unsupported
}

func (s *inMemSpannerServer) SetMaxSessionsReturnedByServerPerBatchRequest(n int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSessionsPerBatch = n
}

func (s *inMemSpannerServer) TotalSessionsCreated() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalCreated
}

func (s *inMemSpannerServer) TotalSessionsDeleted() uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalDeleted
}

func (s *inMemSpannerServer) DumpSessions() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make(map[string]bool, len(s.sessions))
	for name, session := range s.sessions {
		res[name] = session.GetMultiplexed()
	}
	return res
}

func (s *inMemSpannerServer) DrainRequestsFromServer() []any {
	requests, _ := s.DrainRequestsWithMetadata()
	return requests
}

func (s *inMemSpannerServer) DrainRequestsWithMetadata() ([]any, []metadata.MD) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requests, md := s.requests, s.metadata
	s.requests, s.metadata = nil, nil
	return requests, md
}

// simulateExecutionTime records the request, and then applies the simulated
// execution time and errors of the method.
func (s *inMemSpannerServer) simulateExecutionTime(ctx context.Context, method string, req any) error {
	md, _ := metadata.FromIncomingContext(ctx)
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.metadata = append(s.metadata, md.Copy())
	if s.stopped {
		s.mu.Unlock()
		return status.Error(codes.Unavailable, "server has been stopped")
	}
	if s.err != nil {
		err := s.err
		s.err = nil
		s.mu.Unlock()
		return err
	}
	executionTime, ok := s.executionTimes[method]
	var d time.Duration
	if ok {
		d = executionTime.MinimumExecutionTime
		if executionTime.RandomExecutionTime > 0 {
			d += time.Duration(rand.Int64N(int64(executionTime.RandomExecutionTime)))
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(executionTime.Errors) > 0 {
		err := executionTime.Errors[0]
		if !executionTime.KeepError {
			executionTime.Errors = executionTime.Errors[1:]
		}
		return err
	}
	return nil
}

func newSessionNotFoundError(name string) error {
	st := status.New(codes.NotFound, fmt.Sprintf("Session not found: %s", name))
	st, err := st.WithDetails(&errdetails.ResourceInfo{
		ResourceType: "type.googleapis.com/google.spanner.v1.Session",
		ResourceName: name,
		Description:  "Session does not exist.",
	})
	if err != nil {
		return status.Errorf(codes.NotFound, "Session not found: %s", name)
	}
	return st.Err()
}

// getSession returns the session with the given name. The lock must be held.
func (s *inMemSpannerServer) getSession(name string) (*spannerpb.Session, error) {
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "missing session name")
	}
	session, ok := s.sessions[name]
	if !ok {
		return nil, newSessionNotFoundError(name)
	}
	session.ApproximateLastUseTime = timestamppb.Now()
	return session, nil
}

// newSession creates a session. The lock must be held.
func (s *inMemSpannerServer) newSession(database string, template *spannerpb.Session) *spannerpb.Session {
	s.sessionCounter++
	session := &spannerpb.Session{
		Name:                   fmt.Sprintf("%s/sessions/s%d", database, s.sessionCounter),
		CreateTime:             timestamppb.Now(),
		ApproximateLastUseTime: timestamppb.Now(),
		Multiplexed:            template.GetMultiplexed(),
		CreatorRole:            template.GetCreatorRole(),
		Labels:                 template.GetLabels(),
	}
	s.sessions[session.Name] = session
	s.totalCreated++
	return proto.Clone(session).(*spannerpb.Session)
}

func (s *inMemSpannerServer) CreateSession(ctx context.Context, req *spannerpb.CreateSessionRequest) (*spannerpb.Session, error) {
	if err := s.simulateExecutionTime(ctx, MethodCreateSession, req); err != nil {
		return nil, err
	}
	if req.Database == "" {
		return nil, status.Error(codes.InvalidArgument, "missing database")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.GetSession().GetMultiplexed() && s.multiplexedUnsupported {
		return nil, status.Error(codes.Unimplemented, "multiplexed sessions are not supported")
	}
	return s.newSession(req.Database, req.Session), nil
}

func (s *inMemSpannerServer) BatchCreateSessions(ctx context.Context, req *spannerpb.BatchCreateSessionsRequest) (*spannerpb.BatchCreateSessionsResponse, error) {
	if err := s.simulateExecutionTime(ctx, MethodBatchCreateSession, req); err != nil {
		return nil, err
	}
	if req.Database == "" {
		return nil, status.Error(codes.InvalidArgument, "missing database")
	}
	if req.SessionCount <= 0 {
		return nil, status.Error(codes.InvalidArgument, "session count must be >= 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	count := req.SessionCount
	if s.maxSessionsPerBatch > 0 && count > s.maxSessionsPerBatch {
		count = s.maxSessionsPerBatch
	}
	sessions := make([]*spannerpb.Session, count)
	for i := range sessions {
		sessions[i] = s.newSession(req.Database, req.SessionTemplate)
	}
	return &spannerpb.BatchCreateSessionsResponse{Session: sessions}, nil
}

func (s *inMemSpannerServer) GetSession(ctx context.Context, req *spannerpb.GetSessionRequest) (*spannerpb.Session, error) {
	if err := s.simulateExecutionTime(ctx, MethodGetSession, req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.getSession(req.Name)
	if err != nil {
		return nil, err
	}
	return proto.Clone(session).(*spannerpb.Session), nil
}

func (s *inMemSpannerServer) DeleteSession(ctx context.Context, req *spannerpb.DeleteSessionRequest) (*emptypb.Empty, error) {
	if err := s.simulateExecutionTime(ctx, MethodDeleteSession, req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.getSession(req.Name)
	if err != nil {
		return nil, err
	}
	if session.GetMultiplexed() {
		return nil, status.Error(codes.InvalidArgument, "multiplexed sessions cannot be deleted")
	}
	delete(s.sessions, req.Name)
	s.totalDeleted++
	return &emptypb.Empty{}, nil
}

// beginTransaction creates a transaction. The lock must be held.
func (s *inMemSpannerServer) beginTransaction(session string, options *spannerpb.TransactionOptions) *spannerpb.Transaction {
	s.txCounter++
	id := []byte(fmt.Sprintf("tx-%d", s.txCounter))
	s.transactions[string(id)] = &transactionInfo{
		session:     session,
		readOnly:    options.GetReadOnly() != nil,
		partitioned: options.GetPartitionedDml() != nil,
	}
	tx := &spannerpb.Transaction{Id: id}
	if options.GetReadOnly().GetReturnReadTimestamp() {
		tx.ReadTimestamp = timestamppb.Now()
	}
	return tx
}

// resolveTransaction validates the transaction selector of a request, and
// begins a transaction if the selector contains BeginTransaction. The lock
// must be held.
func (s *inMemSpannerServer) resolveTransaction(session string, selector *spannerpb.TransactionSelector) (tx *spannerpb.Transaction, info *transactionInfo, err error) {
	switch sel := selector.GetSelector().(type) {
	case nil:
		return nil, &transactionInfo{session: session, readOnly: true}, nil
	case *spannerpb.TransactionSelector_SingleUse:
		return nil, &transactionInfo{session: session, readOnly: sel.SingleUse.GetReadOnly() != nil, partitioned: sel.SingleUse.GetPartitionedDml() != nil}, nil
	case *spannerpb.TransactionSelector_Begin:
		tx = s.beginTransaction(session, sel.Begin)
		return tx, s.transactions[string(tx.Id)], nil
	case *spannerpb.TransactionSelector_Id:
		info, ok := s.transactions[string(sel.Id)]
		if !ok {
			return nil, nil, status.Errorf(codes.NotFound, "Transaction not found: %s", sel.Id)
		}
		if info.done {
			return nil, nil, status.Errorf(codes.FailedPrecondition, "Transaction has already been committed or rolled back: %s", sel.Id)
		}
		return nil, info, nil
	}
	return nil, nil, status.Error(codes.InvalidArgument, "unknown transaction selector")
}

func (s *inMemSpannerServer) BeginTransaction(ctx context.Context, req *spannerpb.BeginTransactionRequest) (*spannerpb.Transaction, error) {
	if err := s.simulateExecutionTime(ctx, MethodBeginTransaction, req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getSession(req.Session); err != nil {
		return nil, err
	}
	if req.Options == nil {
		return nil, status.Error(codes.InvalidArgument, "missing transaction options")
	}
	return s.beginTransaction(req.Session, req.Options), nil
}

func (s *inMemSpannerServer) Commit(ctx context.Context, req *spannerpb.CommitRequest) (*spannerpb.CommitResponse, error) {
	if err := s.simulateExecutionTime(ctx, MethodCommitTransaction, req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getSession(req.Session); err != nil {
		return nil, err
	}
	if id := req.GetTransactionId(); id != nil {
		info, ok := s.transactions[string(id)]
		if !ok {
			return nil, status.Errorf(codes.NotFound, "Transaction not found: %s", id)
		}
		if info.readOnly || info.partitioned {
			return nil, status.Error(codes.FailedPrecondition, "Cannot commit a read-only or partitioned DML transaction")
		}
		info.done = true
	} else if req.GetSingleUseTransaction() == nil {
		return nil, status.Error(codes.InvalidArgument, "missing transaction in commit request")
	}
	resp := &spannerpb.CommitResponse{CommitTimestamp: timestamppb.Now()}
	if req.ReturnCommitStats {
		resp.CommitStats = &spannerpb.CommitResponse_CommitStats{MutationCount: int64(len(req.Mutations))}
	}
	return resp, nil
}

func (s *inMemSpannerServer) Rollback(ctx context.Context, req *spannerpb.RollbackRequest) (*emptypb.Empty, error) {
	if err := s.simulateExecutionTime(ctx, MethodRollbackTransaction, req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getSession(req.Session); err != nil {
		return nil, err
	}
	info, ok := s.transactions[string(req.TransactionId)]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Transaction not found: %s", req.TransactionId)
	}
	info.done = true
	return &emptypb.Empty{}, nil
}

// statementResult returns the result for a query or a partition of a query.
// The lock must be held.
func (s *inMemSpannerServer) statementResult(sql string, partitionToken []byte) (*StatementResult, error) {
	if partitionToken != nil {
		if result, ok := s.partitionResults[string(partitionToken)]; ok {
			return result, nil
		}
	}
	result, ok := s.statementResults[sql]
	if !ok {
		return nil, status.Errorf(codes.Internal, "No result found for statement %v", sql)
	}
	return result, nil
}

func (s *inMemSpannerServer) readResult(table string, partitionToken []byte) (*StatementResult, error) {
	if partitionToken != nil {
		if result, ok := s.partitionResults[string(partitionToken)]; ok {
			return result, nil
		}
	}
	result, ok := s.readResults[table]
	if !ok {
		return nil, status.Errorf(codes.Internal, "No result found for read of table %v", table)
	}
	return result, nil
}

func updateCountStats(count int64, partitioned bool) *spannerpb.ResultSetStats {
	if partitioned {
		return &spannerpb.ResultSetStats{RowCount: &spannerpb.ResultSetStats_RowCountLowerBound{RowCountLowerBound: count}}
	}
	return &spannerpb.ResultSetStats{RowCount: &spannerpb.ResultSetStats_RowCountExact{RowCountExact: count}}
}

func (s *inMemSpannerServer) ExecuteSql(ctx context.Context, req *spannerpb.ExecuteSqlRequest) (*spannerpb.ResultSet, error) {
	if err := s.simulateExecutionTime(ctx, MethodExecuteSql, req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getSession(req.Session); err != nil {
		return nil, err
	}
	tx, info, err := s.resolveTransaction(req.Session, req.Transaction)
	if err != nil {
		return nil, err
	}
	result, err := s.statementResult(req.Sql, req.PartitionToken)
	if err != nil {
		return nil, err
	}
	switch result.Type {
	case StatementResultError:
		return nil, result.Err
	case StatementResultUpdateCount:
		return &spannerpb.ResultSet{
			Metadata: &spannerpb.ResultSetMetadata{RowType: &spannerpb.StructType{}, Transaction: tx},
			Stats:    updateCountStats(result.UpdateCount, info.partitioned),
		}, nil
	}
	rs := proto.Clone(result.ResultSet).(*spannerpb.ResultSet)
	if rs.Metadata == nil {
		rs.Metadata = &spannerpb.ResultSetMetadata{}
	}
	rs.Metadata.Transaction = tx
	return rs, nil
}

func (s *inMemSpannerServer) ExecuteStreamingSql(req *spannerpb.ExecuteSqlRequest, stream spannerpb.Spanner_ExecuteStreamingSqlServer) error {
	if err := s.simulateExecutionTime(stream.Context(), MethodExecuteStreamingSql, req); err != nil {
		return err
	}
	s.mu.Lock()
	if _, err := s.getSession(req.Session); err != nil {
		s.mu.Unlock()
		return err
	}
	tx, info, err := s.resolveTransaction(req.Session, req.Transaction)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	result, err := s.statementResult(req.Sql, req.PartitionToken)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.streamResult(stream.Context(), req.Sql, result, tx, info, req.ResumeToken, stream.Send)
}

func (s *inMemSpannerServer) StreamingRead(req *spannerpb.ReadRequest, stream spannerpb.Spanner_StreamingReadServer) error {
	if err := s.simulateExecutionTime(stream.Context(), MethodStreamingRead, req); err != nil {
		return err
	}
	s.mu.Lock()
	if _, err := s.getSession(req.Session); err != nil {
		s.mu.Unlock()
		return err
	}
	tx, info, err := s.resolveTransaction(req.Session, req.Transaction)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	result, err := s.readResult(req.Table, req.PartitionToken)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.streamResult(stream.Context(), req.Table, result, tx, info, req.ResumeToken, stream.Send)
}

// nextPartialResultSetError returns the first registered error or delay for
// the given key and resume token, and removes it if it contains an error.
func (s *inMemSpannerServer) nextPartialResultSetError(key string, resumeToken []byte) *PartialResultSetExecutionTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.partialErrors[key] {
		if bytes.Equal(e.ResumeToken, resumeToken) {
			if e.Err != nil {
				s.partialErrors[key] = append(s.partialErrors[key][:i:i], s.partialErrors[key][i+1:]...)
			}
			return e
		}
	}
	return nil
}

// streamResult sends a result as a stream of PartialResultSets with one row
// per PartialResultSet. Each row carries a resume token that encodes its
// 1-based index. The stream starts after the row of the given resume token.
func (s *inMemSpannerServer) streamResult(ctx context.Context, key string, result *StatementResult, tx *spannerpb.Transaction, info *transactionInfo, resumeToken []byte, send func(*spannerpb.PartialResultSet) error) error {
	switch result.Type {
	case StatementResultError:
		return result.Err
	case StatementResultUpdateCount:
		return send(&spannerpb.PartialResultSet{
			Metadata: &spannerpb.ResultSetMetadata{RowType: &spannerpb.StructType{}, Transaction: tx},
			Stats:    updateCountStats(result.UpdateCount, info.partitioned),
		})
	}
	md := proto.Clone(result.ResultSet.GetMetadata()).(*spannerpb.ResultSetMetadata)
	if md == nil {
		md = &spannerpb.ResultSetMetadata{}
	}
	md.Transaction = tx
	rows := result.ResultSet.GetRows()
	start := 0
	if len(resumeToken) > 0 {
		idx, err := DecodeResumeToken(resumeToken)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		start = int(idx)
	}
	if start >= len(rows) {
		return send(&spannerpb.PartialResultSet{Metadata: md, Stats: result.ResultSet.GetStats()})
	}
	for i := start; i < len(rows); i++ {
		token := EncodeResumeToken(uint64(i + 1))
		if e := s.nextPartialResultSetError(key, token); e != nil {
			if e.ExecutionTime > 0 {
				select {
				case <-time.After(e.ExecutionTime):
				case <-ctx.Done():
					return status.FromContextError(ctx.Err()).Err()
				}
			}
			if e.Err != nil {
				return e.Err
			}
		}
		prs := &spannerpb.PartialResultSet{
			Values:      append([]*structpb.Value(nil), rows[i].GetValues()...),
			ResumeToken: token,
		}
		if i == start {
			prs.Metadata = md
		}
		if i == len(rows)-1 {
			prs.Stats = result.ResultSet.GetStats()
		}
		if err := send(prs); err != nil {
			return err
		}
	}
	return nil
}

func (s *inMemSpannerServer) ExecuteBatchDml(ctx context.Context, req *spannerpb.ExecuteBatchDmlRequest) (*spannerpb.ExecuteBatchDmlResponse, error) {
	if err := s.simulateExecutionTime(ctx, MethodExecuteBatchDml, req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getSession(req.Session); err != nil {
		return nil, err
	}
	tx, _, err := s.resolveTransaction(req.Session, req.Transaction)
	if err != nil {
		return nil, err
	}
	resp := &spannerpb.ExecuteBatchDmlResponse{Status: &rpcstatus.Status{Code: int32(codes.OK)}}
	for i, stmt := range req.Statements {
		result, err := s.statementResult(stmt.Sql, nil)
		if err == nil && result.Type == StatementResultError {
			err = result.Err
		}
		if err == nil && result.Type != StatementResultUpdateCount {
			err = status.Errorf(codes.InvalidArgument, "statement %d is not a DML statement: %s", i, stmt.Sql)
		}
		if err != nil {
			resp.Status = status.Convert(err).Proto()
			break
		}
		rs := &spannerpb.ResultSet{Stats: updateCountStats(result.UpdateCount, false)}
		if i == 0 {
			rs.Metadata = &spannerpb.ResultSetMetadata{Transaction: tx}
		}
		resp.ResultSets = append(resp.ResultSets, rs)
	}
	return resp, nil
}

func (s *inMemSpannerServer) partitions(session string, selector *spannerpb.TransactionSelector) (*spannerpb.PartitionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getSession(session); err != nil {
		return nil, err
	}
	tx, info, err := s.resolveTransaction(session, selector)
	if err != nil {
		return nil, err
	}
	if !info.readOnly {
		return nil, status.Error(codes.InvalidArgument, "partitioned reads and queries require a read-only transaction")
	}
	resp := &spannerpb.PartitionResponse{Transaction: tx}
	for i := 0; i < s.partitionCount; i++ {
		resp.Partitions = append(resp.Partitions, &spannerpb.Partition{PartitionToken: PartitionToken(i)})
	}
	return resp, nil
}

func (s *inMemSpannerServer) PartitionQuery(ctx context.Context, req *spannerpb.PartitionQueryRequest) (*spannerpb.PartitionResponse, error) {
	if err := s.simulateExecutionTime(ctx, MethodPartitionQuery, req); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(req.Sql)), "SELECT") {
		return nil, status.Errorf(codes.InvalidArgument, "only queries can be partitioned: %s", req.Sql)
	}
	return s.partitions(req.Session, req.Transaction)
}

func (s *inMemSpannerServer) PartitionRead(ctx context.Context, req *spannerpb.PartitionReadRequest) (*spannerpb.PartitionResponse, error) {
	if err := s.simulateExecutionTime(ctx, MethodPartitionRead, req); err != nil {
		return nil, err
	}
	return s.partitions(req.Session, req.Transaction)
}
