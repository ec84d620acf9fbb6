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
	"log/slog"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

const rollbackTimeout = 15 * time.Second

type txState int

const (
	txStateNew txState = iota
	txStateBegun
	txStateCommitting
	txStateCommitted
	txStateAborted
	txStateFailed
	txStateRolledBack
)

func (s txState) String() string {
	switch s {
	case txStateNew:
		return "NEW"
	case txStateBegun:
		return "BEGUN"
	case txStateCommitting:
		return "COMMITTING"
	case txStateCommitted:
		return "COMMITTED"
	case txStateAborted:
		return "ABORTED"
	case txStateFailed:
		return "FAILED"
	case txStateRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// CommitResponse is the result of a committed read/write transaction.
type CommitResponse struct {
	CommitTimestamp time.Time
	// CommitStats is only set if TransactionConfig.ReturnCommitStats was
	// set.
	CommitStats *spannerpb.CommitResponse_CommitStats
}

// ReadWriteTransaction is one attempt of a read/write transaction. It is
// passed to the function that is given to RunInTransaction, and must not be
// used after that function has returned. A ReadWriteTransaction must be used
// by one goroutine at a time.
type ReadWriteTransaction struct {
	db     *Database
	logger *slog.Logger
	handle *sessionHandle
	reqID  *requestID
	config TransactionConfig

	state          txState
	id             []byte
	seqno          int64
	mutations      []*spannerpb.Mutation
	precommitToken *spannerpb.MultiplexedSessionPrecommitToken
	// abortErr is the error that aborted the transaction. It is returned by
	// all later calls, so the retry loop sees Aborted even if the caller
	// swallowed the original error.
	abortErr error
}

func newReadWriteTransaction(db *Database, handle *sessionHandle, reqID *requestID, config TransactionConfig) *ReadWriteTransaction {
	return &ReadWriteTransaction{
		db:     db,
		logger: db.logger.With("tx", "read-write", "session", handle.session.ID()),
		handle: handle,
		reqID:  reqID,
		config: config,
	}
}

// ID returns the ID of the transaction. It is nil until the transaction has
// been started.
func (t *ReadWriteTransaction) ID() []byte {
	return t.id
}

func (t *ReadWriteTransaction) callContext(ctx context.Context) context.Context {
	return t.db.callContext(ctx, t.reqID, true, "session", t.handle.name())
}

func (t *ReadWriteTransaction) transactionOptions(previousID []byte) *spannerpb.TransactionOptions {
	rw := &spannerpb.TransactionOptions_ReadWrite{ReadLockMode: t.config.ReadLockMode}
	if t.handle.multiplexed() {
		rw.MultiplexedSessionPreviousTransactionId = previousID
	}
	return &spannerpb.TransactionOptions{
		Mode:                        &spannerpb.TransactionOptions_ReadWrite_{ReadWrite: rw},
		ExcludeTxnFromChangeStreams: t.config.ExcludeTxnFromChangeStreams,
		IsolationLevel:              t.config.IsolationLevel,
	}
}

// begin starts the transaction. previousID is the ID of the previous attempt
// of the same transaction, if any.
func (t *ReadWriteTransaction) begin(ctx context.Context, previousID []byte) error {
	if t.state != txStateNew {
		return spanner.ToSpannerError(status.Errorf(codes.FailedPrecondition, "cannot begin a transaction in state %v", t.state))
	}
	tx, err := t.db.api.BeginTransaction(t.callContext(ctx), &spannerpb.BeginTransactionRequest{
		Session:        t.handle.name(),
		Options:        t.transactionOptions(previousID),
		RequestOptions: requestOptions("", t.config.TransactionTag, spannerpb.RequestOptions_PRIORITY_UNSPECIFIED),
	})
	if err != nil {
		t.state = txStateFailed
		t.handle.recordError(err)
		return err
	}
	t.id = tx.GetId()
	t.updatePrecommitToken(tx.GetPrecommitToken())
	t.state = txStateBegun
	t.logger.DebugContext(ctx, "started transaction")
	return nil
}

func (t *ReadWriteTransaction) checkBegun() error {
	switch t.state {
	case txStateBegun:
		return nil
	case txStateNew:
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "transaction has not been started"))
	case txStateAborted:
		if t.abortErr != nil {
			return t.abortErr
		}
		return ErrTransactionClosed
	default:
		return ErrTransactionClosed
	}
}

func (t *ReadWriteTransaction) selector() *spannerpb.TransactionSelector {
	return &spannerpb.TransactionSelector{Selector: &spannerpb.TransactionSelector_Id{Id: t.id}}
}

// updatePrecommitToken keeps the precommit token with the highest sequence
// number. Only multiplexed sessions return precommit tokens.
func (t *ReadWriteTransaction) updatePrecommitToken(token *spannerpb.MultiplexedSessionPrecommitToken) {
	if token == nil {
		return
	}
	if t.precommitToken == nil || token.GetSeqNum() > t.precommitToken.GetSeqNum() {
		t.precommitToken = token
	}
}

// recordError marks the transaction as aborted if err is an Aborted error.
func (t *ReadWriteTransaction) recordError(err error) {
	if err == nil {
		return
	}
	t.handle.recordError(err)
	if spanner.ErrCode(err) == codes.Aborted {
		t.state = txStateAborted
		t.abortErr = err
	}
}

// Query executes a query in the transaction.
func (t *ReadWriteTransaction) Query(ctx context.Context, stmt Statement) *RowIterator {
	return t.QueryWithOptions(ctx, stmt, QueryOptions{})
}

// QueryWithOptions executes a query with the given options in the
// transaction.
func (t *ReadWriteTransaction) QueryWithOptions(ctx context.Context, stmt Statement, opts QueryOptions) *RowIterator {
	if err := t.checkBegun(); err != nil {
		return newErrorIterator(err)
	}
	req, err := executeSQLRequest(stmt, opts)
	if err != nil {
		return newErrorIterator(err)
	}
	req.Session = t.handle.name()
	req.Transaction = t.selector()
	req.RequestOptions = requestOptions(opts.RequestTag, t.config.TransactionTag, opts.Priority)
	return t.stream(ctx, func(ctx context.Context, reqID *requestID, resumeToken []byte) (partialResultSetStream, error) {
		req.ResumeToken = resumeToken
		return t.db.api.ExecuteStreamingSql(t.db.callContext(ctx, reqID, true, "session", req.Session), req)
	})
}

// Read reads rows from a table or an index in the transaction.
func (t *ReadWriteTransaction) Read(ctx context.Context, r ReadRequest) *RowIterator {
	if err := t.checkBegun(); err != nil {
		return newErrorIterator(err)
	}
	req, err := readRequest(r)
	if err != nil {
		return newErrorIterator(err)
	}
	req.Session = t.handle.name()
	req.Transaction = t.selector()
	req.RequestOptions = requestOptions(r.RequestTag, t.config.TransactionTag, r.Priority)
	return t.stream(ctx, func(ctx context.Context, reqID *requestID, resumeToken []byte) (partialResultSetStream, error) {
		req.ResumeToken = resumeToken
		return t.db.api.StreamingRead(t.db.callContext(ctx, reqID, true, "session", req.Session), req)
	})
}

func (t *ReadWriteTransaction) stream(ctx context.Context, start streamStarter) *RowIterator {
	// Stream restarts increment the attempt of a copy, so they do not affect
	// the request ID of the other requests of the transaction.
	reqID := *t.reqID
	iter := newRowIterator(ctx, &reqID, t.logger, start)
	iter.onPrecommitToken = t.updatePrecommitToken
	iter.onDone = t.recordError
	return iter
}

// Update executes a DML statement in the transaction and returns the number
// of affected rows.
func (t *ReadWriteTransaction) Update(ctx context.Context, stmt Statement) (int64, error) {
	return t.UpdateWithOptions(ctx, stmt, QueryOptions{})
}

// UpdateWithOptions executes a DML statement with the given options in the
// transaction and returns the number of affected rows.
func (t *ReadWriteTransaction) UpdateWithOptions(ctx context.Context, stmt Statement, opts QueryOptions) (int64, error) {
	if err := t.checkBegun(); err != nil {
		return 0, err
	}
	req, err := executeSQLRequest(stmt, opts)
	if err != nil {
		return 0, err
	}
	t.seqno++
	req.Session = t.handle.name()
	req.Transaction = t.selector()
	req.Seqno = t.seqno
	req.RequestOptions = requestOptions(opts.RequestTag, t.config.TransactionTag, opts.Priority)
	resp, err := t.db.api.ExecuteSql(t.callContext(ctx), req)
	if err != nil {
		t.recordError(err)
		return 0, err
	}
	t.updatePrecommitToken(resp.GetPrecommitToken())
	return resp.GetStats().GetRowCountExact(), nil
}

// BatchUpdate executes a batch of DML statements in the transaction. It
// returns the number of affected rows of each statement that was executed.
// Execution stops at the first statement that fails.
func (t *ReadWriteTransaction) BatchUpdate(ctx context.Context, stmts []Statement) ([]int64, error) {
	return t.BatchUpdateWithOptions(ctx, stmts, QueryOptions{})
}

// BatchUpdateWithOptions is BatchUpdate with request options.
func (t *ReadWriteTransaction) BatchUpdateWithOptions(ctx context.Context, stmts []Statement, opts QueryOptions) ([]int64, error) {
	if err := t.checkBegun(); err != nil {
		return nil, err
	}
	if len(stmts) == 0 {
		return nil, spanner.ToSpannerError(status.Error(codes.InvalidArgument, "no statements in batch"))
	}
	statements := make([]*spannerpb.ExecuteBatchDmlRequest_Statement, len(stmts))
	for i, stmt := range stmts {
		params, types, err := stmt.paramsProto()
		if err != nil {
			return nil, err
		}
		statements[i] = &spannerpb.ExecuteBatchDmlRequest_Statement{Sql: stmt.SQL, Params: params, ParamTypes: types}
	}
	t.seqno++
	resp, err := t.db.api.ExecuteBatchDml(t.callContext(ctx), &spannerpb.ExecuteBatchDmlRequest{
		Session:        t.handle.name(),
		Transaction:    t.selector(),
		Statements:     statements,
		Seqno:          t.seqno,
		RequestOptions: requestOptions(opts.RequestTag, t.config.TransactionTag, opts.Priority),
	})
	if err != nil {
		t.recordError(err)
		return nil, err
	}
	t.updatePrecommitToken(resp.GetPrecommitToken())
	counts := make([]int64, len(resp.GetResultSets()))
	for i, rs := range resp.GetResultSets() {
		counts[i] = rs.GetStats().GetRowCountExact()
	}
	if s := resp.GetStatus(); s != nil && codes.Code(s.GetCode()) != codes.OK {
		err := spanner.ToSpannerError(status.ErrorProto(s))
		t.recordError(err)
		return counts, err
	}
	return counts, nil
}

// BufferWrite buffers mutations that are applied when the transaction
// commits.
func (t *ReadWriteTransaction) BufferWrite(ms ...*Mutation) error {
	if err := t.checkBegun(); err != nil {
		return err
	}
	for _, m := range ms {
		pb, err := m.toProto()
		if err != nil {
			return err
		}
		t.mutations = append(t.mutations, pb)
	}
	return nil
}

// commit commits the transaction. The commit is retried once with a new
// precommit token if the server asks for it.
func (t *ReadWriteTransaction) commit(ctx context.Context) (resp *CommitResponse, err error) {
	if err := t.checkBegun(); err != nil {
		return nil, err
	}
	ctx, span := t.db.obs.startSpan(ctx, "CloudSpanner.Commit", attribute.String("db.name", t.db.name), attribute.Int("mutations", len(t.mutations)))
	defer func() { endSpan(span, err) }()
	t.state = txStateCommitting
	req := &spannerpb.CommitRequest{
		Session:           t.handle.name(),
		Transaction:       &spannerpb.CommitRequest_TransactionId{TransactionId: t.id},
		Mutations:         t.mutations,
		ReturnCommitStats: t.config.ReturnCommitStats,
		RequestOptions:    requestOptions("", t.config.TransactionTag, t.config.CommitPriority),
	}
	if t.config.MaxCommitDelay > 0 {
		req.MaxCommitDelay = durationpb.New(t.config.MaxCommitDelay)
	}
	var pb *spannerpb.CommitResponse
	for range 2 {
		req.PrecommitToken = t.precommitToken
		pb, err = t.db.api.Commit(t.callContext(ctx), req)
		if err != nil {
			break
		}
		retryToken := pb.GetPrecommitToken()
		if retryToken == nil {
			break
		}
		t.logger.DebugContext(ctx, "retrying commit with new precommit token")
		t.updatePrecommitToken(retryToken)
	}
	if err != nil {
		t.handle.recordError(err)
		if spanner.ErrCode(err) == codes.Aborted {
			t.state = txStateAborted
			t.abortErr = err
		} else {
			t.state = txStateFailed
		}
		return nil, err
	}
	if pb.GetPrecommitToken() != nil {
		t.state = txStateFailed
		return nil, spanner.ToSpannerError(status.Error(codes.Internal, "commit was not completed after retrying with a new precommit token"))
	}
	t.state = txStateCommitted
	resp = &CommitResponse{CommitStats: pb.GetCommitStats()}
	if pb.GetCommitTimestamp() != nil {
		resp.CommitTimestamp = pb.GetCommitTimestamp().AsTime()
	}
	return resp, nil
}

// rollback rolls back the transaction. Errors are logged and ignored, as the
// server eventually aborts transactions that are not committed.
func (t *ReadWriteTransaction) rollback(ctx context.Context) {
	if t.state != txStateBegun && t.state != txStateFailed {
		return
	}
	if t.id == nil {
		t.state = txStateRolledBack
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := t.db.api.Rollback(t.callContext(ctx), &spannerpb.RollbackRequest{Session: t.handle.name(), TransactionId: t.id}); err != nil {
		t.logger.DebugContext(ctx, "failed to roll back transaction", "err", err)
	}
	t.state = txStateRolledBack
}
