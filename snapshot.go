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
	"google.golang.org/protobuf/proto"
)

var (
	errSingleUseUsed   = spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "a single-use read-only transaction can only execute one read or query"))
	errSnapshotClosed  = spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "read-only transaction has been closed"))
	errPartitionSingle = spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "partitions can only be created in a multi-use read-only transaction"))
)

// SnapshotOptions are the options for a multi-use read-only transaction.
type SnapshotOptions struct {
	// Bound is the timestamp bound of the transaction. Only strong reads,
	// exact staleness and read timestamps are supported.
	Bound TimestampBound
}

// PartitionOptions are the options for creating partitions of a query or a
// read.
type PartitionOptions struct {
	// PartitionSizeBytes is the desired size of each partition. It is a hint
	// for the server.
	PartitionSizeBytes int64
	// MaxPartitions is the desired maximum number of partitions. It is a hint
	// for the server.
	MaxPartitions int64
}

func (o PartitionOptions) toProto() *spannerpb.PartitionOptions {
	return &spannerpb.PartitionOptions{PartitionSizeBytes: o.PartitionSizeBytes, MaxPartitions: o.MaxPartitions}
}

// Snapshot is a read-only transaction. A single-use snapshot executes exactly
// one read or query. A multi-use snapshot starts a transaction with its first
// read or query, and executes all following reads and queries in the same
// transaction. A Snapshot must be used by one goroutine at a time, and a
// multi-use Snapshot must be closed when it is no longer needed.
type Snapshot struct {
	db        *Database
	logger    *slog.Logger
	singleUse bool
	bound     TimestampBound
	class     TransactionType

	handle *sessionHandle
	// keepSession is set for snapshots that do not own their session.
	keepSession bool
	used        bool
	closed      bool

	id            []byte
	readTimestamp time.Time
	// pending is the iterator whose request starts the transaction. It is
	// nil once the transaction ID is known.
	pending *RowIterator
}

// Single returns a single-use read-only transaction with a strong timestamp
// bound.
func (db *Database) Single() *Snapshot {
	return &Snapshot{
		db:        db,
		logger:    db.logger.With("tx", "single-use"),
		singleUse: true,
		bound:     StrongRead(),
		class:     TransactionTypeReadOnly,
	}
}

// WithTimestampBound sets the timestamp bound of a single-use transaction.
// It must be called before the transaction is used.
func (s *Snapshot) WithTimestampBound(tb TimestampBound) *Snapshot {
	s.bound = tb
	return s
}

// Snapshot returns a multi-use read-only transaction.
func (db *Database) Snapshot(opts SnapshotOptions) (*Snapshot, error) {
	if err := opts.Bound.validate(false); err != nil {
		return nil, err
	}
	return &Snapshot{
		db:     db,
		logger: db.logger.With("tx", "snapshot"),
		bound:  opts.Bound,
		class:  TransactionTypeReadOnly,
	}, nil
}

// ReadTimestamp returns the read timestamp of the transaction. It is only
// known after the first read or query has returned its first row.
func (s *Snapshot) ReadTimestamp() (time.Time, error) {
	if s.readTimestamp.IsZero() {
		return time.Time{}, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "read timestamp is not available"))
	}
	return s.readTimestamp, nil
}

// Close ends the transaction and returns the session. Close is a no-op for
// single-use transactions.
func (s *Snapshot) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	if s.handle != nil && !s.keepSession {
		s.handle.release(context.Background())
	}
}

// Query executes a query in the transaction.
func (s *Snapshot) Query(ctx context.Context, stmt Statement) *RowIterator {
	return s.QueryWithOptions(ctx, stmt, QueryOptions{})
}

// QueryWithOptions executes a query with the given options in the
// transaction.
func (s *Snapshot) QueryWithOptions(ctx context.Context, stmt Statement, opts QueryOptions) *RowIterator {
	req, err := executeSQLRequest(stmt, opts)
	if err != nil {
		return newErrorIterator(err)
	}
	return s.stream(ctx, "CloudSpanner.Snapshot.ExecuteSQL", func(handle *sessionHandle, prepare func(*spannerpb.TransactionSelector)) streamStarter {
		return func(ctx context.Context, reqID *requestID, resumeToken []byte) (partialResultSetStream, error) {
			req.Session = handle.name()
			req.ResumeToken = resumeToken
			sel, err := s.selector()
			if err != nil {
				return nil, err
			}
			prepare(sel)
			req.Transaction = sel
			return s.db.api.ExecuteStreamingSql(s.db.callContext(ctx, reqID, false, "session", req.Session), req)
		}
	})
}

// Read reads rows from a table or an index in the transaction.
func (s *Snapshot) Read(ctx context.Context, r ReadRequest) *RowIterator {
	req, err := readRequest(r)
	if err != nil {
		return newErrorIterator(err)
	}
	return s.stream(ctx, "CloudSpanner.Snapshot.Read", func(handle *sessionHandle, prepare func(*spannerpb.TransactionSelector)) streamStarter {
		return func(ctx context.Context, reqID *requestID, resumeToken []byte) (partialResultSetStream, error) {
			req.Session = handle.name()
			req.ResumeToken = resumeToken
			sel, err := s.selector()
			if err != nil {
				return nil, err
			}
			prepare(sel)
			req.Transaction = sel
			return s.db.api.StreamingRead(s.db.callContext(ctx, reqID, false, "session", req.Session), req)
		}
	})
}

// stream starts a streaming call in the transaction. newStarter returns the
// function that (re)starts the call on the given session. The starter must
// pass the transaction selector that it uses to prepare.
func (s *Snapshot) stream(ctx context.Context, spanName string, newStarter func(*sessionHandle, func(*spannerpb.TransactionSelector)) streamStarter) *RowIterator {
	if s.closed {
		return newErrorIterator(errSnapshotClosed)
	}
	if s.singleUse {
		if s.used {
			return newErrorIterator(errSingleUseUsed)
		}
		s.used = true
		if err := s.bound.validate(true); err != nil {
			return newErrorIterator(err)
		}
	} else if err := s.prepareSelector(ctx); err != nil {
		return newErrorIterator(err)
	}

	ctx, span := s.db.obs.startSpan(ctx, spanName, attribute.String("db.name", s.db.name), attribute.Bool("tx.single_use", s.singleUse))
	handle, err := s.session(ctx)
	if err != nil {
		endSpan(span, err)
		return newErrorIterator(err)
	}
	span.SetAttributes(attribute.Bool("session.multiplexed", handle.multiplexed()))

	begins := false
	iter := newRowIterator(ctx, s.db.requestIDs.next(), s.logger, newStarter(handle, func(sel *spannerpb.TransactionSelector) {
		begins = sel.GetBegin() != nil
	}))
	iter.onMetadata = func(md *spannerpb.ResultSetMetadata) {
		if tx := md.GetTransaction(); tx != nil {
			if tx.GetReadTimestamp() != nil {
				s.readTimestamp = tx.GetReadTimestamp().AsTime()
			}
			if begins && len(tx.GetId()) > 0 && s.id == nil {
				s.id = tx.GetId()
			}
		}
		if s.pending == iter {
			s.pending = nil
		}
	}
	iter.onDone = func(err error) {
		if s.pending == iter {
			s.pending = nil
		}
		handle.recordError(err)
		if s.singleUse {
			handle.release(ctx)
		}
		endSpan(span, err)
	}
	if s.singleUse {
		iter.onSessionNotFound = handle.replace
	} else if s.id == nil {
		s.pending = iter
	}
	return iter
}

// session returns the session of the transaction. A single-use transaction
// takes a session for each call, and a multi-use transaction takes a session
// with its first call.
func (s *Snapshot) session(ctx context.Context) (*sessionHandle, error) {
	if s.singleUse {
		return s.db.takeSession(ctx, s.class)
	}
	if s.handle == nil {
		handle, err := s.db.takeSession(ctx, s.class)
		if err != nil {
			return nil, err
		}
		s.handle = handle
	}
	return s.handle, nil
}

// prepareSelector makes sure that the transaction ID is known before a
// second request is started in a multi-use transaction. The request that
// starts the transaction is consumed until it returns the transaction ID. A
// transaction is started with BeginTransaction if that request fails.
func (s *Snapshot) prepareSelector(ctx context.Context) error {
	if s.id != nil || s.pending == nil {
		return nil
	}
	pending := s.pending
	if err := pending.waitForMetadata(); err != nil {
		s.logger.DebugContext(ctx, "inline begin failed, falling back to BeginTransaction", "err", err)
	}
	s.pending = nil
	if s.id != nil {
		return nil
	}
	return s.begin(ctx)
}

// selector returns the transaction selector for the next request.
func (s *Snapshot) selector() (*spannerpb.TransactionSelector, error) {
	if s.singleUse {
		return singleUseSelector(s.bound.transactionOptions(true)).toProto(true)
	}
	if s.id != nil {
		return idSelector(s.id).toProto(false)
	}
	return beginSelector(s.bound.transactionOptions(true)).toProto(true)
}

// begin starts the transaction with an explicit BeginTransaction RPC.
func (s *Snapshot) begin(ctx context.Context) error {
	handle, err := s.session(ctx)
	if err != nil {
		return err
	}
	tx, err := s.db.api.BeginTransaction(s.db.callContext(ctx, s.db.requestIDs.next(), false, "session", handle.name()), &spannerpb.BeginTransactionRequest{
		Session: handle.name(),
		Options: s.bound.transactionOptions(true),
	})
	if err != nil {
		handle.recordError(err)
		return err
	}
	s.id = tx.GetId()
	if tx.GetReadTimestamp() != nil {
		s.readTimestamp = tx.GetReadTimestamp().AsTime()
	}
	return nil
}

// ensureID returns the transaction ID, and starts the transaction if needed.
func (s *Snapshot) ensureID(ctx context.Context) ([]byte, error) {
	if s.closed {
		return nil, errSnapshotClosed
	}
	if s.singleUse {
		return nil, errPartitionSingle
	}
	if err := s.prepareSelector(ctx); err != nil {
		return nil, err
	}
	if s.id == nil {
		if err := s.begin(ctx); err != nil {
			return nil, err
		}
	}
	return s.id, nil
}

// PartitionQuery creates partitions of a query. Each partition can be
// executed independently with BatchSnapshot.Process. Partitions can only be
// created in a multi-use transaction.
func (s *Snapshot) PartitionQuery(ctx context.Context, stmt Statement, popts PartitionOptions, qopts QueryOptions) ([]*Batch, error) {
	id, err := s.ensureID(ctx)
	if err != nil {
		return nil, err
	}
	req, err := executeSQLRequest(stmt, qopts)
	if err != nil {
		return nil, err
	}
	req.DataBoostEnabled = qopts.DataBoostEnabled
	resp, err := s.db.api.PartitionQuery(s.db.callContext(ctx, s.db.requestIDs.next(), false, "session", s.handle.name()), &spannerpb.PartitionQueryRequest{
		Session:          s.handle.name(),
		Transaction:      &spannerpb.TransactionSelector{Selector: &spannerpb.TransactionSelector_Id{Id: id}},
		Sql:              req.Sql,
		Params:           req.Params,
		ParamTypes:       req.ParamTypes,
		PartitionOptions: popts.toProto(),
	})
	if err != nil {
		s.handle.recordError(err)
		return nil, err
	}
	template, err := proto.Marshal(req)
	if err != nil {
		return nil, spanner.ToSpannerError(err)
	}
	batches := make([]*Batch, len(resp.GetPartitions()))
	for i, p := range resp.GetPartitions() {
		batches[i] = &Batch{Partition: p.GetPartitionToken(), Query: template}
	}
	return batches, nil
}

// PartitionRead creates partitions of a read. Each partition can be executed
// independently with BatchSnapshot.Process. Partitions can only be created in
// a multi-use transaction.
func (s *Snapshot) PartitionRead(ctx context.Context, r ReadRequest, popts PartitionOptions) ([]*Batch, error) {
	id, err := s.ensureID(ctx)
	if err != nil {
		return nil, err
	}
	req, err := readRequest(r)
	if err != nil {
		return nil, err
	}
	resp, err := s.db.api.PartitionRead(s.db.callContext(ctx, s.db.requestIDs.next(), false, "session", s.handle.name()), &spannerpb.PartitionReadRequest{
		Session:          s.handle.name(),
		Transaction:      &spannerpb.TransactionSelector{Selector: &spannerpb.TransactionSelector_Id{Id: id}},
		Table:            req.Table,
		Index:            req.Index,
		Columns:          req.Columns,
		KeySet:           req.KeySet,
		PartitionOptions: popts.toProto(),
	})
	if err != nil {
		s.handle.recordError(err)
		return nil, err
	}
	// The limit of a read cannot be combined with partitions.
	req.Limit = 0
	template, err := proto.Marshal(req)
	if err != nil {
		return nil, spanner.ToSpannerError(err)
	}
	batches := make([]*Batch, len(resp.GetPartitions()))
	for i, p := range resp.GetPartitions() {
		batches[i] = &Batch{Partition: p.GetPartitionToken(), Read: template}
	}
	return batches, nil
}

func requestOptions(requestTag, transactionTag string, priority spannerpb.RequestOptions_Priority) *spannerpb.RequestOptions {
	if requestTag == "" && transactionTag == "" && priority == spannerpb.RequestOptions_PRIORITY_UNSPECIFIED {
		return nil
	}
	return &spannerpb.RequestOptions{RequestTag: requestTag, TransactionTag: transactionTag, Priority: priority}
}

func executeSQLRequest(stmt Statement, opts QueryOptions) (*spannerpb.ExecuteSqlRequest, error) {
	params, types, err := stmt.paramsProto()
	if err != nil {
		return nil, err
	}
	return &spannerpb.ExecuteSqlRequest{
		Sql:            stmt.SQL,
		Params:         params,
		ParamTypes:     types,
		QueryOptions:   opts.Options,
		RequestOptions: requestOptions(opts.RequestTag, "", opts.Priority),
	}, nil
}

func readRequest(r ReadRequest) (*spannerpb.ReadRequest, error) {
	if r.Keys == nil {
		return nil, spanner.ToSpannerError(status.Error(codes.InvalidArgument, "a read requires a key set"))
	}
	keySet, err := r.Keys.keySetProto()
	if err != nil {
		return nil, err
	}
	return &spannerpb.ReadRequest{
		Table:            r.Table,
		Index:            r.Index,
		Columns:          r.Columns,
		KeySet:           keySet,
		Limit:            r.Limit,
		DataBoostEnabled: r.DataBoostEnabled,
		RequestOptions:   requestOptions(r.RequestTag, "", r.Priority),
	}, nil
}
