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
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// BatchSnapshotID identifies a batch snapshot. It can be sent to other
// processes, which can use it to execute partitions in the same read-only
// transaction with Database.BatchSnapshotFromID.
type BatchSnapshotID struct {
	// SessionID is the fully qualified name of the session of the snapshot.
	SessionID     string    `json:"session_id"`
	TransactionID []byte    `json:"transaction_id"`
	ReadTimestamp time.Time `json:"read_timestamp"`
	Multiplexed   bool      `json:"multiplexed,omitempty"`
}

// Marshal returns the JSON encoding of the ID.
func (id BatchSnapshotID) Marshal() ([]byte, error) {
	return json.Marshal(id)
}

// UnmarshalBatchSnapshotID decodes an ID that was encoded with Marshal.
func UnmarshalBatchSnapshotID(data []byte) (BatchSnapshotID, error) {
	var id BatchSnapshotID
	if err := json.Unmarshal(data, &id); err != nil {
		return BatchSnapshotID{}, spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "invalid batch snapshot id: %v", err))
	}
	if id.SessionID == "" || len(id.TransactionID) == 0 {
		return BatchSnapshotID{}, spanner.ToSpannerError(status.Error(codes.InvalidArgument, "invalid batch snapshot id: session and transaction are required"))
	}
	return id, nil
}

// Batch is one partition of a query or a read. Exactly one of Read and Query
// is set. Both contain the encoded request that the partition belongs to.
type Batch struct {
	Partition []byte `json:"partition"`
	Read      []byte `json:"read,omitempty"`
	Query     []byte `json:"query,omitempty"`
}

// BatchSnapshot is a read-only transaction that can be shared between
// processes. The transaction is created on a dedicated session, or on the
// multiplexed session if multiplexed sessions are enabled for partitioned
// operations. The process that closes the snapshot must only do so when all
// workers have finished. Process and ProcessQueryBatch and ProcessReadBatch
// are safe for concurrent use. The Generate methods are not.
type BatchSnapshot struct {
	db       *Database
	logger   *slog.Logger
	id       BatchSnapshotID
	snapshot *Snapshot

	closeOnce sync.Once
	closed    atomic.Bool
}

// BatchSnapshot starts a new batch snapshot with the given timestamp bound.
func (db *Database) BatchSnapshot(ctx context.Context, tb TimestampBound) (bs *BatchSnapshot, err error) {
	if err := tb.validate(false); err != nil {
		return nil, err
	}
	ctx, span := db.obs.startSpan(ctx, "CloudSpanner.BatchSnapshot", attribute.String("db.name", db.name))
	defer func() { endSpan(span, err) }()

	s, err := db.batchSession(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := db.api.BeginTransaction(db.callContext(ctx, db.requestIDs.next(), false, "session", s.name), &spannerpb.BeginTransactionRequest{
		Session: s.name,
		Options: tb.transactionOptions(true),
	})
	if err != nil {
		if !s.multiplexed {
			db.deleteBatchSession(ctx, s)
		}
		return nil, err
	}
	id := BatchSnapshotID{
		SessionID:     s.name,
		TransactionID: tx.GetId(),
		Multiplexed:   s.multiplexed,
	}
	if tx.GetReadTimestamp() != nil {
		id.ReadTimestamp = tx.GetReadTimestamp().AsTime()
	}
	return db.newBatchSnapshot(id, tb, s), nil
}

// BatchSnapshotFromID returns a batch snapshot for a transaction that was
// started by BatchSnapshot, possibly in another process.
func (db *Database) BatchSnapshotFromID(id BatchSnapshotID) *BatchSnapshot {
	s := &session{name: id.SessionID, multiplexed: id.Multiplexed, createTime: time.Now(), lastUsed: time.Now()}
	return db.newBatchSnapshot(id, ReadTimestamp(id.ReadTimestamp), s)
}

func (db *Database) newBatchSnapshot(id BatchSnapshotID, tb TimestampBound, s *session) *BatchSnapshot {
	return &BatchSnapshot{
		db:     db,
		logger: db.logger.With("tx", "batch", "session", s.ID()),
		id:     id,
		snapshot: &Snapshot{
			db:            db,
			logger:        db.logger.With("tx", "batch", "session", s.ID()),
			bound:         tb,
			class:         TransactionTypePartitioned,
			handle:        &sessionHandle{manager: db.sessions, class: TransactionTypePartitioned, session: s, released: true},
			keepSession:   true,
			id:            id.TransactionID,
			readTimestamp: id.ReadTimestamp,
		},
	}
}

// batchSession returns the multiplexed session if multiplexed sessions are
// enabled for partitioned operations, and otherwise creates a dedicated
// session that is deleted when the snapshot is closed.
func (db *Database) batchSession(ctx context.Context) (*session, error) {
	if db.sessions.useMultiplexed(TransactionTypePartitioned) {
		handle, err := db.takeSession(ctx, TransactionTypePartitioned)
		if err != nil {
			return nil, err
		}
		if handle.multiplexed() {
			return handle.session, nil
		}
		// Multiplexed sessions were disabled. A pooled session cannot be
		// shared with other processes.
		handle.release(ctx)
	}
	return db.createSession(ctx, false)
}

func (db *Database) deleteBatchSession(ctx context.Context, s *session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionDeleteTimeout)
	defer cancel()
	if err := db.deleteSession(ctx, s); err != nil {
		db.logger.WarnContext(ctx, "failed to delete batch snapshot session", "session", s.ID(), "err", err)
	}
}

// ID returns the identifier of the snapshot that can be sent to other
// processes.
func (b *BatchSnapshot) ID() BatchSnapshotID {
	return b.id
}

// ReadTimestamp returns the read timestamp of the snapshot.
func (b *BatchSnapshot) ReadTimestamp() time.Time {
	return b.id.ReadTimestamp
}

// GenerateQueryBatches partitions a query.
func (b *BatchSnapshot) GenerateQueryBatches(ctx context.Context, stmt Statement, popts PartitionOptions, qopts QueryOptions) ([]*Batch, error) {
	return b.snapshot.PartitionQuery(ctx, stmt, popts, qopts)
}

// GenerateReadBatches partitions a read.
func (b *BatchSnapshot) GenerateReadBatches(ctx context.Context, r ReadRequest, popts PartitionOptions) ([]*Batch, error) {
	return b.snapshot.PartitionRead(ctx, r, popts)
}

// Process executes a batch that was created by GenerateQueryBatches or
// GenerateReadBatches. It returns ErrInvalidBatch if the batch contains
// neither a read nor a query.
func (b *BatchSnapshot) Process(ctx context.Context, batch *Batch) (*RowIterator, error) {
	switch {
	case b.closed.Load():
		return nil, errSnapshotClosed
	case batch == nil:
		return nil, ErrInvalidBatch
	case batch.Read != nil:
		return b.ProcessReadBatch(ctx, batch), nil
	case batch.Query != nil:
		return b.ProcessQueryBatch(ctx, batch), nil
	default:
		return nil, ErrInvalidBatch
	}
}

func (b *BatchSnapshot) selector() *spannerpb.TransactionSelector {
	return &spannerpb.TransactionSelector{Selector: &spannerpb.TransactionSelector_Id{Id: b.id.TransactionID}}
}

// ProcessQueryBatch executes a batch that was created by
// GenerateQueryBatches.
func (b *BatchSnapshot) ProcessQueryBatch(ctx context.Context, batch *Batch) *RowIterator {
	if b.closed.Load() {
		return newErrorIterator(errSnapshotClosed)
	}
	req := &spannerpb.ExecuteSqlRequest{}
	if err := proto.Unmarshal(batch.Query, req); err != nil {
		return newErrorIterator(spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "invalid query batch: %v", err)))
	}
	req.Session = b.id.SessionID
	req.Transaction = b.selector()
	req.PartitionToken = batch.Partition
	return b.stream(ctx, "CloudSpanner.BatchSnapshot.ProcessQueryBatch", func(ctx context.Context, reqID *requestID, resumeToken []byte) (partialResultSetStream, error) {
		req.ResumeToken = resumeToken
		return b.db.api.ExecuteStreamingSql(b.db.callContext(ctx, reqID, false, "session", req.Session), req)
	})
}

// ProcessReadBatch executes a batch that was created by
// GenerateReadBatches.
func (b *BatchSnapshot) ProcessReadBatch(ctx context.Context, batch *Batch) *RowIterator {
	if b.closed.Load() {
		return newErrorIterator(errSnapshotClosed)
	}
	req := &spannerpb.ReadRequest{}
	if err := proto.Unmarshal(batch.Read, req); err != nil {
		return newErrorIterator(spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "invalid read batch: %v", err)))
	}
	req.Session = b.id.SessionID
	req.Transaction = b.selector()
	req.PartitionToken = batch.Partition
	return b.stream(ctx, "CloudSpanner.BatchSnapshot.ProcessReadBatch", func(ctx context.Context, reqID *requestID, resumeToken []byte) (partialResultSetStream, error) {
		req.ResumeToken = resumeToken
		return b.db.api.StreamingRead(b.db.callContext(ctx, reqID, false, "session", req.Session), req)
	})
}

func (b *BatchSnapshot) stream(ctx context.Context, spanName string, start streamStarter) *RowIterator {
	ctx, span := b.db.obs.startSpan(ctx, spanName, attribute.String("db.name", b.db.name))
	iter := newRowIterator(ctx, b.db.requestIDs.next(), b.logger, start)
	iter.onDone = func(err error) { endSpan(span, err) }
	return iter
}

// RunPartitionedQuery partitions a query and executes all partitions with
// up to maxParallelism goroutines. The rows of all partitions are returned in
// arbitrary order by the returned iterator. maxParallelism defaults to the
// number of CPUs if it is not positive.
func (b *BatchSnapshot) RunPartitionedQuery(ctx context.Context, stmt Statement, popts PartitionOptions, qopts QueryOptions, maxParallelism int) (*MergedRowIterator, error) {
	batches, err := b.GenerateQueryBatches(ctx, stmt, popts, qopts)
	if err != nil {
		return nil, err
	}
	it := newMergedRowIterator(b.logger, batches, maxParallelism, b.Process)
	if err := it.run(ctx); err != nil {
		it.Stop()
		return nil, err
	}
	return it, nil
}

// Close deletes the session of the snapshot, unless it is the multiplexed
// session. Workers in other processes can no longer use the snapshot after
// it has been closed.
func (b *BatchSnapshot) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.snapshot.closed = true
		if b.id.Multiplexed {
			return
		}
		b.db.deleteBatchSession(context.Background(), b.snapshot.handle.session)
	})
}
