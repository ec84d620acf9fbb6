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
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

// PartitionedDMLOptions are the options for a partitioned DML statement.
type PartitionedDMLOptions struct {
	// RequestTag is attached to the ExecuteSql request.
	RequestTag string
	Priority   spannerpb.RequestOptions_Priority
	// ExcludeTxnFromChangeStreams excludes the writes of the statement from
	// change streams that have the allow_txn_exclusion option set.
	ExcludeTxnFromChangeStreams bool
	// Timeout is the wall-clock budget for retrying the statement when it is
	// aborted. The default of the client is used if zero.
	Timeout time.Duration
}

// ExecutePartitionedDML executes a DML statement as partitioned DML. The
// statement is executed in parallel on the partitions of the database, and
// the returned value is a lower bound of the number of affected rows. The
// statement is executed again from the start if it is aborted. Partitioned
// DML does not support transaction tags.
func (db *Database) ExecutePartitionedDML(ctx context.Context, stmt Statement, opts PartitionedDMLOptions) (count int64, err error) {
	if ctx.Value(transactionInProgressKey{}) != nil {
		return 0, ErrNestedTransaction
	}
	if opts.Timeout <= 0 {
		opts.Timeout = db.txTimeout
	}
	ctx, span := db.obs.startSpan(ctx, "CloudSpanner.PartitionedDML", attribute.String("db.name", db.name))
	defer func() { endSpan(span, err) }()

	req, err := executeSQLRequest(stmt, QueryOptions{RequestTag: opts.RequestTag, Priority: opts.Priority})
	if err != nil {
		return 0, err
	}
	handle, err := db.takeSession(ctx, TransactionTypePartitioned)
	if err != nil {
		return 0, err
	}
	defer func() { handle.release(ctx) }()

	reqID := db.requestIDs.next()
	retrier := newAbortedRetrier(opts.Timeout)
	for {
		count, err = db.executePartitionedDML(ctx, handle, reqID, req, opts)
		if err == nil {
			return count, nil
		}
		handle.recordError(err)
		if spanner.ErrCode(err) == codes.Unimplemented && handle.multiplexed() {
			db.sessions.disableMultiplexed(ctx, err, TransactionTypePartitioned)
			handle.release(ctx)
			if handle, err = db.takeSession(ctx, TransactionTypePartitioned); err != nil {
				return 0, err
			}
			reqID.nextAttempt()
			continue
		}
		retry, retryErr := retrier.shouldRetry(ctx, err)
		if !retry {
			return 0, retryErr
		}
		reqID.nextAttempt()
		addEvent(ctx, "Retrying", attribute.Int("attempt", int(reqID.attempt)))
		db.logger.DebugContext(ctx, "retrying aborted partitioned DML statement", "attempt", reqID.attempt)
	}
}

// executePartitionedDML executes one attempt of a partitioned DML statement.
func (db *Database) executePartitionedDML(ctx context.Context, handle *sessionHandle, reqID *requestID, req *spannerpb.ExecuteSqlRequest, opts PartitionedDMLOptions) (int64, error) {
	tx, err := db.api.BeginTransaction(db.callContext(ctx, reqID, true, "session", handle.name()), &spannerpb.BeginTransactionRequest{
		Session: handle.name(),
		Options: &spannerpb.TransactionOptions{
			Mode:                        &spannerpb.TransactionOptions_PartitionedDml_{PartitionedDml: &spannerpb.TransactionOptions_PartitionedDml{}},
			ExcludeTxnFromChangeStreams: opts.ExcludeTxnFromChangeStreams,
		},
	})
	if err != nil {
		return 0, err
	}
	req.Session = handle.name()
	req.Transaction = &spannerpb.TransactionSelector{Selector: &spannerpb.TransactionSelector_Id{Id: tx.GetId()}}
	req.Seqno = 1
	if req.RequestOptions != nil {
		req.RequestOptions.TransactionTag = ""
	}
	// Stream restarts use a copy of the request ID.
	streamID := *reqID
	iter := newRowIterator(ctx, &streamID, db.logger, func(ctx context.Context, reqID *requestID, resumeToken []byte) (partialResultSetStream, error) {
		req.ResumeToken = resumeToken
		return db.api.ExecuteStreamingSql(db.callContext(ctx, reqID, true, "session", req.Session), req)
	})
	defer iter.Stop()
	for {
		_, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	return iter.Stats().GetRowCountLowerBound(), nil
}
