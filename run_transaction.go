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
	"google.golang.org/grpc/codes"
)

// TransactionConfig is the configuration of a read/write transaction.
type TransactionConfig struct {
	// Timeout is the wall-clock budget for retrying the transaction when it
	// is aborted. The default of the client is used if zero.
	Timeout time.Duration
	// MaxCommitDelay is the maximum time that the server may delay the commit
	// to batch it with other commits. Zero means no delay.
	MaxCommitDelay time.Duration
	// ExcludeTxnFromChangeStreams excludes the writes of the transaction from
	// change streams that have the allow_txn_exclusion option set.
	ExcludeTxnFromChangeStreams bool
	// IsolationLevel is the isolation level of the transaction. The default
	// of the server is used if unspecified.
	IsolationLevel spannerpb.TransactionOptions_IsolationLevel
	ReadLockMode   spannerpb.TransactionOptions_ReadWrite_ReadLockMode
	// TransactionTag is attached to all requests of the transaction.
	TransactionTag string
	// CommitPriority is the priority of the commit request.
	CommitPriority    spannerpb.RequestOptions_Priority
	ReturnCommitStats bool
}

// transactionInProgressKey marks a context that belongs to a read/write
// transaction.
type transactionInProgressKey struct{}

// RunInTransaction executes fn in a read/write transaction and commits the
// transaction when fn returns nil. The transaction is rolled back if fn
// returns an error. fn is called again in a new transaction if the
// transaction is aborted, until the transaction succeeds or the retry budget
// is exhausted. fn must therefore be safe to call multiple times.
func (db *Database) RunInTransaction(ctx context.Context, fn func(context.Context, *ReadWriteTransaction) error) (*CommitResponse, error) {
	return db.RunInTransactionWithConfig(ctx, fn, TransactionConfig{})
}

// RunInTransactionWithConfig is RunInTransaction with a transaction config.
func (db *Database) RunInTransactionWithConfig(ctx context.Context, fn func(context.Context, *ReadWriteTransaction) error, config TransactionConfig) (resp *CommitResponse, err error) {
	if ctx.Value(transactionInProgressKey{}) != nil {
		return nil, ErrNestedTransaction
	}
	if config.Timeout <= 0 {
		config.Timeout = db.txTimeout
	}
	ctx, span := db.obs.startSpan(ctx, "CloudSpanner.RunInTransaction", attribute.String("db.name", db.name))
	defer func() { endSpan(span, err) }()

	handle, err := db.takeSession(ctx, TransactionTypeReadWrite)
	if err != nil {
		return nil, err
	}
	// The deferred function reads the handle variable, as the handle is
	// replaced if multiplexed sessions are disabled during the transaction.
	defer func() { handle.release(ctx) }()

	reqID := db.requestIDs.next()
	retrier := newAbortedRetrier(config.Timeout)
	txCtx := context.WithValue(ctx, transactionInProgressKey{}, struct{}{})
	var previousID []byte
	for {
		t := newReadWriteTransaction(db, handle, reqID, config)
		resp, err = t.run(ctx, txCtx, fn, previousID)
		if err == nil {
			return resp, nil
		}
		if spanner.ErrCode(err) == codes.Unimplemented && handle.multiplexed() {
			db.sessions.disableMultiplexed(ctx, err, TransactionTypeReadWrite)
			handle.release(ctx)
			if handle, err = db.takeSession(ctx, TransactionTypeReadWrite); err != nil {
				return nil, err
			}
			reqID.nextAttempt()
			previousID = nil
			continue
		}
		if spanner.ErrCode(err) == codes.Aborted {
			db.obs.transactionAborts.Add(ctx, 1)
			addEvent(ctx, "Transaction aborted", attribute.Int("attempt", int(reqID.attempt)))
		}
		retry, retryErr := retrier.shouldRetry(ctx, err)
		if !retry {
			return nil, retryErr
		}
		reqID.nextAttempt()
		previousID = t.id
		addEvent(ctx, "Retrying", attribute.Int("attempt", int(reqID.attempt)))
		db.logger.DebugContext(ctx, "retrying aborted transaction", "attempt", reqID.attempt)
	}
}

// run executes one attempt of a read/write transaction.
func (t *ReadWriteTransaction) run(ctx, txCtx context.Context, fn func(context.Context, *ReadWriteTransaction) error, previousID []byte) (*CommitResponse, error) {
	if err := t.begin(ctx, previousID); err != nil {
		return nil, err
	}
	if err := fn(txCtx, t); err != nil {
		if spanner.ErrCode(err) != codes.Aborted {
			t.rollback(ctx)
		}
		return nil, err
	}
	return t.commit(ctx)
}
