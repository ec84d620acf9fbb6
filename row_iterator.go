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
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxBufferedRows is the maximum number of rows that are buffered while
// waiting for a resume token. The iterator can no longer resume the stream
// after it has released rows without a resume token.
const maxBufferedRows = 1024

// maxStreamRetries is the maximum number of consecutive stream restarts that
// do not return a new resume token.
const maxStreamRetries = 20

var errNoMetadata = spanner.ToSpannerError(status.Error(codes.Internal, "received values before result set metadata"))

// Row is a row of a query result or a read.
type Row struct {
	fields []*spannerpb.StructType_Field
	values []*structpb.Value
}

// Size returns the number of columns in the row.
func (r *Row) Size() int {
	return len(r.values)
}

// ColumnNames returns the names of the columns in the row.
func (r *Row) ColumnNames() []string {
	names := make([]string, len(r.fields))
	for i, f := range r.fields {
		names[i] = f.GetName()
	}
	return names
}

// ColumnIndex returns the index of the column with the given name.
func (r *Row) ColumnIndex(name string) (int, error) {
	for i, f := range r.fields {
		if f.GetName() == name {
			return i, nil
		}
	}
	return -1, spanner.ToSpannerError(status.Errorf(codes.NotFound, "column %q not found", name))
}

// GenericColumnValue returns the raw value and type of column i.
func (r *Row) GenericColumnValue(i int) (spanner.GenericColumnValue, error) {
	if i < 0 || i >= len(r.values) {
		return spanner.GenericColumnValue{}, spanner.ToSpannerError(status.Errorf(codes.OutOfRange, "column index %d out of range [0, %d)", i, len(r.values)))
	}
	return spanner.GenericColumnValue{Type: r.fields[i].GetType(), Value: r.values[i]}, nil
}

// Column decodes column i into ptr.
func (r *Row) Column(i int, ptr any) error {
	v, err := r.GenericColumnValue(i)
	if err != nil {
		return err
	}
	return v.Decode(ptr)
}

// ColumnByName decodes the column with the given name into ptr.
func (r *Row) ColumnByName(name string, ptr any) error {
	i, err := r.ColumnIndex(name)
	if err != nil {
		return err
	}
	return r.Column(i, ptr)
}

// Columns decodes all columns of the row into ptrs.
func (r *Row) Columns(ptrs ...any) error {
	if len(ptrs) != len(r.values) {
		return spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "got %d pointers for a row with %d columns", len(ptrs), len(r.values)))
	}
	for i, ptr := range ptrs {
		if ptr == nil {
			continue
		}
		if err := r.Column(i, ptr); err != nil {
			return err
		}
	}
	return nil
}

// streamStarter starts a streaming call. The resume token is empty when the
// stream is started from the beginning.
type streamStarter func(ctx context.Context, reqID *requestID, resumeToken []byte) (partialResultSetStream, error)

// RowIterator iterates over the rows of a streaming query or read. The stream
// is transparently resumed from the last resume token when it fails with a
// transient error. A RowIterator must be used by one goroutine at a time.
type RowIterator struct {
	ctx    context.Context
	start  streamStarter
	reqID  *requestID
	logger *slog.Logger

	// onMetadata is called with the metadata of the result, which contains
	// the transaction ID when the request started a transaction.
	onMetadata       func(*spannerpb.ResultSetMetadata)
	onPrecommitToken func(*spannerpb.MultiplexedSessionPrecommitToken)
	// onSessionNotFound replaces the session of the request. It is only set
	// for single-use transactions, and is called at most once.
	onSessionNotFound func(ctx context.Context) error
	onDone            func(err error)

	stream      partialResultSetStream
	cancel      context.CancelFunc
	backoff     gax.Backoff
	resumeToken []byte
	// retries is the number of consecutive restarts without a new resume
	// token.
	retries     int
	eof         bool
	unresumable bool
	replaced    bool
	yielded     int64

	metadata *spannerpb.ResultSetMetadata
	stats    *spannerpb.ResultSetStats

	pending        []*structpb.Value
	chunked        bool
	pendingAtToken []*structpb.Value
	chunkedAtToken bool
	buffered       []*Row
	ready          []*Row

	err error
}

func newRowIterator(ctx context.Context, reqID *requestID, logger *slog.Logger, start streamStarter) *RowIterator {
	return &RowIterator{
		ctx:    ctx,
		start:  start,
		reqID:  reqID,
		logger: logger,
		backoff: gax.Backoff{
			Initial:    250 * time.Millisecond,
			Max:        32 * time.Second,
			Multiplier: 1.3,
		},
	}
}

// newErrorIterator returns an iterator that returns err for every call to
// Next.
func newErrorIterator(err error) *RowIterator {
	return &RowIterator{err: err}
}

// Next returns the next row. It returns iterator.Done when all rows have
// been returned.
func (r *RowIterator) Next() (*Row, error) {
	for r.err == nil && len(r.ready) == 0 {
		if err := r.fetch(); err != nil {
			r.finish(err)
		}
	}
	if len(r.ready) == 0 {
		return nil, r.err
	}
	row := r.ready[0]
	r.ready[0] = nil
	r.ready = r.ready[1:]
	r.yielded++
	return row, nil
}

// Do calls f for each row until f returns an error or all rows have been
// returned. The iterator is stopped when Do returns.
func (r *RowIterator) Do(f func(row *Row) error) error {
	defer r.Stop()
	for {
		row, err := r.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return err
		}
		if err := f(row); err != nil {
			return err
		}
	}
}

// Stop stops the iterator and releases its resources. Next returns
// iterator.Done after Stop has been called.
func (r *RowIterator) Stop() {
	if r.err == nil {
		r.finish(iterator.Done)
	}
	r.ready = nil
}

// Metadata returns the metadata of the result. It is nil until the first call
// to Next has returned.
func (r *RowIterator) Metadata() *spannerpb.ResultSetMetadata {
	return r.metadata
}

// Stats returns the statistics of the result. The statistics are only
// available after all rows have been returned.
func (r *RowIterator) Stats() *spannerpb.ResultSetStats {
	return r.stats
}

// RowCount returns the number of rows that were modified by a DML statement.
func (r *RowIterator) RowCount() int64 {
	return r.stats.GetRowCountExact()
}

// waitForMetadata consumes the stream until the metadata of the result has
// been received. Rows that are received in the meantime are kept for Next.
func (r *RowIterator) waitForMetadata() error {
	for r.err == nil && r.metadata == nil {
		if err := r.fetch(); err != nil {
			r.finish(err)
		}
	}
	if r.metadata == nil && r.err != nil && r.err != iterator.Done {
		return r.err
	}
	return nil
}

func (r *RowIterator) finish(err error) {
	if r.err != nil {
		return
	}
	r.err = err
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.stream = nil
	if r.onDone != nil {
		if err == iterator.Done {
			err = nil
		}
		r.onDone(err)
	}
}

func (r *RowIterator) fetch() error {
	if r.stream == nil {
		if r.eof {
			return iterator.Done
		}
		ctx, cancel := context.WithCancel(r.ctx)
		stream, err := r.start(ctx, r.reqID, r.resumeToken)
		if err != nil {
			cancel()
			return r.handleError(err)
		}
		r.stream, r.cancel = stream, cancel
	}
	prs, err := r.stream.Recv()
	if err == io.EOF {
		r.closeStream()
		r.eof = true
		if r.chunked || len(r.pending) > 0 {
			return spanner.ToSpannerError(status.Error(codes.Internal, "stream ended with an incomplete row"))
		}
		r.ready = append(r.ready, r.buffered...)
		r.buffered = nil
		if len(r.ready) == 0 {
			return iterator.Done
		}
		return nil
	}
	if err != nil {
		r.closeStream()
		return r.handleError(err)
	}
	return r.process(prs)
}

func (r *RowIterator) closeStream() {
	if r.cancel != nil {
		r.cancel()
	}
	r.stream, r.cancel = nil, nil
}

// handleError returns nil if the stream should be restarted. Retryable errors
// restart the stream until the context is done, or until maxStreamRetries
// consecutive restarts have not returned a new resume token.
func (r *RowIterator) handleError(err error) error {
	switch {
	case isRetryableStreamError(err) && !r.unresumable && r.retries < maxStreamRetries:
		r.retries++
		delay := r.backoff.Pause()
		r.logger.DebugContext(r.ctx, "resuming stream", "err", err, "delay", delay, "resumeToken", len(r.resumeToken) > 0)
		if sleepErr := gax.Sleep(r.ctx, delay); sleepErr != nil {
			return err
		}
		r.rewind()
		r.reqID.nextAttempt()
		return nil
	case isSessionNotFound(err) && r.onSessionNotFound != nil && !r.replaced && r.yielded == 0 && len(r.ready) == 0:
		r.replaced = true
		r.logger.DebugContext(r.ctx, "restarting stream on a new session", "err", err)
		if replaceErr := r.onSessionNotFound(r.ctx); replaceErr != nil {
			return replaceErr
		}
		r.resumeToken = nil
		r.pendingAtToken, r.chunkedAtToken = nil, false
		r.rewind()
		r.reqID.nextAttempt()
		return nil
	default:
		return err
	}
}

// rewind drops everything that was received after the last resume token.
func (r *RowIterator) rewind() {
	r.buffered = nil
	r.pending = append([]*structpb.Value(nil), r.pendingAtToken...)
	r.chunked = r.chunkedAtToken
}

func (r *RowIterator) process(prs *spannerpb.PartialResultSet) error {
	if md := prs.GetMetadata(); md != nil && r.metadata == nil {
		r.metadata = md
		if r.onMetadata != nil {
			r.onMetadata(md)
		}
	}
	if prs.GetStats() != nil {
		r.stats = prs.GetStats()
	}
	if token := prs.GetPrecommitToken(); token != nil && r.onPrecommitToken != nil {
		r.onPrecommitToken(token)
	}
	values := prs.GetValues()
	if r.chunked && len(values) > 0 {
		last := len(r.pending) - 1
		merged, err := mergeChunk(r.pending[last], values[0])
		if err != nil {
			return err
		}
		r.pending[last] = merged
		values = values[1:]
	}
	r.pending = append(r.pending, values...)
	r.chunked = prs.GetChunkedValue()
	if err := r.completeRows(); err != nil {
		return err
	}

	if len(prs.GetResumeToken()) > 0 {
		r.resumeToken = prs.GetResumeToken()
		r.retries = 0
		r.pendingAtToken = append([]*structpb.Value(nil), r.pending...)
		r.chunkedAtToken = r.chunked
		r.ready = append(r.ready, r.buffered...)
		r.buffered = nil
	} else if len(r.buffered) > maxBufferedRows {
		r.unresumable = true
		r.ready = append(r.ready, r.buffered...)
		r.buffered = nil
	}
	return nil
}

// completeRows moves all complete rows from pending to buffered.
func (r *RowIterator) completeRows() error {
	complete := len(r.pending)
	if r.chunked {
		complete--
	}
	if complete <= 0 {
		return nil
	}
	fields := r.metadata.GetRowType().GetFields()
	if len(fields) == 0 {
		return errNoMetadata
	}
	n := 0
	for ; n+len(fields) <= complete; n += len(fields) {
		values := make([]*structpb.Value, len(fields))
		copy(values, r.pending[n:n+len(fields)])
		r.buffered = append(r.buffered, &Row{fields: fields, values: values})
	}
	r.pending = append(r.pending[:0:0], r.pending[n:]...)
	return nil
}

// mergeChunk merges a value that was split across two partial result sets.
func mergeChunk(a, b *structpb.Value) (*structpb.Value, error) {
	switch av := a.GetKind().(type) {
	case *structpb.Value_StringValue:
		bv, ok := b.GetKind().(*structpb.Value_StringValue)
		if !ok {
			break
		}
		return structpb.NewStringValue(av.StringValue + bv.StringValue), nil
	case *structpb.Value_ListValue:
		bv, ok := b.GetKind().(*structpb.Value_ListValue)
		if !ok {
			break
		}
		first, second := av.ListValue.GetValues(), bv.ListValue.GetValues()
		if len(first) == 0 {
			return b, nil
		}
		if len(second) == 0 {
			return a, nil
		}
		merged := make([]*structpb.Value, 0, len(first)+len(second))
		merged = append(merged, first[:len(first)-1]...)
		last := first[len(first)-1]
		switch last.GetKind().(type) {
		case *structpb.Value_StringValue, *structpb.Value_ListValue:
			m, err := mergeChunk(last, second[0])
			if err != nil {
				return nil, err
			}
			merged = append(merged, m)
			merged = append(merged, second[1:]...)
		default:
			merged = append(merged, last)
			merged = append(merged, second...)
		}
		return structpb.NewListValue(&structpb.ListValue{Values: merged}), nil
	}
	return nil, spanner.ToSpannerError(status.Errorf(codes.Internal, "cannot merge chunked values of type %T and %T", a.GetKind(), b.GetKind()))
}
