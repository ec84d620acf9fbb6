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
	"strconv"
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/google/go-cmp/cmp"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeStream returns a fixed list of partial result sets, followed by err or
// io.EOF.
type fakeStream struct {
	results []*spannerpb.PartialResultSet
	err     error
}

func (s *fakeStream) Recv() (*spannerpb.PartialResultSet, error) {
	if len(s.results) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	prs := s.results[0]
	s.results = s.results[1:]
	return prs, nil
}

// fakeStarter returns the given streams in order, and records the resume
// token and request ID of each call.
type fakeStarter struct {
	streams      []*fakeStream
	resumeTokens [][]byte
	requestIDs   []string
}

func (f *fakeStarter) start(_ context.Context, reqID *requestID, resumeToken []byte) (partialResultSetStream, error) {
	f.resumeTokens = append(f.resumeTokens, resumeToken)
	f.requestIDs = append(f.requestIDs, reqID.String())
	if len(f.streams) == 0 {
		return nil, status.Error(codes.Internal, "no more streams")
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func newTestRowIterator(streams ...*fakeStream) (*RowIterator, *fakeStarter) {
	starter := &fakeStarter{streams: streams}
	return newRowIterator(context.Background(), newRequestIDGenerator(1, 1).next(), noopLogger, starter.start), starter
}

func stringColumns(names ...string) *spannerpb.ResultSetMetadata {
	fields := make([]*spannerpb.StructType_Field, len(names))
	for i, name := range names {
		fields[i] = &spannerpb.StructType_Field{Name: name, Type: &spannerpb.Type{Code: spannerpb.TypeCode_STRING}}
	}
	return &spannerpb.ResultSetMetadata{RowType: &spannerpb.StructType{Fields: fields}}
}

func stringValues(values ...string) []*structpb.Value {
	res := make([]*structpb.Value, len(values))
	for i, v := range values {
		res[i] = structpb.NewStringValue(v)
	}
	return res
}

func collectStrings(t *testing.T, iter *RowIterator) ([][]string, error) {
	t.Helper()
	var rows [][]string
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		values := make([]string, row.Size())
		ptrs := make([]any, row.Size())
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := row.Columns(ptrs...); err != nil {
			t.Fatal(err)
		}
		rows = append(rows, values)
	}
}

func TestRowIteratorMergesChunkedValues(t *testing.T) {
	t.Parallel()

	iter, _ := newTestRowIterator(&fakeStream{results: []*spannerpb.PartialResultSet{
		{Metadata: stringColumns("A", "B"), Values: stringValues("a", "b1"), ChunkedValue: true},
		{Values: stringValues("b2", "c"), ChunkedValue: true},
		{Values: stringValues("c2", "e"), Stats: &spannerpb.ResultSetStats{RowCount: &spannerpb.ResultSetStats_RowCountExact{RowCountExact: 2}}},
	}})
	rows, err := collectStrings(t, iter)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]string{{"a", "b1b2"}, {"cc2", "e"}}, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(stringColumns("A", "B"), iter.Metadata(), protocmp.Transform()); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
	if g, w := iter.RowCount(), int64(2); g != w {
		t.Fatalf("row count mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestMergeChunk(t *testing.T) {
	t.Parallel()

	list := func(values ...*structpb.Value) *structpb.Value {
		return structpb.NewListValue(&structpb.ListValue{Values: values})
	}
	for _, test := range []struct {
		name string
		a, b *structpb.Value
		want *structpb.Value
	}{
		{"strings", structpb.NewStringValue("ab"), structpb.NewStringValue("cd"), structpb.NewStringValue("abcd")},
		{
			"string lists",
			list(stringValues("a", "b")...),
			list(stringValues("c", "d")...),
			list(stringValues("a", "bc", "d")...),
		},
		{
			"number lists",
			list(structpb.NewNumberValue(1)),
			list(structpb.NewNumberValue(2)),
			list(structpb.NewNumberValue(1), structpb.NewNumberValue(2)),
		},
		{
			"nested lists",
			list(list(stringValues("a", "b")...)),
			list(list(stringValues("c")...), list(stringValues("d")...)),
			list(list(stringValues("a", "bc")...), list(stringValues("d")...)),
		},
		{"empty first list", list(), list(stringValues("a")...), list(stringValues("a")...)},
		{"empty second list", list(stringValues("a")...), list(), list(stringValues("a")...)},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := mergeChunk(test.a, test.b)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(test.want, got, protocmp.Transform()); diff != "" {
				t.Fatalf("merged value mismatch (-want +got):\n%s", diff)
			}
		})
	}

	for _, test := range []struct{ a, b *structpb.Value }{
		{structpb.NewStringValue("a"), list()},
		{structpb.NewBoolValue(true), structpb.NewBoolValue(false)},
		{structpb.NewNumberValue(1), structpb.NewNumberValue(2)},
	} {
		if _, err := mergeChunk(test.a, test.b); spanner.ErrCode(err) != codes.Internal {
			t.Errorf("%v+%v: error code mismatch\n Got: %v\nWant: %v", test.a, test.b, spanner.ErrCode(err), codes.Internal)
		}
	}
}

func TestRowIteratorResumesFromLastToken(t *testing.T) {
	t.Parallel()

	iter, starter := newTestRowIterator(
		&fakeStream{
			results: []*spannerpb.PartialResultSet{
				{Metadata: stringColumns("A"), Values: stringValues("1"), ResumeToken: []byte("t1")},
				// Rows without a resume token are received again after the
				// stream has been resumed.
				{Values: stringValues("2")},
			},
			err: status.Error(codes.Unavailable, "connection reset"),
		},
		&fakeStream{results: []*spannerpb.PartialResultSet{
			{Metadata: stringColumns("A"), Values: stringValues("2"), ResumeToken: []byte("t2")},
			{Values: stringValues("3"), ResumeToken: []byte("t3")},
		}},
	)
	rows, err := collectStrings(t, iter)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]string{{"1"}, {"2"}, {"3"}}, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]byte{nil, []byte("t1")}, starter.resumeTokens); diff != "" {
		t.Fatalf("resume tokens mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"1.1.1.1", "1.1.1.2"}, starter.requestIDs); diff != "" {
		t.Fatalf("request ids mismatch (-want +got):\n%s", diff)
	}
}

func TestRowIteratorStopsRetryingWithoutProgress(t *testing.T) {
	t.Parallel()

	streams := make([]*fakeStream, maxStreamRetries+5)
	for i := range streams {
		streams[i] = &fakeStream{err: status.Error(codes.Unavailable, "unavailable")}
	}
	iter, starter := newTestRowIterator(streams...)
	iter.backoff = gax.Backoff{Initial: time.Microsecond, Max: time.Microsecond}
	_, err := collectStrings(t, iter)
	if g, w := spanner.ErrCode(err), codes.Unavailable; g != w {
		t.Fatalf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}
	if g, w := len(starter.resumeTokens), maxStreamRetries+1; g != w {
		t.Fatalf("stream start count mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestRowIteratorRetriesWhileMakingProgress(t *testing.T) {
	t.Parallel()

	var streams []*fakeStream
	var want [][]string
	for i := range maxStreamRetries + 5 {
		v := strconv.Itoa(i)
		streams = append(streams, &fakeStream{
			results: []*spannerpb.PartialResultSet{{Metadata: stringColumns("A"), Values: stringValues(v), ResumeToken: []byte("t" + v)}},
			err:     status.Error(codes.Unavailable, "unavailable"),
		})
		want = append(want, []string{v})
	}
	streams = append(streams, &fakeStream{results: []*spannerpb.PartialResultSet{{Metadata: stringColumns("A")}}})
	iter, _ := newTestRowIterator(streams...)
	iter.backoff = gax.Backoff{Initial: time.Microsecond, Max: time.Microsecond}
	rows, err := collectStrings(t, iter)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestRowIteratorResumesChunkedValue(t *testing.T) {
	t.Parallel()

	iter, starter := newTestRowIterator(
		&fakeStream{
			results: []*spannerpb.PartialResultSet{
				{Metadata: stringColumns("A", "B"), Values: stringValues("a", "b1"), ChunkedValue: true, ResumeToken: []byte("t1")},
				{Values: stringValues("lost")},
			},
			err: status.Error(codes.Internal, "stream terminated by RST_STREAM with error code: INTERNAL_ERROR"),
		},
		&fakeStream{results: []*spannerpb.PartialResultSet{
			{Values: stringValues("b2"), ResumeToken: []byte("t2")},
		}},
	)
	rows, err := collectStrings(t, iter)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]string{{"a", "b1b2"}}, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	if g, w := len(starter.resumeTokens), 2; g != w {
		t.Fatalf("stream count mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestRowIteratorDoesNotResumeAfterBufferLimit(t *testing.T) {
	t.Parallel()

	values := make([]string, maxBufferedRows+1)
	for i := range values {
		values[i] = strconv.Itoa(i)
	}
	iter, starter := newTestRowIterator(&fakeStream{
		results: []*spannerpb.PartialResultSet{{Metadata: stringColumns("A"), Values: stringValues(values...)}},
		err:     status.Error(codes.Unavailable, "connection reset"),
	})
	rows, err := collectStrings(t, iter)
	if g, w := spanner.ErrCode(err), codes.Unavailable; g != w {
		t.Fatalf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}
	if g, w := len(rows), maxBufferedRows+1; g != w {
		t.Fatalf("row count mismatch\n Got: %v\nWant: %v", g, w)
	}
	if g, w := len(starter.resumeTokens), 1; g != w {
		t.Fatalf("stream count mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestRowIteratorErrors(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name   string
		stream *fakeStream
		code   codes.Code
	}{
		{
			name:   "values before metadata",
			stream: &fakeStream{results: []*spannerpb.PartialResultSet{{Values: stringValues("a")}}},
			code:   codes.Internal,
		},
		{
			name: "incomplete row",
			stream: &fakeStream{results: []*spannerpb.PartialResultSet{
				{Metadata: stringColumns("A", "B"), Values: stringValues("a")},
			}},
			code: codes.Internal,
		},
		{
			name: "chunk at end of stream",
			stream: &fakeStream{results: []*spannerpb.PartialResultSet{
				{Metadata: stringColumns("A"), Values: stringValues("a"), ChunkedValue: true},
			}},
			code: codes.Internal,
		},
		{
			name:   "permanent error",
			stream: &fakeStream{err: status.Error(codes.PermissionDenied, "denied")},
			code:   codes.PermissionDenied,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			iter, _ := newTestRowIterator(test.stream)
			var done []error
			iter.onDone = func(err error) { done = append(done, err) }
			_, err := collectStrings(t, iter)
			if g, w := spanner.ErrCode(err), test.code; g != w {
				t.Fatalf("error code mismatch\n Got: %v\nWant: %v", g, w)
			}
			// The error is returned again by subsequent calls.
			if _, again := iter.Next(); again != err {
				t.Fatalf("error mismatch\n Got: %v\nWant: %v", again, err)
			}
			if g, w := len(done), 1; g != w {
				t.Fatalf("onDone call count mismatch\n Got: %v\nWant: %v", g, w)
			}
		})
	}
}

func TestRowIteratorStop(t *testing.T) {
	t.Parallel()

	iter, starter := newTestRowIterator(&fakeStream{results: []*spannerpb.PartialResultSet{
		{Metadata: stringColumns("A"), Values: stringValues("1", "2"), ResumeToken: []byte("t1")},
	}})
	var done []error
	iter.onDone = func(err error) { done = append(done, err) }
	if _, err := iter.Next(); err != nil {
		t.Fatal(err)
	}
	iter.Stop()
	iter.Stop()
	if _, err := iter.Next(); err != iterator.Done {
		t.Fatalf("error mismatch\n Got: %v\nWant: %v", err, iterator.Done)
	}
	if g, w := len(done), 1; g != w {
		t.Fatalf("onDone call count mismatch\n Got: %v\nWant: %v", g, w)
	}
	if done[0] != nil {
		t.Fatalf("onDone error mismatch\n Got: %v\nWant: <nil>", done[0])
	}
	if g, w := len(starter.resumeTokens), 1; g != w {
		t.Fatalf("stream count mismatch\n Got: %v\nWant: %v", g, w)
	}

	// A stopped iterator that was never used does not start a stream.
	unused, unusedStarter := newTestRowIterator()
	unused.Stop()
	if _, err := unused.Next(); err != iterator.Done {
		t.Fatalf("error mismatch\n Got: %v\nWant: %v", err, iterator.Done)
	}
	if g := len(unusedStarter.resumeTokens); g != 0 {
		t.Fatalf("stopped iterator started %d streams", g)
	}
}

func TestRowIteratorEmptyResult(t *testing.T) {
	t.Parallel()

	iter, _ := newTestRowIterator(&fakeStream{results: []*spannerpb.PartialResultSet{
		{Metadata: stringColumns("A"), Stats: &spannerpb.ResultSetStats{}},
	}})
	rows, err := collectStrings(t, iter)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("rows mismatch\n Got: %v\nWant: []", rows)
	}
	if iter.Metadata() == nil || iter.Stats() == nil {
		t.Fatal("missing metadata or stats")
	}
}

func TestRowAccessors(t *testing.T) {
	t.Parallel()

	md := stringColumns("FirstName", "LastName")
	row := &Row{fields: md.GetRowType().GetFields(), values: stringValues("Alice", "Smith")}
	if diff := cmp.Diff([]string{"FirstName", "LastName"}, row.ColumnNames()); diff != "" {
		t.Fatalf("column names mismatch (-want +got):\n%s", diff)
	}
	var last string
	if err := row.ColumnByName("LastName", &last); err != nil {
		t.Fatal(err)
	}
	if g, w := last, "Smith"; g != w {
		t.Fatalf("column value mismatch\n Got: %v\nWant: %v", g, w)
	}
	var first string
	if err := row.Columns(&first, nil); err != nil {
		t.Fatal(err)
	}
	if g, w := first, "Alice"; g != w {
		t.Fatalf("column value mismatch\n Got: %v\nWant: %v", g, w)
	}
	if _, err := row.ColumnIndex("Age"); spanner.ErrCode(err) != codes.NotFound {
		t.Fatalf("error code mismatch\n Got: %v\nWant: %v", spanner.ErrCode(err), codes.NotFound)
	}
	if err := row.Column(2, &first); spanner.ErrCode(err) != codes.OutOfRange {
		t.Fatalf("error code mismatch\n Got: %v\nWant: %v", spanner.ErrCode(err), codes.OutOfRange)
	}
	if err := row.Columns(&first); spanner.ErrCode(err) != codes.InvalidArgument {
		t.Fatalf("error code mismatch\n Got: %v\nWant: %v", spanner.ErrCode(err), codes.InvalidArgument)
	}
}
