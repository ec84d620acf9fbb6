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
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/testing/protocmp"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func TestTimestampBoundToProto(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC)
	for _, test := range []struct {
		bound TimestampBound
		want  *spannerpb.TransactionOptions_ReadOnly
	}{
		{
			bound: StrongRead(),
			want:  &spannerpb.TransactionOptions_ReadOnly{TimestampBound: &spannerpb.TransactionOptions_ReadOnly_Strong{Strong: true}},
		},
		{
			bound: TimestampBound{},
			want:  &spannerpb.TransactionOptions_ReadOnly{TimestampBound: &spannerpb.TransactionOptions_ReadOnly_Strong{Strong: true}},
		},
		{
			bound: ExactStaleness(10 * time.Second),
			want:  &spannerpb.TransactionOptions_ReadOnly{TimestampBound: &spannerpb.TransactionOptions_ReadOnly_ExactStaleness{ExactStaleness: durationpb.New(10 * time.Second)}},
		},
		{
			bound: MaxStaleness(time.Minute),
			want:  &spannerpb.TransactionOptions_ReadOnly{TimestampBound: &spannerpb.TransactionOptions_ReadOnly_MaxStaleness{MaxStaleness: durationpb.New(time.Minute)}},
		},
		{
			bound: ReadTimestamp(ts),
			want:  &spannerpb.TransactionOptions_ReadOnly{TimestampBound: &spannerpb.TransactionOptions_ReadOnly_ReadTimestamp{ReadTimestamp: timestamppb.New(ts)}},
		},
		{
			bound: MinReadTimestamp(ts),
			want:  &spannerpb.TransactionOptions_ReadOnly{TimestampBound: &spannerpb.TransactionOptions_ReadOnly_MinReadTimestamp{MinReadTimestamp: timestamppb.New(ts)}},
		},
	} {
		t.Run(test.bound.String(), func(t *testing.T) {
			if diff := cmp.Diff(test.want, test.bound.toProto(false), protocmp.Transform()); diff != "" {
				t.Errorf("read-only options mismatch (-want +got):\n%s", diff)
			}
			if !test.bound.toProto(true).ReturnReadTimestamp {
				t.Error("read timestamp is not requested")
			}
		})
	}
}

func TestTimestampBoundValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	for _, test := range []struct {
		bound        TimestampBound
		singleUseErr bool
		multiUseErr  bool
	}{
		{bound: StrongRead()},
		{bound: ExactStaleness(time.Second)},
		{bound: ReadTimestamp(now)},
		{bound: MaxStaleness(time.Second), multiUseErr: true},
		{bound: MinReadTimestamp(now), multiUseErr: true},
		{bound: ExactStaleness(-time.Second), singleUseErr: true, multiUseErr: true},
		{bound: MaxStaleness(-time.Second), singleUseErr: true, multiUseErr: true},
	} {
		if err := test.bound.validate(true); (err != nil) != test.singleUseErr {
			t.Errorf("%v: single-use error mismatch\n Got: %v\nWant: %v", test.bound, err, test.singleUseErr)
		} else if err != nil && spanner.ErrCode(err) != codes.InvalidArgument {
			t.Errorf("%v: error code mismatch\n Got: %v\nWant: %v", test.bound, spanner.ErrCode(err), codes.InvalidArgument)
		}
		if err := test.bound.validate(false); (err != nil) != test.multiUseErr {
			t.Errorf("%v: multi-use error mismatch\n Got: %v\nWant: %v", test.bound, err, test.multiUseErr)
		}
	}
}

func TestTransactionSelector(t *testing.T) {
	t.Parallel()

	options := StrongRead().transactionOptions(true)

	sel, err := singleUseSelector(options).toProto(true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&spannerpb.TransactionSelector{Selector: &spannerpb.TransactionSelector_SingleUse{SingleUse: options}}, sel, protocmp.Transform()); diff != "" {
		t.Errorf("single-use selector mismatch (-want +got):\n%s", diff)
	}
	if _, err := singleUseSelector(options).toProto(false); spanner.ErrCode(err) != codes.FailedPrecondition {
		t.Errorf("single-use error code mismatch\n Got: %v\nWant: %v", spanner.ErrCode(err), codes.FailedPrecondition)
	}

	sel, err = beginSelector(options).toProto(true)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&spannerpb.TransactionSelector{Selector: &spannerpb.TransactionSelector_Begin{Begin: options}}, sel, protocmp.Transform()); diff != "" {
		t.Errorf("begin selector mismatch (-want +got):\n%s", diff)
	}
	if _, err := beginSelector(options).toProto(false); spanner.ErrCode(err) != codes.FailedPrecondition {
		t.Errorf("begin error code mismatch\n Got: %v\nWant: %v", spanner.ErrCode(err), codes.FailedPrecondition)
	}

	for _, first := range []bool{true, false} {
		sel, err = idSelector([]byte("tx1")).toProto(first)
		if err != nil {
			t.Fatal(err)
		}
		if g, w := string(sel.GetId()), "tx1"; g != w {
			t.Errorf("id mismatch\n Got: %v\nWant: %v", g, w)
		}
	}
	if _, err := idSelector(nil).toProto(false); spanner.ErrCode(err) != codes.FailedPrecondition {
		t.Errorf("empty id error code mismatch\n Got: %v\nWant: %v", spanner.ErrCode(err), codes.FailedPrecondition)
	}
}
