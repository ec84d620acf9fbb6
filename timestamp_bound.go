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
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

type timestampBoundMode int

const (
	strong timestampBoundMode = iota
	exactStaleness
	maxStaleness
	readTimestamp
	minReadTimestamp
)

// TimestampBound determines the timestamp at which a read-only transaction
// reads. The zero value is a strong read.
type TimestampBound struct {
	mode      timestampBoundMode
	staleness time.Duration
	timestamp time.Time
}

// StrongRead returns a bound that reads all data that has been committed
// before the read started.
func StrongRead() TimestampBound {
	return TimestampBound{mode: strong}
}

// ExactStaleness returns a bound that reads at a timestamp that is exactly d
// in the past.
func ExactStaleness(d time.Duration) TimestampBound {
	return TimestampBound{mode: exactStaleness, staleness: d}
}

// MaxStaleness returns a bound that reads at a timestamp that is at most d
// in the past. It can only be used for single-use read-only transactions.
func MaxStaleness(d time.Duration) TimestampBound {
	return TimestampBound{mode: maxStaleness, staleness: d}
}

// ReadTimestamp returns a bound that reads at exactly the given timestamp.
func ReadTimestamp(t time.Time) TimestampBound {
	return TimestampBound{mode: readTimestamp, timestamp: t}
}

// MinReadTimestamp returns a bound that reads at a timestamp that is not
// older than t. It can only be used for single-use read-only transactions.
func MinReadTimestamp(t time.Time) TimestampBound {
	return TimestampBound{mode: minReadTimestamp, timestamp: t}
}

// bounded returns true for the modes that let the server choose the read
// timestamp. These are only allowed for single-use transactions.
func (tb TimestampBound) bounded() bool {
	return tb.mode == maxStaleness || tb.mode == minReadTimestamp
}

func (tb TimestampBound) String() string {
	switch tb.mode {
	case strong:
		return "(strong)"
	case exactStaleness:
		return fmt.Sprintf("(exactStaleness: %s)", tb.staleness)
	case maxStaleness:
		return fmt.Sprintf("(maxStaleness: %s)", tb.staleness)
	case readTimestamp:
		return fmt.Sprintf("(readTimestamp: %s)", tb.timestamp.Format(time.RFC3339Nano))
	case minReadTimestamp:
		return fmt.Sprintf("(minReadTimestamp: %s)", tb.timestamp.Format(time.RFC3339Nano))
	default:
		return fmt.Sprintf("{mode=%v}", tb.mode)
	}
}

func (tb TimestampBound) validate(singleUse bool) error {
	if (tb.mode == exactStaleness || tb.mode == maxStaleness) && tb.staleness < 0 {
		return spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "staleness must not be negative: %s", tb.staleness))
	}
	if !singleUse && tb.bounded() {
		return spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "timestamp bound %s can only be used for single-use read-only transactions", tb))
	}
	return nil
}

func (tb TimestampBound) toProto(returnReadTimestamp bool) *spannerpb.TransactionOptions_ReadOnly {
	ro := &spannerpb.TransactionOptions_ReadOnly{ReturnReadTimestamp: returnReadTimestamp}
	switch tb.mode {
	case strong:
		ro.TimestampBound = &spannerpb.TransactionOptions_ReadOnly_Strong{Strong: true}
	case exactStaleness:
		ro.TimestampBound = &spannerpb.TransactionOptions_ReadOnly_ExactStaleness{ExactStaleness: durationpb.New(tb.staleness)}
	case maxStaleness:
		ro.TimestampBound = &spannerpb.TransactionOptions_ReadOnly_MaxStaleness{MaxStaleness: durationpb.New(tb.staleness)}
	case readTimestamp:
		ro.TimestampBound = &spannerpb.TransactionOptions_ReadOnly_ReadTimestamp{ReadTimestamp: timestamppb.New(tb.timestamp)}
	case minReadTimestamp:
		ro.TimestampBound = &spannerpb.TransactionOptions_ReadOnly_MinReadTimestamp{MinReadTimestamp: timestamppb.New(tb.timestamp)}
	}
	return ro
}

func (tb TimestampBound) transactionOptions(returnReadTimestamp bool) *spannerpb.TransactionOptions {
	return &spannerpb.TransactionOptions{
		Mode: &spannerpb.TransactionOptions_ReadOnly_{ReadOnly: tb.toProto(returnReadTimestamp)},
	}
}

type selectorKind int

const (
	selectorSingleUse selectorKind = iota
	selectorBegin
	selectorID
)

// transactionSelector selects the transaction of a request. Single-use and
// begin selectors may only be used for the first request of a transaction.
type transactionSelector struct {
	kind    selectorKind
	options *spannerpb.TransactionOptions
	id      []byte
}

func singleUseSelector(options *spannerpb.TransactionOptions) transactionSelector {
	return transactionSelector{kind: selectorSingleUse, options: options}
}

func beginSelector(options *spannerpb.TransactionOptions) transactionSelector {
	return transactionSelector{kind: selectorBegin, options: options}
}

func idSelector(id []byte) transactionSelector {
	return transactionSelector{kind: selectorID, id: id}
}

// toProto returns the selector as a protobuf message. firstRequest must be
// false for all requests of a transaction after the first.
func (s transactionSelector) toProto(firstRequest bool) (*spannerpb.TransactionSelector, error) {
	switch s.kind {
	case selectorSingleUse:
		if !firstRequest {
			return nil, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "a single-use transaction can only be used for one request"))
		}
		return &spannerpb.TransactionSelector{Selector: &spannerpb.TransactionSelector_SingleUse{SingleUse: s.options}}, nil
	case selectorBegin:
		if !firstRequest {
			return nil, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "a transaction can only be started by the first request"))
		}
		return &spannerpb.TransactionSelector{Selector: &spannerpb.TransactionSelector_Begin{Begin: s.options}}, nil
	default:
		if len(s.id) == 0 {
			return nil, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "transaction has no id"))
		}
		return &spannerpb.TransactionSelector{Selector: &spannerpb.TransactionSelector_Id{Id: s.id}}, nil
	}
}
