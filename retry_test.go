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
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// abortedError returns an Aborted error. The error carries a retry delay if
// delay is positive.
func abortedError(delay time.Duration) error {
	st := status.New(codes.Aborted, "Transaction was aborted")
	if delay > 0 {
		var err error
		st, err = st.WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(delay)})
		if err != nil {
			panic(err)
		}
	}
	return st.Err()
}

func TestAbortedRetrierUsesServerDelay(t *testing.T) {
	t.Parallel()

	r := newAbortedRetrier(time.Minute)
	if g, w := r.retryDelay(abortedError(100*time.Millisecond)), 100*time.Millisecond; g != w {
		t.Fatalf("delay mismatch\n Got: %v\nWant: %v", g, w)
	}
	if g, w := r.retryDelay(spanner.ToSpannerError(abortedError(250*time.Millisecond))), 250*time.Millisecond; g != w {
		t.Fatalf("delay mismatch\n Got: %v\nWant: %v", g, w)
	}
	if g := r.retryDelay(abortedError(0)); g > abortedInitialBackoff {
		t.Fatalf("backoff %v exceeds initial backoff %v", g, abortedInitialBackoff)
	}
}

func TestAbortedRetrierShouldRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newAbortedRetrier(time.Minute)
	start := time.Now()
	retry, err := r.shouldRetry(ctx, abortedError(20*time.Millisecond))
	if err != nil || !retry {
		t.Fatalf("retry mismatch\n Got: %v, %v\nWant: true, <nil>", retry, err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("retried after %v, before the server delay", elapsed)
	}
	if g, w := r.attempt, 2; g != w {
		t.Fatalf("attempt mismatch\n Got: %v\nWant: %v", g, w)
	}

	notAborted := status.Error(codes.InvalidArgument, "bad")
	retry, err = r.shouldRetry(ctx, notAborted)
	if retry || err != notAborted {
		t.Fatalf("retry mismatch\n Got: %v, %v\nWant: false, %v", retry, err, notAborted)
	}
}

func TestAbortedRetrierDeadline(t *testing.T) {
	t.Parallel()

	r := newAbortedRetrier(50 * time.Millisecond)
	aborted := abortedError(time.Second)
	start := time.Now()
	retry, err := r.shouldRetry(context.Background(), aborted)
	if retry || err != aborted {
		t.Fatalf("retry mismatch\n Got: %v, %v\nWant: false, %v", retry, err, aborted)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("retrier slept %v although the delay exceeds the deadline", elapsed)
	}
}

func TestAbortedRetrierContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newAbortedRetrier(time.Minute)
	aborted := abortedError(time.Second)
	retry, err := r.shouldRetry(ctx, aborted)
	if retry || err != aborted {
		t.Fatalf("retry mismatch\n Got: %v, %v\nWant: false, %v", retry, err, aborted)
	}
}
