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
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
)

const (
	// DefaultTransactionTimeout is the default wall-clock budget for retrying
	// an aborted transaction.
	DefaultTransactionTimeout = 60 * time.Second

	abortedInitialBackoff = 20 * time.Millisecond
	abortedMaxBackoff     = 32 * time.Second
	abortedMultiplier     = 1.3
)

// abortedRetrier decides whether and when an aborted transaction is retried.
type abortedRetrier struct {
	backoff  gax.Backoff
	deadline time.Time
	attempt  int
}

func newAbortedRetrier(timeout time.Duration) *abortedRetrier {
	if timeout <= 0 {
		timeout = DefaultTransactionTimeout
	}
	return &abortedRetrier{
		backoff: gax.Backoff{
			Initial:    abortedInitialBackoff,
			Max:        abortedMaxBackoff,
			Multiplier: abortedMultiplier,
		},
		deadline: time.Now().Add(timeout),
		attempt:  1,
	}
}

// retryDelay returns the delay before the next attempt. The delay that is
// suggested by the server takes precedence over the local backoff.
func (r *abortedRetrier) retryDelay(err error) time.Duration {
	if delay, ok := spanner.ExtractRetryDelay(err); ok {
		return delay
	}
	return r.backoff.Pause()
}

// shouldRetry returns true if err is an Aborted error and the retry budget
// has not been exhausted. It waits for the retry delay before returning. The
// returned error is the error that should be returned to the caller if no
// retry should be attempted.
func (r *abortedRetrier) shouldRetry(ctx context.Context, err error) (bool, error) {
	if spanner.ErrCode(err) != codes.Aborted {
		return false, err
	}
	delay := r.retryDelay(err)
	if time.Now().Add(delay).After(r.deadline) {
		return false, err
	}
	if sleepErr := gax.Sleep(ctx, delay); sleepErr != nil {
		return false, err
	}
	r.attempt++
	return true, nil
}
