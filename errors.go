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
	"strings"

	"cloud.google.com/go/spanner"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrPoolExhausted is returned when no session became available in the
	// session pool before the checkout timeout expired.
	ErrPoolExhausted = spanner.ToSpannerError(status.Error(codes.ResourceExhausted, "session pool exhausted: no session became available before the checkout timeout"))
	// ErrNestedTransaction is returned when RunInTransaction is called with a
	// context that already carries an active read/write transaction.
	ErrNestedTransaction = spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "nested transactions are not supported"))
	// ErrInvalidBatch is returned by BatchSnapshot.Process for a batch that
	// contains neither a read nor a query.
	ErrInvalidBatch = spanner.ToSpannerError(status.Error(codes.InvalidArgument, "invalid batch: the batch contains neither a read nor a query"))
	// ErrSessionPoolClosed is returned when a session is requested from a
	// pool that has been closed.
	ErrSessionPoolClosed = spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "session pool has been closed"))
	// ErrTransactionClosed is returned when a statement is executed on a
	// transaction that has already been committed or rolled back.
	ErrTransactionClosed = spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "transaction has already been committed or rolled back"))
)

const (
	sessionResourceType    = "type.googleapis.com/google.spanner.v1.Session"
	credentialsInfoReason  = "CREDENTIALS_INFO"
	credentialsInfoDomain  = "spanner.googleapis.com"
	credentialsInfoMessage = "credentials"
)

// isSessionNotFound returns true if the error indicates that the session that
// was used for a request no longer exists on the server.
func isSessionNotFound(err error) bool {
	if err == nil || spanner.ErrCode(err) != codes.NotFound {
		return false
	}
	if s, ok := status.FromError(err); ok {
		for _, detail := range s.Details() {
			if info, ok := detail.(*errdetails.ResourceInfo); ok && info.ResourceType == sessionResourceType {
				return true
			}
		}
	}
	return strings.Contains(spanner.ErrDesc(err), "Session not found")
}

// isRetryableStreamError returns true if a streaming call that failed with
// the given error can be resumed from the last resume token.
func isRetryableStreamError(err error) bool {
	switch spanner.ErrCode(err) {
	case codes.Unavailable:
		return true
	case codes.Internal:
		desc := strings.ToLower(spanner.ErrDesc(err))
		return strings.Contains(desc, "rst_stream") ||
			strings.Contains(desc, "received unexpected eos")
	default:
		return false
	}
}

// isTransientRefreshError returns true for errors that the multiplexed session
// worker can recover from by trying again at the next poll.
func isTransientRefreshError(err error) bool {
	switch spanner.ErrCode(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal, codes.Canceled:
		return true
	default:
		return false
	}
}

// withCredentialsInfo adds a description of the credentials that were used
// to an authentication or authorization error.
func withCredentialsInfo(err error, credentialsInfo string) error {
	if err == nil || credentialsInfo == "" {
		return err
	}
	switch spanner.ErrCode(err) {
	case codes.Unauthenticated, codes.PermissionDenied, codes.NotFound:
	default:
		return err
	}
	if isSessionNotFound(err) {
		return err
	}
	s, ok := status.FromError(err)
	if !ok {
		return err
	}
	withInfo, detailErr := s.WithDetails(&errdetails.ErrorInfo{
		Reason:   credentialsInfoReason,
		Domain:   credentialsInfoDomain,
		Metadata: map[string]string{credentialsInfoMessage: credentialsInfo},
	})
	if detailErr != nil {
		return err
	}
	return spanner.ToSpannerError(withInfo.Err())
}

// credentialsInfo returns the credentials description that has been added
// to the error, if any.
func credentialsInfo(err error) (string, bool) {
	s, ok := status.FromError(err)
	if !ok {
		return "", false
	}
	for _, detail := range s.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.Reason == credentialsInfoReason {
			return info.Metadata[credentialsInfoMessage], true
		}
	}
	return "", false
}

// toSpannerError converts an error returned by an RPC into a Spanner error
// and adds credentials information to it when applicable.
func toSpannerError(err error, credentialsInfo string) error {
	if err == nil {
		return nil
	}
	return withCredentialsInfo(spanner.ToSpannerError(err), credentialsInfo)
}
