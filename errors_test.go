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
	"errors"
	"testing"

	"cloud.google.com/go/spanner"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsSessionNotFound(t *testing.T) {
	t.Parallel()

	name := "projects/p/instances/i/databases/d/sessions/s1"
	for _, test := range []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"resource info", sessionNotFoundError(name), true},
		{"wrapped resource info", spanner.ToSpannerError(sessionNotFoundError(name)), true},
		{"message only", status.Error(codes.NotFound, "Session not found: "+name), true},
		{"database not found", status.Error(codes.NotFound, "Database not found: d"), false},
		{"other code", status.Error(codes.Internal, "Session not found"), false},
		{"plain error", errors.New("Session not found"), false},
	} {
		if g, w := isSessionNotFound(test.err), test.want; g != w {
			t.Errorf("%s: mismatch\n Got: %v\nWant: %v", test.name, g, w)
		}
	}
}

func TestIsRetryableStreamError(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		err  error
		want bool
	}{
		{status.Error(codes.Unavailable, "server unavailable"), true},
		{status.Error(codes.Internal, "stream terminated by RST_STREAM with error code: PROTOCOL_ERROR"), true},
		{status.Error(codes.Internal, "Received unexpected EOS on DATA frame from server"), true},
		{status.Error(codes.Internal, "something else"), false},
		{status.Error(codes.Aborted, "aborted"), false},
		{status.Error(codes.DeadlineExceeded, "deadline"), false},
	} {
		if g, w := isRetryableStreamError(test.err), test.want; g != w {
			t.Errorf("%v: mismatch\n Got: %v\nWant: %v", test.err, g, w)
		}
	}
}

func TestCredentialsInfo(t *testing.T) {
	t.Parallel()

	const info = "credentials file /tmp/key.json"
	err := toSpannerError(status.Error(codes.PermissionDenied, "permission denied"), info)
	if g, w := spanner.ErrCode(err), codes.PermissionDenied; g != w {
		t.Fatalf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}
	got, ok := credentialsInfo(err)
	if !ok {
		t.Fatal("missing credentials info")
	}
	if g, w := got, info; g != w {
		t.Fatalf("credentials info mismatch\n Got: %v\nWant: %v", g, w)
	}

	for _, err := range []error{
		toSpannerError(status.Error(codes.InvalidArgument, "bad request"), info),
		toSpannerError(sessionNotFoundError("projects/p/instances/i/databases/d/sessions/s1"), info),
		toSpannerError(status.Error(codes.Unauthenticated, "unauthenticated"), ""),
	} {
		if _, ok := credentialsInfo(err); ok {
			t.Errorf("%v: unexpected credentials info", err)
		}
	}
	if err := toSpannerError(nil, info); err != nil {
		t.Fatalf("error mismatch\n Got: %v\nWant: <nil>", err)
	}
}
