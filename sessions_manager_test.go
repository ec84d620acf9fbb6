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

	"github.com/googleapis/go-spanner-client/internal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func envLookup(values map[string]string) internal.LookupEnv {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func newTestSessionsManager(t *testing.T, client *fakeSessionClient, env map[string]string) *sessionsManager {
	t.Helper()
	obs := newObservability(nil, nil)
	pool := newTestPool(t, SessionPoolConfig{MaxSessions: 10}, client)
	m := newSessionsManager(pool, client, MultiplexedSessionConfig{}, envLookup(env), noopLogger, obs)
	t.Cleanup(func() { m.close(context.Background()) })
	return m
}

func TestSessionsManagerRouting(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name                                 string
		env                                  map[string]string
		readOnly, partitioned, readWriteWant bool
	}{
		{
			name: "no env",
		},
		{
			name:     "multiplexed",
			env:      map[string]string{internal.EnvMultiplexedSessions: "true"},
			readOnly: true,
		},
		{
			name: "multiplexed with all types",
			env: map[string]string{
				internal.EnvMultiplexedSessions:            "TRUE",
				internal.EnvMultiplexedSessionsPartitioned: "1",
				internal.EnvMultiplexedSessionsReadWrite:   " true ",
			},
			readOnly:      true,
			partitioned:   true,
			readWriteWant: true,
		},
		{
			name: "type flags without main flag",
			env: map[string]string{
				internal.EnvMultiplexedSessionsPartitioned: "true",
				internal.EnvMultiplexedSessionsReadWrite:   "true",
			},
		},
		{
			name: "invalid value",
			env:  map[string]string{internal.EnvMultiplexedSessions: "yes"},
		},
		{
			name: "force disabled",
			env: map[string]string{
				internal.EnvMultiplexedSessions:            "true",
				internal.EnvMultiplexedSessionsPartitioned: "true",
				internal.EnvMultiplexedSessionsReadWrite:   "true",
				internal.EnvForceDisableMultiplexed:        "true",
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			m := newTestSessionsManager(t, newFakeSessionClient(), test.env)
			if g, w := m.UseMultiplexedForReadOnly(), test.readOnly; g != w {
				t.Errorf("read-only mismatch\n Got: %v\nWant: %v", g, w)
			}
			if g, w := m.UseMultiplexedForPartitioned(), test.partitioned; g != w {
				t.Errorf("partitioned mismatch\n Got: %v\nWant: %v", g, w)
			}
			if g, w := m.UseMultiplexedForReadWrite(), test.readWriteWant; g != w {
				t.Errorf("read/write mismatch\n Got: %v\nWant: %v", g, w)
			}
		})
	}
}

func TestSessionsManagerTakeSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newFakeSessionClient()
	m := newTestSessionsManager(t, client, map[string]string{internal.EnvMultiplexedSessions: "true"})

	ro, err := m.takeSession(ctx, TransactionTypeReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	if !ro.multiplexed() {
		t.Fatal("read-only transaction did not get the multiplexed session")
	}
	rw, err := m.takeSession(ctx, TransactionTypeReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if rw.multiplexed() {
		t.Fatal("read/write transaction got the multiplexed session")
	}
	if g, w := m.pool.stats().inUse, uint64(1); g != w {
		t.Fatalf("in use mismatch\n Got: %v\nWant: %v", g, w)
	}

	ro.release(ctx)
	rw.release(ctx)
	// Releasing twice is a no-op.
	rw.release(ctx)
	stats := m.pool.stats()
	if g, w := stats.inUse, uint64(0); g != w {
		t.Fatalf("in use mismatch\n Got: %v\nWant: %v", g, w)
	}
	if g, w := stats.idle, uint64(1); g != w {
		t.Fatalf("idle mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestSessionsManagerFallsBackOnUnimplemented(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newFakeSessionClient()
	client.setMultiplexedErr(status.Error(codes.Unimplemented, "multiplexed sessions are not supported"))
	m := newTestSessionsManager(t, client, map[string]string{
		internal.EnvMultiplexedSessions:            "true",
		internal.EnvMultiplexedSessionsPartitioned: "true",
		internal.EnvMultiplexedSessionsReadWrite:   "true",
	})
	if !m.UseMultiplexedForReadOnly() {
		t.Fatal("multiplexed sessions are not enabled")
	}

	h, err := m.takeSession(ctx, TransactionTypeReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer h.release(ctx)
	if h.multiplexed() {
		t.Fatal("got a multiplexed session")
	}
	if m.UseMultiplexedForReadOnly() || m.UseMultiplexedForPartitioned() || m.UseMultiplexedForReadWrite() {
		t.Fatal("multiplexed sessions are still enabled")
	}
	if m.holder.hasWorker() {
		t.Fatal("multiplexed session worker is still running")
	}

	// Subsequent calls go straight to the pool.
	h2, err := m.takeSession(ctx, TransactionTypeReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer h2.release(ctx)
	if g, w := client.numMultiplexed(), 0; g != w {
		t.Fatalf("multiplexed created mismatch\n Got: %v\nWant: %v", g, w)
	}
}

func TestSessionsManagerDisableOneType(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newFakeSessionClient()
	m := newTestSessionsManager(t, client, map[string]string{
		internal.EnvMultiplexedSessions:          "true",
		internal.EnvMultiplexedSessionsReadWrite: "true",
	})
	h, err := m.takeSession(ctx, TransactionTypeReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	h.release(ctx)

	m.disableMultiplexed(ctx, status.Error(codes.Unimplemented, "read/write not supported"), TransactionTypeReadWrite)
	if m.UseMultiplexedForReadWrite() {
		t.Fatal("read/write still uses multiplexed sessions")
	}
	if !m.UseMultiplexedForReadOnly() {
		t.Fatal("read-only no longer uses multiplexed sessions")
	}
	if !m.holder.hasWorker() {
		t.Fatal("worker stopped while read-only transactions still use it")
	}
}

func TestSessionsManagerErrorIsReturned(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newFakeSessionClient()
	client.setMultiplexedErr(status.Error(codes.PermissionDenied, "no access"))
	m := newTestSessionsManager(t, client, map[string]string{internal.EnvMultiplexedSessions: "true"})

	_, err := m.takeSession(ctx, TransactionTypeReadOnly)
	if g, w := status.Code(err), codes.PermissionDenied; g != w {
		t.Fatalf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}
	if !m.UseMultiplexedForReadOnly() {
		t.Fatal("multiplexed sessions were disabled by a non-Unimplemented error")
	}
}

func TestSessionHandleReplace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newFakeSessionClient()
	m := newTestSessionsManager(t, client, nil)

	h, err := m.takeSession(ctx, TransactionTypeReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	old := h.session
	h.recordError(sessionNotFoundError(old.name))
	if err := h.replace(ctx); err != nil {
		t.Fatal(err)
	}
	if h.session == old {
		t.Fatal("session was not replaced")
	}
	if h.lastErr != nil {
		t.Fatalf("last error mismatch\n Got: %v\nWant: %v", h.lastErr, nil)
	}
	h.release(ctx)
	stats := m.pool.stats()
	if g, w := stats, (poolStats{idle: 1, opened: 1}); g != w {
		t.Fatalf("stats mismatch\n Got: %+v\nWant: %+v", g, w)
	}
}

func TestSessionsManagerClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newFakeSessionClient()
	pool := newTestPool(t, SessionPoolConfig{MinSessions: 1, MaxSessions: 10}, client)
	m := newSessionsManager(pool, client, MultiplexedSessionConfig{PollInterval: time.Millisecond}, envLookup(map[string]string{internal.EnvMultiplexedSessions: "true"}), noopLogger, newObservability(nil, nil))
	h, err := m.takeSession(ctx, TransactionTypeReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	h.release(ctx)

	m.close(ctx)
	if m.holder.hasWorker() {
		t.Fatal("worker is still running")
	}
	// Only the pooled session is deleted.
	deleted := client.deletedSessions()
	if g, w := len(deleted), 1; g != w {
		t.Fatalf("deleted mismatch\n Got: %v\nWant: %v", g, w)
	}
	if deleted[0] == h.session.name {
		t.Fatal("multiplexed session was deleted")
	}
	if _, err := m.takeSession(ctx, TransactionTypeReadWrite); err != ErrSessionPoolClosed {
		t.Fatalf("error mismatch\n Got: %v\nWant: %v", err, ErrSessionPoolClosed)
	}
}
