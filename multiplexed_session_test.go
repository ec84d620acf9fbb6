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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMultiplexedSessionCreatedOnce(t *testing.T) {
	t.Parallel()

	client := newFakeSessionClient()
	holder := newMultiplexedSessionHolder(client, MultiplexedSessionConfig{}, noopLogger, nil)
	defer func() { <-holder.close() }()

	sessions := make([]*session, 10)
	g, ctx := errgroup.WithContext(context.Background())
	for i := range sessions {
		g.Go(func() error {
			s, err := holder.get(ctx)
			sessions[i] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for _, s := range sessions {
		if s != sessions[0] {
			t.Fatalf("session mismatch\n Got: %v\nWant: %v", s, sessions[0])
		}
	}
	if !sessions[0].multiplexed {
		t.Fatal("session is not multiplexed")
	}
	if g, w := client.numMultiplexed(), 1; g != w {
		t.Fatalf("created mismatch\n Got: %v\nWant: %v", g, w)
	}
	if !holder.hasWorker() {
		t.Fatal("holder has a session but no worker")
	}
}

func TestMultiplexedSessionRefresh(t *testing.T) {
	t.Parallel()

	client := newFakeSessionClient()
	holder := newMultiplexedSessionHolder(client, MultiplexedSessionConfig{
		RefreshInterval: 10 * time.Millisecond,
		PollInterval:    time.Millisecond,
	}, noopLogger, nil)
	defer func() { <-holder.close() }()

	first, err := holder.get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool {
		s, _ := holder.current()
		return s != nil && s != first
	})
	// The previous session is not deleted, as it may still be in use.
	if g := client.deletedSessions(); len(g) != 0 {
		t.Fatalf("deleted sessions mismatch\n Got: %v\nWant: %v", g, nil)
	}
}

func TestMultiplexedSessionUnimplemented(t *testing.T) {
	t.Parallel()

	client := newFakeSessionClient()
	client.setMultiplexedErr(status.Error(codes.Unimplemented, "multiplexed sessions are not supported"))
	var called atomic.Int32
	holder := newMultiplexedSessionHolder(client, MultiplexedSessionConfig{}, noopLogger, func(context.Context, error) {
		called.Add(1)
	})
	defer func() { <-holder.close() }()

	_, err := holder.get(context.Background())
	if g, w := status.Code(err), codes.Unimplemented; g != w {
		t.Fatalf("error code mismatch\n Got: %v\nWant: %v", g, w)
	}
	if g, w := called.Load(), int32(1); g != w {
		t.Fatalf("callback mismatch\n Got: %v\nWant: %v", g, w)
	}
	if holder.hasWorker() {
		t.Fatal("holder started a worker without a session")
	}
}

func TestMultiplexedSessionWorkerStopsOnUnimplemented(t *testing.T) {
	t.Parallel()

	client := newFakeSessionClient()
	var once sync.Once
	var holder *multiplexedSessionHolder
	disabled := make(chan struct{})
	holder = newMultiplexedSessionHolder(client, MultiplexedSessionConfig{
		RefreshInterval: time.Millisecond,
		PollInterval:    time.Millisecond,
	}, noopLogger, func(context.Context, error) {
		once.Do(func() {
			holder.disable()
			close(disabled)
		})
	})

	if _, err := holder.get(context.Background()); err != nil {
		t.Fatal(err)
	}
	client.setMultiplexedErr(status.Error(codes.Unimplemented, "multiplexed sessions are not supported"))
	select {
	case <-disabled:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not report Unimplemented")
	}
	select {
	case <-holder.close():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	if _, err := holder.get(context.Background()); !errors.Is(err, errMultiplexedSessionsDisabled) {
		t.Fatalf("error mismatch\n Got: %v\nWant: %v", err, errMultiplexedSessionsDisabled)
	}
}

func TestMultiplexedSessionWorkerStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	client := newFakeSessionClient()
	holder := newMultiplexedSessionHolder(client, MultiplexedSessionConfig{
		RefreshInterval: time.Millisecond,
		PollInterval:    time.Millisecond,
	}, noopLogger, nil)
	defer func() { <-holder.close() }()

	if _, err := holder.get(context.Background()); err != nil {
		t.Fatal(err)
	}
	client.setMultiplexedErr(status.Error(codes.PermissionDenied, "no access"))
	waitFor(t, 5*time.Second, func() bool { return !holder.hasWorker() })
	if s, err := holder.current(); s != nil || err != nil {
		t.Fatalf("current mismatch\n Got: %v, %v\nWant: <nil>, <nil>", s, err)
	}

	// The next call to get creates a new session and a new worker.
	client.setMultiplexedErr(nil)
	if _, err := holder.get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !holder.hasWorker() {
		t.Fatal("holder has a session but no worker")
	}
}

func TestMultiplexedSessionWorkerSurvivesTransientError(t *testing.T) {
	t.Parallel()

	client := newFakeSessionClient()
	holder := newMultiplexedSessionHolder(client, MultiplexedSessionConfig{
		RefreshInterval: time.Millisecond,
		PollInterval:    time.Millisecond,
	}, noopLogger, nil)
	defer func() { <-holder.close() }()

	first, err := holder.get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	client.setMultiplexedErr(status.Error(codes.Unavailable, "try again"))
	time.Sleep(20 * time.Millisecond)
	if !holder.hasWorker() {
		t.Fatal("worker stopped on a transient error")
	}
	if s, _ := holder.current(); s != first {
		t.Fatalf("session mismatch\n Got: %v\nWant: %v", s, first)
	}
}

func TestMultiplexedSessionWorkerStopsWithinPollInterval(t *testing.T) {
	t.Parallel()

	client := newFakeSessionClient()
	const pollInterval = 20 * time.Millisecond
	holder := newMultiplexedSessionHolder(client, MultiplexedSessionConfig{PollInterval: pollInterval}, noopLogger, nil)
	if _, err := holder.get(context.Background()); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	<-holder.disable()
	if elapsed := time.Since(start); elapsed > 5*pollInterval {
		t.Fatalf("worker stopped after %v, expected within %v", elapsed, pollInterval)
	}
	if holder.hasWorker() {
		t.Fatal("holder still has a worker")
	}
	// Disabling again returns a closed channel.
	select {
	case <-holder.disable():
	case <-time.After(time.Second):
		t.Fatal("second disable blocked")
	}
}

func TestMultiplexedSessionReplace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := newFakeSessionClient()
	holder := newMultiplexedSessionHolder(client, MultiplexedSessionConfig{}, noopLogger, nil)
	defer func() { <-holder.close() }()

	old, err := holder.get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	replaced, err := holder.replace(ctx, old)
	if err != nil {
		t.Fatal(err)
	}
	if replaced == old {
		t.Fatal("session was not replaced")
	}
	// A second replace of the same old session returns the replacement.
	again, err := holder.replace(ctx, old)
	if err != nil {
		t.Fatal(err)
	}
	if g, w := again, replaced; g != w {
		t.Fatalf("session mismatch\n Got: %v\nWant: %v", g, w)
	}
	if g, w := client.numMultiplexed(), 2; g != w {
		t.Fatalf("created mismatch\n Got: %v\nWant: %v", g, w)
	}
}

// blockingRefreshClient creates the first multiplexed session, and blocks all
// later creations until the context is cancelled.
type blockingRefreshClient struct {
	*fakeSessionClient
	calls    atomic.Int32
	blocking chan struct{}
}

func (c *blockingRefreshClient) createSession(ctx context.Context, multiplexed bool) (*session, error) {
	if c.calls.Add(1) == 1 {
		return c.fakeSessionClient.createSession(ctx, multiplexed)
	}
	close(c.blocking)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestMultiplexedSessionDisableCancelsRefresh(t *testing.T) {
	t.Parallel()

	client := &blockingRefreshClient{fakeSessionClient: newFakeSessionClient(), blocking: make(chan struct{})}
	holder := newMultiplexedSessionHolder(client, MultiplexedSessionConfig{
		RefreshInterval: time.Nanosecond,
		PollInterval:    10 * time.Millisecond,
	}, noopLogger, nil)
	if _, err := holder.get(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-client.blocking:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh was not started")
	}

	start := time.Now()
	select {
	case <-holder.disable():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after disable")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("worker stopped after %v, want within the poll interval", elapsed)
	}
	if holder.hasWorker() {
		t.Fatal("holder has a worker after disable")
	}
}
