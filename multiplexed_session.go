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
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// DefaultMultiplexedSessionRefreshInterval is the default age at which the
	// multiplexed session is replaced.
	DefaultMultiplexedSessionRefreshInterval = 7 * 24 * time.Hour
	// DefaultMultiplexedSessionPollInterval is the default interval at which
	// the refresh worker wakes up.
	DefaultMultiplexedSessionPollInterval = 10 * time.Minute

	multiplexedSessionCreateTimeout = 30 * time.Second
)

// MultiplexedSessionConfig configures the multiplexed session of a database.
type MultiplexedSessionConfig struct {
	// RefreshInterval is the age at which the multiplexed session is replaced
	// with a new one.
	RefreshInterval time.Duration
	// PollInterval is the interval at which the background worker checks
	// whether the session should be refreshed or the worker should stop.
	PollInterval time.Duration
}

var errMultiplexedSessionsDisabled = spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "multiplexed sessions have been disabled"))

// multiplexedSessionHolder holds the multiplexed session of a database. The
// session is created by the first call to get, which also starts a worker
// that periodically replaces the session. The holder either has both a
// session and a running worker, or neither.
type multiplexedSessionHolder struct {
	client          sessionClient
	logger          *slog.Logger
	refreshInterval time.Duration
	pollInterval    time.Duration
	// onUnimplemented is called when the server does not support multiplexed
	// sessions.
	onUnimplemented func(ctx context.Context, err error)

	// createMu serializes session creation by get.
	createMu sync.Mutex

	mu       sync.Mutex
	session  *session
	stop     chan struct{}
	done     chan struct{}
	disabled bool
}

func newMultiplexedSessionHolder(client sessionClient, config MultiplexedSessionConfig, logger *slog.Logger, onUnimplemented func(context.Context, error)) *multiplexedSessionHolder {
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultMultiplexedSessionRefreshInterval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultMultiplexedSessionPollInterval
	}
	return &multiplexedSessionHolder{
		client:          client,
		logger:          logger.With("component", "multiplexed_session"),
		refreshInterval: config.RefreshInterval,
		pollInterval:    config.PollInterval,
		onUnimplemented: onUnimplemented,
	}
}

// get returns the multiplexed session, and creates it if it does not exist.
func (h *multiplexedSessionHolder) get(ctx context.Context) (*session, error) {
	if s, err := h.current(); s != nil || err != nil {
		return s, err
	}
	h.createMu.Lock()
	defer h.createMu.Unlock()
	if s, err := h.current(); s != nil || err != nil {
		return s, err
	}

	s, err := h.client.createSession(ctx, true)
	if err != nil {
		if spanner.ErrCode(err) == codes.Unimplemented && h.onUnimplemented != nil {
			h.onUnimplemented(ctx, err)
		}
		return nil, err
	}
	h.logger.Log(ctx, LevelNotice, "created multiplexed session", "session", s.ID())

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disabled {
		return nil, errMultiplexedSessionsDisabled
	}
	h.session = s
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	go h.run(h.stop, h.done, s.createTime)
	return s, nil
}

// replace creates a new multiplexed session if old is still the current
// session. It is used when the server reports that old no longer exists.
func (h *multiplexedSessionHolder) replace(ctx context.Context, old *session) (*session, error) {
	h.createMu.Lock()
	defer h.createMu.Unlock()
	s, err := h.current()
	if err != nil {
		return nil, err
	}
	if s != nil && s != old {
		return s, nil
	}
	s, err = h.client.createSession(ctx, true)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disabled {
		return nil, errMultiplexedSessionsDisabled
	}
	h.session = s
	if h.stop == nil {
		h.stop = make(chan struct{})
		h.done = make(chan struct{})
		go h.run(h.stop, h.done, s.createTime)
	}
	return s, nil
}

func (h *multiplexedSessionHolder) current() (*session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disabled {
		return nil, errMultiplexedSessionsDisabled
	}
	return h.session, nil
}

// run replaces the session when it is older than the refresh interval. The
// previous session is not deleted, as other transactions may still use it.
// Closing stop also cancels a refresh that is in flight.
func (h *multiplexedSessionHolder) run(stop <-chan struct{}, done chan<- struct{}, created time.Time) {
	defer close(done)
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	go func() {
		select {
		case <-stop:
			cancelWorker()
		case <-workerCtx.Done():
		}
	}()

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()
	lastRefresh := created
	for {
		select {
		case <-stop:
			h.logger.Debug("multiplexed session worker stopped")
			return
		case <-ticker.C:
		}
		if time.Since(lastRefresh) < h.refreshInterval {
			continue
		}
		s, err := h.refresh(workerCtx)
		if err != nil {
			switch {
			case workerCtx.Err() != nil:
				h.logger.Debug("multiplexed session worker stopped during refresh")
				return
			case spanner.ErrCode(err) == codes.Unimplemented:
				h.logger.Warn("multiplexed sessions are not supported", "err", err)
				if h.onUnimplemented != nil {
					h.onUnimplemented(workerCtx, err)
				}
				return
			case isTransientRefreshError(err):
				h.logger.Warn("failed to refresh multiplexed session", "err", err)
				continue
			default:
				h.logger.Warn("stopping multiplexed session worker", "err", err)
				h.clearIfCurrent(stop)
				return
			}
		}
		h.mu.Lock()
		if h.stop == stop {
			h.session = s
		}
		h.mu.Unlock()
		lastRefresh = time.Now()
		h.logger.Debug("refreshed multiplexed session", "session", s.ID())
	}
}

func (h *multiplexedSessionHolder) refresh(ctx context.Context) (*session, error) {
	ctx, cancel := context.WithTimeout(ctx, multiplexedSessionCreateTimeout)
	defer cancel()
	return h.client.createSession(ctx, true)
}

// clearIfCurrent drops the session if the worker that is identified by stop
// is still the current worker.
func (h *multiplexedSessionHolder) clearIfCurrent(stop <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop == stop {
		h.session = nil
		h.stop = nil
		h.done = nil
	}
}

// disable drops the session and stops the worker. The returned channel is
// closed when the worker has stopped. The holder returns an error for all
// subsequent calls to get.
func (h *multiplexedSessionHolder) disable() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disabled = true
	return h.stopLocked()
}

// close stops the worker. The multiplexed session is not deleted.
func (h *multiplexedSessionHolder) close() <-chan struct{} {
	return h.disable()
}

func (h *multiplexedSessionHolder) stopLocked() <-chan struct{} {
	done := h.done
	if h.stop != nil {
		close(h.stop)
	}
	h.session = nil
	h.stop = nil
	h.done = nil
	if done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return done
}

func (h *multiplexedSessionHolder) hasWorker() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop != nil
}
