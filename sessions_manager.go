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
	"log/slog"
	"sync"

	"cloud.google.com/go/spanner"
	"github.com/googleapis/go-spanner-client/internal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc/codes"
)

// TransactionType is the class of transaction that a session is used for.
type TransactionType int

const (
	// TransactionTypeReadOnly is used for snapshots and single reads.
	TransactionTypeReadOnly TransactionType = iota
	// TransactionTypePartitioned is used for partitioned DML and partitioned
	// reads and queries.
	TransactionTypePartitioned
	// TransactionTypeReadWrite is used for read/write transactions.
	TransactionTypeReadWrite
)

var allTransactionTypes = []TransactionType{TransactionTypeReadOnly, TransactionTypePartitioned, TransactionTypeReadWrite}

func (t TransactionType) String() string {
	switch t {
	case TransactionTypeReadOnly:
		return "READ_ONLY"
	case TransactionTypePartitioned:
		return "PARTITIONED"
	case TransactionTypeReadWrite:
		return "READ_WRITE"
	default:
		return "UNKNOWN"
	}
}

// sessionsManager decides per transaction type whether a session is taken
// from the multiplexed session holder or from the session pool. Multiplexed
// sessions are enabled through environment variables, and are disabled for
// the remainder of the lifetime of the manager if the server reports that it
// does not support them.
type sessionsManager struct {
	pool      *sessionPool
	holder    *multiplexedSessionHolder
	lookupEnv internal.LookupEnv
	logger    *slog.Logger
	obs       *observability

	mu       sync.Mutex
	disabled map[TransactionType]bool
}

func newSessionsManager(pool *sessionPool, client sessionClient, config MultiplexedSessionConfig, lookupEnv internal.LookupEnv, logger *slog.Logger, obs *observability) *sessionsManager {
	m := &sessionsManager{
		pool:      pool,
		lookupEnv: lookupEnv,
		logger:    logger.With("component", "sessions_manager"),
		obs:       obs,
		disabled:  make(map[TransactionType]bool),
	}
	m.holder = newMultiplexedSessionHolder(client, config, logger, func(ctx context.Context, err error) {
		m.disableMultiplexed(ctx, err)
	})
	return m
}

func (m *sessionsManager) env(key string) bool {
	return internal.BoolEnv(m.lookupEnv, key)
}

// useMultiplexed returns true if sessions for the given transaction type
// should be taken from the multiplexed session holder.
func (m *sessionsManager) useMultiplexed(t TransactionType) bool {
	m.mu.Lock()
	disabled := m.disabled[t]
	m.mu.Unlock()
	if disabled || m.env(internal.EnvForceDisableMultiplexed) || !m.env(internal.EnvMultiplexedSessions) {
		return false
	}
	switch t {
	case TransactionTypeReadOnly:
		return true
	case TransactionTypePartitioned:
		return m.env(internal.EnvMultiplexedSessionsPartitioned)
	case TransactionTypeReadWrite:
		return m.env(internal.EnvMultiplexedSessionsReadWrite)
	default:
		return false
	}
}

// UseMultiplexedForReadOnly returns true if read-only transactions use the
// multiplexed session.
func (m *sessionsManager) UseMultiplexedForReadOnly() bool {
	return m.useMultiplexed(TransactionTypeReadOnly)
}

// UseMultiplexedForPartitioned returns true if partitioned operations use the
// multiplexed session.
func (m *sessionsManager) UseMultiplexedForPartitioned() bool {
	return m.useMultiplexed(TransactionTypePartitioned)
}

// UseMultiplexedForReadWrite returns true if read/write transactions use the
// multiplexed session.
func (m *sessionsManager) UseMultiplexedForReadWrite() bool {
	return m.useMultiplexed(TransactionTypeReadWrite)
}

// disableMultiplexed disables multiplexed sessions for the given transaction
// types, or for all types if none are given. The multiplexed session holder
// is stopped when all types have been disabled.
func (m *sessionsManager) disableMultiplexed(ctx context.Context, cause error, types ...TransactionType) {
	if len(types) == 0 {
		types = allTransactionTypes
	}
	m.mu.Lock()
	for _, t := range types {
		m.disabled[t] = true
	}
	allDisabled := true
	for _, t := range allTransactionTypes {
		allDisabled = allDisabled && m.disabled[t]
	}
	m.mu.Unlock()
	m.logger.WarnContext(ctx, "disabling multiplexed sessions", "types", types, "err", cause)
	if allDisabled {
		m.holder.disable()
	}
}

// takeSession returns a session for the given transaction type. The session
// must be returned by calling release on the handle.
func (m *sessionsManager) takeSession(ctx context.Context, t TransactionType) (*sessionHandle, error) {
	s, err := m.getSession(ctx, t)
	if err != nil {
		return nil, err
	}
	addEvent(ctx, "Acquired session", attribute.String("session", s.ID()), attribute.Bool("session.multiplexed", s.multiplexed))
	m.obs.sessionsAcquired.Add(ctx, 1, metric.WithAttributes(attribute.String("class", t.String()), attribute.Bool("multiplexed", s.multiplexed)))
	return &sessionHandle{manager: m, class: t, session: s}, nil
}

func (m *sessionsManager) getSession(ctx context.Context, t TransactionType) (*session, error) {
	if m.useMultiplexed(t) {
		s, err := m.holder.get(ctx)
		if err == nil {
			return s, nil
		}
		// The holder has already disabled multiplexed sessions if the server
		// returned Unimplemented.
		if spanner.ErrCode(err) != codes.Unimplemented && !errors.Is(err, errMultiplexedSessionsDisabled) {
			return nil, err
		}
		m.logger.DebugContext(ctx, "falling back to session pool", "type", t)
	}
	return m.pool.get(ctx)
}

// putSession returns a session after use. It is a no-op for multiplexed
// sessions.
func (m *sessionsManager) putSession(ctx context.Context, s *session, lastErr error) {
	if s.multiplexed {
		return
	}
	m.pool.release(ctx, s, lastErr)
}

func (m *sessionsManager) close(ctx context.Context) {
	<-m.holder.close()
	m.pool.close(ctx)
}

// sessionHandle is a checked out session. The handle must be released
// exactly once, also when the operation that used it failed.
type sessionHandle struct {
	manager  *sessionsManager
	class    TransactionType
	session  *session
	lastErr  error
	released bool
}

func (h *sessionHandle) name() string {
	return h.session.name
}

func (h *sessionHandle) multiplexed() bool {
	return h.session.multiplexed
}

// recordError records the last error that was returned for a request on the
// session. A session-not-found error triggers a liveness check when the
// session is released.
func (h *sessionHandle) recordError(err error) {
	if err != nil {
		h.lastErr = err
	}
}

// replace replaces the session with a new one after the server reported that
// the session no longer exists.
func (h *sessionHandle) replace(ctx context.Context) error {
	old := h.session
	var (
		s   *session
		err error
	)
	if old.multiplexed {
		s, err = h.manager.holder.replace(ctx, old)
	} else {
		s, err = h.manager.pool.newSession(ctx)
	}
	if err != nil {
		if !old.multiplexed {
			h.released = true
		}
		return err
	}
	h.session = s
	h.lastErr = nil
	return nil
}

// release returns the session to the manager.
func (h *sessionHandle) release(ctx context.Context) {
	if h == nil || h.released {
		return
	}
	h.released = true
	h.manager.putSession(ctx, h.session, h.lastErr)
}
