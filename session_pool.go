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
	// DefaultMinSessions is the default minimum number of sessions in a pool.
	DefaultMinSessions = 100
	// DefaultMaxSessions is the default maximum number of sessions in a pool.
	DefaultMaxSessions = 400
	// DefaultCheckoutTimeout is the default time that a checkout waits for a
	// session to become available when the pool is at capacity.
	DefaultCheckoutTimeout = 10 * time.Second
	// DefaultMaxIdleTime is the default time after which an idle session is
	// evicted from the pool.
	DefaultMaxIdleTime = 55 * time.Minute

	maxBatchCreateSessions = 100
	sessionDeleteTimeout   = 15 * time.Second
)

// SessionPoolConfig configures the session pool of a database.
type SessionPoolConfig struct {
	// MinSessions is the number of sessions that an eager pool creates when
	// it is bound to a database.
	MinSessions uint64
	// MaxSessions is the maximum number of sessions that are open at any time.
	MaxSessions uint64
	// Bursty pools do not create any sessions when they are bound to a
	// database, and instead create sessions when they are needed.
	Bursty bool
	// CheckoutTimeout is the maximum time that a checkout waits for a session
	// when the pool is at capacity. ErrPoolExhausted is returned when the
	// timeout expires.
	CheckoutTimeout time.Duration
	// MaxIdleTime is the maximum time that a session may remain unused in the
	// pool. Idle sessions that exceed it are deleted at the next checkout.
	// Zero disables eviction.
	MaxIdleTime time.Duration
}

// DefaultSessionPoolConfig is the default configuration for session pools.
var DefaultSessionPoolConfig = SessionPoolConfig{
	MinSessions:     DefaultMinSessions,
	MaxSessions:     DefaultMaxSessions,
	CheckoutTimeout: DefaultCheckoutTimeout,
	MaxIdleTime:     DefaultMaxIdleTime,
}

func (c *SessionPoolConfig) validate() error {
	if c.MaxSessions == 0 {
		return spanner.ToSpannerError(status.Error(codes.InvalidArgument, "MaxSessions must be positive"))
	}
	if c.MinSessions > c.MaxSessions {
		return spanner.ToSpannerError(status.Errorf(codes.InvalidArgument, "MinSessions (%d) must not exceed MaxSessions (%d)", c.MinSessions, c.MaxSessions))
	}
	return nil
}

// sessionPool is a bounded pool of sessions. numOpened counts the idle
// sessions, the sessions that are in use, and the sessions that are being
// created, and never exceeds MaxSessions. The lock is never held during an
// RPC.
type sessionPool struct {
	config SessionPoolConfig
	logger *slog.Logger
	obs    *observability

	mu            sync.Mutex
	client        sessionClient
	bound         bool
	closed        bool
	idle          []*session
	numOpened     uint64
	numInUse      uint64
	mayGetSession chan struct{}
}

func newSessionPool(config SessionPoolConfig, logger *slog.Logger, obs *observability) (*sessionPool, error) {
	if config.CheckoutTimeout == 0 {
		config.CheckoutTimeout = DefaultCheckoutTimeout
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &sessionPool{
		config:        config,
		logger:        logger.With("component", "session_pool"),
		obs:           obs,
		mayGetSession: make(chan struct{}),
	}, nil
}

// bind binds the pool to a database. Eager pools create MinSessions sessions
// before returning. bind may only be called once.
func (p *sessionPool) bind(ctx context.Context, client sessionClient) error {
	p.mu.Lock()
	if p.bound {
		p.mu.Unlock()
		return spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "session pool has already been bound to a database"))
	}
	p.client = client
	p.bound = true
	p.mu.Unlock()

	if p.config.Bursty || p.config.MinSessions == 0 {
		return nil
	}
	p.logger.Log(ctx, LevelNotice, "creating sessions", "count", p.config.MinSessions)
	return p.fill(ctx, p.config.MinSessions)
}

// fill creates up to n sessions and adds them to the idle set.
func (p *sessionPool) fill(ctx context.Context, n uint64) error {
	p.mu.Lock()
	if free := p.config.MaxSessions - p.numOpened; n > free {
		n = free
	}
	p.numOpened += n
	p.mu.Unlock()

	var created uint64
	for created < n {
		count := n - created
		if count > maxBatchCreateSessions {
			count = maxBatchCreateSessions
		}
		sessions, err := p.client.batchCreateSessions(ctx, int32(count))
		if err != nil {
			p.mu.Lock()
			p.numOpened -= n - created
			p.broadcastLocked()
			p.mu.Unlock()
			return err
		}
		p.mu.Lock()
		p.idle = append(p.idle, sessions...)
		if len(sessions) == 0 {
			// The server did not create any sessions. Give up the remaining
			// slots, and let checkouts create sessions on demand.
			p.numOpened -= n - created
			created = n
		}
		p.broadcastLocked()
		p.mu.Unlock()
		created += uint64(len(sessions))
	}
	return nil
}

// get returns a session from the pool. It creates a new session if there is
// no idle session and the pool is not at capacity, and otherwise waits until
// a session is returned or the checkout timeout expires.
func (p *sessionPool) get(ctx context.Context) (*session, error) {
	var timeout <-chan time.Time
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrSessionPoolClosed
		}
		if !p.bound {
			p.mu.Unlock()
			return nil, spanner.ToSpannerError(status.Error(codes.FailedPrecondition, "session pool has not been bound to a database"))
		}
		stale := p.evictStaleLocked(time.Now())
		if n := len(p.idle); n > 0 {
			s := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.numInUse++
			p.mu.Unlock()
			p.deleteSessions(ctx, stale)
			return s, nil
		}
		if p.numOpened < p.config.MaxSessions {
			p.numOpened++
			p.numInUse++
			p.mu.Unlock()
			p.deleteSessions(ctx, stale)
			s, err := p.client.createSession(ctx, false)
			if err != nil {
				p.mu.Lock()
				p.numOpened--
				p.numInUse--
				p.broadcastLocked()
				p.mu.Unlock()
				return nil, err
			}
			return s, nil
		}
		mayGetSession := p.mayGetSession
		p.mu.Unlock()
		p.deleteSessions(ctx, stale)

		if timeout == nil {
			timer := time.NewTimer(p.config.CheckoutTimeout)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			return nil, spanner.ToSpannerError(ctx.Err())
		case <-timeout:
			p.obs.poolExhausted.Add(ctx, 1)
			p.logger.WarnContext(ctx, "session pool exhausted", "maxSessions", p.config.MaxSessions, "timeout", p.config.CheckoutTimeout)
			return nil, ErrPoolExhausted
		case <-mayGetSession:
		}
	}
}

// put returns a session to the idle set. The session is deleted instead if
// the pool has been closed or has no room for it.
func (p *sessionPool) put(ctx context.Context, s *session) {
	s.markUsed(time.Now())
	p.mu.Lock()
	if p.numInUse > 0 {
		p.numInUse--
	}
	if p.closed || uint64(len(p.idle))+p.numInUse >= p.config.MaxSessions {
		p.numOpened--
		p.broadcastLocked()
		p.mu.Unlock()
		p.deleteSessions(ctx, []*session{s})
		return
	}
	p.idle = append(p.idle, s)
	p.broadcastLocked()
	p.mu.Unlock()
}

// newSession creates a session that replaces a session that is in use and
// that the server no longer knows about. The replacement counts as in use.
func (p *sessionPool) newSession(ctx context.Context) (*session, error) {
	s, err := p.client.createSession(ctx, false)
	if err != nil {
		p.mu.Lock()
		p.numOpened--
		p.numInUse--
		p.broadcastLocked()
		p.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// release returns a session to the pool after it was used for an operation
// that ended with lastErr. If the server reported that the session was not
// found, the pool checks whether the session still exists, and replaces it
// with a new session if it does not.
func (p *sessionPool) release(ctx context.Context, s *session, lastErr error) {
	if !isSessionNotFound(lastErr) {
		p.put(ctx, s)
		return
	}
	exists, err := p.client.sessionExists(ctx, s)
	if err != nil || exists {
		p.put(ctx, s)
		return
	}
	p.logger.DebugContext(ctx, "replacing session that no longer exists", "session", s.ID())
	replacement, err := p.newSession(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "failed to replace session", "session", s.ID(), "err", err)
		return
	}
	p.put(ctx, replacement)
}

func (p *sessionPool) evictStaleLocked(now time.Time) []*session {
	if p.config.MaxIdleTime <= 0 {
		return nil
	}
	var stale []*session
	keep := p.idle[:0]
	for _, s := range p.idle {
		if now.Sub(s.idleSince()) > p.config.MaxIdleTime {
			stale = append(stale, s)
		} else {
			keep = append(keep, s)
		}
	}
	for i := len(keep); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = keep
	p.numOpened -= uint64(len(stale))
	return stale
}

// deleteSessions deletes the given sessions. Errors are logged and ignored.
func (p *sessionPool) deleteSessions(ctx context.Context, sessions []*session) {
	if len(sessions) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionDeleteTimeout)
	defer cancel()
	for _, s := range sessions {
		if err := p.client.deleteSession(ctx, s); err != nil {
			p.logger.WarnContext(ctx, "failed to delete session", "session", s.ID(), "err", err)
		}
	}
}

func (p *sessionPool) broadcastLocked() {
	close(p.mayGetSession)
	p.mayGetSession = make(chan struct{})
}

// close deletes all idle sessions. Sessions that are in use are deleted when
// they are returned.
func (p *sessionPool) close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.numOpened -= uint64(len(idle))
	bound := p.bound
	p.broadcastLocked()
	p.mu.Unlock()
	if bound {
		p.deleteSessions(ctx, idle)
	}
}

type poolStats struct {
	idle, inUse, opened uint64
}

func (p *sessionPool) stats() poolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return poolStats{idle: uint64(len(p.idle)), inUse: p.numInUse, opened: p.numOpened}
}
