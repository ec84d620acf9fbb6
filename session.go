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
	"sync"
	"time"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
)

// session is a server-side session. A pooled session is used by at most one
// transaction at a time. A multiplexed session can be used by any number of
// concurrent transactions.
type session struct {
	name        string
	multiplexed bool
	createTime  time.Time
	role        string

	mu       sync.Mutex
	lastUsed time.Time
}

func newSession(pb *spannerpb.Session, multiplexed bool) *session {
	now := time.Now()
	createTime := now
	if pb.GetCreateTime() != nil {
		createTime = pb.GetCreateTime().AsTime()
	}
	return &session{
		name:        pb.GetName(),
		multiplexed: multiplexed || pb.GetMultiplexed(),
		createTime:  createTime,
		role:        pb.GetCreatorRole(),
		lastUsed:    now,
	}
}

// ID returns the server-assigned identifier of the session.
func (s *session) ID() string {
	return sessionID(s.name)
}

func (s *session) String() string {
	return s.name
}

func (s *session) markUsed(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = t
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// sessionClient executes the session RPCs for one database.
type sessionClient interface {
	createSession(ctx context.Context, multiplexed bool) (*session, error)
	batchCreateSessions(ctx context.Context, count int32) ([]*session, error)
	deleteSession(ctx context.Context, s *session) error
	// sessionExists returns false if the server reports that the session
	// does not exist.
	sessionExists(ctx context.Context, s *session) (bool, error)
}
