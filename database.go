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
	"sync/atomic"
	"time"

	"cloud.google.com/go/spanner"
	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/googleapis/go-spanner-client/internal"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
)

// Database is a handle for a database. It owns the session pool and the
// multiplexed session of the database. A Database is safe for concurrent use.
type Database struct {
	client   *Client
	instance *Instance
	id       string
	name     string
	logger   *slog.Logger
	obs      *observability

	api           spannerAPI
	requestIDs    *requestIDGenerator
	pool          *sessionPool
	sessions      *sessionsManager
	role          string
	routeToLeader bool
	txTimeout     time.Duration

	// ownsClient is set for databases that were opened with a connection
	// string. Closing such a database also closes its client.
	ownsClient bool

	bindMu sync.Mutex
	bound  bool
	closed atomic.Bool
}

func newDatabase(ctx context.Context, inst *Instance, id string) (*Database, error) {
	c := inst.client
	opts := append([]option.ClientOption{option.WithGRPCConnectionPool(c.config.NumChannels)}, c.opts...)
	api, err := newGRPCTransport(ctx, c.config.lookupEnv, c.credentialsInfo, opts...)
	if err != nil {
		return nil, toSpannerError(err, c.credentialsInfo)
	}
	return newDatabaseWithTransport(inst, id, api)
}

func newDatabaseWithTransport(inst *Instance, id string, api spannerAPI) (*Database, error) {
	c := inst.client
	name := DatabaseName(c.project, inst.id, id)
	db := &Database{
		client:        c,
		instance:      inst,
		id:            id,
		name:          name,
		logger:        inst.logger.With("database", id),
		obs:           c.obs,
		api:           api,
		requestIDs:    newRequestIDGenerator(c.id, api.ChannelID()),
		role:          c.config.DatabaseRole,
		routeToLeader: !c.config.DisableRouteToLeader,
		txTimeout:     c.config.TransactionTimeout,
	}
	pool, err := newSessionPool(c.config.SessionPoolConfig, db.logger, c.obs)
	if err != nil {
		_ = api.Close()
		return nil, err
	}
	db.pool = pool
	db.sessions = newSessionsManager(pool, db, c.config.MultiplexedSessionConfig, c.config.lookupEnv, db.logger, c.obs)
	return db, nil
}

// ID returns the ID of the database.
func (db *Database) ID() string {
	return db.id
}

// Name returns the fully qualified name of the database.
func (db *Database) Name() string {
	return db.name
}

// UseMultiplexedForReadOnly returns true if read-only transactions on this
// database use the multiplexed session.
func (db *Database) UseMultiplexedForReadOnly() bool {
	return db.sessions.UseMultiplexedForReadOnly()
}

// UseMultiplexedForPartitioned returns true if partitioned operations on
// this database use the multiplexed session.
func (db *Database) UseMultiplexedForPartitioned() bool {
	return db.sessions.UseMultiplexedForPartitioned()
}

// UseMultiplexedForReadWrite returns true if read/write transactions on this
// database use the multiplexed session.
func (db *Database) UseMultiplexedForReadWrite() bool {
	return db.sessions.UseMultiplexedForReadWrite()
}

// Close deletes the sessions in the session pool and closes the connections
// of the database. The multiplexed session is not deleted.
func (db *Database) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.instance.forget(db)
	db.sessions.close(context.Background())
	db.logger.Log(context.Background(), LevelNotice, "closed database")
	err := db.api.Close()
	if db.ownsClient {
		err = errors.Join(err, db.client.Close())
	}
	return err
}

func (db *Database) isClosed() bool {
	return db.closed.Load()
}

// takeSession returns a session for the given transaction type. The session
// pool is bound to the database by the first call.
func (db *Database) takeSession(ctx context.Context, t TransactionType) (*sessionHandle, error) {
	if db.isClosed() {
		return nil, ErrSessionPoolClosed
	}
	if err := db.bind(ctx); err != nil {
		return nil, err
	}
	return db.sessions.takeSession(ctx, t)
}

func (db *Database) bind(ctx context.Context) error {
	db.bindMu.Lock()
	defer db.bindMu.Unlock()
	if db.bound {
		return nil
	}
	db.bound = true
	if err := db.pool.bind(ctx, db); err != nil {
		db.logger.WarnContext(ctx, "failed to create the initial sessions of the session pool", "err", err)
		if spanner.ErrCode(err) != codes.Unavailable && spanner.ErrCode(err) != codes.DeadlineExceeded {
			return err
		}
	}
	return nil
}

// callContext adds the metadata for an RPC to the context. routing contains
// key/value pairs for the routing header.
func (db *Database) callContext(ctx context.Context, reqID *requestID, routeToLeader bool, routing ...string) context.Context {
	md := internal.CallMetadata{
		ResourcePrefix: db.name,
		Routing:        routing,
		RouteToLeader:  routeToLeader && db.routeToLeader,
	}
	if reqID != nil {
		md.RequestID = reqID.String()
	}
	return md.AppendToOutgoingContext(ctx)
}

func (db *Database) createSession(ctx context.Context, multiplexed bool) (s *session, err error) {
	ctx, span := db.obs.startSpan(ctx, "CloudSpanner.CreateSession", attribute.String("db.name", db.name), attribute.Bool("session.multiplexed", multiplexed))
	defer func() { endSpan(span, err) }()
	req := &spannerpb.CreateSessionRequest{
		Database: db.name,
		Session:  &spannerpb.Session{CreatorRole: db.role, Multiplexed: multiplexed},
	}
	resp, err := db.api.CreateSession(db.callContext(ctx, db.requestIDs.next(), false, "database", db.name), req)
	if err != nil {
		return nil, err
	}
	return newSession(resp, multiplexed), nil
}

func (db *Database) batchCreateSessions(ctx context.Context, count int32) (sessions []*session, err error) {
	ctx, span := db.obs.startSpan(ctx, "CloudSpanner.BatchCreateSessions", attribute.String("db.name", db.name), attribute.Int("session.count", int(count)))
	defer func() { endSpan(span, err) }()
	req := &spannerpb.BatchCreateSessionsRequest{
		Database:        db.name,
		SessionTemplate: &spannerpb.Session{CreatorRole: db.role},
		SessionCount:    count,
	}
	resp, err := db.api.BatchCreateSessions(db.callContext(ctx, db.requestIDs.next(), false, "database", db.name), req)
	if err != nil {
		return nil, err
	}
	sessions = make([]*session, 0, len(resp.GetSession()))
	for _, pb := range resp.GetSession() {
		sessions = append(sessions, newSession(pb, false))
	}
	return sessions, nil
}

func (db *Database) deleteSession(ctx context.Context, s *session) error {
	return db.api.DeleteSession(db.callContext(ctx, db.requestIDs.next(), false, "name", s.name), &spannerpb.DeleteSessionRequest{Name: s.name})
}

func (db *Database) sessionExists(ctx context.Context, s *session) (bool, error) {
	_, err := db.api.GetSession(db.callContext(ctx, db.requestIDs.next(), false, "name", s.name), &spannerpb.GetSessionRequest{Name: s.name})
	if err == nil {
		return true, nil
	}
	if spanner.ErrCode(err) == codes.NotFound {
		return false, nil
	}
	return false, err
}

var _ sessionClient = (*Database)(nil)
