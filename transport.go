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
	"io"
	"os"
	"sync"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/googleapis/go-spanner-client/internal"
	"google.golang.org/api/option"
	"google.golang.org/api/option/internaloption"
	gtransport "google.golang.org/api/transport/grpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultEndpoint         = "spanner.googleapis.com:443"
	defaultEndpointTemplate = "spanner.UNIVERSE_DOMAIN:443"
	defaultMTLSEndpoint     = "spanner.mtls.googleapis.com:443"
	defaultUniverseDomain   = "googleapis.com"
	defaultAudience         = "https://spanner.googleapis.com/"
	defaultNumChannels      = 4

	// Scope is the scope for the data API.
	Scope = "https://www.googleapis.com/auth/spanner.data"
	// AdminScope is the scope for the admin API.
	AdminScope = "https://www.googleapis.com/auth/spanner.admin"
	// CloudPlatformScope is the scope that grants access to all Google Cloud APIs.
	CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
)

// spannerAPI is the set of data RPCs that the library uses. Request metadata
// is carried in the outgoing metadata of the context.
type spannerAPI interface {
	CreateSession(ctx context.Context, req *spannerpb.CreateSessionRequest) (*spannerpb.Session, error)
	BatchCreateSessions(ctx context.Context, req *spannerpb.BatchCreateSessionsRequest) (*spannerpb.BatchCreateSessionsResponse, error)
	GetSession(ctx context.Context, req *spannerpb.GetSessionRequest) (*spannerpb.Session, error)
	DeleteSession(ctx context.Context, req *spannerpb.DeleteSessionRequest) error
	BeginTransaction(ctx context.Context, req *spannerpb.BeginTransactionRequest) (*spannerpb.Transaction, error)
	Commit(ctx context.Context, req *spannerpb.CommitRequest) (*spannerpb.CommitResponse, error)
	Rollback(ctx context.Context, req *spannerpb.RollbackRequest) error
	ExecuteSql(ctx context.Context, req *spannerpb.ExecuteSqlRequest) (*spannerpb.ResultSet, error)
	ExecuteBatchDml(ctx context.Context, req *spannerpb.ExecuteBatchDmlRequest) (*spannerpb.ExecuteBatchDmlResponse, error)
	ExecuteStreamingSql(ctx context.Context, req *spannerpb.ExecuteSqlRequest) (partialResultSetStream, error)
	StreamingRead(ctx context.Context, req *spannerpb.ReadRequest) (partialResultSetStream, error)
	PartitionQuery(ctx context.Context, req *spannerpb.PartitionQueryRequest) (*spannerpb.PartitionResponse, error)
	PartitionRead(ctx context.Context, req *spannerpb.PartitionReadRequest) (*spannerpb.PartitionResponse, error)

	// ChannelID returns the identity of the channel of this transport. The
	// identity is unique within the process and stable for the lifetime of
	// the transport.
	ChannelID() uint64
	Close() error
}

// partialResultSetStream is a lazy sequence of response chunks.
type partialResultSetStream interface {
	Recv() (*spannerpb.PartialResultSet, error)
}

// channelRegistry assigns channel identities to transports.
type channelRegistry struct {
	mu   sync.Mutex
	next uint64
	ids  map[any]uint64
}

var channels = &channelRegistry{ids: make(map[any]uint64)}

func (r *channelRegistry) channelID(key any) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[key]; ok {
		return id
	}
	r.next++
	r.ids[key] = r.next
	return r.next
}

func (r *channelRegistry) release(key any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ids, key)
}

var _ spannerAPI = (*grpcTransport)(nil)

// grpcTransport implements spannerAPI on top of a pool of gRPC connections.
type grpcTransport struct {
	pool            gtransport.ConnPool
	client          spannerpb.SpannerClient
	channelID       uint64
	credentialsInfo string
}

// dataClientOptions returns the client options for the data API. The
// options that are given by the caller take precedence over the defaults.
func dataClientOptions(lookup internal.LookupEnv, opts []option.ClientOption) []option.ClientOption {
	defaults := []option.ClientOption{
		internaloption.WithDefaultEndpoint(defaultEndpoint),
		internaloption.WithDefaultEndpointTemplate(defaultEndpointTemplate),
		internaloption.WithDefaultMTLSEndpoint(defaultMTLSEndpoint),
		internaloption.WithDefaultUniverseDomain(defaultUniverseDomain),
		internaloption.WithDefaultAudience(defaultAudience),
		internaloption.WithDefaultScopes(Scope),
		internaloption.EnableJwtWithScope(),
		option.WithGRPCConnectionPool(defaultNumChannels),
		option.WithUserAgent(userAgent),
	}
	return append(append(defaults, emulatorOptions(lookup)...), opts...)
}

// adminClientOptions returns the client options for the admin APIs.
func adminClientOptions(lookup internal.LookupEnv, opts []option.ClientOption) []option.ClientOption {
	defaults := []option.ClientOption{
		internaloption.WithDefaultScopes(CloudPlatformScope, AdminScope),
		option.WithUserAgent(userAgent),
	}
	return append(append(defaults, emulatorOptions(lookup)...), opts...)
}

// emulatorOptions returns the options for connecting to the emulator if the
// emulator host environment variable has been set.
func emulatorOptions(lookup internal.LookupEnv) []option.ClientOption {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	host, ok := lookup(internal.EnvEmulatorHost)
	if !ok || host == "" {
		return nil
	}
	return []option.ClientOption{
		option.WithEndpoint(host),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		option.WithoutAuthentication(),
	}
}

func newGRPCTransport(ctx context.Context, lookup internal.LookupEnv, credentialsInfo string, opts ...option.ClientOption) (*grpcTransport, error) {
	pool, err := gtransport.DialPool(ctx, dataClientOptions(lookup, opts)...)
	if err != nil {
		return nil, err
	}
	return &grpcTransport{
		pool:            pool,
		client:          spannerpb.NewSpannerClient(pool),
		channelID:       channels.channelID(pool),
		credentialsInfo: credentialsInfo,
	}, nil
}

func (t *grpcTransport) ChannelID() uint64 {
	return t.channelID
}

func (t *grpcTransport) Close() error {
	channels.release(t.pool)
	return t.pool.Close()
}

func (t *grpcTransport) wrap(err error) error {
	return toSpannerError(err, t.credentialsInfo)
}

func (t *grpcTransport) CreateSession(ctx context.Context, req *spannerpb.CreateSessionRequest) (*spannerpb.Session, error) {
	resp, err := t.client.CreateSession(ctx, req)
	return resp, t.wrap(err)
}

func (t *grpcTransport) BatchCreateSessions(ctx context.Context, req *spannerpb.BatchCreateSessionsRequest) (*spannerpb.BatchCreateSessionsResponse, error) {
	resp, err := t.client.BatchCreateSessions(ctx, req)
	return resp, t.wrap(err)
}

func (t *grpcTransport) GetSession(ctx context.Context, req *spannerpb.GetSessionRequest) (*spannerpb.Session, error) {
	resp, err := t.client.GetSession(ctx, req)
	return resp, t.wrap(err)
}

func (t *grpcTransport) DeleteSession(ctx context.Context, req *spannerpb.DeleteSessionRequest) error {
	_, err := t.client.DeleteSession(ctx, req)
	return t.wrap(err)
}

func (t *grpcTransport) BeginTransaction(ctx context.Context, req *spannerpb.BeginTransactionRequest) (*spannerpb.Transaction, error) {
	resp, err := t.client.BeginTransaction(ctx, req)
	return resp, t.wrap(err)
}

func (t *grpcTransport) Commit(ctx context.Context, req *spannerpb.CommitRequest) (*spannerpb.CommitResponse, error) {
	resp, err := t.client.Commit(ctx, req)
	return resp, t.wrap(err)
}

func (t *grpcTransport) Rollback(ctx context.Context, req *spannerpb.RollbackRequest) error {
	_, err := t.client.Rollback(ctx, req)
	return t.wrap(err)
}

func (t *grpcTransport) ExecuteSql(ctx context.Context, req *spannerpb.ExecuteSqlRequest) (*spannerpb.ResultSet, error) {
	resp, err := t.client.ExecuteSql(ctx, req)
	return resp, t.wrap(err)
}

func (t *grpcTransport) ExecuteBatchDml(ctx context.Context, req *spannerpb.ExecuteBatchDmlRequest) (*spannerpb.ExecuteBatchDmlResponse, error) {
	resp, err := t.client.ExecuteBatchDml(ctx, req)
	return resp, t.wrap(err)
}

func (t *grpcTransport) ExecuteStreamingSql(ctx context.Context, req *spannerpb.ExecuteSqlRequest) (partialResultSetStream, error) {
	stream, err := t.client.ExecuteStreamingSql(ctx, req)
	if err != nil {
		return nil, t.wrap(err)
	}
	return &wrappedStream{stream: stream, wrap: t.wrap}, nil
}

func (t *grpcTransport) StreamingRead(ctx context.Context, req *spannerpb.ReadRequest) (partialResultSetStream, error) {
	stream, err := t.client.StreamingRead(ctx, req)
	if err != nil {
		return nil, t.wrap(err)
	}
	return &wrappedStream{stream: stream, wrap: t.wrap}, nil
}

func (t *grpcTransport) PartitionQuery(ctx context.Context, req *spannerpb.PartitionQueryRequest) (*spannerpb.PartitionResponse, error) {
	resp, err := t.client.PartitionQuery(ctx, req)
	return resp, t.wrap(err)
}

func (t *grpcTransport) PartitionRead(ctx context.Context, req *spannerpb.PartitionReadRequest) (*spannerpb.PartitionResponse, error) {
	resp, err := t.client.PartitionRead(ctx, req)
	return resp, t.wrap(err)
}

// wrappedStream converts the errors of a stream into Spanner errors. io.EOF
// is returned unchanged.
type wrappedStream struct {
	stream partialResultSetStream
	wrap   func(error) error
}

func (s *wrappedStream) Recv() (*spannerpb.PartialResultSet, error) {
	prs, err := s.stream.Recv()
	if err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, s.wrap(err)
	}
	return prs, nil
}
