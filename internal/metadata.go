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

package internal

import (
	"context"
	"net/url"
	"strings"

	"google.golang.org/grpc/metadata"
)

const (
	// ResourcePrefixHeader carries the database (or backup) name of a call.
	ResourcePrefixHeader = "google-cloud-resource-prefix"
	// RoutingHeader carries the url-encoded routing parameters of a call.
	RoutingHeader = "x-goog-request-params"
	// RouteToLeaderHeader is set to "true" for calls that must be served by
	// the leader region of the database.
	RouteToLeaderHeader = "x-goog-spanner-route-to-leader"
	// RequestIDHeader carries the request identifier of a call, formatted as
	// <client_id>.<channel_id>.<nth_request>.<nth_attempt>.
	RequestIDHeader = "x-goog-spanner-request-id"
)

// CallMetadata is the per-call metadata that is attached to an outgoing RPC.
type CallMetadata struct {
	ResourcePrefix string
	// Routing contains key/value pairs for the routing header, for example
	// "session" and the session name.
	Routing       []string
	RouteToLeader bool
	RequestID     string
}

// RoutingHeaderValue returns the value of the routing header for the given
// key/value pairs. The values are url-encoded and pairs are joined with '&'.
func RoutingHeaderValue(keyValues ...string) string {
	if len(keyValues) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i+1 < len(keyValues); i += 2 {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(keyValues[i])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(keyValues[i+1]))
	}
	return b.String()
}

// Pairs returns the metadata as a flat list of key/value pairs. Empty values
// are skipped.
func (m *CallMetadata) Pairs() []string {
	pairs := make([]string, 0, 8)
	if m.ResourcePrefix != "" {
		pairs = append(pairs, ResourcePrefixHeader, m.ResourcePrefix)
	}
	if routing := RoutingHeaderValue(m.Routing...); routing != "" {
		pairs = append(pairs, RoutingHeader, routing)
	}
	if m.RouteToLeader {
		pairs = append(pairs, RouteToLeaderHeader, "true")
	}
	if m.RequestID != "" {
		pairs = append(pairs, RequestIDHeader, m.RequestID)
	}
	return pairs
}

// AppendToOutgoingContext appends the metadata to any metadata that the
// caller already added to the context. Existing entries are preserved.
func (m *CallMetadata) AppendToOutgoingContext(ctx context.Context) context.Context {
	pairs := m.Pairs()
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}
