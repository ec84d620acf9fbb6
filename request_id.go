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
	"fmt"
	"sync/atomic"
)

// nthClientID is the process-wide counter for client identities.
var nthClientID atomic.Uint64

func nextClientID() uint64 {
	return nthClientID.Add(1)
}

// requestIDGenerator generates request IDs for one database. Each logical
// operation gets a new nth_request value. Retries of the same logical
// operation reuse the value and increment the attempt.
type requestIDGenerator struct {
	clientID   uint64
	channelID  uint64
	nthRequest atomic.Uint64
}

func newRequestIDGenerator(clientID, channelID uint64) *requestIDGenerator {
	return &requestIDGenerator{clientID: clientID, channelID: channelID}
}

// next returns the request ID for a new logical operation.
func (g *requestIDGenerator) next() *requestID {
	return &requestID{
		clientID:   g.clientID,
		channelID:  g.channelID,
		nthRequest: g.nthRequest.Add(1),
		attempt:    1,
	}
}

// requestID identifies one attempt of one logical operation.
type requestID struct {
	clientID   uint64
	channelID  uint64
	nthRequest uint64
	attempt    uint32
}

// nextAttempt increments the attempt of the logical operation.
func (r *requestID) nextAttempt() {
	r.attempt++
}

func (r *requestID) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", r.clientID, r.channelID, r.nthRequest, r.attempt)
}
