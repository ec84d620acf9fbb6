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
	"os"
	"strings"
)

// Environment variables that are read by the library.
const (
	EnvEmulatorHost                   = "SPANNER_EMULATOR_HOST"
	EnvMultiplexedSessions            = "GOOGLE_CLOUD_SPANNER_MULTIPLEXED_SESSIONS"
	EnvMultiplexedSessionsPartitioned = "GOOGLE_CLOUD_SPANNER_MULTIPLEXED_SESSIONS_PARTITIONED_OPS"
	EnvMultiplexedSessionsReadWrite   = "GOOGLE_CLOUD_SPANNER_MULTIPLEXED_SESSIONS_FOR_RW"
	EnvForceDisableMultiplexed        = "GOOGLE_CLOUD_SPANNER_FORCE_DISABLE_MULTIPLEXED"
	EnvUniverseDomain                 = "GOOGLE_CLOUD_UNIVERSE_DOMAIN"
)

// LookupEnv is the function that is used to read environment variables.
type LookupEnv func(key string) (string, bool)

// IsTruthy returns true if the value is "1" or "true", ignoring surrounding
// whitespace and case.
func IsTruthy(value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	return value == "1" || value == "true"
}

// BoolEnv returns true if the given environment variable is set to a truthy
// value. A nil lookup function uses os.LookupEnv.
func BoolEnv(lookup LookupEnv, key string) bool {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value, ok := lookup(key)
	if !ok {
		return false
	}
	return IsTruthy(value)
}
