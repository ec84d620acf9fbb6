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
	"log/slog"
	"os"
	"time"

	"github.com/googleapis/go-spanner-client/internal"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ClientConfig is the configuration of a Client. The zero value is a valid
// configuration that uses the defaults for all settings.
type ClientConfig struct {
	// SessionPoolConfig is used for the session pools of all databases that
	// are opened by the client. DefaultSessionPoolConfig is used if the
	// config is the zero value.
	SessionPoolConfig SessionPoolConfig
	// MultiplexedSessionConfig configures the multiplexed sessions of all
	// databases that are opened by the client.
	MultiplexedSessionConfig MultiplexedSessionConfig
	// DatabaseRole is the database role that is used for all sessions.
	DatabaseRole string
	// DisableRouteToLeader disables leader-aware routing of read/write and
	// partitioned operations.
	DisableRouteToLeader bool
	// TransactionTimeout is the default wall-clock budget for retrying
	// aborted read/write transactions and partitioned DML statements.
	TransactionTimeout time.Duration
	// NumChannels is the number of gRPC channels of each database.
	NumChannels int
	// CredentialsFile is the path of a credentials file that is used
	// instead of the application default credentials.
	CredentialsFile string

	// Logger is the logger of the client. slog.Default() is used if nil.
	Logger *slog.Logger
	// TracerProvider creates the tracer for the spans of the client. The
	// global provider is used if nil.
	TracerProvider trace.TracerProvider
	// MeterProvider creates the meter for the metrics of the client. The
	// global provider is used if nil.
	MeterProvider metric.MeterProvider

	// lookupEnv is used to read the feature flags of the client.
	lookupEnv internal.LookupEnv
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.SessionPoolConfig == (SessionPoolConfig{}) {
		c.SessionPoolConfig = DefaultSessionPoolConfig
	}
	if c.TransactionTimeout <= 0 {
		c.TransactionTimeout = DefaultTransactionTimeout
	}
	if c.NumChannels <= 0 {
		c.NumChannels = defaultNumChannels
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
		if c.Logger == nil {
			c.Logger = noopLogger
		}
	}
	if c.lookupEnv == nil {
		c.lookupEnv = os.LookupEnv
	}
	return c
}

// credentialsDescription describes the credentials that are used by the
// client. The description is added to authentication errors.
func (c ClientConfig) credentialsDescription() string {
	if host, ok := c.lookupEnv(internal.EnvEmulatorHost); ok && host != "" {
		return fmt.Sprintf("emulator at %s without credentials", host)
	}
	if c.CredentialsFile != "" {
		return fmt.Sprintf("credentials file %s", c.CredentialsFile)
	}
	if file, ok := c.lookupEnv("GOOGLE_APPLICATION_CREDENTIALS"); ok && file != "" {
		return fmt.Sprintf("credentials file %s from GOOGLE_APPLICATION_CREDENTIALS", file)
	}
	return "application default credentials"
}
