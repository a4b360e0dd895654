/*
Copyright (C)  2018 Yahoo Japan Corporation Athenz team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package service

import (
	"net/http"
	"time"

	"github.com/afipws/wsaa-client-sidecar/config"
)

// Option represents the functional option implementation for server.
type Option func(*server)

// WithServerConfig set the server configuration to server.
func WithServerConfig(cfg config.Server) Option {
	return func(s *server) {
		s.cfg = cfg
	}
}

// WithServerHandler set the handler to server.
func WithServerHandler(h http.Handler) Option {
	return func(s *server) {
		s.srvHandler = h
	}
}

// WithHealthChecker set the function reporting whether the sidecar can still authenticate.
func WithHealthChecker(f func() error) Option {
	return func(s *server) {
		s.healthy = f
	}
}

// AuthOption represents the functional option implementation for AuthService.
type AuthOption func(*authService)

// WithIdentity set the certificate and private key used to sign TRAs.
func WithIdentity(id *Identity) AuthOption {
	return func(a *authService) {
		a.identity = id
	}
}

// WithSigner set the CMS signer.
func WithSigner(s CMSSigner) AuthOption {
	return func(a *authService) {
		a.signer = s
	}
}

// WithWSAAClient set the WSAA transport client.
func WithWSAAClient(c WSAAClient) AuthOption {
	return func(a *authService) {
		a.client = c
	}
}

// WithTicketCache set the persisted ticket cache.
func WithTicketCache(c *TicketCache) AuthOption {
	return func(a *authService) {
		a.cache = c
	}
}

// WithTRABuilder set the TRA builder.
func WithTRABuilder(b *TRABuilder) AuthOption {
	return func(a *authService) {
		a.builder = b
	}
}

// WithClock set the clock used for ticket and certificate validity.
func WithClock(f func() time.Time) AuthOption {
	return func(a *authService) {
		a.clock = f
	}
}

// WithDefaultCUIT set the CUIT used when a request does not name one.
func WithDefaultCUIT(cuit string) AuthOption {
	return func(a *authService) {
		a.defaultCUIT = cuit
	}
}
