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

package usecase

import (
	"context"
	"time"

	"github.com/afipws/wsaa-client-sidecar/config"
	"github.com/afipws/wsaa-client-sidecar/handler"
	"github.com/afipws/wsaa-client-sidecar/router"
	"github.com/afipws/wsaa-client-sidecar/service"
	"github.com/kpango/fastime"
	"github.com/kpango/glg"
	"github.com/pkg/errors"
)

const defaultRetryDelay = time.Second

// Tenant represents a WSAA sidecar behavior
type Tenant interface {
	Start(ctx context.Context) chan []error
}

type wsaad struct {
	cfg    config.Config
	auth   service.AuthService
	ticket service.TicketProvider
	server service.Server
}

// New returns a WSAA sidecar daemon, or any error occurred.
// The daemon contains the auth service and the ticket API server. Options are passed to the auth service.
func New(cfg config.Config, opts ...service.AuthOption) (Tenant, error) {
	auth, ticket, err := newAuth(cfg, opts...)
	if err != nil {
		return nil, err
	}

	h := handler.New(auth, ticket)

	serveMux := router.New(cfg.Server, h)
	srv := service.NewServer(
		service.WithServerConfig(cfg.Server),
		service.WithServerHandler(serveMux),
		service.WithHealthChecker(certificateChecker(auth)),
	)

	return &wsaad{
		cfg:    cfg,
		auth:   auth,
		ticket: ticket,
		server: srv,
	}, nil
}

// Start returns a error slice channel. This error channel contains the error returned by the WSAA sidecar daemon.
// The services listed in the configuration are authenticated in background.
func (t *wsaad) Start(ctx context.Context) chan []error {
	if len(t.cfg.WSAA.Services) > 0 {
		go t.preload(ctx)
	}
	return t.server.ListenAndServe(ctx)
}

func (t *wsaad) preload(ctx context.Context) {
	for _, svc := range t.cfg.WSAA.Services {
		if ctx.Err() != nil {
			return
		}
		c, err := t.ticket(ctx, service.AuthRequest{Service: svc})
		if err != nil {
			glg.Warnf("cannot preload access ticket, service: %s, error: %v", svc, err)
			continue
		}
		glg.Infof("access ticket ready, service: %s, expiration time: %v", svc, c.ExpirationTime)
	}
}

// Issue returns the credentials of req without starting any server.
func Issue(ctx context.Context, cfg config.Config, req service.AuthRequest, opts ...service.AuthOption) (*service.Credentials, error) {
	_, ticket, err := newAuth(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return ticket(ctx, req)
}

// newAuth returns the auth service and its ticket provider, retrying transport failures as configured.
func newAuth(cfg config.Config, opts ...service.AuthOption) (service.AuthService, service.TicketProvider, error) {
	auth, err := service.NewAuthService(cfg, opts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "auth service error")
	}

	if id := auth.Identity(); id != nil {
		info := id.Info()
		glg.Infof("signing certificate: %s, cuit: %s, not after: %v", info.Subject, info.CUIT, info.NotAfter)
	} else {
		glg.Warn("no signing certificate configured, access tickets cannot be issued")
	}

	ticket := auth.GetTicketProvider()
	if n := cfg.WSAA.Retry.Attempts; n > 0 {
		delay := defaultRetryDelay
		if cfg.WSAA.Retry.Delay != "" {
			if delay, err = time.ParseDuration(cfg.WSAA.Retry.Delay); err != nil {
				return nil, nil, errors.Wrap(service.ErrInvalidSetting, "retry delay: "+err.Error())
			}
		}
		ticket = service.WithRetry(ticket, n+1, delay)
	}
	return auth, ticket, nil
}

// certificateChecker returns a health check failing when the signing certificate is missing or expired.
func certificateChecker(auth service.AuthService) func() error {
	return func() error {
		id := auth.Identity()
		if id == nil {
			return service.ErrNoIdentity
		}
		if info := id.Info(); info.Expired(fastime.Now()) {
			return errors.Errorf("certificate %s is not valid, not after: %v", info.Subject, info.NotAfter)
		}
		return nil
	}
}
