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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/afipws/wsaa-client-sidecar/config"
	"github.com/kpango/fastime"
	"github.com/kpango/gache"
	"github.com/kpango/glg"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// TicketState represents the lifecycle state of the ticket of a cache key.
type TicketState int

const (
	// NoTicket means nothing is cached, or the cache was invalidated.
	NoTicket TicketState = iota
	// Authenticating means a TRA is being built, signed and exchanged.
	Authenticating
	// Valid means a cached ticket is served to callers.
	Valid
	// Expired means the cached ticket expired; the next Authenticate renews it.
	Expired
	// Failed means the last authentication attempt failed.
	Failed
)

func (s TicketState) String() string {
	switch s {
	case NoTicket:
		return "NoTicket"
	case Authenticating:
		return "Authenticating"
	case Valid:
		return "Valid"
	case Expired:
		return "Expired"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("TicketState(%d)", int(s))
}

// AuthRequest represents a request for the credentials of a service.
type AuthRequest struct {
	// Service is the WSAA service name the ticket authorizes, e.g. "wsfe".
	Service string

	// CUIT is the represented taxpayer id. The configured default is used when empty.
	CUIT string

	// Identity overrides the configured certificate and key.
	// Tickets of an identity other than the configured one are cached apart, keyed by its certificate fingerprint.
	Identity *Identity

	// ForceRenew requests a new ticket even when the cached one is still valid.
	ForceRenew bool

	// CacheOnly forbids contacting WSAA; an expired ticket fails with ExpiredTicketError.
	CacheOnly bool
}

// Credentials represents what a downstream service client needs to call AFIP.
type Credentials struct {
	Service        string    `json:"service"`
	CUIT           string    `json:"cuit"`
	Token          string    `json:"token"`
	Sign           string    `json:"sign"`
	GenerationTime time.Time `json:"generation_time"`
	ExpirationTime time.Time `json:"expiration_time"`
}

// TicketProvider represents a function pointer to get the credentials of a service.
type TicketProvider func(ctx context.Context, req AuthRequest) (*Credentials, error)

// AuthService represents the WSAA authenticator: it returns cached credentials, and renews them when needed.
type AuthService interface {
	Authenticate(ctx context.Context, req AuthRequest) (*Credentials, error)
	Invalidate(service, cuit string) error
	State(service, cuit string) TicketState
	Identity() *Identity
	GetTicketProvider() TicketProvider
}

type authService struct {
	identity    *Identity
	defaultCUIT string
	builder     *TRABuilder
	signer      CMSSigner
	client      WSAAClient
	cache       *TicketCache
	clock       func() time.Time

	// tickets keeps parsed tickets in process, in front of the persisted cache.
	tickets gache.Gache
	group   singleflight.Group

	inflight sync.Map
	failed   sync.Map
}

var (
	// ErrNoIdentity represents an error that neither the request nor the configuration provides a certificate and key.
	ErrNoIdentity = errors.New("no certificate and private key configured")

	// ErrInvalidRequest represents an error that the request combines exclusive options.
	ErrInvalidRequest = errors.New("invalid authentication request")
)

// NewAuthService returns an AuthService built from cfg. Options take precedence over the configuration.
func NewAuthService(cfg config.Config, opts ...AuthOption) (AuthService, error) {
	a := &authService{
		defaultCUIT: config.GetActualValue(cfg.WSAA.CUIT),
		tickets:     gache.New(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.clock == nil {
		a.clock = fastime.Now
	}

	var err error
	if a.identity == nil {
		if a.identity, err = loadIdentity(cfg.WSAA); err != nil {
			return nil, err
		}
	}

	if a.builder == nil {
		ttl, skew := DefaultTTL, DefaultClockSkew
		if cfg.WSAA.TTL != "" {
			if ttl, err = time.ParseDuration(cfg.WSAA.TTL); err != nil {
				return nil, errors.Wrap(ErrInvalidSetting, "TTL: "+err.Error())
			}
		}
		if cfg.WSAA.ClockSkew != "" {
			if skew, err = time.ParseDuration(cfg.WSAA.ClockSkew); err != nil {
				return nil, errors.Wrap(ErrInvalidSetting, "ClockSkew: "+err.Error())
			}
		}
		a.builder = NewTRABuilder(ttl, skew, a.clock)
	}

	if a.signer == nil {
		if a.signer, err = NewCMSSigner(cfg.WSAA.Signer); err != nil {
			return nil, err
		}
	}

	if a.client == nil {
		if a.client, err = NewWSAAClient(cfg.WSAA); err != nil {
			return nil, err
		}
	}

	if a.cache == nil {
		store := NewMemoryStore()
		if dir := config.GetActualValue(cfg.Cache.Dir); dir != "" {
			if store, err = NewFileStore(dir); err != nil {
				return nil, err
			}
		}
		a.cache = NewTicketCache(store, a.clock)
	}

	return a, nil
}

// loadIdentity returns the configured identity, or nil when none is configured.
func loadIdentity(cfg config.WSAA) (*Identity, error) {
	switch {
	case cfg.CertPath != "":
		return NewIdentity(config.GetActualValue(cfg.CertPath), config.GetActualValue(cfg.KeyPath))
	case cfg.PKCS12Path != "":
		return LoadPKCS12(config.GetActualValue(cfg.PKCS12Path), config.GetActualValue(cfg.PKCS12Password))
	}
	return nil, nil
}

// GetTicketProvider returns a function pointer to get the credentials.
func (a *authService) GetTicketProvider() TicketProvider {
	return a.Authenticate
}

// Identity returns the configured identity, or nil.
func (a *authService) Identity() *Identity {
	return a.identity
}

// Authenticate returns the cached credentials of the request while they are valid,
// and otherwise builds, signs and exchanges a new TRA and caches the issued ticket.
func (a *authService) Authenticate(ctx context.Context, req AuthRequest) (*Credentials, error) {
	if req.Service == "" {
		return nil, ErrEmptyService
	}
	if req.ForceRenew && req.CacheOnly {
		return nil, errors.Wrap(ErrInvalidRequest, "force renew and cache only are exclusive")
	}
	if req.CUIT == "" {
		req.CUIT = a.defaultCUIT
	}
	key := a.cacheKey(req)

	if !req.ForceRenew {
		t, ok := a.cached(key)
		switch {
		case ok && !IsExpired(t, a.clock()):
			glg.Debugf("access ticket served from cache, key: %s", key)
			return newCredentials(req, t), nil
		case ok && req.CacheOnly:
			return nil, &ExpiredTicketError{Key: key, ExpirationTime: t.ExpirationTime}
		case req.CacheOnly:
			return nil, errors.Wrap(ErrTicketNotCached, key)
		case ok:
			glg.Infof("access ticket expired, key: %s, expiration time: %v", key, t.ExpirationTime)
		}
	}

	t, err := a.renew(ctx, key, req)
	if err != nil {
		return nil, err
	}
	return newCredentials(req, t), nil
}

// Invalidate drops the cached ticket of the service, so that the next Authenticate requests a new one.
func (a *authService) Invalidate(service, cuit string) error {
	if cuit == "" {
		cuit = a.defaultCUIT
	}
	key := CacheKey(service, cuit)
	a.tickets.Delete(key)
	a.failed.Delete(key)
	return a.cache.Invalidate(key)
}

// State returns the lifecycle state of the ticket of the service.
// A valid cached ticket is reported as Valid even when a forced renewal failed afterwards.
func (a *authService) State(service, cuit string) TicketState {
	if cuit == "" {
		cuit = a.defaultCUIT
	}
	key := CacheKey(service, cuit)
	if _, ok := a.inflight.Load(key); ok {
		return Authenticating
	}
	t, ok := a.cached(key)
	if ok && !IsExpired(t, a.clock()) {
		return Valid
	}
	if _, failed := a.failed.Load(key); failed {
		return Failed
	}
	if ok {
		return Expired
	}
	return NoTicket
}

// cached returns the ticket of key from the process cache, falling back to the persisted cache.
func (a *authService) cached(key string) (*AccessTicket, bool) {
	if v, ok := a.tickets.Get(key); ok {
		return v.(*AccessTicket), true
	}
	t, ok := a.cache.Load(key)
	if !ok {
		return nil, false
	}
	a.remember(key, t)
	return t, true
}

func (a *authService) remember(key string, t *AccessTicket) {
	if d := t.ExpirationTime.Sub(a.clock()); d > 0 {
		a.tickets.SetWithExpire(key, t, d)
	}
}

// cacheKey returns the cache key of req. An override identity gets its own keys.
func (a *authService) cacheKey(req AuthRequest) string {
	key := CacheKey(req.Service, req.CUIT)
	if id := req.Identity; id != nil && id.Certificate != nil {
		if fp := id.Fingerprint(); a.identity == nil || a.identity.Certificate == nil || a.identity.Fingerprint() != fp {
			return IdentityCacheKey(req.Service, req.CUIT, fp)
		}
	}
	return key
}

// renew runs the issuing pipeline once per key, concurrent callers share the result.
// The pipeline is not bound to any single caller: a caller whose ctx is done stops waiting,
// the others still get the ticket. The WSAA client timeout bounds the pipeline.
// A failure leaves the cached ticket untouched.
func (a *authService) renew(ctx context.Context, key string, req AuthRequest) (*AccessTicket, error) {
	pctx := context.WithoutCancel(ctx)
	ch := a.group.DoChan(key, func() (interface{}, error) {
		a.inflight.Store(key, struct{}{})
		defer a.inflight.Delete(key)

		t, err := a.issue(pctx, req)
		if err != nil {
			a.failed.Store(key, err)
			return nil, err
		}
		a.failed.Delete(key)

		if err := a.cache.Store(key, t); err != nil {
			glg.Warnf("cannot persist access ticket, key: %s, error: %v", key, err)
		}
		a.tickets.Delete(key)
		a.remember(key, t)
		return t, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*AccessTicket), nil
	}
}

// issue builds the TRA, signs it and exchanges it for a new access ticket.
func (a *authService) issue(ctx context.Context, req AuthRequest) (*AccessTicket, error) {
	id := req.Identity
	if id == nil {
		id = a.identity
	}
	if id == nil || id.Certificate == nil {
		return nil, &CertificateError{Reason: "authentication needs a certificate", Err: ErrNoIdentity}
	}
	now := a.clock()
	if info := id.Info(); info.Expired(now) {
		return nil, &CertificateError{Reason: fmt.Sprintf("certificate %s is not valid at %s, validity: %s - %s",
			info.Subject, now.Format(time.RFC3339), info.NotBefore.Format(time.RFC3339), info.NotAfter.Format(time.RFC3339))}
	}

	tra, err := a.builder.CreateTRA(req.Service)
	if err != nil {
		return nil, err
	}
	b, err := tra.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal TRA")
	}

	cms, err := a.signer.Sign(ctx, b, id)
	if err != nil {
		return nil, err
	}

	glg.Infof("request access ticket, service: %s, cuit: %s, unique id: %d", req.Service, req.CUIT, tra.UniqueID)
	raw, err := a.client.LoginCMS(ctx, cms)
	if err != nil {
		return nil, err
	}

	t, err := ParseAccessTicket(raw)
	if err != nil {
		return nil, err
	}
	glg.Infof("access ticket issued, service: %s, cuit: %s, expiration time: %v", req.Service, req.CUIT, t.ExpirationTime)
	return t, nil
}

func newCredentials(req AuthRequest, t *AccessTicket) *Credentials {
	return &Credentials{
		Service:        req.Service,
		CUIT:           req.CUIT,
		Token:          t.Token,
		Sign:           t.Sign,
		GenerationTime: t.GenerationTime,
		ExpirationTime: t.ExpirationTime,
	}
}
