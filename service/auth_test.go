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
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/afipws/wsaa-client-sidecar/config"
	"github.com/pkg/errors"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type signerMock struct {
	calls int32
	tra   []byte
	err   error
}

func (s *signerMock) Sign(ctx context.Context, tra []byte, id *Identity) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	s.tra = tra
	if s.err != nil {
		return "", s.err
	}
	return "Q01TLXNpZ25lZA==", nil
}

type wsaaMock struct {
	calls int32
	login func(n int32) ([]byte, error)
}

func (w *wsaaMock) LoginCMS(ctx context.Context, cms string) ([]byte, error) {
	return w.login(atomic.AddInt32(&w.calls, 1))
}

func (w *wsaaMock) Endpoint() string {
	return HomologationURL
}

func (w *wsaaMock) count() int32 {
	return atomic.LoadInt32(&w.calls)
}

type brokenStore struct{}

func (brokenStore) Load(key string) ([]byte, bool, error) { return nil, false, errors.New("disk failure") }
func (brokenStore) Save(key string, data []byte) error    { return errors.New("disk failure") }
func (brokenStore) Delete(key string) error               { return errors.New("disk failure") }

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// newTestAuthService returns an AuthService issuing ticket T<n>/S<n> valid 12 hours for the n-th WSAA call.
func newTestAuthService(t *testing.T, clock *testClock, opts ...AuthOption) (AuthService, *wsaaMock, *signerMock) {
	t.Helper()
	client := &wsaaMock{
		login: func(n int32) ([]byte, error) {
			now := clock.Now()
			return newTestTA(tokenN("T", n), tokenN("S", n), now, now.Add(12*time.Hour)), nil
		},
	}
	signer := &signerMock{}
	opts = append([]AuthOption{
		WithIdentity(newTestIdentity(t, testStart)),
		WithSigner(signer),
		WithWSAAClient(client),
		WithClock(clock.Now),
		WithTicketCache(NewTicketCache(NewMemoryStore(), clock.Now)),
	}, opts...)
	a, err := NewAuthService(config.Config{}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return a, client, signer
}

func sameCredentials(a, b *Credentials) bool {
	return a.Service == b.Service && a.CUIT == b.CUIT &&
		a.Token == b.Token && a.Sign == b.Sign &&
		a.GenerationTime.Equal(b.GenerationTime) &&
		a.ExpirationTime.Equal(b.ExpirationTime)
}

func tokenN(prefix string, n int32) string {
	return prefix + string(rune('0'+n))
}

func TestNewAuthService(t *testing.T) {
	now := time.Now()
	key := testKey(t, 0)
	cert := newTestCertificate(t, key, "20123456789", now.Add(-time.Hour), now.Add(time.Hour))

	type test struct {
		name      string
		cfg       config.Config
		checkFunc func(*authService) error
		wantErr   error
	}
	tests := []test{
		{
			name: "build from configuration",
			cfg: config.Config{
				WSAA: config.WSAA{
					Environment: config.EnvironmentProduction,
					CertPath:    certToPEM(cert),
					KeyPath:     pkcs1ToPEM(key),
					CUIT:        "20123456789",
					TTL:         "2h",
					ClockSkew:   "5m",
				},
				Cache: config.Cache{Dir: t.TempDir()},
			},
			checkFunc: func(a *authService) error {
				if a.identity == nil || !a.identity.Certificate.Equal(cert) {
					return errors.New("identity not loaded")
				}
				if a.defaultCUIT != "20123456789" {
					return errors.Errorf("default cuit = %s", a.defaultCUIT)
				}
				if a.builder.ttl != 2*time.Hour || a.builder.skew != 5*time.Minute {
					return errors.Errorf("builder = %v %v", a.builder.ttl, a.builder.skew)
				}
				if a.client.Endpoint() != ProductionURL {
					return errors.Errorf("endpoint = %s", a.client.Endpoint())
				}
				if _, ok := a.signer.(*builtinSigner); !ok {
					return errors.Errorf("signer = %T", a.signer)
				}
				if _, ok := a.cache.store.(*fileStore); !ok {
					return errors.Errorf("store = %T", a.cache.store)
				}
				return nil
			},
		},
		{
			name: "defaults without identity",
			cfg:  config.Config{},
			checkFunc: func(a *authService) error {
				if a.identity != nil {
					return errors.New("unexpected identity")
				}
				if a.builder.ttl != DefaultTTL || a.builder.skew != DefaultClockSkew {
					return errors.Errorf("builder = %v %v", a.builder.ttl, a.builder.skew)
				}
				if _, ok := a.cache.store.(*memoryStore); !ok {
					return errors.Errorf("store = %T", a.cache.store)
				}
				return nil
			},
		},
		{
			name:    "invalid TTL",
			cfg:     config.Config{WSAA: config.WSAA{TTL: "one day"}},
			wantErr: ErrInvalidSetting,
		},
		{
			name:    "invalid clock skew",
			cfg:     config.Config{WSAA: config.WSAA{ClockSkew: "10"}},
			wantErr: ErrInvalidSetting,
		},
		{
			name:    "unknown signer",
			cfg:     config.Config{WSAA: config.WSAA{Signer: config.Signer{Strategy: "pkcs11"}}},
			wantErr: ErrInvalidSetting,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewAuthService(tt.cfg)
			if errors.Cause(err) != tt.wantErr {
				t.Fatalf("NewAuthService() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFunc != nil {
				if err := tt.checkFunc(got.(*authService)); err != nil {
					t.Error(err)
				}
			}
		})
	}
}

func TestAuthService_Authenticate_reuse(t *testing.T) {
	clock := &testClock{now: testStart}
	a, client, signer := newTestAuthService(t, clock)
	ctx := context.Background()

	first, err := a.Authenticate(ctx, AuthRequest{Service: "wsfe"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Token != "T1" || first.Sign != "S1" || first.Service != "wsfe" {
		t.Fatalf("first = %+v", first)
	}
	if !bytes.Contains(signer.tra, []byte("<service>wsfe</service>")) {
		t.Errorf("signed TRA = %s", signer.tra)
	}

	clock.Add(time.Hour)
	second, err := a.Authenticate(ctx, AuthRequest{Service: "wsfe"})
	if err != nil {
		t.Fatal(err)
	}
	if !sameCredentials(second, first) {
		t.Errorf("second = %+v, want %+v", second, first)
	}
	if client.count() != 1 {
		t.Errorf("WSAA calls = %d, want 1", client.count())
	}
	if s := a.State("wsfe", ""); s != Valid {
		t.Errorf("State() = %v, want Valid", s)
	}

	// 12h after issue the ticket reaches its expiration time.
	clock.Add(11 * time.Hour)
	if s := a.State("wsfe", ""); s != Expired {
		t.Errorf("State() = %v, want Expired", s)
	}
	third, err := a.Authenticate(ctx, AuthRequest{Service: "wsfe"})
	if err != nil {
		t.Fatal(err)
	}
	if third.Token != "T2" || third.Sign != "S2" {
		t.Errorf("third = %+v", third)
	}
	if client.count() != 2 {
		t.Errorf("WSAA calls = %d, want 2", client.count())
	}
}

func TestAuthService_Authenticate_sharedStore(t *testing.T) {
	clock := &testClock{now: testStart}
	dir := t.TempDir()
	newStore := func() *TicketCache {
		s, err := NewFileStore(dir)
		if err != nil {
			t.Fatal(err)
		}
		return NewTicketCache(s, clock.Now)
	}

	a, ca, _ := newTestAuthService(t, clock, WithTicketCache(newStore()))
	b, cb, _ := newTestAuthService(t, clock, WithTicketCache(newStore()))

	got, err := a.Authenticate(context.Background(), AuthRequest{Service: "wsfe", CUIT: "20123456789"})
	if err != nil {
		t.Fatal(err)
	}
	shared, err := b.Authenticate(context.Background(), AuthRequest{Service: "wsfe", CUIT: "20123456789"})
	if err != nil {
		t.Fatal(err)
	}
	if !sameCredentials(shared, got) {
		t.Errorf("shared = %+v, want %+v", shared, got)
	}
	if ca.count() != 1 || cb.count() != 0 {
		t.Errorf("WSAA calls = %d, %d, want 1, 0", ca.count(), cb.count())
	}
}

func TestAuthService_Authenticate_fault(t *testing.T) {
	clock := &testClock{now: testStart}
	a, client, _ := newTestAuthService(t, clock)
	ctx := context.Background()

	padron, err := a.Authenticate(ctx, AuthRequest{Service: "ws_sr_padron_a5"})
	if err != nil {
		t.Fatal(err)
	}

	fault := &RemoteAuthError{Code: "ns1:cms.cert.untrusted", Message: "Certificado no emitido por AC de confianza"}
	client.login = func(n int32) ([]byte, error) { return nil, fault }

	_, err = a.Authenticate(ctx, AuthRequest{Service: "wsfe"})
	var re *RemoteAuthError
	if !errors.As(err, &re) || re.Code != fault.Code {
		t.Fatalf("Authenticate() error = %v, want %v", err, fault)
	}
	if s := a.State("wsfe", ""); s != Failed {
		t.Errorf("State(wsfe) = %v, want Failed", s)
	}

	got, err := a.Authenticate(ctx, AuthRequest{Service: "ws_sr_padron_a5"})
	if err != nil {
		t.Fatal(err)
	}
	if !sameCredentials(got, padron) {
		t.Errorf("cached ticket of another service changed: %+v, want %+v", got, padron)
	}
	if s := a.State("ws_sr_padron_a5", ""); s != Valid {
		t.Errorf("State(ws_sr_padron_a5) = %v, want Valid", s)
	}
}

func TestAuthService_Authenticate_forceRenew(t *testing.T) {
	clock := &testClock{now: testStart}
	a, client, _ := newTestAuthService(t, clock)
	ctx := context.Background()

	if _, err := a.Authenticate(ctx, AuthRequest{Service: "wsfe"}); err != nil {
		t.Fatal(err)
	}
	got, err := a.Authenticate(ctx, AuthRequest{Service: "wsfe", ForceRenew: true})
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != "T2" || client.count() != 2 {
		t.Errorf("forced renewal = %+v, WSAA calls = %d", got, client.count())
	}

	client.login = func(n int32) ([]byte, error) {
		return nil, &TransportError{Endpoint: HomologationURL, Err: context.DeadlineExceeded}
	}
	if _, err := a.Authenticate(ctx, AuthRequest{Service: "wsfe", ForceRenew: true}); !IsRetryable(err) {
		t.Fatalf("Authenticate() error = %v, want transport error", err)
	}

	got, err = a.Authenticate(ctx, AuthRequest{Service: "wsfe"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != "T2" {
		t.Errorf("failed renewal replaced the cached ticket: %+v", got)
	}
}

func TestAuthService_Authenticate_errors(t *testing.T) {
	type test struct {
		name       string
		opts       []AuthOption
		beforeFunc func(a AuthService, clock *testClock)
		req        AuthRequest
		checkFunc  func(err error) error
		wantCalls  int32
	}
	isCause := func(want error) func(error) error {
		return func(err error) error {
			if errors.Cause(err) != want {
				return errors.Errorf("error = %v, want %v", err, want)
			}
			return nil
		}
	}
	tests := []test{
		{
			name:      "empty service",
			req:       AuthRequest{},
			checkFunc: isCause(ErrEmptyService),
		},
		{
			name:      "force renew with cache only",
			req:       AuthRequest{Service: "wsfe", ForceRenew: true, CacheOnly: true},
			checkFunc: isCause(ErrInvalidRequest),
		},
		{
			name:      "cache only without ticket",
			req:       AuthRequest{Service: "wsfe", CacheOnly: true},
			checkFunc: isCause(ErrTicketNotCached),
		},
		{
			name: "cache only with expired ticket",
			beforeFunc: func(a AuthService, clock *testClock) {
				if _, err := a.Authenticate(context.Background(), AuthRequest{Service: "wsfe"}); err != nil {
					panic(err)
				}
				clock.Add(13 * time.Hour)
			},
			req: AuthRequest{Service: "wsfe", CacheOnly: true},
			checkFunc: func(err error) error {
				var ee *ExpiredTicketError
				if !errors.As(err, &ee) || ee.Key != "wsfe" {
					return errors.Errorf("error = %v, want expired ticket error", err)
				}
				return nil
			},
			wantCalls: 1,
		},
		{
			name: "expired certificate",
			beforeFunc: func(a AuthService, clock *testClock) {
				clock.Add(2 * 365 * 24 * time.Hour)
			},
			req: AuthRequest{Service: "wsfe"},
			checkFunc: func(err error) error {
				var ce *CertificateError
				if !errors.As(err, &ce) {
					return errors.Errorf("error = %v, want certificate error", err)
				}
				return nil
			},
		},
		{
			name: "no identity",
			opts: []AuthOption{WithIdentity(nil)},
			req:  AuthRequest{Service: "wsfe"},
			checkFunc: func(err error) error {
				var ce *CertificateError
				if !errors.As(err, &ce) || ce.Err != ErrNoIdentity {
					return errors.Errorf("error = %v, want no identity", err)
				}
				return nil
			},
		},
		{
			name: "signing failure",
			opts: []AuthOption{WithSigner(&signerMock{err: &ExternalToolError{Tool: "openssl", Stderr: "unable to load key"}})},
			req:  AuthRequest{Service: "wsfe"},
			checkFunc: func(err error) error {
				var ete *ExternalToolError
				if !errors.As(err, &ete) {
					return errors.Errorf("error = %v, want external tool error", err)
				}
				return nil
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &testClock{now: testStart}
			a, client, _ := newTestAuthService(t, clock, tt.opts...)
			if tt.beforeFunc != nil {
				tt.beforeFunc(a, clock)
			}
			_, err := a.Authenticate(context.Background(), tt.req)
			if err := tt.checkFunc(err); err != nil {
				t.Error(err)
			}
			if client.count() != tt.wantCalls {
				t.Errorf("WSAA calls = %d, want %d", client.count(), tt.wantCalls)
			}
		})
	}
}

func TestAuthService_Authenticate_storeFailure(t *testing.T) {
	clock := &testClock{now: testStart}
	a, _, _ := newTestAuthService(t, clock, WithTicketCache(NewTicketCache(brokenStore{}, clock.Now)))

	got, err := a.Authenticate(context.Background(), AuthRequest{Service: "wsfe"})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got.Token != "T1" {
		t.Errorf("Authenticate() = %+v", got)
	}
}

func TestAuthService_Authenticate_concurrent(t *testing.T) {
	clock := &testClock{now: testStart}
	a, client, _ := newTestAuthService(t, clock)

	release := make(chan struct{})
	issue := client.login
	client.login = func(n int32) ([]byte, error) {
		<-release
		return issue(n)
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan *Credentials, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := a.Authenticate(context.Background(), AuthRequest{Service: "wsfe"})
			if err != nil {
				t.Error(err)
				return
			}
			results <- c
		}()
	}

	deadline := time.Now().Add(5 * time.Second)
	for a.State("wsfe", "") != Authenticating {
		if time.Now().After(deadline) {
			t.Fatal("authentication never started")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for c := range results {
		if c.Token != "T1" {
			t.Errorf("caller got %+v", c)
		}
	}
	if client.count() != 1 {
		t.Errorf("WSAA calls = %d, want 1", client.count())
	}
}

func TestAuthService_Invalidate(t *testing.T) {
	clock := &testClock{now: testStart}
	a, client, _ := newTestAuthService(t, clock, WithDefaultCUIT("20123456789"))
	ctx := context.Background()

	got, err := a.Authenticate(ctx, AuthRequest{Service: "wsfe"})
	if err != nil {
		t.Fatal(err)
	}
	if got.CUIT != "20123456789" {
		t.Errorf("CUIT = %q, want the default", got.CUIT)
	}
	if s := a.State("wsfe", "20123456789"); s != Valid {
		t.Errorf("State() = %v, want Valid", s)
	}

	if err := a.Invalidate("wsfe", ""); err != nil {
		t.Fatal(err)
	}
	if s := a.State("wsfe", ""); s != NoTicket {
		t.Errorf("State() after Invalidate() = %v, want NoTicket", s)
	}

	got, err = a.Authenticate(ctx, AuthRequest{Service: "wsfe"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Token != "T2" || client.count() != 2 {
		t.Errorf("Authenticate() after Invalidate() = %+v, WSAA calls = %d", got, client.count())
	}
}

func TestTicketState_String(t *testing.T) {
	tests := map[TicketState]string{
		NoTicket:        "NoTicket",
		Authenticating:  "Authenticating",
		Valid:           "Valid",
		Expired:         "Expired",
		Failed:          "Failed",
		TicketState(42): "TicketState(42)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestAuthenticateWithRetry(t *testing.T) {
	transport := &TransportError{Endpoint: HomologationURL, Err: errors.New("connection reset by peer")}
	fault := &RemoteAuthError{Code: "ns1:coe.notAuthorized", Message: "Computador no autorizado a acceder al servicio"}
	ok := &Credentials{Service: "wsfe", Token: "T1", Sign: "S1"}

	type test struct {
		name      string
		errs      []error
		attempts  int
		ctx       func() context.Context
		wantCalls int
		wantErr   error
	}
	tests := []test{
		{name: "success at first", errs: nil, attempts: 3, wantCalls: 1},
		{name: "transport failures are retried", errs: []error{transport, transport}, attempts: 3, wantCalls: 3},
		{name: "attempts exhausted", errs: []error{transport, transport, transport}, attempts: 2, wantCalls: 2, wantErr: transport},
		{name: "faults are not retried", errs: []error{fault}, attempts: 3, wantCalls: 1, wantErr: fault},
		{name: "zero attempts still call once", errs: []error{transport}, attempts: 0, wantCalls: 1, wantErr: transport},
		{
			name:     "canceled context stops retrying",
			errs:     []error{transport, transport},
			attempts: 3,
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			wantCalls: 1,
			wantErr:   context.Canceled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			p := func(ctx context.Context, req AuthRequest) (*Credentials, error) {
				calls++
				if calls <= len(tt.errs) {
					return nil, tt.errs[calls-1]
				}
				return ok, nil
			}
			ctx := context.Background()
			if tt.ctx != nil {
				ctx = tt.ctx()
			}
			got, err := WithRetry(p, tt.attempts, time.Millisecond)(ctx, AuthRequest{Service: "wsfe"})
			if err != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != ok {
				t.Errorf("got = %+v", got)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func Test_retryDelay(t *testing.T) {
	tests := []struct {
		delay time.Duration
		n     int
		want  time.Duration
	}{
		{time.Second, 1, time.Second},
		{time.Second, 2, 2 * time.Second},
		{time.Second, 3, 4 * time.Second},
		{time.Second, 5, 16 * time.Second},
		{time.Second, 6, maxRetryDelay},
		{time.Second, 60, maxRetryDelay},
		{time.Minute, 3, time.Minute},
		{0, 4, 0},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.delay, tt.n); got != tt.want {
			t.Errorf("retryDelay(%v, %d) = %v, want %v", tt.delay, tt.n, got, tt.want)
		}
	}
}

func TestAuthenticateWithRetry_backoff(t *testing.T) {
	transport := &TransportError{Endpoint: HomologationURL, Err: errors.New("connection refused")}
	var calls []time.Time
	p := func(ctx context.Context, req AuthRequest) (*Credentials, error) {
		calls = append(calls, time.Now())
		return nil, transport
	}

	_, err := AuthenticateWithRetry(context.Background(), p, AuthRequest{Service: "wsfe"}, 3, 20*time.Millisecond)
	if err != transport {
		t.Fatalf("error = %v, want %v", err, transport)
	}
	if len(calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(calls))
	}
	if first, second := calls[1].Sub(calls[0]), calls[2].Sub(calls[1]); first < 20*time.Millisecond || second < 40*time.Millisecond {
		t.Errorf("pauses = %v, %v, want at least 20ms then 40ms", first, second)
	}
}

// blockingWSAA issues ticket T1/S1 once released, or fails with a transport error when ctx is done first.
type blockingWSAA struct {
	calls   int32
	release chan struct{}
	clock   *testClock
}

func (b *blockingWSAA) LoginCMS(ctx context.Context, cms string) ([]byte, error) {
	atomic.AddInt32(&b.calls, 1)
	select {
	case <-ctx.Done():
		return nil, &TransportError{Endpoint: HomologationURL, Err: ctx.Err()}
	case <-b.release:
		now := b.clock.Now()
		return newTestTA("T1", "S1", now, now.Add(12*time.Hour)), nil
	}
}

func (b *blockingWSAA) Endpoint() string {
	return HomologationURL
}

func TestAuthService_Authenticate_callerCanceled(t *testing.T) {
	clock := &testClock{now: testStart}
	client := &blockingWSAA{release: make(chan struct{}), clock: clock}
	a, _, _ := newTestAuthService(t, clock, WithWSAAClient(client))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := make(chan error, 1)
	go func() {
		_, err := a.Authenticate(ctx, AuthRequest{Service: "wsfe"})
		first <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for a.State("wsfe", "") != Authenticating {
		if time.Now().After(deadline) {
			t.Fatal("authentication never started")
		}
		time.Sleep(time.Millisecond)
	}

	type result struct {
		c   *Credentials
		err error
	}
	second := make(chan result, 1)
	go func() {
		c, err := a.Authenticate(context.Background(), AuthRequest{Service: "wsfe"})
		second <- result{c, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-first:
		if err != context.Canceled {
			t.Errorf("canceled caller error = %v, want %v", err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("canceled caller still waiting")
	}

	close(client.release)
	select {
	case r := <-second:
		if r.err != nil {
			t.Fatalf("waiting caller error = %v", r.err)
		}
		if r.c.Token != "T1" {
			t.Errorf("waiting caller got %+v", r.c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiting caller never returned")
	}

	if n := atomic.LoadInt32(&client.calls); n != 1 {
		t.Errorf("WSAA calls = %d, want 1", n)
	}
	if s := a.State("wsfe", ""); s != Valid {
		t.Errorf("State() = %v, want Valid", s)
	}
}

func TestAuthService_Authenticate_identityOverride(t *testing.T) {
	clock := &testClock{now: testStart}
	a, client, _ := newTestAuthService(t, clock)
	ctx := context.Background()

	key := testKey(t, 1)
	cert := newTestCertificate(t, key, "30712345674", testStart.Add(-24*time.Hour), testStart.Add(365*24*time.Hour))
	other, err := NewIdentity(certToPEM(cert), pkcs1ToPEM(key))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		identity  *Identity
		wantToken string
		wantCalls int32
	}{
		{name: "configured identity", identity: nil, wantToken: "T1", wantCalls: 1},
		{name: "other identity is not served the configured identity ticket", identity: other, wantToken: "T2", wantCalls: 2},
		{name: "other identity ticket is cached", identity: other, wantToken: "T2", wantCalls: 2},
		{name: "configured identity given explicitly shares its cache", identity: newTestIdentity(t, testStart), wantToken: "T1", wantCalls: 2},
	}
	for _, tt := range tests {
		got, err := a.Authenticate(ctx, AuthRequest{Service: "wsfe", Identity: tt.identity})
		if err != nil {
			t.Fatalf("%s: error = %v", tt.name, err)
		}
		if got.Token != tt.wantToken || client.count() != tt.wantCalls {
			t.Errorf("%s: token = %s, WSAA calls = %d, want %s, %d", tt.name, got.Token, client.count(), tt.wantToken, tt.wantCalls)
		}
	}
}
