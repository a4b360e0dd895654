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
	"net/http"
	"sync"
	"time"

	"github.com/afipws/wsaa-client-sidecar/config"
	"github.com/kpango/glg"
	"github.com/pkg/errors"
)

// Server represents the WSAA sidecar server behavior.
type Server interface {
	ListenAndServe(context.Context) chan []error
}

type server struct {
	// ticket API server
	srv        *http.Server
	srvHandler http.Handler
	srvRunning bool

	// Health Check server
	hcsrv     *http.Server
	hcrunning bool
	healthy   func() error

	cfg config.Server

	// ShutdownDelay
	sdd time.Duration

	// ShutdownTimeout
	sdt time.Duration

	// mutext lock variable
	mu sync.RWMutex
}

const (
	// ContentType represents a HTTP header name "Content-Type"
	ContentType = "Content-Type"

	// TextPlain represents a HTTP content type "text/plain"
	TextPlain = "text/plain"

	// CharsetUTF8 represents a UTF-8 charset for HTTP response "charset=UTF-8"
	CharsetUTF8 = "charset=UTF-8"
)

// NewServer returns a Server interface, which includes the ticket API server and the health check server.
// The API server listens on "config.Server.Port" and serves the handler given by WithServerHandler.
//
// The health check server listens on "config.Server.HealthCheck.Port". It answers GET requests with 200,
// or with 503 when the health checker given by WithHealthChecker reports an error.
func NewServer(opts ...Option) Server {
	var err error

	s := &server{}
	for _, o := range opts {
		o(s)
	}

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.srvHandler,
	}
	s.srv.SetKeepAlivesEnabled(true)

	if s.healthzSrvEnable() {
		s.hcsrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.cfg.HealthCheck.Port),
			Handler: createHealthCheckServiceMux(s.cfg.HealthCheck.Endpoint, s.healthy),
		}
		s.hcsrv.SetKeepAlivesEnabled(true)
	}

	if s.cfg.ShutdownTimeout != "" {
		s.sdt, err = time.ParseDuration(s.cfg.ShutdownTimeout)
		if err != nil {
			glg.Warnf("invalid shutdown timeout: %v", err)
		}
	}

	if s.cfg.ShutdownDelay != "" {
		s.sdd, err = time.ParseDuration(s.cfg.ShutdownDelay)
		if err != nil {
			glg.Warnf("invalid shutdown delay: %v", err)
		}
	}

	if s.cfg.Timeout != "" {
		if t, err := time.ParseDuration(s.cfg.Timeout); err == nil {
			s.srv.ReadHeaderTimeout = t
		}
	}

	return s
}

// ListenAndServe returns an error channel, which receives the errors returned by the API server.
// It starts both the health check and the API server, and both close whenever the context is done.
// The API server shuts down after cfg.ShutdownDelay, while the health check server shuts down immediately.
func (s *server) ListenAndServe(ctx context.Context) chan []error {
	var (
		echan = make(chan []error, 1)
		sech  = make(chan error, 1)
		hech  chan error

		wg = new(sync.WaitGroup)
	)

	// start both the API server and the health check server
	wg.Add(1)
	go func() {
		s.mu.Lock()
		s.srvRunning = true
		s.mu.Unlock()
		wg.Done()

		glg.Info("wsaa sidecar api server starting")
		sech <- s.listenAndServeAPI()
		close(sech)

		s.mu.Lock()
		s.srvRunning = false
		s.mu.Unlock()
	}()

	if s.healthzSrvEnable() {
		wg.Add(1)
		hech = make(chan error, 1)
		go func() {
			s.mu.Lock()
			s.hcrunning = true
			s.mu.Unlock()
			wg.Done()

			glg.Info("wsaa sidecar health check server starting")
			hech <- s.hcsrv.ListenAndServe()
			close(hech)

			s.mu.Lock()
			s.hcrunning = false
			s.mu.Unlock()
		}()
	}

	go func() {
		// wait until both servers run
		wg.Wait()

		appendErr := func(errs []error, err error) []error {
			if err != nil {
				return append(errs, err)
			}
			return errs
		}

		errs := make([]error, 0, 3)
		for {
			select {
			case <-ctx.Done():
				s.mu.RLock()
				if s.hcrunning {
					glg.Info("wsaa sidecar health check server will shutdown")
					errs = appendErr(errs, s.hcShutdown(context.Background()))
				}
				if s.srvRunning {
					glg.Info("wsaa sidecar api server will shutdown")
					errs = appendErr(errs, s.apiShutdown(context.Background()))
				}
				s.mu.RUnlock()

				echan <- appendErr(errs, ctx.Err())
				return

			case err := <-sech: // API server returned, stop the health check server
				if err != nil {
					errs = appendErr(errs, err)
				}

				s.mu.RLock()
				if s.hcrunning {
					glg.Info("wsaa sidecar health check server will shutdown")
					errs = appendErr(errs, s.hcShutdown(ctx))
				}
				s.mu.RUnlock()
				echan <- errs
				return

			case err := <-hech: // health check server returned, stop the API server
				if err != nil {
					errs = append(errs, err)
				}

				s.mu.RLock()
				if s.srvRunning {
					glg.Info("wsaa sidecar api server will shutdown")
					errs = appendErr(errs, s.apiShutdown(ctx))
				}
				s.mu.RUnlock()
				echan <- errs
				return
			}
		}
	}()

	return echan
}

func (s *server) hcShutdown(ctx context.Context) error {
	hctx, hcancel := context.WithTimeout(ctx, s.sdt)
	defer hcancel()
	return s.hcsrv.Shutdown(hctx)
}

// apiShutdown sleeps config.ShutdownDelay, then shuts the API server down.
func (s *server) apiShutdown(ctx context.Context) error {
	time.Sleep(s.sdd)
	sctx, scancel := context.WithTimeout(ctx, s.sdt)
	defer scancel()
	return s.srv.Shutdown(sctx)
}

// createHealthCheckServiceMux returns a *http.ServeMux serving the health check on pattern.
func createHealthCheckServiceMux(pattern string, healthy func() error) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		handleHealthCheckRequest(w, r, healthy)
	})
	return mux
}

// handleHealthCheckRequest answers GET requests with 200, or 503 when healthy returns an error.
func handleHealthCheckRequest(w http.ResponseWriter, r *http.Request, healthy func() error) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := http.StatusOK
	if healthy != nil {
		if err := healthy(); err != nil {
			glg.Warnf("health check failed: %v", err)
			status = http.StatusServiceUnavailable
		}
	}
	w.Header().Set(ContentType, fmt.Sprintf("%s;%s", TextPlain, CharsetUTF8))
	w.WriteHeader(status)
	if _, err := fmt.Fprint(w, http.StatusText(status)); err != nil {
		glg.Error(err)
	}
}

// listenAndServeAPI serves plain HTTP, or HTTPS when TLS is enabled.
func (s *server) listenAndServeAPI() error {
	if !s.cfg.TLS.Enable {
		return s.srv.ListenAndServe()
	}

	cfg, err := NewTLSConfig(s.cfg.TLS)
	if err != nil {
		return errors.Wrap(err, "cannot load server TLS configuration")
	}
	s.srv.TLSConfig = cfg
	return s.srv.ListenAndServeTLS("", "")
}

func (s *server) healthzSrvEnable() bool {
	return s.cfg.HealthCheck.Port > 0
}
