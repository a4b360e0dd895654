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

package router

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/afipws/wsaa-client-sidecar/config"
	"github.com/afipws/wsaa-client-sidecar/handler"
	"github.com/kpango/fastime"
	"github.com/kpango/glg"
)

const defaultHandlerTimeout = 45 * time.Second

// New returns a routed ServeMux serving the ticket API.
func New(cfg config.Server, h handler.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	dur, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		glg.Warnf("invalid server timeout %q, use %v: %v", cfg.Timeout, defaultHandlerTimeout, err)
		dur = defaultHandlerTimeout
	}

	for _, route := range NewRoutes(h) {
		mux.Handle(route.Pattern, routing(route.Methods, dur, route.HandlerFunc))
	}

	return mux
}

// routing wraps the handler.Func and returns a new http.Handler.
// It checks the HTTP method, cancels the handler context after t, and writes the error returned by the handler.
// The handler writes into a buffer that reaches the client only when it returns in time; otherwise the client gets 504.
func routing(m []string, t time.Duration, h handler.Func) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, method := range m {
			if !strings.EqualFold(r.Method, method) && method != "*" {
				continue
			}

			ctx, cancel := context.WithTimeout(r.Context(), t)
			defer cancel()
			start := fastime.Now()

			bw := newBufferedWriter()
			ech := make(chan error, 1)
			go func() {
				defer close(ech)
				ech <- h(bw, r.WithContext(ctx))
			}()

			select {
			case <-ctx.Done():
				glg.Errorf("Handler Time Out: %v", fastime.Now().Sub(start))
				http.Error(w, "Error: handler timeout\t"+http.StatusText(http.StatusGatewayTimeout), http.StatusGatewayTimeout)
			case err := <-ech:
				if err != nil {
					code := handler.StatusCode(err)
					http.Error(w, fmt.Sprintf("Error: %s\t%s", err.Error(), http.StatusText(code)), code)
					glg.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
					return
				}
				bw.flush(w)
			}
			return
		}

		http.Error(w, fmt.Sprintf("Method: %s\t%s", r.Method, http.StatusText(http.StatusMethodNotAllowed)), http.StatusMethodNotAllowed)
	})
}

// bufferedWriter holds a handler response until routing decides to send it.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{header: make(http.Header)}
}

func (b *bufferedWriter) Header() http.Header {
	return b.header
}

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) flush(w http.ResponseWriter) {
	for k, v := range b.header {
		w.Header()[k] = v
	}
	if b.status == 0 {
		b.status = http.StatusOK
	}
	w.WriteHeader(b.status)
	if _, err := b.body.WriteTo(w); err != nil {
		glg.Warnf("cannot write response: %v", err)
	}
}
