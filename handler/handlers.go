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

package handler

import (
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"

	"github.com/afipws/wsaa-client-sidecar/model"
	"github.com/afipws/wsaa-client-sidecar/service"
	"github.com/kpango/fastime"
	"github.com/pkg/errors"
)

// Handler for handling a set of HTTP requests.
type Handler interface {
	// Ticket handles get credentials requests.
	Ticket(http.ResponseWriter, *http.Request) error
	// InvalidateTicket handles drop cached ticket requests.
	InvalidateTicket(http.ResponseWriter, *http.Request) error
	// TicketState handles ticket lifecycle state requests.
	TicketState(http.ResponseWriter, *http.Request) error
	// Certificate handles signing certificate diagnostic requests.
	Certificate(http.ResponseWriter, *http.Request) error
}

// Func is http.HandlerFunc with error return.
type Func func(http.ResponseWriter, *http.Request) error

// handler is internal implementation of Handler interface.
type handler struct {
	auth   service.AuthService
	ticket service.TicketProvider
}

var (
	// ErrBadRequest represents an error that the request cannot be decoded or lacks a mandatory field.
	ErrBadRequest = errors.New("bad request")

	// ErrNotFound represents an error that the requested resource does not exist.
	ErrNotFound = errors.New("not found")
)

const contentTypeJSON = "application/json; charset=utf-8"

// New creates a handler for the ticket API. A nil ticket provider uses the provider of auth.
func New(auth service.AuthService, ticket service.TicketProvider) Handler {
	if ticket == nil && auth != nil {
		ticket = auth.GetTicketProvider()
	}
	return &handler{
		auth:   auth,
		ticket: ticket,
	}
}

// Ticket handles credentials requests and responses the token and sign of the requested service. Depends on auth service.
func (h *handler) Ticket(w http.ResponseWriter, r *http.Request) error {
	defer flushAndClose(r.Body)

	var data model.TicketRequest
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		return errors.Wrap(ErrBadRequest, err.Error())
	}
	if data.Service == "" {
		return errors.Wrap(ErrBadRequest, "service is required")
	}

	c, err := h.ticket(r.Context(), service.AuthRequest{
		Service:    data.Service,
		CUIT:       data.CUIT,
		ForceRenew: data.ForceRenew,
		CacheOnly:  data.CacheOnly,
	})
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	return json.NewEncoder(w).Encode(model.TicketResponse(*c))
}

// InvalidateTicket drops the cached ticket of the requested service.
func (h *handler) InvalidateTicket(w http.ResponseWriter, r *http.Request) error {
	defer flushAndClose(r.Body)

	var data model.InvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		return errors.Wrap(ErrBadRequest, err.Error())
	}
	if data.Service == "" {
		return errors.Wrap(ErrBadRequest, "service is required")
	}
	if err := h.auth.Invalidate(data.Service, data.CUIT); err != nil {
		return err
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	return json.NewEncoder(w).Encode(struct{}{})
}

// TicketState responses the lifecycle state of the ticket named by the "service" and "cuit" query parameters.
func (h *handler) TicketState(w http.ResponseWriter, r *http.Request) error {
	defer flushAndClose(r.Body)

	q := r.URL.Query()
	res := model.StateResponse{
		Service: q.Get("service"),
		CUIT:    q.Get("cuit"),
	}
	if res.Service == "" {
		return errors.Wrap(ErrBadRequest, "service is required")
	}
	res.State = h.auth.State(res.Service, res.CUIT).String()

	w.Header().Set("Content-Type", contentTypeJSON)
	return json.NewEncoder(w).Encode(res)
}

// Certificate responses the metadata of the configured signing certificate.
func (h *handler) Certificate(w http.ResponseWriter, r *http.Request) error {
	defer flushAndClose(r.Body)

	id := h.auth.Identity()
	if id == nil {
		return errors.Wrap(ErrNotFound, "no certificate configured")
	}
	info := id.Info()

	w.Header().Set("Content-Type", contentTypeJSON)
	return json.NewEncoder(w).Encode(model.CertificateResponse{
		CertificateInfo: info,
		Expired:         info.Expired(fastime.Now()),
	})
}

// StatusCode returns the HTTP status code reporting err.
func StatusCode(err error) int {
	var (
		re *service.RemoteAuthError
		te *service.TransportError
		ee *service.ExpiredTicketError
	)
	switch cause := errors.Cause(err); {
	case cause == ErrBadRequest, cause == service.ErrEmptyService, cause == service.ErrInvalidRequest:
		return http.StatusBadRequest
	case cause == ErrNotFound, cause == service.ErrTicketNotCached, errors.As(err, &ee):
		return http.StatusNotFound
	case errors.As(err, &re):
		return http.StatusBadGateway
	case errors.As(err, &te):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// flushAndClose helps to flush and close a ReadCloser. Used for request body internal.
// Returns if there is any errors.
func flushAndClose(rc io.ReadCloser) error {
	if rc != nil {
		// flush
		_, err := io.Copy(ioutil.Discard, rc)
		if err != nil {
			return err
		}
		// close
		return rc.Close()
	}
	return nil
}
