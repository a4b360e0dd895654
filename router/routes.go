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
	"net/http"

	"github.com/afipws/wsaa-client-sidecar/handler"
)

// Route manages the routing for sidecar.
type Route struct {
	Name        string
	Methods     []string
	Pattern     string
	HandlerFunc handler.Func
}

// NewRoutes returns Route slice.
func NewRoutes(h handler.Handler) []Route {
	return []Route{
		{
			"Ticket Handler",
			[]string{
				http.MethodPost,
			},
			"/ticket",
			h.Ticket,
		},
		{
			"Ticket Invalidate Handler",
			[]string{
				http.MethodPost,
			},
			"/ticket/invalidate",
			h.InvalidateTicket,
		},
		{
			"Ticket State Handler",
			[]string{
				http.MethodGet,
			},
			"/ticket/state",
			h.TicketState,
		},
		{
			"Certificate Handler",
			[]string{
				http.MethodGet,
			},
			"/certificate",
			h.Certificate,
		},
	}
}
