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

package model

import (
	"github.com/afipws/wsaa-client-sidecar/service"
)

// TicketRequest represents the request information to get the credentials of a WSAA service.
type TicketRequest struct {
	// Service represents the WSAA service name, e.g. "wsfe".
	Service string `json:"service"`

	// CUIT represents the represented taxpayer id. The configured default is used when empty.
	CUIT string `json:"cuit"`

	// ForceRenew requests a new ticket even when the cached one is valid.
	ForceRenew bool `json:"force_renew"`

	// CacheOnly forbids contacting WSAA.
	CacheOnly bool `json:"cache_only"`
}

// InvalidateRequest represents the request information to drop a cached ticket.
type InvalidateRequest struct {
	Service string `json:"service"`
	CUIT    string `json:"cuit"`
}

// TicketResponse represents the credentials of a WSAA service.
type TicketResponse = service.Credentials

// StateResponse represents the lifecycle state of a cached ticket.
type StateResponse struct {
	Service string `json:"service"`
	CUIT    string `json:"cuit"`
	State   string `json:"state"`
}

// CertificateResponse represents the diagnostic metadata of the signing certificate.
type CertificateResponse struct {
	service.CertificateInfo
	Expired bool `json:"expired"`
}
