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
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidSetting represents an error that the configuration is invalid.
	ErrInvalidSetting = errors.New("Invalid config")

	// ErrTicketNotCached represents an error that no access ticket is cached and renewal is not allowed.
	ErrTicketNotCached = errors.New("access ticket not cached")

	// ErrEmptyService represents an error that the target service name is empty.
	ErrEmptyService = errors.New("service name is empty")
)

// CertificateError represents a malformed or unreadable certificate or private key.
type CertificateError struct {
	Reason string
	Err    error
}

func (e *CertificateError) Error() string {
	if e.Err == nil {
		return "certificate error: " + e.Reason
	}
	return fmt.Sprintf("certificate error: %s: %v", e.Reason, e.Err)
}

// Cause returns the underlying error.
func (e *CertificateError) Cause() error { return e.Err }

// Unwrap returns the underlying error.
func (e *CertificateError) Unwrap() error { return e.Err }

// SigningError represents a failure producing the CMS envelope in process.
type SigningError struct {
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Err == nil {
		return "signing error: " + e.Reason
	}
	return fmt.Sprintf("signing error: %s: %v", e.Reason, e.Err)
}

// Cause returns the underlying error.
func (e *SigningError) Cause() error { return e.Err }

// Unwrap returns the underlying error.
func (e *SigningError) Unwrap() error { return e.Err }

// ExternalToolError represents a failure of the external signing command.
type ExternalToolError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *ExternalToolError) Error() string {
	msg := fmt.Sprintf("external tool %s failed: %v", e.Tool, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Cause returns the underlying error.
func (e *ExternalToolError) Cause() error { return e.Err }

// Unwrap returns the underlying error.
func (e *ExternalToolError) Unwrap() error { return e.Err }

// RemoteAuthError represents a SOAP fault returned by WSAA.
// Code and Message are kept exactly as sent by the server.
type RemoteAuthError struct {
	Code    string
	Message string
}

func (e *RemoteAuthError) Error() string {
	return fmt.Sprintf("wsaa fault: %s: %s", e.Code, e.Message)
}

// TransportError represents a network, TLS or HTTP level failure reaching WSAA.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("wsaa transport error, endpoint: %s: %v", e.Endpoint, e.Err)
}

// Cause returns the underlying error.
func (e *TransportError) Cause() error { return e.Err }

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error { return e.Err }

// ExpiredTicketError represents a cached ticket that expired while renewal was not allowed.
type ExpiredTicketError struct {
	Key            string
	ExpirationTime time.Time
}

func (e *ExpiredTicketError) Error() string {
	return fmt.Sprintf("access ticket %s expired at %s", e.Key, e.ExpirationTime.Format(time.RFC3339))
}

// IsRetryable reports whether err may succeed on a new attempt with a fresh TRA.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
