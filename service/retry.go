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
	"time"

	"github.com/kpango/glg"
)

// maxRetryDelay caps the doubled retry delay.
const maxRetryDelay = 30 * time.Second

// WithRetry returns a TicketProvider calling p up to attempts times.
// Only transport failures are retried; faults returned by WSAA and local errors are returned at once.
func WithRetry(p TicketProvider, attempts int, delay time.Duration) TicketProvider {
	if attempts <= 1 {
		return p
	}
	return func(ctx context.Context, req AuthRequest) (*Credentials, error) {
		return AuthenticateWithRetry(ctx, p, req, attempts, delay)
	}
}

// AuthenticateWithRetry calls p until it succeeds, fails with a non retryable error,
// the attempts are exhausted or ctx is done. The delay doubles after each retry, up to maxRetryDelay.
func AuthenticateWithRetry(ctx context.Context, p TicketProvider, req AuthRequest, attempts int, delay time.Duration) (*Credentials, error) {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; ; i++ {
		var c *Credentials
		c, err = p(ctx, req)
		if err == nil || !IsRetryable(err) || i >= attempts {
			return c, err
		}
		glg.Warnf("authentication attempt %d/%d failed, service: %s, error: %v", i, attempts, req.Service, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay(delay, i)):
		}
	}
}

// retryDelay returns the pause before the retry following the n-th failed attempt.
// A delay above maxRetryDelay is kept as is.
func retryDelay(delay time.Duration, n int) time.Duration {
	d := delay
	for i := 1; i < n && d < maxRetryDelay; i++ {
		d *= 2
	}
	if d > maxRetryDelay && delay <= maxRetryDelay {
		return maxRetryDelay
	}
	return d
}
