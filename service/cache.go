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
	"time"

	"github.com/kpango/fastime"
	"github.com/kpango/glg"
	"github.com/pkg/errors"
)

// TicketCache persists the latest access ticket per cache key.
// Consistency between processes sharing a store is weak: a reader sees either the old or the new ticket.
type TicketCache struct {
	store TicketStore
	clock func() time.Time
}

// NewTicketCache returns a TicketCache backed by store. A nil clock uses the wall clock.
func NewTicketCache(store TicketStore, clock func() time.Time) *TicketCache {
	if store == nil {
		store = NewMemoryStore()
	}
	if clock == nil {
		clock = fastime.Now
	}
	return &TicketCache{
		store: store,
		clock: clock,
	}
}

// Load returns the ticket stored under key and whether one was found.
// Unreadable or corrupted entries are reported as not found so that the caller authenticates again.
func (c *TicketCache) Load(key string) (*AccessTicket, bool) {
	raw, ok, err := c.store.Load(key)
	if err != nil {
		glg.Warnf("cannot read cached ticket, key: %s, error: %v", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	t, err := ParseAccessTicket(raw)
	if err != nil {
		glg.Warnf("ignore corrupted cached ticket, key: %s, error: %v", key, err)
		return nil, false
	}
	return t, true
}

// Store persists the raw document of t under key.
func (c *TicketCache) Store(key string, t *AccessTicket) error {
	if t == nil || len(t.Raw) == 0 {
		return errors.Wrap(ErrInvalidTicket, "nothing to store")
	}
	return c.store.Save(key, t.Raw)
}

// Invalidate removes the ticket stored under key.
func (c *TicketCache) Invalidate(key string) error {
	return c.store.Delete(key)
}

// IsExpired reports whether t is expired at the cache clock.
func (c *TicketCache) IsExpired(t *AccessTicket) bool {
	return IsExpired(t, c.clock())
}
