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
	"strconv"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/kpango/fastime"
)

const (
	// DefaultTTL represents the default requested lifetime of an access ticket.
	// WSAA may grant a shorter one; the expiration time of the returned ticket is authoritative.
	DefaultTTL = 24 * time.Hour

	// DefaultClockSkew represents how far in the past the TRA generation time is set.
	DefaultClockSkew = 10 * time.Minute

	// timeLayout is xsd:dateTime with a numeric zone offset.
	timeLayout = "2006-01-02T15:04:05-07:00"
)

// TRA represents a login ticket request.
type TRA struct {
	UniqueID       uint32
	GenerationTime time.Time
	ExpirationTime time.Time
	Service        string
}

// TRABuilder creates login ticket requests.
type TRABuilder struct {
	ttl   time.Duration
	skew  time.Duration
	clock func() time.Time

	mu     sync.Mutex
	lastID uint32
}

// NewTRABuilder returns a TRABuilder. Non positive ttl or negative skew fall back to the defaults.
func NewTRABuilder(ttl, skew time.Duration, clock func() time.Time) *TRABuilder {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if skew < 0 {
		skew = DefaultClockSkew
	}
	if clock == nil {
		clock = fastime.Now
	}
	return &TRABuilder{
		ttl:   ttl,
		skew:  skew,
		clock: clock,
	}
}

// CreateTRA returns a new TRA for the service.
// The unique id is the current unix time, bumped when it would repeat an id already issued by this builder.
func (b *TRABuilder) CreateTRA(service string) (*TRA, error) {
	if service == "" {
		return nil, ErrEmptyService
	}
	now := b.clock()
	return &TRA{
		UniqueID:       b.nextID(now),
		GenerationTime: now.Add(-b.skew),
		ExpirationTime: now.Add(b.ttl),
		Service:        service,
	}, nil
}

func (b *TRABuilder) nextID(now time.Time) uint32 {
	id := uint32(now.Unix())

	b.mu.Lock()
	defer b.mu.Unlock()
	if id <= b.lastID {
		id = b.lastID + 1
	}
	b.lastID = id
	return id
}

// Marshal returns the canonical XML document of the TRA. The CMS signature covers these exact bytes.
func (t *TRA) Marshal() ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("loginTicketRequest")
	root.CreateAttr("version", "1.0")

	header := root.CreateElement("header")
	header.CreateElement("uniqueId").SetText(strconv.FormatUint(uint64(t.UniqueID), 10))
	header.CreateElement("generationTime").SetText(t.GenerationTime.Format(timeLayout))
	header.CreateElement("expirationTime").SetText(t.ExpirationTime.Format(timeLayout))

	root.CreateElement("service").SetText(t.Service)

	return doc.WriteToBytes()
}
