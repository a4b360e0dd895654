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
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/pkg/errors"
)

// AccessTicket represents a loginTicketResponse (TA) issued by WSAA.
// A ticket authorizes exactly one service.
type AccessTicket struct {
	Token          string
	Sign           string
	Source         string
	Destination    string
	UniqueID       uint32
	GenerationTime time.Time
	ExpirationTime time.Time

	// Raw is the loginTicketResponse document exactly as returned by the server.
	Raw []byte
}

var (
	// ErrInvalidTicket represents an error that the loginTicketResponse lacks a mandatory field.
	ErrInvalidTicket = errors.New("invalid access ticket")
)

// ParseAccessTicket parses a raw loginTicketResponse document.
// token, sign and expirationTime are mandatory, the header fields are kept when present.
func ParseAccessTicket(raw []byte) (*AccessTicket, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, errors.Wrap(ErrInvalidTicket, err.Error())
	}
	root := doc.SelectElement("loginTicketResponse")
	if root == nil {
		return nil, errors.Wrap(ErrInvalidTicket, "loginTicketResponse not found")
	}

	t := &AccessTicket{
		Token:       childText(root, "credentials/token"),
		Sign:        childText(root, "credentials/sign"),
		Source:      childText(root, "header/source"),
		Destination: childText(root, "header/destination"),
		Raw:         raw,
	}
	switch {
	case t.Token == "":
		return nil, errors.Wrap(ErrInvalidTicket, "no token")
	case t.Sign == "":
		return nil, errors.Wrap(ErrInvalidTicket, "no sign")
	}

	var err error
	if t.ExpirationTime, err = parseTicketTime(childText(root, "header/expirationTime")); err != nil {
		return nil, errors.Wrap(ErrInvalidTicket, "expirationTime: "+err.Error())
	}
	if v := childText(root, "header/generationTime"); v != "" {
		if t.GenerationTime, err = parseTicketTime(v); err != nil {
			return nil, errors.Wrap(ErrInvalidTicket, "generationTime: "+err.Error())
		}
	}
	if v := childText(root, "header/uniqueId"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidTicket, "uniqueId: "+err.Error())
		}
		t.UniqueID = uint32(id)
	}
	return t, nil
}

// parseTicketTime parses xsd:dateTime values, with or without fractional seconds.
func parseTicketTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, v)
}

// IsExpired reports whether the ticket must not be used at now.
// The boundary is inclusive and there is no grace margin.
func IsExpired(t *AccessTicket, now time.Time) bool {
	return t == nil || !now.Before(t.ExpirationTime)
}

// CacheKey returns the ticket cache key of a service and an optional represented CUIT.
// Both parts are escaped so that distinct pairs never share a key, and the key only holds file name safe characters.
func CacheKey(service, cuit string) string {
	cuit = strings.TrimSpace(cuit)
	if cuit == "" {
		return escapeKeyPart(service)
	}
	return escapeKeyPart(service) + "-" + escapeKeyPart(cuit)
}

// IdentityCacheKey returns the cache key of a ticket issued to the certificate with the given fingerprint.
func IdentityCacheKey(service, cuit, fingerprint string) string {
	return escapeKeyPart(service) + "-" + escapeKeyPart(strings.TrimSpace(cuit)) + "-" + escapeKeyPart(fingerprint)
}

// escapeKeyPart hex escapes every byte outside [A-Za-z0-9_] as ".xx".
func escapeKeyPart(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '_':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, ".%02x", c)
		}
	}
	return b.String()
}
