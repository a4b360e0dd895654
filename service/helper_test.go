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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"
)

var (
	testKeyOnce sync.Once
	testKeys    [2]*rsa.PrivateKey
)

// testKey returns one of two RSA keys shared by the tests of the package.
func testKey(t *testing.T, i int) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		for n := range testKeys {
			k, err := rsa.GenerateKey(rand.Reader, 2048)
			if err != nil {
				panic(err)
			}
			testKeys[n] = k
		}
	})
	return testKeys[i]
}

// newTestCertificate returns a self signed certificate of key carrying the "CUIT <cuit>" serialNumber attribute.
func newTestCertificate(t *testing.T, key *rsa.PrivateKey, cuit string, notBefore, notAfter time.Time) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(4242),
		Subject: pkix.Name{
			CommonName:   "facturacion",
			Organization: []string{"Test SA"},
			ExtraNames: []pkix.AttributeTypeAndValue{
				{Type: asn1.ObjectIdentifier{2, 5, 4, 5}, Value: "CUIT " + cuit},
			},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}

func certToPEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

func pkcs1ToPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
}

func pkcs8ToPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	b, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: b}))
}

// newTestIdentity returns an identity valid one year around now.
func newTestIdentity(t *testing.T, now time.Time) *Identity {
	t.Helper()
	key := testKey(t, 0)
	cert := newTestCertificate(t, key, "20123456789", now.Add(-24*time.Hour), now.Add(365*24*time.Hour))
	id, err := NewIdentity(certToPEM(cert), pkcs1ToPEM(key))
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// newTestTA returns a loginTicketResponse document.
func newTestTA(token, sign string, generation, expiration time.Time) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<loginTicketResponse version="1.0">
    <header>
        <source>CN=wsaahomo, O=AFIP, C=AR, SERIALNUMBER=CUIT 33693450239</source>
        <destination>SERIALNUMBER=CUIT 20123456789, CN=facturacion</destination>
        <uniqueId>1234567890</uniqueId>
        <generationTime>` + generation.Format("2006-01-02T15:04:05.000-07:00") + `</generationTime>
        <expirationTime>` + expiration.Format("2006-01-02T15:04:05.000-07:00") + `</expirationTime>
    </header>
    <credentials>
        <token>` + token + `</token>
        <sign>` + sign + `</sign>
    </credentials>
</loginTicketResponse>`)
}
