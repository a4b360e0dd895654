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
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"io/ioutil"
	"strings"
	"time"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

const pemArmor = "-----BEGIN"

// oidSerialNumber is the subject attribute AFIP uses to carry "CUIT nnnnnnnnnnn".
var oidSerialNumber = asn1.ObjectIdentifier{2, 5, 4, 5}

// Identity represents the certificate and RSA private key used to sign a TRA.
// It is immutable after loading and safe to share between goroutines.
type Identity struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	PrivateKey  *rsa.PrivateKey

	certPEM []byte
	keyPEM  []byte
}

// CertificateInfo represents the diagnostic metadata of a certificate.
type CertificateInfo struct {
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serial_number"`
	CUIT         string    `json:"cuit,omitempty"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
}

// Expired reports whether the certificate is not valid at t.
func (c CertificateInfo) Expired(t time.Time) bool {
	return t.Before(c.NotBefore) || !t.Before(c.NotAfter)
}

// NewIdentity loads the certificate and the private key, and checks that they belong together.
func NewIdentity(certPathOrPEM, keyPathOrPEM string) (*Identity, error) {
	certPEM, err := readPEM(certPathOrPEM)
	if err != nil {
		return nil, err
	}
	chain, err := parseCertificateChain(certPEM)
	if err != nil {
		return nil, err
	}

	keyPEM, err := readPEM(keyPathOrPEM)
	if err != nil {
		return nil, err
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}

	return newIdentity(chain, key, certPEM, keyPEM)
}

// LoadPKCS12 loads an identity from a PKCS#12 bundle file.
func LoadPKCS12(path, password string) (*Identity, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, &CertificateError{Reason: "cannot read pkcs12 file", Err: err}
	}
	return DecodePKCS12(data, password)
}

// DecodePKCS12 decodes an identity from PKCS#12 bundle bytes.
func DecodePKCS12(data []byte, password string) (*Identity, error) {
	priv, cert, cas, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, &CertificateError{Reason: "invalid pkcs12 bundle", Err: err}
	}
	key, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, &CertificateError{Reason: "only RSA private keys are supported"}
	}

	chain := append([]*x509.Certificate{cert}, cas...)
	var certPEM bytes.Buffer
	for _, c := range chain {
		pem.Encode(&certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	return newIdentity(chain, key, certPEM.Bytes(), keyPEM)
}

func newIdentity(chain []*x509.Certificate, key *rsa.PrivateKey, certPEM, keyPEM []byte) (*Identity, error) {
	pub, ok := chain[0].PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, &CertificateError{Reason: "certificate public key is not RSA"}
	}
	if !pub.Equal(&key.PublicKey) {
		return nil, &CertificateError{Reason: "private key does not match certificate"}
	}
	return &Identity{
		Certificate: chain[0],
		Chain:       chain,
		PrivateKey:  key,
		certPEM:     certPEM,
		keyPEM:      keyPEM,
	}, nil
}

// Fingerprint returns the hex encoded SHA-256 digest of the identity certificate.
func (i *Identity) Fingerprint() string {
	sum := sha256.Sum256(i.Certificate.Raw)
	return hex.EncodeToString(sum[:])
}

// Info returns the diagnostic metadata of the identity certificate.
func (i *Identity) Info() CertificateInfo {
	return AnalyzeCertificate(i.Certificate)
}

// LoadCertificate returns the first certificate of a PEM file path or inline PEM text.
func LoadCertificate(pathOrPEM string) (*x509.Certificate, error) {
	chain, err := LoadCertificateChain(pathOrPEM)
	if err != nil {
		return nil, err
	}
	return chain[0], nil
}

// LoadCertificateChain returns every certificate of a PEM file path or inline PEM text, leaf first.
func LoadCertificateChain(pathOrPEM string) ([]*x509.Certificate, error) {
	b, err := readPEM(pathOrPEM)
	if err != nil {
		return nil, err
	}
	return parseCertificateChain(b)
}

// LoadPrivateKey returns the RSA private key of a PEM file path or inline PEM text.
func LoadPrivateKey(pathOrPEM string) (*rsa.PrivateKey, error) {
	b, err := readPEM(pathOrPEM)
	if err != nil {
		return nil, err
	}
	return parsePrivateKey(b)
}

// AnalyzeCertificate returns the diagnostic metadata of cert.
func AnalyzeCertificate(cert *x509.Certificate) CertificateInfo {
	if cert == nil {
		return CertificateInfo{}
	}
	return CertificateInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.String(),
		CUIT:         cuitFromName(cert.Subject),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	}
}

// cuitFromName returns the digits of a "CUIT nnnnnnnnnnn" serialNumber attribute.
func cuitFromName(name pkix.Name) string {
	for _, atv := range name.Names {
		if !atv.Type.Equal(oidSerialNumber) {
			continue
		}
		v, ok := atv.Value.(string)
		if !ok {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(v), "CUIT ") {
			return strings.TrimSpace(v[len("CUIT "):])
		}
	}
	return ""
}

// readPEM returns the input itself when it carries a PEM armor, otherwise the content of the file it names.
func readPEM(pathOrPEM string) ([]byte, error) {
	if strings.Contains(pathOrPEM, pemArmor) {
		return []byte(pathOrPEM), nil
	}
	if pathOrPEM == "" {
		return nil, &CertificateError{Reason: "empty certificate or key input"}
	}
	b, err := ioutil.ReadFile(pathOrPEM)
	if err != nil {
		return nil, &CertificateError{Reason: "cannot read " + pathOrPEM, Err: err}
	}
	return b, nil
}

func parseCertificateChain(data []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, &CertificateError{Reason: "invalid X.509 certificate", Err: err}
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, &CertificateError{Reason: "no PEM certificate found"}
	}
	return chain, nil
}

// parsePrivateKey returns the first private key of data. Other PEM blocks, such as
// certificates or EC PARAMETERS, are skipped.
func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, &CertificateError{Reason: "no PEM private key found"}
		}
		if !strings.HasSuffix(block.Type, "PRIVATE KEY") {
			continue
		}
		if _, ok := block.Headers["DEK-Info"]; ok || block.Type == "ENCRYPTED PRIVATE KEY" {
			return nil, &CertificateError{Reason: "encrypted private keys are not supported"}
		}

		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, &CertificateError{Reason: "invalid PKCS#1 private key", Err: err}
			}
			return key, nil
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, &CertificateError{Reason: "invalid PKCS#8 private key", Err: err}
			}
			key, ok := k.(*rsa.PrivateKey)
			if !ok {
				return nil, &CertificateError{Reason: "only RSA private keys are supported"}
			}
			return key, nil
		default:
			return nil, &CertificateError{Reason: "only RSA private keys are supported, got " + block.Type}
		}
	}
}
