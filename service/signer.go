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
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"io/ioutil"
	"os"
	"os/exec"
	"strings"

	"github.com/afipws/wsaa-client-sidecar/config"
	cms "github.com/github/smimesign/ietf-cms"
	"github.com/kpango/glg"
	"github.com/pkg/errors"
)

const (
	defaultOpenSSLPath    = "openssl"
	defaultOpenSSLCommand = "cms"
)

// CMSSigner represents a strategy producing the base64 CMS signed-data envelope of a TRA.
type CMSSigner interface {
	Sign(ctx context.Context, tra []byte, id *Identity) (string, error)
}

// NewCMSSigner returns the CMSSigner selected by the configuration.
func NewCMSSigner(cfg config.Signer) (CMSSigner, error) {
	switch strings.ToLower(cfg.Strategy) {
	case "", config.SignerBuiltin:
		return NewBuiltinSigner(), nil
	case config.SignerOpenSSL:
		return NewOpenSSLSigner(config.GetActualValue(cfg.OpenSSLPath), cfg.OpenSSLCommand)
	default:
		return nil, errors.Wrap(ErrInvalidSetting, "unknown signer strategy: "+cfg.Strategy)
	}
}

type builtinSigner struct{}

// NewBuiltinSigner returns a CMSSigner implemented in process.
func NewBuiltinSigner() CMSSigner {
	return &builtinSigner{}
}

// Sign returns the base64 attached CMS signed-data of tra, carrying the identity certificate chain.
func (s *builtinSigner) Sign(ctx context.Context, tra []byte, id *Identity) (string, error) {
	chain, err := signingChain(id)
	if err != nil {
		return "", err
	}
	der, err := cms.Sign(tra, chain, id.PrivateKey)
	if err != nil {
		return "", &SigningError{Reason: "cannot create signed data", Err: err}
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

type opensslSigner struct {
	path    string
	command string
}

// NewOpenSSLSigner returns a CMSSigner running "openssl cms -sign" (or "smime") as a sub process.
func NewOpenSSLSigner(path, command string) (CMSSigner, error) {
	if path == "" {
		path = defaultOpenSSLPath
	}
	switch command {
	case "":
		command = defaultOpenSSLCommand
	case "cms", "smime":
	default:
		return nil, errors.Wrap(ErrInvalidSetting, "unknown openssl command: "+command)
	}
	return &opensslSigner{
		path:    path,
		command: command,
	}, nil
}

// Sign passes tra on stdin and reads the DER signed-data from stdout.
func (s *opensslSigner) Sign(ctx context.Context, tra []byte, id *Identity) (string, error) {
	if _, err := signingChain(id); err != nil {
		return "", err
	}

	bin, err := exec.LookPath(s.path)
	if err != nil {
		return "", &ExternalToolError{Tool: s.path, Err: err}
	}

	certPEM, keyPEM := id.pemMaterial()

	certFile, err := writeTemp("wsaa-cert-*.pem", certPEM)
	if err != nil {
		return "", &SigningError{Reason: "cannot write certificate", Err: err}
	}
	defer os.Remove(certFile)

	keyFile, err := writeTemp("wsaa-key-*.pem", keyPEM)
	if err != nil {
		return "", &SigningError{Reason: "cannot write private key", Err: err}
	}
	defer os.Remove(keyFile)

	args := []string{
		s.command, "-sign",
		"-signer", certFile,
		"-inkey", keyFile,
		"-outform", "DER",
		"-nodetach",
		"-binary",
	}
	glg.Debugf("run external signer: %s %s", bin, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(tra)
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return "", &ExternalToolError{Tool: s.path, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	if stdout.Len() == 0 {
		return "", &ExternalToolError{Tool: s.path, Stderr: strings.TrimSpace(stderr.String()), Err: errors.New("empty output")}
	}
	return base64.StdEncoding.EncodeToString(stdout.Bytes()), nil
}

// signingChain validates id and returns the certificates to embed, leaf first.
func signingChain(id *Identity) ([]*x509.Certificate, error) {
	switch {
	case id == nil || id.Certificate == nil:
		return nil, &SigningError{Reason: "no certificate"}
	case id.PrivateKey == nil:
		return nil, &SigningError{Reason: "unsupported or missing RSA private key"}
	}
	pub, ok := id.Certificate.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(id.PrivateKey.Public()) {
		return nil, &SigningError{Reason: "private key does not match certificate"}
	}
	if len(id.Chain) == 0 {
		return []*x509.Certificate{id.Certificate}, nil
	}
	return id.Chain, nil
}

// pemMaterial returns the PEM encoded certificate chain and private key of the identity.
func (i *Identity) pemMaterial() (certPEM, keyPEM []byte) {
	certPEM, keyPEM = i.certPEM, i.keyPEM
	if len(certPEM) == 0 {
		chain := i.Chain
		if len(chain) == 0 {
			chain = []*x509.Certificate{i.Certificate}
		}
		for _, c := range chain {
			certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
		}
	}
	if len(keyPEM) == 0 {
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(i.PrivateKey)})
	}
	return certPEM, keyPEM
}

// writeTemp writes data to a new private temporary file and returns its name.
func writeTemp(pattern string, data []byte) (string, error) {
	f, err := ioutil.TempFile("", pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err = f.Write(data); err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}
