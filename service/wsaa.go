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
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/afipws/wsaa-client-sidecar/config"
	"github.com/beevik/etree"
	"github.com/kpango/glg"
	"github.com/pkg/errors"
)

const (
	// HomologationURL is the WSAA endpoint of the AFIP testing environment.
	HomologationURL = "https://wsaahomo.afip.gov.ar/ws/services/LoginCms"

	// ProductionURL is the WSAA endpoint of the AFIP production environment.
	ProductionURL = "https://wsaa.afip.gov.ar/ws/services/LoginCms"

	soapEnvNS = "http://schemas.xmlsoap.org/soap/envelope/"
	wsaaNS    = "http://wsaa.view.sua.dvadac.desein.afip.gov"

	// defaultWSAATimeout represents the default timeout of a loginCms call.
	defaultWSAATimeout = 30 * time.Second

	// maxResponseSize bounds the loginCms response body read in memory.
	maxResponseSize = 1 << 20
)

// WSAAClient represents the client of the WSAA loginCms operation.
type WSAAClient interface {
	// LoginCMS exchanges a base64 CMS envelope for the raw loginTicketResponse XML.
	LoginCMS(ctx context.Context, cms string) ([]byte, error)
	// Endpoint returns the URL the client posts to.
	Endpoint() string
}

type wsaaClient struct {
	endpoint   string
	timeout    time.Duration
	httpClient *http.Client
}

// NewWSAAClient returns a WSAAClient configured by cfg.
func NewWSAAClient(cfg config.WSAA) (WSAAClient, error) {
	endpoint, err := ResolveEndpoint(cfg.Environment, config.GetActualValue(cfg.WSDL))
	if err != nil {
		return nil, err
	}

	timeout := defaultWSAATimeout
	if cfg.Timeout != "" {
		if timeout, err = time.ParseDuration(cfg.Timeout); err != nil {
			return nil, errors.Wrap(ErrInvalidSetting, "Timeout: "+err.Error())
		}
	}

	tlsConfig := NewTLSClientConfig(nil)
	if cfg.CAPath != "" {
		cp, err := NewX509CertPool(config.GetActualValue(cfg.CAPath))
		if err != nil {
			return nil, errors.Wrap(ErrInvalidSetting, "CAPath: "+err.Error())
		}
		tlsConfig = NewTLSClientConfig(cp)
	}

	return &wsaaClient{
		endpoint: endpoint,
		timeout:  timeout,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: tlsConfig,
			},
		},
	}, nil
}

// ResolveEndpoint returns the loginCms URL for the environment, or the override when given.
// A trailing "?wsdl" of the override is dropped.
func ResolveEndpoint(environment, override string) (string, error) {
	if override != "" {
		return strings.TrimSuffix(strings.TrimSuffix(override, "?wsdl"), "?WSDL"), nil
	}
	switch strings.ToLower(environment) {
	case "", config.EnvironmentHomologation:
		return HomologationURL, nil
	case config.EnvironmentProduction:
		return ProductionURL, nil
	default:
		return "", errors.Wrap(ErrInvalidSetting, "unknown WSAA environment: "+environment)
	}
}

func (c *wsaaClient) Endpoint() string {
	return c.endpoint
}

// LoginCMS posts the loginCms SOAP request and returns the loginCmsReturn content.
// A SOAP fault is returned as *RemoteAuthError, any other failure as *TransportError.
func (c *wsaaClient) LoginCMS(ctx context.Context, cms string) ([]byte, error) {
	body, err := newLoginCMSEnvelope(cms)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequest(http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Endpoint: c.endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `""`)

	glg.Debugf("send loginCms request, endpoint: %s", c.endpoint)
	res, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, &TransportError{Endpoint: c.endpoint, Err: err}
	}
	defer flushAndClose(res.Body)

	data, err := ioutil.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	if err != nil {
		return nil, &TransportError{Endpoint: c.endpoint, Err: err}
	}

	return parseLoginCMSResponse(c.endpoint, res.StatusCode, data)
}

// newLoginCMSEnvelope returns the SOAP 1.1 envelope of the loginCms operation.
func newLoginCMSEnvelope(cms string) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soapenv:Envelope")
	env.CreateAttr("xmlns:soapenv", soapEnvNS)
	env.CreateAttr("xmlns:wsaa", wsaaNS)
	env.CreateElement("soapenv:Header")

	login := env.CreateElement("soapenv:Body").CreateElement("wsaa:loginCms")
	login.CreateElement("wsaa:in0").SetText(cms)

	return doc.WriteToBytes()
}

// parseLoginCMSResponse extracts the ticket or the fault out of a loginCms response body.
func parseLoginCMSResponse(endpoint string, status int, data []byte) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		if status != http.StatusOK {
			return nil, &TransportError{Endpoint: endpoint, Err: fmt.Errorf("unexpected status code %d", status)}
		}
		return nil, &TransportError{Endpoint: endpoint, Err: errors.Wrap(err, "invalid loginCms response")}
	}

	if fault := doc.FindElement("//Fault"); fault != nil {
		return nil, &RemoteAuthError{
			Code:    childText(fault, "faultcode"),
			Message: childText(fault, "faultstring"),
		}
	}

	if status != http.StatusOK {
		return nil, &TransportError{Endpoint: endpoint, Err: fmt.Errorf("unexpected status code %d", status)}
	}

	ret := doc.FindElement("//loginCmsReturn")
	if ret == nil || strings.TrimSpace(ret.Text()) == "" {
		return nil, &TransportError{Endpoint: endpoint, Err: errors.New("loginCmsReturn not found in response")}
	}
	return []byte(strings.TrimSpace(ret.Text())), nil
}

func childText(e *etree.Element, tag string) string {
	c := e.FindElement(tag)
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Text())
}

// flushAndClose helps to flush and close a ReadCloser.
func flushAndClose(rc io.ReadCloser) error {
	if rc == nil {
		return nil
	}
	if _, err := io.Copy(ioutil.Discard, rc); err != nil {
		return err
	}
	return rc.Close()
}
