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

package config

import (
	"os"
	"strings"

	yaml "gopkg.in/yaml.v2"
)

const (
	currentVersion = "v1.0.0"

	// EnvironmentHomologation selects the AFIP testing (homologación) WSAA endpoint.
	EnvironmentHomologation = "homologation"

	// EnvironmentProduction selects the AFIP production WSAA endpoint.
	EnvironmentProduction = "production"

	// SignerBuiltin selects the in-process CMS signer.
	SignerBuiltin = "builtin"

	// SignerOpenSSL selects the CMS signer that runs the openssl command.
	SignerOpenSSL = "openssl"
)

// Config represents the configuration of the WSAA client sidecar application.
type Config struct {
	// Version represents the WSAA client sidecar application version.
	Version string `yaml:"version"`

	// Server represents the WSAA client sidecar and health check server configuration.
	Server Server `yaml:"server"`

	// WSAA represents the configuration to request access tickets from AFIP WSAA.
	WSAA WSAA `yaml:"wsaa"`

	// Cache represents the access ticket cache configuration.
	Cache Cache `yaml:"cache"`

	// Log represents the logger configuration.
	Log Log `yaml:"log"`
}

// Server represents WSAA client sidecar server and health check server configuration.
type Server struct {
	// Port represents WSAA client sidecar server port.
	Port int `yaml:"port"`

	// Timeout represents the WSAA client sidecar server handler timeout value.
	Timeout string `yaml:"timeout"`

	// ShutdownTimeout represents the duration before force shutdown.
	ShutdownTimeout string `yaml:"shutdown_timeout"`

	// ShutdownDelay represents the delay duration between the health check server shutdown and the client sidecar server shutdown.
	ShutdownDelay string `yaml:"shutdown_delay"`

	// TLS represents the TLS configuration for WSAA client sidecar server.
	TLS TLS `yaml:"tls"`

	// HealthCheck represents the health check server configuration.
	HealthCheck HealthCheck `yaml:"health_check"`
}

// TLS represents the TLS configuration for WSAA client sidecar server.
type TLS struct {
	// Enable represents the WSAA client sidecar server enable TLS or not.
	Enable bool `yaml:"enable"`

	// CertPath represents the server certificate file path.
	CertPath string `yaml:"cert_path"`

	// KeyPath represents the private key file path of the server certificate.
	KeyPath string `yaml:"key_path"`

	// CAPath represents the CA certificate chain file path for verifying client certificates.
	CAPath string `yaml:"ca_path"`
}

// HealthCheck represents the health check server configuration.
type HealthCheck struct {
	// Port represents the server port.
	Port int `yaml:"port"`

	// Endpoint represents the health check endpoint (pattern).
	Endpoint string `yaml:"endpoint"`
}

// WSAA represents the configuration to request access tickets from AFIP WSAA.
type WSAA struct {
	// Environment represents the WSAA environment, "homologation" or "production".
	Environment string `yaml:"environment"`

	// WSDL overrides the endpoint selected by Environment.
	WSDL string `yaml:"wsdl"`

	// CertPath represents the X.509 certificate registered at AFIP, as a file path or inline PEM.
	CertPath string `yaml:"cert_path"`

	// KeyPath represents the RSA private key of the certificate, as a file path or inline PEM.
	KeyPath string `yaml:"key_path"`

	// PKCS12Path represents a PKCS#12 bundle holding both certificate and key. It is used when CertPath is empty.
	PKCS12Path string `yaml:"pkcs12_path"`

	// PKCS12Password represents the password of the PKCS#12 bundle.
	PKCS12Password string `yaml:"pkcs12_password"`

	// CUIT represents the default represented taxpayer id sent alongside token and sign.
	CUIT string `yaml:"cuit"`

	// Services represents the services to authenticate at start up.
	Services []string `yaml:"services"`

	// TTL represents the requested ticket time-to-live.
	TTL string `yaml:"ttl"`

	// ClockSkew represents how far in the past the TRA generation time is set.
	ClockSkew string `yaml:"clock_skew"`

	// Timeout represents the timeout of a single loginCms call.
	Timeout string `yaml:"timeout"`

	// CAPath represents an additional CA bundle to verify the WSAA endpoint.
	CAPath string `yaml:"ca_path"`

	// Signer represents the CMS signer configuration.
	Signer Signer `yaml:"signer"`

	// Retry represents the retry policy on transport errors.
	Retry Retry `yaml:"retry"`
}

// Signer represents the CMS signer configuration.
type Signer struct {
	// Strategy represents the signer implementation, "builtin" or "openssl".
	Strategy string `yaml:"strategy"`

	// OpenSSLPath represents the openssl executable path.
	OpenSSLPath string `yaml:"openssl_path"`

	// OpenSSLCommand represents the openssl sub command, "cms" or "smime".
	OpenSSLCommand string `yaml:"openssl_command"`
}

// Retry represents the retry policy on transport errors.
type Retry struct {
	// Attempts represents number of retries after the first failure.
	Attempts int `yaml:"attempts"`

	// Delay represents the interval between attempts.
	Delay string `yaml:"delay"`
}

// Cache represents the access ticket cache configuration.
type Cache struct {
	// Dir represents the directory of the persisted tickets. Tickets are kept in memory only when it is empty.
	Dir string `yaml:"dir"`
}

// Log represents the logger configuration.
type Log struct {
	// Level represents the logger output level. Values: "debug", "info", "warn", "error", "fatal".
	Level string `yaml:"level"`

	// Color represents whether to print ANSI escape code.
	Color bool `yaml:"color"`
}

// New returns *Config or error when decoding the configuration file.
func New(path string) (*Config, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0600)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := new(Config)
	err = yaml.NewDecoder(f).Decode(&cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetVersion returns the current version of the WSAA client sidecar version.
func GetVersion() string {
	return currentVersion
}

// GetActualValue returns the environment variable value if the given val has "_" prefix and suffix, otherwise returns val directly.
func GetActualValue(val string) string {
	if checkPrefixAndSuffix(val, "_", "_") {
		return os.Getenv(strings.TrimPrefix(strings.TrimSuffix(val, "_"), "_"))
	}
	return val
}

// checkPrefixAndSuffix checks if the str has prefix and suffix
func checkPrefixAndSuffix(str, pref, suf string) bool {
	return strings.HasPrefix(str, pref) && strings.HasSuffix(str, suf)
}
