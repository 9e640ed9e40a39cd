// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package config loads the YAML configuration that feeds the TLS Context
// Assembler: certificate/key pairs, the protocol-version and cipher
// allow-lists, client-authentication settings, and session-ticket key
// material. Listener addresses and routing belong to the enclosing
// reverse-proxy connection handler, which is out of scope here.
package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v3"

	"github.com/c2FmZQ/tlssni/certnames"
)

// ConfigurationError wraps a fatal problem discovered while reading or
// validating a Config. Per this module's error taxonomy, any
// ConfigurationError is meant to abort startup.
type ConfigurationError struct {
	Msg string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(msg string, err error) error {
	return &ConfigurationError{Msg: msg, Err: err}
}

// KeyCert is one certificate/key pair. CertFile may name a PEM certificate,
// with KeyFile holding the private key, or a PKCS#12 bundle (".p12"/".pfx")
// that carries its own key, in which case KeyFile is unused. Passphrase
// decrypts an encrypted PEM key or the PKCS#12 bundle.
type KeyCert struct {
	CertFile   string `yaml:"certFile"`
	KeyFile    string `yaml:"keyFile,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty"`
}

func (kc KeyCert) check(what string) error {
	if kc.CertFile == "" {
		return configErr(what+": certFile must be set", nil)
	}
	if _, err := os.Stat(kc.CertFile); err != nil {
		return configErr(what+": certFile", err)
	}
	if certnames.IsPKCS12(kc.CertFile) {
		return nil
	}
	if kc.KeyFile == "" {
		return configErr(what+": keyFile must be set", nil)
	}
	if _, err := os.Stat(kc.KeyFile); err != nil {
		return configErr(what+": keyFile", err)
	}
	return nil
}

// Config is the TLS context configuration.
type Config struct {
	// Default is the primary certificate/key pair, served when no SNI
	// name matches any subject-alternative entry.
	Default KeyCert `yaml:"default"`

	// SubjectAlternatives holds additional certificate/key pairs
	// registered into the SNI lookup tree alongside Default.
	SubjectAlternatives []KeyCert `yaml:"subjectAlternatives,omitempty"`

	// ClientCAFile, if set, enables mutual TLS: the named file is loaded
	// as the trust anchor for verifying client certificates, which are
	// then required on every connection.
	ClientCAFile string `yaml:"clientCAFile,omitempty"`

	// DHParamFile, if set, is parsed and validated for configuration
	// compatibility with deployments carrying legacy DH parameters. Go's
	// TLS stack implements no finite-field DHE cipher suite, so this
	// value has no effect on the negotiated cipher.
	DHParamFile string `yaml:"dhParamFile,omitempty"`

	// ProtocolVersions lists the allowed TLS protocol versions, e.g.
	// ["TLSv1.2"]. An empty list allows TLSv1.2 only, the configuration
	// this module's default favors.
	ProtocolVersions []string `yaml:"protocolVersions,omitempty"`

	// CipherSuites, if set, restricts the negotiated cipher suite to
	// this allow-list of Go cipher suite names (see crypto/tls.CipherSuiteName).
	CipherSuites []string `yaml:"cipherSuites,omitempty"`

	// ALPNProtocols is the server's ALPN preference list, most preferred
	// first. Defaults to ["h2", "http/1.1"].
	ALPNProtocols []string `yaml:"alpnProtocols,omitempty"`

	// TicketKeySecret, if set, seeds the session-ticket key ring via
	// HKDF. Leaving it empty disables session ticket resumption rather
	// than running with an ephemeral, unrotatable key.
	TicketKeySecret string `yaml:"ticketKeySecret,omitempty"`

	// NegativeCacheSize bounds the SNI lookup tree's optional
	// negative-lookup cache. Zero disables the cache.
	NegativeCacheSize int `yaml:"negativeCacheSize,omitempty"`
}

// Check validates cfg and fills in defaults. It mirrors the shape of the
// "startup validation + in-place default substitution" pass used throughout
// this module's ambient configuration.
func (cfg *Config) Check() error {
	if err := cfg.Default.check("default"); err != nil {
		return err
	}
	for i, kc := range cfg.SubjectAlternatives {
		if err := kc.check(fmt.Sprintf("subjectAlternatives[%d]", i)); err != nil {
			return err
		}
	}
	if cfg.ClientCAFile != "" {
		if _, err := os.Stat(cfg.ClientCAFile); err != nil {
			return configErr("clientCAFile", err)
		}
	}
	for _, v := range cfg.ProtocolVersions {
		switch v {
		case "TLSv1.0", "TLSv1.1", "TLSv1.2":
		default:
			return configErr(fmt.Sprintf("unrecognized protocol version %q", v), nil)
		}
	}
	if len(cfg.ALPNProtocols) == 0 {
		cfg.ALPNProtocols = []string{"h2", "http/1.1"}
	}
	if cfg.NegativeCacheSize < 0 {
		return configErr("negativeCacheSize must not be negative", nil)
	}
	return nil
}

// ReadConfig reads and validates a YAML config file.
func ReadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, configErr("opening config file", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, configErr("parsing config file", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
