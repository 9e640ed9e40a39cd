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

// Package certmanager implements a throwaway certificate authority for this
// module's test suites: an in-memory ECDSA root that mints leaf certificates
// on demand, including wildcard and multi-SAN leaves, so tests exercise real
// *x509.Certificate values instead of hand-built structs. Everything lives
// for one hour and dies with the process; nothing it signs should ever be
// trusted outside a test.
package certmanager

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/idna"
)

const certLifetime = time.Hour

// CertManager is a self-signed certificate authority that issues leaf
// certificates on demand. Issued certificates are cached, so asking twice
// for the same name set returns the same certificate.
type CertManager struct {
	name   string
	caKey  *ecdsa.PrivateKey
	caCert *x509.Certificate
	caPEM  []byte
	pool   *x509.CertPool
	logger func(string, ...interface{})

	mu     sync.Mutex
	issued map[string]*tls.Certificate
}

// New returns a CertManager whose root certificate uses name as its common
// name. logger may be nil.
func New(name string, logger func(string, ...interface{})) (*CertManager, error) {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ecdsa.GenerateKey: %w", err)
	}
	sn, err := newSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	templ := &x509.Certificate{
		SerialNumber:          sn,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now,
		NotAfter:              now.Add(certLifetime),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{name},
	}
	raw, err := x509.CreateCertificate(rand.Reader, templ, templ, caKey.Public(), caKey)
	if err != nil {
		return nil, fmt.Errorf("x509.CreateCertificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("x509.ParseCertificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &CertManager{
		name:   name,
		caKey:  caKey,
		caCert: caCert,
		caPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw}),
		pool:   pool,
		logger: logger,
		issued: make(map[string]*tls.Certificate),
	}, nil
}

func newSerial() (*big.Int, error) {
	sn, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("rand.Int: %w", err)
	}
	return sn, nil
}

// RootCAPEM returns the root certificate in PEM format.
func (cm *CertManager) RootCAPEM() string {
	return string(cm.caPEM)
}

// RootCACertPool returns a CertPool holding only the root certificate.
func (cm *CertManager) RootCACertPool() *x509.CertPool {
	return cm.pool
}

// TLSConfig returns a server tls.Config that mints a certificate for
// whatever SNI name each client presents.
func (cm *CertManager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: cm.GetCertificate,
	}
}

// GetCertificate is a tls.Config.GetCertificate callback.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return cm.GetCert(hello.ServerName)
}

// GetCert returns a certificate covering name, with name as both the subject
// common name and the single DNS SAN entry.
func (cm *CertManager) GetCert(name string) (*tls.Certificate, error) {
	if n, err := idna.Lookup.ToASCII(name); err == nil {
		name = n
	}
	return cm.GetCertWithNames(name, name)
}

// GetCertWithNames returns a certificate whose subject common name is cn and
// whose DNS SAN list is names, in order. Tests use it to build multi-SAN and
// wildcard leaves, and the occasional deliberately malformed name.
func (cm *CertManager) GetCertWithNames(cn string, names ...string) (*tls.Certificate, error) {
	cacheKey := cn + "|" + strings.Join(names, ",")
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if c := cm.issued[cacheKey]; c != nil {
		return c, nil
	}
	cm.logger("[%s] issuing certificate for %q", cm.name, cacheKey)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ecdsa.GenerateKey: %w", err)
	}
	sn, err := newSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	templ := &x509.Certificate{
		SerialNumber:          sn,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now,
		NotAfter:              now.Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              names,
	}
	raw, err := x509.CreateCertificate(rand.Reader, templ, cm.caCert, key.Public(), cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("x509.CreateCertificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("x509.ParseCertificate: %w", err)
	}
	cm.issued[cacheKey] = &tls.Certificate{
		Certificate: [][]byte{raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	return cm.issued[cacheKey], nil
}
