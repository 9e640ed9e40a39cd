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

// Package certnames extracts the set of names a certificate covers: DNS SAN
// entries, IP SAN entries, and the subject common name. It also loads
// certificates from PEM and PKCS#12 bundles so those names can be registered
// with a certtree.Tree.
package certnames

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Names is the set of identities a certificate can be looked up by.
type Names struct {
	DNSNames   []string
	IPAddrs    [][]byte
	CommonName string
}

// Extract returns the names cert is registered under. A SAN DNS name or
// Subject Common Name containing an embedded NUL byte is skipped rather than
// rejecting the whole certificate; a certificate otherwise valid for its
// other names shouldn't be discarded because of one malformed entry.
func Extract(cert *x509.Certificate) Names {
	var n Names
	for _, name := range cert.DNSNames {
		if strings.IndexByte(name, 0) >= 0 {
			continue
		}
		n.DNSNames = append(n.DNSNames, name)
	}
	for _, ip := range cert.IPAddresses {
		if len(ip) != 4 && len(ip) != 16 {
			continue
		}
		n.IPAddrs = append(n.IPAddrs, []byte(ip))
	}
	if cn := cert.Subject.CommonName; cn != "" && strings.IndexByte(cn, 0) < 0 {
		n.CommonName = cn
	}
	return n
}

// IsPKCS12 reports whether path names a PKCS#12 bundle, going by its file
// extension.
func IsPKCS12(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		return true
	}
	return false
}

// LoadFile loads the leaf certificate from path: ".p12" and ".pfx" files are
// decoded as PKCS#12 bundles with password, everything else is read as PEM
// (password ignored).
func LoadFile(path, password string) (*x509.Certificate, error) {
	if IsPKCS12(path) {
		_, leaf, err := LoadPKCS12File(path, password)
		return leaf, err
	}
	return LoadPEMFile(path)
}

// LoadPEMFile reads a PEM-encoded certificate (optionally followed by chain
// certificates, which are ignored for name extraction) from path and returns
// its parsed leaf. LoadPEMFile itself does not read a private key; callers that need to serve
// the certificate pair it with tls.LoadX509KeyPair separately.
func LoadPEMFile(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("os.ReadFile(%q): %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s: no PEM certificate block found", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: x509.ParseCertificate: %w", path, err)
	}
	return cert, nil
}

// LoadPKCS12File reads a PKCS#12 (.p12/.pfx) bundle from path, decrypting it
// with password, and returns a tls.Certificate ready to serve plus its parsed
// leaf certificate. Unlike PEM, a PKCS#12 bundle carries the private key
// alongside the certificate chain, so there is no separate key-loading step.
func LoadPKCS12File(path, password string) (*tls.Certificate, *x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("os.ReadFile(%q): %w", path, err)
	}
	key, leaf, caCerts, err := pkcs12.DecodeChain(raw, password)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: pkcs12.DecodeChain: %w", path, err)
	}
	chain := [][]byte{leaf.Raw}
	for _, c := range caCerts {
		chain = append(chain, c.Raw)
	}
	return &tls.Certificate{
		Certificate: chain,
		PrivateKey:  key,
		Leaf:        leaf,
	}, leaf, nil
}

// EncodeNUL is used in tests to build a malformed certificate name; exported
// so other packages' test helpers can construct the same edge case without
// reaching into unexported internals.
func EncodeNUL(prefix string) string {
	return prefix + "\x00"
}
