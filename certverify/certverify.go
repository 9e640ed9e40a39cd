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

// Package certverify checks a peer certificate against the hostname or IP
// address a client meant to reach, the same check a downstream HTTP/2
// connection needs once the TLS handshake itself has already validated the
// certificate chain.
package certverify

import (
	"crypto/x509"
	"errors"
	"net"

	"github.com/c2FmZQ/tlssni/certnames"
	"github.com/c2FmZQ/tlssni/hostmatch"
)

// ErrNameMismatch is returned when cert doesn't cover the requested name or
// address.
var ErrNameMismatch = errors.New("certverify: certificate does not match requested name")

// Verify checks cert against target, which may be a hostname or a numeric
// IP address. It dispatches to VerifyHostname or VerifyIP as appropriate.
func Verify(cert *x509.Certificate, target string) error {
	if ip := net.ParseIP(target); ip != nil {
		return VerifyIP(cert, ip)
	}
	return VerifyHostname(cert, target)
}

// VerifyHostname checks cert against hostname using RFC 6125 wildcard
// matching: every DNS SAN entry is tried, and only when there are none does
// the Subject Common Name serve as a fallback.
func VerifyHostname(cert *x509.Certificate, hostname string) error {
	names := certnames.Extract(cert)
	if len(names.DNSNames) == 0 {
		if names.CommonName != "" && hostmatch.Matches(names.CommonName, hostname) {
			return nil
		}
		return ErrNameMismatch
	}
	for _, name := range names.DNSNames {
		if hostmatch.Matches(name, hostname) {
			return nil
		}
	}
	return ErrNameMismatch
}

// VerifyIP checks cert against a numeric IP address: no wildcard matching
// applies, the address must appear verbatim among the certificate's IP SAN
// entries. If the certificate carries no IP SANs, the Common Name is
// compared as a literal string, matching the original source's fallback for
// certificates that predate IP SAN support.
func VerifyIP(cert *x509.Certificate, ip net.IP) error {
	names := certnames.Extract(cert)
	if len(names.IPAddrs) == 0 {
		if names.CommonName != "" && names.CommonName == ip.String() {
			return nil
		}
		return ErrNameMismatch
	}
	raw4, raw16 := ip.To4(), ip.To16()
	for _, candidate := range names.IPAddrs {
		if raw4 != nil && len(candidate) == 4 && net.IP(candidate).Equal(raw4) {
			return nil
		}
		if raw16 != nil && len(candidate) == 16 && net.IP(candidate).Equal(raw16) {
			return nil
		}
	}
	return ErrNameMismatch
}
