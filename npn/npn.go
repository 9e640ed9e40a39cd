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

// Package npn implements the wire format of the legacy Next-Protocol
// Negotiation TLS extension: a server-advertised, length-prefixed
// concatenation of 1-byte-length + protocol-id entries, and the client-side
// selection rule that picks HTTP/2 when the server offers it.
//
// NPN predates ALPN and was removed from most TLS stacks years ago,
// including Go's crypto/tls, which dropped NextProtos-as-NPN support long
// before this package was written. There is therefore nothing in this
// module's TLS context assembly that can install these as live handshake
// callbacks: crypto/tls only speaks ALPN now. This package exists so the
// wire format itself — encoding the advertisement blob a legacy server
// sends, and the selection rule a legacy client callback runs on it —
// stays implemented and tested, matching the original's behavior, for a
// caller that terminates NPN at a layer outside crypto/tls.
package npn

import "errors"

// ErrMalformed is returned when a NPN advertisement blob is truncated or
// otherwise doesn't parse as a sequence of length-prefixed entries.
var ErrMalformed = errors.New("npn: malformed advertisement blob")

// Encode builds the server-advertised NPN blob: protocols concatenated as
// 1-byte-length + protocol-id, in the given (server-preference) order.
func Encode(protocols []string) ([]byte, error) {
	var out []byte
	for _, p := range protocols {
		if len(p) == 0 || len(p) > 255 {
			return nil, errors.New("npn: protocol id must be 1-255 bytes")
		}
		out = append(out, byte(len(p)))
		out = append(out, p...)
	}
	return out, nil
}

// Decode parses a NPN advertisement blob back into its protocol list, in
// the order the server advertised them.
func Decode(blob []byte) ([]string, error) {
	var protocols []string
	for len(blob) > 0 {
		n := int(blob[0])
		blob = blob[1:]
		if n == 0 || n > len(blob) {
			return nil, ErrMalformed
		}
		protocols = append(protocols, string(blob[:n]))
		blob = blob[n:]
	}
	return protocols, nil
}

// Select implements the client-side selection rule: prefer the protocol
// named by preferred if the server advertised it; otherwise fall back to
// whatever the server listed first, matching NPN's original
// "opportunistic" selection semantics (the client must always pick
// something, never abort over an NPN mismatch).
func Select(blob []byte, preferred string) (string, error) {
	protocols, err := Decode(blob)
	if err != nil {
		return "", err
	}
	if len(protocols) == 0 {
		return "", ErrMalformed
	}
	for _, p := range protocols {
		if p == preferred {
			return p, nil
		}
	}
	return protocols[0], nil
}
