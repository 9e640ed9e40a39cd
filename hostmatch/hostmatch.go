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

// Package hostmatch implements RFC 6125 §6.4.3 wildcard hostname matching, the
// same rule TLS libraries use to decide whether a wildcard certificate covers
// a presented server name.
package hostmatch

import "strings"

// Matches reports whether hostname is covered by pattern. pattern may be a
// plain hostname, in which case the comparison is a case-insensitive
// equality, or a wildcard hostname with a single '*' in its left-most label.
//
// A wildcard is only honored when:
//   - it is the only '*' in pattern, and it sits in the left-most label;
//   - pattern has at least two further '.' characters after that label;
//   - the left-most label of pattern does not start with the IDNA ACE
//     prefix "xn--" (an A-label can't also be a wildcard label);
//   - hostname's left-most label is at least as long as pattern's, so the
//     wildcard is forced to match at least one character.
func Matches(pattern, hostname string) bool {
	star := strings.IndexByte(pattern, '*')
	if star < 0 {
		return strings.EqualFold(pattern, hostname)
	}

	ptLeft := strings.IndexByte(pattern, '.')
	if ptLeft < 0 || strings.IndexByte(pattern[ptLeft+1:], '.') < 0 || star > ptLeft ||
		strings.Count(pattern, "*") > 1 || hasXNPrefix(pattern) {
		return strings.EqualFold(pattern, hostname)
	}

	hnLeft := strings.IndexByte(hostname, '.')
	if hnLeft < 0 || !strings.EqualFold(pattern[ptLeft:], hostname[hnLeft:]) {
		return false
	}

	// The wildcard must consume at least one character.
	if hnLeft < ptLeft {
		return false
	}

	prefix, suffix := pattern[:star], pattern[star+1:ptLeft]
	return strings.EqualFold(hostname[:len(prefix)], prefix) &&
		strings.EqualFold(hostname[hnLeft-len(suffix):hnLeft], suffix)
}

func hasXNPrefix(pattern string) bool {
	return len(pattern) >= 4 && strings.EqualFold(pattern[:4], "xn--")
}
