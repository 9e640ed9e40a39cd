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

// Package alpn implements server-preference ALPN protocol selection. It
// exists standalone, separate from crypto/tls's own (equivalent) internal
// selection, so a server's preference list can be validated and tested
// before it's handed to a *tls.Config.
package alpn

// Select walks serverPrefs in order and returns the first protocol that also
// appears in offered, the protocol list the client advertised. It reports
// false if none of the client's offered protocols are acceptable to the
// server.
func Select(serverPrefs, offered []string) (string, bool) {
	offeredSet := make(map[string]bool, len(offered))
	for _, p := range offered {
		offeredSet[p] = true
	}
	for _, p := range serverPrefs {
		if offeredSet[p] {
			return p, true
		}
	}
	return "", false
}
