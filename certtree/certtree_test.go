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

package certtree_test

import (
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/c2FmZQ/tlssni/certmanager"
	"github.com/c2FmZQ/tlssni/certtree"
)

func TestExactDispatch(t *testing.T) {
	tree := certtree.New[string]()
	tree.Add("A", "www.example.com")
	tree.Add("B", "api.example.com")

	if ctx, ok := tree.Lookup("www.example.com"); !ok || ctx != "A" {
		t.Errorf("Lookup(www) = (%v,%v), want (A,true)", ctx, ok)
	}
	if ctx, ok := tree.Lookup("api.example.com"); !ok || ctx != "B" {
		t.Errorf("Lookup(api) = (%v,%v), want (B,true)", ctx, ok)
	}
	if _, ok := tree.Lookup("example.com"); ok {
		t.Error("Lookup(example.com) should miss")
	}
}

func TestWildcardOnly(t *testing.T) {
	tree := certtree.New[string]()
	tree.Add("W", "*.example.com")

	if ctx, ok := tree.Lookup("a.example.com"); !ok || ctx != "W" {
		t.Errorf("Lookup(a.example.com) = (%v,%v), want (W,true)", ctx, ok)
	}
	if _, ok := tree.Lookup("a.b.example.com"); ok {
		t.Error("Lookup(a.b.example.com) should miss: wildcard doesn't cross a label")
	}
	if _, ok := tree.Lookup("example.com"); ok {
		t.Error("Lookup(example.com) should miss: wildcard must match >=1 char")
	}
}

func TestExactBeatsWildcard(t *testing.T) {
	tree := certtree.New[string]()
	tree.Add("W", "*.example.com")
	tree.Add("A", "www.example.com")

	if ctx, ok := tree.Lookup("www.example.com"); !ok || ctx != "A" {
		t.Errorf("Lookup(www.example.com) = (%v,%v), want (A,true) — exact should win", ctx, ok)
	}
	if ctx, ok := tree.Lookup("mail.example.com"); !ok || ctx != "W" {
		t.Errorf("Lookup(mail.example.com) = (%v,%v), want (W,true)", ctx, ok)
	}
}

func TestFirstWriterWins(t *testing.T) {
	tree := certtree.New[string]()
	tree.Add("A", "www.example.com")
	tree.Add("B", "www.example.com")

	if ctx, ok := tree.Lookup("www.example.com"); !ok || ctx != "A" {
		t.Errorf("Lookup = (%v,%v), want (A,true): first registration should win", ctx, ok)
	}
}

func TestIDNGate(t *testing.T) {
	tree := certtree.New[string]()
	tree.Add("A", "xn--nxasmq6b.example")

	if ctx, ok := tree.Lookup("XN--nxasmQ6b.example"); !ok || ctx != "A" {
		t.Errorf("Lookup = (%v,%v), want (A,true): lookup must be case-insensitive", ctx, ok)
	}

	// A wildcard in an A-label never behaves as a wildcard: it matches
	// only itself, literally.
	tree.Add("B", "xn--*.example.net")
	if _, ok := tree.Lookup("xn--abc.example.net"); ok {
		t.Error("Lookup(xn--abc.example.net) should miss: IDN labels disable wildcard expansion")
	}
	if ctx, ok := tree.Lookup("xn--*.example.net"); !ok || ctx != "B" {
		t.Errorf("Lookup(xn--*.example.net) = (%v,%v), want (B,true): literal match only", ctx, ok)
	}
}

func TestCommonTLDBranch(t *testing.T) {
	tree := certtree.New[string]()
	tree.Add("foo", "foo.co.uk")
	tree.Add("bar", "bar.co.uk")
	tree.Add("baz", "baz.co.jp")

	cases := map[string]string{
		"foo.co.uk": "foo",
		"bar.co.uk": "bar",
		"baz.co.jp": "baz",
	}
	for hostname, want := range cases {
		if ctx, ok := tree.Lookup(hostname); !ok || ctx != want {
			t.Errorf("Lookup(%q) = (%v,%v), want (%v,true)", hostname, ctx, ok, want)
		}
	}
	if _, ok := tree.Lookup("qux.co.uk"); ok {
		t.Error("Lookup(qux.co.uk) should miss")
	}
}

func TestCaseInsensitive(t *testing.T) {
	tree := certtree.New[string]()
	tree.Add("A", "example.com")
	a, aok := tree.Lookup("EXAMPLE.com")
	b, bok := tree.Lookup("example.COM")
	if !aok || !bok || a != b {
		t.Errorf("case-insensitive lookup mismatch: (%v,%v) vs (%v,%v)", a, aok, b, bok)
	}
}

func TestAddFromFile(t *testing.T) {
	cm, err := certmanager.New("test", t.Logf)
	if err != nil {
		t.Fatalf("certmanager.New: %v", err)
	}
	cert, err := cm.GetCertWithNames("www.example.net", "www.example.net", "api.example.net")
	if err != nil {
		t.Fatalf("cm.GetCertWithNames: %v", err)
	}
	path := filepath.Join(t.TempDir(), "leaf.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Leaf.Raw})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}

	tree := certtree.New[string]()
	if err := tree.AddFromFile("net-ctx", path); err != nil {
		t.Fatalf("AddFromFile: %v", err)
	}
	for _, name := range []string{"www.example.net", "api.example.net"} {
		if ctx, ok := tree.Lookup(name); !ok || ctx != "net-ctx" {
			t.Errorf("Lookup(%q) = (%v,%v), want (net-ctx,true)", name, ctx, ok)
		}
	}
}

func TestAddFromPKCS12File(t *testing.T) {
	cm, err := certmanager.New("test", t.Logf)
	if err != nil {
		t.Fatalf("certmanager.New: %v", err)
	}
	cert, err := cm.GetCertWithNames("p12.example.net", "p12.example.net", "alt.example.net")
	if err != nil {
		t.Fatalf("cm.GetCertWithNames: %v", err)
	}
	raw, err := pkcs12.Modern.Encode(cert.PrivateKey, cert.Leaf, nil, "")
	if err != nil {
		t.Fatalf("pkcs12.Encode: %v", err)
	}
	path := filepath.Join(t.TempDir(), "leaf.p12")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}

	tree := certtree.New[string]()
	if err := tree.AddFromFile("p12-ctx", path); err != nil {
		t.Fatalf("AddFromFile: %v", err)
	}
	for _, name := range []string{"p12.example.net", "alt.example.net"} {
		if ctx, ok := tree.Lookup(name); !ok || ctx != "p12-ctx" {
			t.Errorf("Lookup(%q) = (%v,%v), want (p12-ctx,true)", name, ctx, ok)
		}
	}
}

func TestNegativeCache(t *testing.T) {
	tree := certtree.New[string](certtree.WithNegativeCache[string](8))
	tree.Add("A", "example.com")

	if _, ok := tree.Lookup("missing.example.org"); ok {
		t.Error("expected miss")
	}
	// Second lookup should hit the negative cache and still report a miss.
	if _, ok := tree.Lookup("missing.example.org"); ok {
		t.Error("expected cached miss")
	}
	if ctx, ok := tree.Lookup("example.com"); !ok || ctx != "A" {
		t.Errorf("Lookup(example.com) = (%v,%v), want (A,true)", ctx, ok)
	}
}
