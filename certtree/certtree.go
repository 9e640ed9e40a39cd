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

// Package certtree implements a compressed suffix trie over hostnames, used
// to dispatch an inbound TLS ClientHello's SNI name to the *tls.Config that
// covers it. Hostnames are scanned right-to-left during insertion and
// lookup, so nodes closest to the root represent the common TLD suffixes of
// a DNS tree, and the trie stays shallow for the sibling-heavy common case
// (many certificates under the same handful of TLDs).
//
// A tree is built once, during startup, and is read-only for the rest of the
// process lifetime: lookups from concurrent handshakes need no locking.
package certtree

import (
	"crypto/x509"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/idna"

	"github.com/c2FmZQ/tlssni/certnames"
	"github.com/c2FmZQ/tlssni/hostmatch"
)

// wildcardEntry pairs a wildcard pattern with the context it resolves to.
// Patterns are kept in insertion order: the first one that matches a query
// wins, per the tree's ordering guarantee.
type wildcardEntry[C any] struct {
	pattern string
	ctx     C
}

// node is one edge-compressed trie node. str[last+1:first+1], read back to
// front (str[first], str[first-1], ..., str[last+1]), is the edge label
// leading into this node from its parent.
type node[C any] struct {
	str   string
	first int
	last  int

	hasCtx bool
	ctx    C

	wildcards []wildcardEntry[C]
	next      []*node[C]
}

// Tree is a compressed suffix trie mapping hostnames to context values of
// type C. The zero value is not usable; construct one with New.
type Tree[C any] struct {
	root  *node[C]
	hosts []string

	cache *lru.Cache[string, struct{}]
}

// Option configures a Tree at construction time.
type Option[C any] func(*Tree[C])

// WithNegativeCache bounds the number of SNI misses the tree remembers, so a
// flood of probes for unregistered names doesn't repeatedly walk the trie.
// It never affects the tree's correctness: a cached entry only ever short
// circuits to "not found", and Add always invalidates the cache since the
// tree is expected to be immutable after construction anyway.
func WithNegativeCache[C any](size int) Option[C] {
	return func(t *Tree[C]) {
		if size <= 0 {
			return
		}
		c, err := lru.New[string, struct{}](size)
		if err != nil {
			return
		}
		t.cache = c
	}
}

// New returns an empty Tree.
func New[C any](opts ...Option[C]) *Tree[C] {
	t := &Tree[C]{
		root: &node[C]{first: 0, last: 0},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Add registers hostname (case-folded to lowercase) so that Lookup(hostname)
// returns ctx. hostname may be a wildcard pattern recognised by the
// hostmatch package. If hostname is already registered with a different
// context, the first registration wins and ctx is discarded.
//
// Add is not safe to call concurrently with Lookup, nor with other calls to
// Add: the tree must be fully built on a single goroutine before any
// handshake can consult it.
func (t *Tree[C]) Add(ctx C, hostname string) {
	hostname = normalize(hostname)
	if len(hostname) == 0 {
		return
	}
	t.hosts = append(t.hosts, hostname)
	t.insert(t.root, ctx, hostname, len(hostname)-1)
	if t.cache != nil {
		t.cache.Purge() // the tree just changed shape; stale negatives would lie
	}
}

// AddCert extracts cert's DNS SAN names and Common Name via
// certnames.Extract and registers each one with ctx. IP SANs are never
// inserted: SNI is always a hostname, never a numeric address.
func (t *Tree[C]) AddCert(ctx C, cert *x509.Certificate) {
	names := certnames.Extract(cert)
	seen := make(map[string]bool, len(names.DNSNames)+1)
	for _, name := range names.DNSNames {
		if seen[name] {
			continue
		}
		seen[name] = true
		t.Add(ctx, name)
	}
	if names.CommonName != "" && !seen[names.CommonName] {
		t.Add(ctx, names.CommonName)
	}
}

// AddFromFile reads a certificate from path — PEM, or a password-less
// PKCS#12 bundle when the file extension says so — and registers its names
// with ctx. Passphrase-protected bundles are handled by the context
// assembler, which loads them once and calls AddCert with the leaf.
func (t *Tree[C]) AddFromFile(ctx C, path string) error {
	cert, err := certnames.LoadFile(path, "")
	if err != nil {
		return err
	}
	t.AddCert(ctx, cert)
	return nil
}

// Lookup returns the context registered for hostname, if any. An exact
// registration always wins over a wildcard one; among wildcards, the first
// match at the node closest to the root wins. An empty hostname never
// matches anything; callers should use a default context for a ClientHello
// with no SNI extension.
func (t *Tree[C]) Lookup(hostname string) (ctx C, ok bool) {
	hostname = normalize(hostname)
	if len(hostname) == 0 {
		return ctx, false
	}
	if t.cache != nil {
		if _, miss := t.cache.Get(hostname); miss {
			return ctx, false
		}
	}
	var wild wildcardMatch[C]
	ctx, ok = t.lookup(t.root, hostname, len(hostname)-1, &wild)
	if !ok && wild.ok {
		ctx, ok = wild.ctx, true
	}
	if !ok && t.cache != nil {
		t.cache.Add(hostname, struct{}{})
	}
	return ctx, ok
}

// wildcardMatch records the first wildcard hit found during a descent. An
// exact match anywhere deeper still preempts it; among wildcard candidates,
// the one found at the node closest to the root wins, and within one node
// insertion order decides.
type wildcardMatch[C any] struct {
	ctx C
	ok  bool
}

func normalize(hostname string) string {
	hostname = strings.ToLower(hostname)
	if a, err := idna.Lookup.ToASCII(hostname); err == nil {
		return a
	}
	return hostname
}

// insert implements the recursive insertion-with-splitting algorithm: walk
// inward from the rightmost unconsumed character of hostname, coalescing
// single-character edges into one multi-character edge wherever no sibling
// branches off, and splitting an existing edge the moment hostname and the
// edge's label disagree partway through.
func (t *Tree[C]) insert(n *node[C], ctx C, hostname string, offset int) {
	c := hostname[offset]

	var edge *node[C]
	for _, child := range n.next {
		if child.str[child.first] == c {
			edge = child
			break
		}
	}

	if edge == nil {
		// Case A: no child edge begins with c.
		if c == '*' {
			n.wildcards = append(n.wildcards, wildcardEntry[C]{pattern: hostname, ctx: ctx})
			return
		}
		newNode := &node[C]{str: hostname, first: offset}
		j := offset
		for j >= 0 && hostname[j] != '*' {
			j--
		}
		newNode.last = j
		if j == -1 {
			newNode.hasCtx = true
			newNode.ctx = ctx
		} else {
			newNode.wildcards = append(newNode.wildcards, wildcardEntry[C]{pattern: hostname, ctx: ctx})
		}
		n.next = append(n.next, newNode)
		return
	}

	// Case B: an existing child edge begins with c. Walk both labels
	// inward while they agree.
	i, j := edge.first, offset
	for i > edge.last && j >= 0 && edge.str[i] == hostname[j] {
		i--
		j--
	}

	if i == edge.last {
		// B1: the full existing edge was consumed.
		if j == -1 {
			// hostname equals the path to edge.
			if !edge.hasCtx {
				edge.hasCtx = true
				edge.ctx = ctx
			}
			return
		}
		t.insert(edge, ctx, hostname, j)
		return
	}

	// B2: edges diverge mid-label. Split edge: a new node S inherits
	// edge's tail (its old context and children), edge keeps only the
	// shared prefix down to the divergence point.
	split := &node[C]{
		str:       edge.str,
		first:     i,
		last:      edge.last,
		hasCtx:    edge.hasCtx,
		ctx:       edge.ctx,
		wildcards: edge.wildcards,
		next:      edge.next,
	}
	edge.last = i
	edge.next = []*node[C]{split}
	edge.wildcards = nil
	edge.hasCtx = false
	var zero C
	edge.ctx = zero

	if j == -1 {
		edge.hasCtx = true
		edge.ctx = ctx
		return
	}
	t.insert(edge, ctx, hostname, j)
}

// lookup implements the recursive descent: it walks the edge into n as far
// as it agrees with hostname, consults any wildcard patterns registered on
// n before descending further, and recurses into the single child whose
// edge begins with the next character. A wildcard hit is recorded in wild
// rather than returned, so a deeper exact registration still preempts it.
func (t *Tree[C]) lookup(n *node[C], hostname string, offset int, wild *wildcardMatch[C]) (ctx C, ok bool) {
	i, j := n.first, offset
	for i > n.last && j >= 0 && n.str[i] == hostname[j] {
		i--
		j--
	}
	if i != n.last {
		return ctx, false
	}
	if j == -1 {
		if n.hasCtx {
			// exact match
			return n.ctx, true
		}
		// No wildcard-match on a hostname that ends here: '*' must
		// match at least one character.
		return ctx, false
	}

	if !wild.ok {
		for _, w := range n.wildcards {
			if hostmatch.Matches(w.pattern, hostname) {
				wild.ctx, wild.ok = w.ctx, true
				break
			}
		}
	}

	c := hostname[j]
	for _, child := range n.next {
		if child.str[child.first] == c {
			return t.lookup(child, hostname, j, wild)
		}
	}
	return ctx, false
}
