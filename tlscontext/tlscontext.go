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

// Package tlscontext assembles the server and client *tls.Config values for
// a TLS-terminating proxy: protocol version bounds, cipher selection, key
// and certificate loading, optional mutual authentication, session-ticket
// encryption backed by a rotatable key ring, and SNI dispatch through a
// certtree.Tree so each subject-alternative certificate is served to the
// hostnames it covers.
package tlscontext

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"

	"github.com/c2FmZQ/tlssni/alpn"
	"github.com/c2FmZQ/tlssni/certnames"
	"github.com/c2FmZQ/tlssni/certtree"
	"github.com/c2FmZQ/tlssni/certverify"
	"github.com/c2FmZQ/tlssni/config"
	"github.com/c2FmZQ/tlssni/connstate"
	"github.com/c2FmZQ/tlssni/ticketkeys"
)

// errNoTicketKeys is returned by the ticket-wrapping callback when no key
// ring is configured. crypto/tls fails the handshake with this error.
var errNoTicketKeys = errors.New("tlscontext: no session ticket keys configured")

// Assembler builds and owns the TLS endpoint contexts. The subject
// alternative certificates it loads are registered in an SNI lookup tree
// that is populated here, once, and then only read by handshake callbacks.
type Assembler struct {
	cfg         *config.Config
	defaultCert tls.Certificate
	tree        *certtree.Tree[*tls.Config]
	ring        ticketkeys.AtomicRing
	minVersion  uint16
	maxVersion  uint16
	ciphers     []uint16
	clientCAs   *x509.CertPool
	logger      func(string, ...interface{})

	serverConfig *tls.Config
}

// New loads all the key material named in cfg and returns a ready Assembler.
// Every error is a *config.ConfigurationError; callers are expected to treat
// any of them as fatal at startup. logger may be nil.
func New(cfg *config.Config, logger func(string, ...interface{})) (*Assembler, error) {
	if logger == nil {
		logger = func(string, ...interface{}) {}
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	a := &Assembler{
		cfg:    cfg,
		logger: logger,
	}

	var err error
	if a.minVersion, a.maxVersion, err = versionBounds(cfg.ProtocolVersions); err != nil {
		return nil, err
	}
	if a.ciphers, err = cipherSuiteIDs(cfg.CipherSuites); err != nil {
		return nil, err
	}
	if a.defaultCert, err = loadKeyPair(cfg.Default); err != nil {
		return nil, configErr("default certificate", err)
	}
	if cfg.DHParamFile != "" {
		// Go's TLS stack has no finite-field DHE cipher suite, so the
		// parameters can't influence the handshake, but a corrupt file
		// still indicates a broken deployment and must fail startup.
		if err := validateDHParamFile(cfg.DHParamFile); err != nil {
			return nil, configErr("dhParamFile", err)
		}
	}
	if cfg.ClientCAFile != "" {
		pool := x509.NewCertPool()
		b, err := os.ReadFile(cfg.ClientCAFile)
		if err != nil {
			return nil, configErr("clientCAFile", err)
		}
		if !pool.AppendCertsFromPEM(b) {
			return nil, configErr(fmt.Sprintf("clientCAFile %q: no certificates found", cfg.ClientCAFile), nil)
		}
		a.clientCAs = pool
	}
	if cfg.TicketKeySecret != "" {
		ring, err := ringFromSecret(cfg.TicketKeySecret)
		if err != nil {
			return nil, configErr("ticketKeySecret", err)
		}
		a.ring.Store(ring)
	}

	a.serverConfig = a.baseServerConfig()
	a.serverConfig.Certificates = []tls.Certificate{a.defaultCert}

	a.tree = certtree.New[*tls.Config](certtree.WithNegativeCache[*tls.Config](cfg.NegativeCacheSize))
	for i, kc := range cfg.SubjectAlternatives {
		cert, err := loadKeyPair(kc)
		if err != nil {
			return nil, configErr(fmt.Sprintf("subjectAlternatives[%d]", i), err)
		}
		tc := a.baseServerConfig()
		tc.Certificates = []tls.Certificate{cert}
		if certnames.IsPKCS12(kc.CertFile) {
			// The bundle was already loaded and decrypted above;
			// register its names directly from the leaf.
			a.tree.AddCert(tc, cert.Leaf)
		} else if err := a.tree.AddFromFile(tc, kc.CertFile); err != nil {
			return nil, configErr(fmt.Sprintf("subjectAlternatives[%d]", i), err)
		}
		a.logger("INF registered subject-alternative certificate %q", kc.CertFile)
	}
	return a, nil
}

// ServerConfig returns the default server context. Its GetConfigForClient
// callback re-binds each handshake to the subject-alternative context whose
// certificate covers the client's SNI name, when one exists.
func (a *Assembler) ServerConfig() *tls.Config {
	return a.serverConfig
}

// ClientConfig returns a context for dialing serverName as a backend. It
// advertises HTTP/2, and re-checks the peer certificate against serverName
// with the same wildcard semantics the SNI tree uses, on top of the chain
// verification crypto/tls performs.
func (a *Assembler) ClientConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName:       serverName,
		NextProtos:       []string{"h2"},
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.CurveP256},
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("tlscontext: no peer certificate")
			}
			return certverify.Verify(cs.PeerCertificates[0], serverName)
		},
	}
}

// ALPNProtocol reports the protocol the server would select for a client
// offering offered, following the server's configured preference order.
func (a *Assembler) ALPNProtocol(offered []string) (string, bool) {
	return alpn.Select(a.cfg.ALPNProtocols, offered)
}

// SetTicketKeys atomically publishes a new session-ticket key ring. Tickets
// issued under the previous primary key keep resuming as long as the old key
// stays in the new ring; handshakes in flight see either the old ring or the
// new one, never a partial state.
func (a *Assembler) SetTicketKeys(ring *ticketkeys.Ring) {
	a.ring.Store(ring)
}

// Lookup returns the subject-alternative context covering serverName, if
// any. It is the same lookup GetConfigForClient performs on each handshake.
func (a *Assembler) Lookup(serverName string) (*tls.Config, bool) {
	return a.tree.Lookup(serverName)
}

func (a *Assembler) baseServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion:             a.minVersion,
		MaxVersion:             a.maxVersion,
		CipherSuites:           a.ciphers,
		CurvePreferences:       []tls.CurveID{tls.CurveP256},
		NextProtos:             a.cfg.ALPNProtocols,
		ClientCAs:              a.clientCAs,
		ClientAuth:             a.clientAuth(),
		SessionTicketsDisabled: a.cfg.TicketKeySecret == "",
		Renegotiation:          tls.RenegotiateNever,
		GetConfigForClient:     a.getConfigForClient,
		WrapSession:            a.wrapSession,
		UnwrapSession:          a.unwrapSession,
	}
}

func (a *Assembler) clientAuth() tls.ClientAuthType {
	if a.clientCAs != nil {
		return tls.RequireAndVerifyClientCert
	}
	return tls.NoClientCert
}

// getConfigForClient is the SNI dispatch callback. An empty ServerName
// bypasses the tree and keeps the default context; a lookup miss does too.
func (a *Assembler) getConfigForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	if c, ok := hello.Conn.(*connstate.Conn); ok {
		c.MarkHandshakeAttempt()
	}
	if hello.ServerName == "" {
		return nil, nil
	}
	if tc, ok := a.tree.Lookup(hello.ServerName); ok {
		return tc, nil
	}
	return nil, nil
}

// wrapSession seals session state under the current ring's primary key.
func (a *Assembler) wrapSession(cs tls.ConnectionState, ss *tls.SessionState) ([]byte, error) {
	ring := a.ring.Load()
	if ring == nil {
		return nil, errNoTicketKeys
	}
	b, err := ss.Bytes()
	if err != nil {
		return nil, err
	}
	return ring.Encrypt(b)
}

// unwrapSession opens a ticket sealed by wrapSession, searching the ring by
// key name. A miss or a corrupt ticket resolves to a full handshake, never
// an error. A ticket opened under a non-primary key still resumes; the new
// session ticket issued on that connection comes from the current primary.
func (a *Assembler) unwrapSession(identity []byte, cs tls.ConnectionState) (*tls.SessionState, error) {
	ring := a.ring.Load()
	if ring == nil {
		return nil, nil
	}
	plaintext, res, err := ring.Decrypt(identity)
	if err != nil || res == ticketkeys.Miss {
		return nil, nil
	}
	return tls.ParseSessionState(plaintext)
}

// RequiresNegotiatedTLS12Plus reports whether cs satisfies the HTTP/2
// requirement that the connection negotiated at least TLS 1.2. An HTTP/2
// layer must refuse to speak h2 on a connection where this is false.
func RequiresNegotiatedTLS12Plus(cs tls.ConnectionState) bool {
	return cs.Version >= tls.VersionTLS12
}

func configErr(msg string, err error) error {
	return &config.ConfigurationError{Msg: msg, Err: err}
}

var versionIDs = map[string]uint16{
	"TLSv1.0": tls.VersionTLS10,
	"TLSv1.1": tls.VersionTLS11,
	"TLSv1.2": tls.VersionTLS12,
}

// versionBounds converts the configured protocol-version allow-list to the
// MinVersion/MaxVersion pair crypto/tls understands. The original TLS
// library took a bitmask of disabled versions and could express a list with
// a hole in it; crypto/tls only takes a contiguous range, so a hole is a
// configuration error here instead of silently allowing the middle version.
func versionBounds(allowed []string) (uint16, uint16, error) {
	if len(allowed) == 0 {
		return tls.VersionTLS12, tls.VersionTLS12, nil
	}
	ids := make([]uint16, 0, len(allowed))
	for _, v := range allowed {
		id, ok := versionIDs[v]
		if !ok {
			return 0, 0, configErr(fmt.Sprintf("unrecognized protocol version %q", v), nil)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			return 0, 0, configErr("duplicate protocol version in allow-list", nil)
		}
		if ids[i] != ids[i-1]+1 {
			return 0, 0, configErr("protocol version allow-list must be contiguous", nil)
		}
	}
	return ids[0], ids[len(ids)-1], nil
}

// cipherSuiteIDs maps configured cipher suite names to their IDs. Only the
// suites crypto/tls itself considers secure are eligible, which covers the
// original cipher policy (no aNULL, eNULL, EXPORT, DES, RC4, 3DES, MD5,
// PSK) by construction. An empty list keeps crypto/tls's own defaults.
func cipherSuiteIDs(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	byName := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}
	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := byName[name]
		if !ok {
			return nil, configErr(fmt.Sprintf("unknown or insecure cipher suite %q", name), nil)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// loadKeyPair loads one certificate/key pair. A ".p12"/".pfx" certFile is a
// PKCS#12 bundle carrying its own key, decrypted with the passphrase; for
// PEM pairs the passphrase decrypts an encrypted private key block.
// tls.X509KeyPair cross-checks the private key against the certificate.
func loadKeyPair(kc config.KeyCert) (tls.Certificate, error) {
	if certnames.IsPKCS12(kc.CertFile) {
		cert, _, err := certnames.LoadPKCS12File(kc.CertFile, kc.Passphrase)
		if err != nil {
			return tls.Certificate{}, err
		}
		return *cert, nil
	}
	certPEM, err := os.ReadFile(kc.CertFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("os.ReadFile(%q): %w", kc.CertFile, err)
	}
	keyPEM, err := os.ReadFile(kc.KeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("os.ReadFile(%q): %w", kc.KeyFile, err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return tls.Certificate{}, fmt.Errorf("%s: no PEM block found", kc.KeyFile)
	}
	if x509.IsEncryptedPEMBlock(block) {
		if kc.Passphrase == "" {
			return tls.Certificate{}, fmt.Errorf("%s: private key is encrypted and no passphrase is set", kc.KeyFile)
		}
		der, err := x509.DecryptPEMBlock(block, []byte(kc.Passphrase))
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("%s: x509.DecryptPEMBlock: %w", kc.KeyFile, err)
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tls.X509KeyPair: %w", err)
	}
	if cert.Leaf == nil {
		if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return tls.Certificate{}, fmt.Errorf("x509.ParseCertificate: %w", err)
		}
	}
	return cert, nil
}

// dhParams is the PKCS#3 DHParameter ASN.1 structure.
type dhParams struct {
	P *big.Int
	G *big.Int
}

func validateDHParamFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "DH PARAMETERS" {
		return fmt.Errorf("%s: no DH PARAMETERS block found", path)
	}
	var params dhParams
	if _, err := asn1.Unmarshal(block.Bytes, &params); err != nil {
		return fmt.Errorf("%s: asn1.Unmarshal: %w", path, err)
	}
	if params.P.Sign() <= 0 || params.G.Sign() <= 0 {
		return fmt.Errorf("%s: invalid DH parameters", path)
	}
	return nil
}

// ringFromSecret derives a single-key ring from one configured secret. The
// key name is itself derived from the secret so that two processes sharing
// the same secret recognize each other's tickets.
func ringFromSecret(secret string) (*ticketkeys.Ring, error) {
	var name [16]byte
	sum := sha256.Sum256([]byte("tlssni ticket key name\x00" + secret))
	copy(name[:], sum[:16])
	key, err := ticketkeys.DeriveKey([]byte(secret), []byte("tlssni primary"), name)
	if err != nil {
		return nil, err
	}
	return ticketkeys.NewRing(key)
}
