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

package config_test

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"

	"github.com/c2FmZQ/tlssni/certmanager"
	"github.com/c2FmZQ/tlssni/config"
)

func writeKeyCert(t *testing.T, dir, name string) config.KeyCert {
	t.Helper()
	cm, err := certmanager.New("test-"+name, t.Logf)
	if err != nil {
		t.Fatalf("certmanager.New: %v", err)
	}
	cert, err := cm.GetCert(name + ".example.com")
	if err != nil {
		t.Fatalf("cm.GetCert: %v", err)
	}
	certPath := filepath.Join(dir, name+".pem")
	keyPath := filepath.Join(dir, name+".key")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Leaf.Raw})
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		t.Fatalf("x509.MarshalPKCS8PrivateKey: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	return config.KeyCert{CertFile: certPath, KeyFile: keyPath}
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	kc := writeKeyCert(t, dir, "default")

	yamlContent := "default:\n" +
		"  certFile: " + kc.CertFile + "\n" +
		"  keyFile: " + kc.KeyFile + "\n" +
		"protocolVersions:\n" +
		"  - TLSv1.2\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}

	got, err := config.ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if diff := deep.Equal(got.Default, kc); diff != nil {
		t.Errorf("Default mismatch: %v", diff)
	}
	if diff := deep.Equal(got.ALPNProtocols, []string{"h2", "http/1.1"}); diff != nil {
		t.Errorf("ALPNProtocols should default to h2/http1.1: %v", diff)
	}
}

func TestCheckRejectsMissingDefault(t *testing.T) {
	cfg := &config.Config{}
	if err := cfg.Check(); err == nil {
		t.Error("Check should reject a config with no default cert/key")
	}
}

func TestCheckPKCS12NeedsNoKeyFile(t *testing.T) {
	dir := t.TempDir()
	// Check only stats the files; their contents are read later, by the
	// context assembler.
	p12 := filepath.Join(dir, "bundle.p12")
	if err := os.WriteFile(p12, []byte("placeholder"), 0o600); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	cfg := &config.Config{Default: config.KeyCert{CertFile: p12}}
	if err := cfg.Check(); err != nil {
		t.Errorf("Check should accept a PKCS#12 bundle without a keyFile: %v", err)
	}

	pemFile := filepath.Join(dir, "cert.pem")
	if err := os.WriteFile(pemFile, []byte("placeholder"), 0o600); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	cfg = &config.Config{Default: config.KeyCert{CertFile: pemFile}}
	if err := cfg.Check(); err == nil {
		t.Error("Check should reject a PEM certificate without a keyFile")
	}
}

func TestCheckRejectsUnknownProtocolVersion(t *testing.T) {
	dir := t.TempDir()
	kc := writeKeyCert(t, dir, "default")
	cfg := &config.Config{
		Default:          kc,
		ProtocolVersions: []string{"TLSv1.3"},
	}
	if err := cfg.Check(); err == nil {
		t.Error("Check should reject a protocol version token this module doesn't recognize")
	}
}
