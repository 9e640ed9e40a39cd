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

// Package ticketkeys implements the session-ticket key ring used to encrypt
// and decrypt TLS session tickets for stateless resumption: AES-128-CBC for
// confidentiality, HMAC-SHA-256 for authentication, keyed by a 16-byte name
// prefix so a ring can rotate without breaking tickets issued under an older
// key.
package ticketkeys

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/hkdf"
)

const (
	nameSize = 16
	aesSize  = 16
	// hmacSize is the minimum; a key record may carry a longer HMAC key.
	hmacSize = 16
	ivSize   = aes.BlockSize
)

// Key is one session-ticket key record: a 16-byte name used to recognise
// which key produced a given ticket, a 16-byte AES-128 key, and an
// HMAC-SHA-256 key of 16 bytes or more.
type Key struct {
	Name    [nameSize]byte
	AESKey  [aesSize]byte
	HMACKey []byte
}

// DeriveKey expands a single configured secret into a Key using HKDF, so an
// operator can configure one passphrase-grade secret instead of managing raw
// key material directly. name identifies the derived key; salt should be
// unique per key (e.g. a rotation timestamp) to avoid producing identical
// keys from the same secret.
func DeriveKey(secret, salt []byte, name [nameSize]byte) (Key, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte("tlssni ticket key"))
	k := Key{Name: name, HMACKey: make([]byte, 32)}
	if _, err := io.ReadFull(r, k.AESKey[:]); err != nil {
		return Key{}, fmt.Errorf("hkdf aes key: %w", err)
	}
	if _, err := io.ReadFull(r, k.HMACKey); err != nil {
		return Key{}, fmt.Errorf("hkdf hmac key: %w", err)
	}
	return k, nil
}

// Ring is an ordered list of session-ticket keys. The first key is primary:
// it is the one used to encrypt new tickets. Decryption searches the whole
// ring by name so tickets issued under a recently rotated-out key still
// resume.
//
// A Ring is immutable once built; rotation is done by building a new Ring
// and publishing it with an atomic pointer swap, so the ticket callback
// never blocks on a lock while a handshake is in flight.
type Ring struct {
	keys []Key
}

// NewRing returns a Ring with keys in priority order; keys[0] is primary.
func NewRing(keys ...Key) (*Ring, error) {
	if len(keys) == 0 {
		return nil, errors.New("ticketkeys: empty ring")
	}
	for _, k := range keys {
		if len(k.HMACKey) < hmacSize {
			return nil, fmt.Errorf("ticketkeys: hmac key must be at least %d bytes", hmacSize)
		}
	}
	cp := make([]Key, len(keys))
	copy(cp, keys)
	return &Ring{keys: cp}, nil
}

// AtomicRing holds a *Ring that can be swapped out at runtime without
// blocking concurrent readers.
type AtomicRing struct {
	v atomic.Pointer[Ring]
}

// Store publishes r as the current ring.
func (a *AtomicRing) Store(r *Ring) { a.v.Store(r) }

// Load returns the current ring, or nil if none has been published.
func (a *AtomicRing) Load() *Ring { return a.v.Load() }

// Encrypt seals plaintext (an opaque session-state blob, normally produced
// by crypto/tls) under the ring's primary key, and returns
// name || iv || ciphertext || hmac, matching the wire format a decrypt call
// expects.
func (r *Ring) Encrypt(plaintext []byte) ([]byte, error) {
	primary := r.keys[0]
	block, err := aes.NewCipher(primary.AESKey[:])
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("rand.Read(iv): %w", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, primary.HMACKey)
	mac.Write(primary.Name[:])
	mac.Write(iv)
	mac.Write(ciphertext)

	out := make([]byte, 0, nameSize+ivSize+len(ciphertext)+mac.Size())
	out = append(out, primary.Name[:]...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	out = mac.Sum(out)
	return out, nil
}

// DecryptResult reports what Decrypt found.
type DecryptResult int

const (
	// Miss means no key in the ring matched the ticket's key name.
	Miss DecryptResult = iota
	// HitPrimary means the ticket was encrypted with the ring's current
	// primary key; no renewal is necessary.
	HitPrimary
	// HitRenew means the ticket decrypted successfully but under a
	// non-primary key; the caller should issue a fresh ticket under the
	// primary key on this connection.
	HitRenew
)

// Decrypt authenticates and opens a blob produced by Encrypt. It searches
// the ring by the 16-byte key name at the front of blob.
//
// This is the corrected version of the original key-selection loop: the
// original compared the candidate key's name but then read key material
// from the ring's first entry regardless of which index matched, so a
// ticket encrypted under a rotated-out key would authenticate (or fail to
// authenticate) using the wrong HMAC key. Here the matched index's own key
// material is used throughout.
func (r *Ring) Decrypt(blob []byte) ([]byte, DecryptResult, error) {
	if len(blob) < nameSize+ivSize+sha256.Size {
		return nil, Miss, errors.New("ticketkeys: blob too short")
	}
	name := blob[:nameSize]

	for i, k := range r.keys {
		if !bytes.Equal(k.Name[:], name) {
			continue
		}
		macStart := len(blob) - sha256.Size
		iv := blob[nameSize : nameSize+ivSize]
		ciphertext := blob[nameSize+ivSize : macStart]
		gotMAC := blob[macStart:]

		mac := hmac.New(sha256.New, k.HMACKey)
		mac.Write(k.Name[:])
		mac.Write(iv)
		mac.Write(ciphertext)
		wantMAC := mac.Sum(nil)
		if !hmac.Equal(gotMAC, wantMAC) {
			return nil, Miss, errors.New("ticketkeys: HMAC mismatch")
		}
		if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
			return nil, Miss, errors.New("ticketkeys: malformed ciphertext length")
		}

		block, err := aes.NewCipher(k.AESKey[:])
		if err != nil {
			return nil, Miss, fmt.Errorf("aes.NewCipher: %w", err)
		}
		padded := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
		plaintext, err := pkcs7Unpad(padded)
		if err != nil {
			return nil, Miss, err
		}

		if i == 0 {
			return plaintext, HitPrimary, nil
		}
		return plaintext, HitRenew, nil
	}
	return nil, Miss, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("ticketkeys: empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, errors.New("ticketkeys: invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("ticketkeys: invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}
