// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package secrets seals private wallet material under a passphrase. The key
// is derived with scrypt and the data is encrypted with NaCl secretbox.
package secrets

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/term"
)

const (
	// KeySize is the size of the derived encryption key.
	KeySize = 32

	// NonceSize is the size of a secretbox nonce.
	NonceSize = 24

	// saltSize is the size of the scrypt salt.
	saltSize = 32
)

var (
	// magic identifies a sealed blob, version 1.
	magic = []byte("DWSEAL\x00\x01")

	// DefaultParams are the scrypt parameters for interactive use.
	DefaultParams = ScryptParams{N: 262144, R: 8, P: 1}

	// FastParams are cheap scrypt parameters meant for tests.
	FastParams = ScryptParams{N: 16, R: 8, P: 1}
)

var (
	// ErrInvalidPassphrase is returned when the passphrase does not open
	// the sealed data.
	ErrInvalidPassphrase = errors.New("invalid passphrase")

	// ErrMalformed is returned when sealed data cannot be parsed.
	ErrMalformed = errors.New("malformed sealed data")
)

// ScryptParams are the cost parameters of the key derivation.
type ScryptParams struct {
	N, R, P uint32
}

// header is the plaintext part of a sealed blob.
type header struct {
	Salt   [saltSize]byte
	Digest [sha256.Size]byte
	Params ScryptParams
	Nonce  [NonceSize]byte
}

// deriveKey runs scrypt over the passphrase.
func deriveKey(passphrase []byte, salt []byte,
	p ScryptParams) (*[KeySize]byte, error) {

	raw, err := scrypt.Key(
		passphrase, salt, int(p.N), int(p.R), int(p.P), KeySize,
	)
	if err != nil {
		return nil, err
	}

	var key [KeySize]byte
	copy(key[:], raw)
	zero(raw)

	return &key, nil
}

// Seal encrypts plaintext under passphrase.
func Seal(plaintext, passphrase []byte, p ScryptParams) ([]byte, error) {
	var h header
	h.Params = p

	if _, err := io.ReadFull(rand.Reader, h.Salt[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rand.Reader, h.Nonce[:]); err != nil {
		return nil, err
	}

	key, err := deriveKey(passphrase, h.Salt[:], p)
	if err != nil {
		return nil, err
	}
	defer zero(key[:])

	h.Digest = sha256.Sum256(key[:])

	var buf bytes.Buffer
	buf.Write(magic)
	if err := binary.Write(&buf, binary.BigEndian, &h); err != nil {
		return nil, err
	}

	return secretbox.Seal(buf.Bytes(), plaintext, &h.Nonce, key), nil
}

// Open decrypts data sealed by Seal.
func Open(sealed, passphrase []byte) ([]byte, error) {
	if !bytes.HasPrefix(sealed, magic) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}

	r := bytes.NewReader(sealed[len(magic):])

	var h header
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	key, err := deriveKey(passphrase, h.Salt[:], h.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer zero(key[:])

	// A digest mismatch means a wrong passphrase rather than tampering.
	digest := sha256.Sum256(key[:])
	if subtle.ConstantTimeCompare(digest[:], h.Digest[:]) != 1 {
		return nil, ErrInvalidPassphrase
	}

	box := sealed[len(sealed)-r.Len():]
	plaintext, ok := secretbox.Open(nil, box, &h.Nonce, key)
	if !ok {
		return nil, fmt.Errorf("%w: authentication failed",
			ErrMalformed)
	}

	return plaintext, nil
}

// WriteFile seals plaintext into the file at path, readable by the owner
// only.
func WriteFile(path string, plaintext, passphrase []byte,
	p ScryptParams) error {

	sealed, err := Seal(plaintext, passphrase, p)
	if err != nil {
		return err
	}

	return os.WriteFile(path, sealed, 0600)
}

// ReadFile opens the sealed file at path.
func ReadFile(path string, passphrase []byte) ([]byte, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Open(sealed, passphrase)
}

// ReadPassphrase prompts on stderr and reads a passphrase from the terminal
// without echoing it.
func ReadPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)

	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)

	return pass, err
}

// zero clears b.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
