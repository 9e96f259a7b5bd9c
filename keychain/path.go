// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keychain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

var (
	// ErrInvalidPath is returned when a derivation path cannot be parsed
	// or cannot be followed from the given key, for example a hardened step
	// below a public-only extended key.
	ErrInvalidPath = errors.New("invalid derivation path")
)

// Path is a BIP-32 derivation path. Hardened children are stored with
// hdkeychain.HardenedKeyStart added to their index.
type Path []uint32

// ParsePath parses a textual derivation path such as "m/48'/1'/0'/2'" or
// "0/1". Both ' and h are accepted as hardened markers. A leading "m" is
// optional.
func ParsePath(s string) (Path, error) {
	s = strings.TrimPrefix(s, "m")
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return Path{}, nil
	}

	parts := strings.Split(s, "/")
	path := make(Path, 0, len(parts))
	for _, part := range parts {
		child, err := parseChild(part)
		if err != nil {
			return nil, err
		}

		path = append(path, child)
	}

	return path, nil
}

// parseChild parses a single path element.
func parseChild(part string) (uint32, error) {
	hardened := false
	if strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h") ||
		strings.HasSuffix(part, "H") {

		hardened = true
		part = part[:len(part)-1]
	}

	// Reject signs and empty elements which ParseUint would otherwise let
	// through or misreport.
	if part == "" || part[0] == '+' || part[0] == '-' {
		return 0, fmt.Errorf("%w: empty or signed element %q",
			ErrInvalidPath, part)
	}

	idx, err := strconv.ParseUint(part, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	if idx >= hdkeychain.HardenedKeyStart {
		return 0, fmt.Errorf("%w: index %d out of range", ErrInvalidPath,
			idx)
	}

	child := uint32(idx)
	if hardened {
		child += hdkeychain.HardenedKeyStart
	}

	return child, nil
}

// String renders the path without the leading "m", using ' for hardened
// steps.
func (p Path) String() string {
	var b strings.Builder
	for i, child := range p {
		if i > 0 {
			b.WriteByte('/')
		}

		if child >= hdkeychain.HardenedKeyStart {
			b.WriteString(strconv.FormatUint(
				uint64(child-hdkeychain.HardenedKeyStart), 10,
			))
			b.WriteByte('\'')

			continue
		}

		b.WriteString(strconv.FormatUint(uint64(child), 10))
	}

	return b.String()
}

// Child returns a copy of the path extended by one element.
func (p Path) Child(child uint32) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)

	return append(out, child)
}

// Concat returns a new path made of p followed by other.
func (p Path) Concat(other Path) Path {
	out := make(Path, 0, len(p)+len(other))
	out = append(out, p...)

	return append(out, other...)
}

// HasPrefix reports whether prefix is a leading sub-path of p.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}

	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}

	return true
}

// Equal reports whether both paths contain the same elements.
func (p Path) Equal(other Path) bool {
	return len(p) == len(other) && p.HasPrefix(other)
}

// IsHardened reports whether any element of the path is hardened.
func (p Path) IsHardened() bool {
	for _, child := range p {
		if child >= hdkeychain.HardenedKeyStart {
			return true
		}
	}

	return false
}
