// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keychain

import "fmt"

// Kind identifies a branch of derived scripts under one wallet.
type Kind uint8

const (
	// External is the branch handed out as receive addresses.
	External Kind = iota

	// Internal is the branch used for change outputs.
	Internal
)

// Kinds lists every keychain kind in a stable order.
var Kinds = []Kind{External, Internal}

// String returns the string representation of the keychain kind.
func (k Kind) String() string {
	switch k {
	case External:
		return "external"

	case Internal:
		return "internal"

	default:
		return fmt.Sprintf("unknown keychain %d", uint8(k))
	}
}

// ParseKind parses the output of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "external":
		return External, nil

	case "internal":
		return Internal, nil

	default:
		return 0, fmt.Errorf("unknown keychain kind %q", s)
	}
}
