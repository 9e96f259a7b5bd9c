// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package descriptor implements the subset of output script descriptors a
// descriptor wallet needs: single-key pkh, wpkh and sh(wpkh) descriptors and
// sorted multisig under sh, wsh and sh(wsh). Descriptors are parsed from and
// rendered to their BIP-380 text form, checksum included.
package descriptor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// MaxShMultiKeys is the largest key count of a sortedmulti under a bare
	// sh, bounded by the 520 byte redeem script limit.
	MaxShMultiKeys = 15

	// MaxWshMultiKeys is the largest key count of a sortedmulti under wsh
	// that is standard for relay.
	MaxWshMultiKeys = 20
)

// Kind is the script template of a descriptor.
type Kind uint8

const (
	// KindPkh is pkh(KEY), a P2PKH output.
	KindPkh Kind = iota

	// KindWpkh is wpkh(KEY), a P2WPKH output.
	KindWpkh

	// KindShWpkh is sh(wpkh(KEY)), a P2WPKH nested in P2SH.
	KindShWpkh

	// KindShSortedMulti is sh(sortedmulti(k,KEY,...)).
	KindShSortedMulti

	// KindWshSortedMulti is wsh(sortedmulti(k,KEY,...)).
	KindWshSortedMulti

	// KindShWshSortedMulti is sh(wsh(sortedmulti(k,KEY,...))).
	KindShWshSortedMulti
)

// String returns the descriptor template of the kind.
func (k Kind) String() string {
	switch k {
	case KindPkh:
		return "pkh"

	case KindWpkh:
		return "wpkh"

	case KindShWpkh:
		return "sh(wpkh)"

	case KindShSortedMulti:
		return "sh(sortedmulti)"

	case KindWshSortedMulti:
		return "wsh(sortedmulti)"

	case KindShWshSortedMulti:
		return "sh(wsh(sortedmulti))"

	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// IsMultisig reports whether the kind is a sorted multisig template.
func (k Kind) IsMultisig() bool {
	return k == KindShSortedMulti || k == KindWshSortedMulti ||
		k == KindShWshSortedMulti
}

// IsWitness reports whether spending the kind involves witness data.
func (k Kind) IsWitness() bool {
	return k != KindPkh && k != KindShSortedMulti
}

// IsNested reports whether the kind wraps its script in P2SH.
func (k Kind) IsNested() bool {
	return k == KindShWpkh || k == KindShSortedMulti ||
		k == KindShWshSortedMulti
}

// Descriptor is a parsed output script descriptor bound to a network.
type Descriptor struct {
	kind      Kind
	threshold int
	keys      []*Key
	net       *chaincfg.Params
}

// Parse parses the text form of a descriptor. A trailing "#checksum" is
// optional and verified when present. The descriptor is bound to net, but key
// encodings are only checked against it by CheckNetwork and AddressFor.
func Parse(text string, net *chaincfg.Params) (*Descriptor, error) {
	if net == nil {
		return nil, parseErrorf("no network given")
	}

	body, err := splitChecksum(strings.TrimSpace(text))
	if err != nil {
		return nil, err
	}

	d, err := parseTop(body)
	if err != nil {
		return nil, err
	}
	d.net = net

	return d, nil
}

// parseTop parses the outermost script function.
func parseTop(s string) (*Descriptor, error) {
	name, args, err := splitCall(s)
	if err != nil {
		return nil, err
	}

	switch name {
	case "pkh":
		return parseSingle(KindPkh, args)

	case "wpkh":
		return parseSingle(KindWpkh, args)

	case "sh":
		return parseSh(args)

	case "wsh":
		inner, innerArgs, err := splitCall(args)
		if err != nil {
			return nil, err
		}
		if inner != "sortedmulti" {
			return nil, unsupported("wsh(" + inner + ")")
		}

		return parseMulti(KindWshSortedMulti, innerArgs)

	case "pk", "combo", "multi", "addr", "raw", "tr", "rawtr",
		"sortedmulti", "multi_a", "sortedmulti_a":

		return nil, unsupported(name)

	default:
		return nil, parseErrorf("unknown script function %q", name)
	}
}

// parseSh parses the inside of a top-level sh().
func parseSh(args string) (*Descriptor, error) {
	inner, innerArgs, err := splitCall(args)
	if err != nil {
		return nil, err
	}

	switch inner {
	case "wpkh":
		return parseSingle(KindShWpkh, innerArgs)

	case "sortedmulti":
		return parseMulti(KindShSortedMulti, innerArgs)

	case "wsh":
		name, multiArgs, err := splitCall(innerArgs)
		if err != nil {
			return nil, err
		}
		if name != "sortedmulti" {
			return nil, unsupported("sh(wsh(" + name + "))")
		}

		return parseMulti(KindShWshSortedMulti, multiArgs)

	case "sh":
		return nil, parseErrorf("sh() cannot be nested in sh()")

	default:
		return nil, unsupported("sh(" + inner + ")")
	}
}

// parseSingle parses the single key argument of a pkh/wpkh template.
func parseSingle(kind Kind, args string) (*Descriptor, error) {
	parts := splitArgs(args)
	if len(parts) != 1 {
		return nil, parseErrorf("%v takes exactly one key, got %d",
			kind, len(parts))
	}

	key, err := parseKey(parts[0])
	if err != nil {
		return nil, err
	}

	return &Descriptor{kind: kind, keys: []*Key{key}}, nil
}

// parseMulti parses the "k,KEY,..." arguments of a sortedmulti.
func parseMulti(kind Kind, args string) (*Descriptor, error) {
	parts := splitArgs(args)
	if len(parts) < 2 {
		return nil, parseErrorf("sortedmulti needs a threshold and " +
			"at least one key")
	}

	threshold, err := strconv.Atoi(parts[0])
	if err != nil || parts[0] != strconv.Itoa(threshold) {
		return nil, parseErrorf("invalid threshold %q", parts[0])
	}

	maxKeys := MaxWshMultiKeys
	if kind == KindShSortedMulti {
		maxKeys = MaxShMultiKeys
	}

	n := len(parts) - 1
	if n > maxKeys {
		return nil, parseErrorf("%v allows at most %d keys, got %d",
			kind, maxKeys, n)
	}

	if threshold < 1 || threshold > n {
		return nil, parseErrorf("threshold %d out of range 1..%d",
			threshold, n)
	}

	keys := make([]*Key, 0, n)
	for _, part := range parts[1:] {
		key, err := parseKey(part)
		if err != nil {
			return nil, err
		}

		keys = append(keys, key)
	}

	return &Descriptor{kind: kind, threshold: threshold, keys: keys}, nil
}

// splitCall splits "name(args)" into its name and argument text.
func splitCall(s string) (string, string, error) {
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return "", "", parseErrorf("expected a script function, got %q",
			s)
	}

	args := s[open+1 : len(s)-1]

	// The closing parenthesis must match the opening one.
	depth := 0
	for _, c := range args {
		switch c {
		case '(':
			depth++

		case ')':
			depth--
			if depth < 0 {
				return "", "", parseErrorf("unbalanced "+
					"parentheses in %q", s)
			}
		}
	}
	if depth != 0 {
		return "", "", parseErrorf("unbalanced parentheses in %q", s)
	}

	return s[:open], args, nil
}

// splitArgs splits a comma separated argument list on its top level commas.
func splitArgs(s string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[':
			depth++

		case ')', ']':
			depth--

		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}

	return append(parts, s[start:])
}

// unsupported returns the error for a recognized but unimplemented template.
func unsupported(what string) error {
	return newError(ErrUnsupported, fmt.Sprintf("descriptor %s is not "+
		"supported", what), nil)
}

// Kind returns the script template of the descriptor.
func (d *Descriptor) Kind() Kind {
	return d.kind
}

// Threshold returns the number of signatures needed to spend. It is 1 for
// single-key descriptors.
func (d *Descriptor) Threshold() int {
	if d.kind.IsMultisig() {
		return d.threshold
	}

	return 1
}

// Keys returns the key expressions in the order they were written.
func (d *Descriptor) Keys() []*Key {
	keys := make([]*Key, len(d.keys))
	copy(keys, d.keys)

	return keys
}

// Network returns the network the descriptor was parsed for.
func (d *Descriptor) Network() *chaincfg.Params {
	return d.net
}

// IsRange reports whether any key carries a wildcard.
func (d *Descriptor) IsRange() bool {
	for _, k := range d.keys {
		if k.IsRange() {
			return true
		}
	}

	return false
}

// HasSecrets reports whether any key carries private material.
func (d *Descriptor) HasSecrets() bool {
	for _, k := range d.keys {
		if k.HasSecret() {
			return true
		}
	}

	return false
}

// CheckNetwork returns an ErrNetworkMismatch error if the descriptor was
// bound to another network than net, or if any WIF or extended key was
// encoded for another network.
func (d *Descriptor) CheckNetwork(net *chaincfg.Params) error {
	if net == nil || d.net.Net != net.Net || d.net.Name != net.Name {
		return newError(ErrNetworkMismatch, fmt.Sprintf("descriptor "+
			"is for %s, not %s", d.net.Name, netName(net)), nil)
	}

	for i, k := range d.keys {
		if !k.isForNet(net) {
			return newError(ErrNetworkMismatch, fmt.Sprintf("key "+
				"%d is not encoded for %s", i, net.Name), nil)
		}
	}

	return nil
}

// netName returns the name of a possibly nil network.
func netName(net *chaincfg.Params) string {
	if net == nil {
		return "<nil>"
	}

	return net.Name
}

// String returns the public text form of the descriptor with its checksum.
// Private keys are replaced by their public counterparts.
func (d *Descriptor) String() string {
	return withChecksum(d.body(false))
}

// StringWithSecrets is like String but keeps private keys.
func (d *Descriptor) StringWithSecrets() string {
	return withChecksum(d.body(true))
}

// Equal reports whether both descriptors describe the same scripts with the
// same key material on the same network.
func (d *Descriptor) Equal(other *Descriptor) bool {
	if d == nil || other == nil {
		return d == other
	}

	return d.net.Name == other.net.Name &&
		d.StringWithSecrets() == other.StringWithSecrets()
}

// body renders the descriptor without checksum.
func (d *Descriptor) body(withSecrets bool) string {
	keys := make([]string, len(d.keys))
	for i, k := range d.keys {
		keys[i] = k.String(withSecrets)
	}

	multi := func() string {
		return "sortedmulti(" + strconv.Itoa(d.threshold) + "," +
			strings.Join(keys, ",") + ")"
	}

	switch d.kind {
	case KindPkh:
		return "pkh(" + keys[0] + ")"

	case KindWpkh:
		return "wpkh(" + keys[0] + ")"

	case KindShWpkh:
		return "sh(wpkh(" + keys[0] + "))"

	case KindShSortedMulti:
		return "sh(" + multi() + ")"

	case KindWshSortedMulti:
		return "wsh(" + multi() + ")"

	case KindShWshSortedMulti:
		return "sh(wsh(" + multi() + "))"

	default:
		return ""
	}
}
