// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"fmt"
	"strings"
)

const (
	// inputCharset lists the characters allowed in a descriptor body. The
	// position of a character determines its checksum symbol and group.
	inputCharset = "0123456789()[],'/*abcdefgh@:$%{}" +
		"IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~" +
		"ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

	// checksumCharset is the bech32 character set used for the checksum.
	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

	// checksumLen is the number of characters of a descriptor checksum.
	checksumLen = 8
)

// polyMod is the BCH code generator step of the descriptor checksum.
func polyMod(c uint64, val int) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ uint64(val)

	if c0&1 != 0 {
		c ^= 0xf5dee51989
	}
	if c0&2 != 0 {
		c ^= 0xa9fdca3312
	}
	if c0&4 != 0 {
		c ^= 0x1bab10e32d
	}
	if c0&8 != 0 {
		c ^= 0x3706b1677a
	}
	if c0&16 != 0 {
		c ^= 0x644d626ffd
	}

	return c
}

// Checksum computes the 8 character checksum of a descriptor body.
func Checksum(body string) (string, error) {
	var (
		c        uint64 = 1
		cls      int
		clsCount int
	)
	for i, ch := range body {
		pos := strings.IndexRune(inputCharset, ch)
		if pos < 0 {
			return "", parseErrorf("invalid character %q at "+
				"position %d", ch, i)
		}

		// Emit a symbol for the position inside the group, for every
		// character.
		c = polyMod(c, pos&31)

		// Accumulate the group numbers.
		cls = cls*3 + (pos >> 5)
		clsCount++
		if clsCount == 3 {
			c = polyMod(c, cls)
			cls = 0
			clsCount = 0
		}
	}

	if clsCount > 0 {
		c = polyMod(c, cls)
	}

	// Shift further to determine the checksum.
	for i := 0; i < checksumLen; i++ {
		c = polyMod(c, 0)
	}

	// Prevent appending zeroes from not affecting the checksum.
	c ^= 1

	var b strings.Builder
	for j := 0; j < checksumLen; j++ {
		b.WriteByte(checksumCharset[(c>>(5*(7-j)))&31])
	}

	return b.String(), nil
}

// splitChecksum separates an optional "#checksum" suffix from the body and
// verifies it when present.
func splitChecksum(text string) (string, error) {
	body, sum, found := strings.Cut(text, "#")
	if !found {
		return body, nil
	}

	if len(sum) != checksumLen {
		return "", newError(ErrChecksum, fmt.Sprintf("checksum %q "+
			"must have %d characters", sum, checksumLen), nil)
	}

	expected, err := Checksum(body)
	if err != nil {
		return "", err
	}

	if sum != expected {
		return "", newError(ErrChecksum, fmt.Sprintf("checksum "+
			"mismatch: got %s, expected %s", sum, expected), nil)
	}

	return body, nil
}

// withChecksum appends the checksum to a descriptor body.
func withChecksum(body string) string {
	sum, err := Checksum(body)
	if err != nil {
		// Bodies rendered by this package only use charset characters.
		return body
	}

	return body + "#" + sum
}
