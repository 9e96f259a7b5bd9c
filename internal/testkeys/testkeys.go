// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package testkeys holds deterministic testnet keys and descriptors shared by
// the package tests. None of the keys may ever hold real funds.
//
// The escrow participants use the BIP-48 P2WSH account m/48'/1'/0'/2' of a
// master derived from a 32 byte seed filled with 0x01 (maker), 0x02 (taker)
// and 0x03 (federation). The single-key wallet uses the BIP-84 account
// m/84'/1'/0' of the seed filled with 0x04.
package testkeys

import "strings"

const (
	// MakerFingerprint is the master fingerprint of the maker.
	MakerFingerprint = "4ba43603"

	// MakerTprv is the maker's account private key.
	MakerTprv = "tprv8hFctGb1osu2xgPgzZjcWA7mP1YGWJNCqrjPSLttbyUFVhjjP4Q84" +
		"LDPUHb6iQQHE1tnCKT1bDhnni2m77be58zhqTdcXjj5w3QXMHC1ffo"

	// MakerTpub is the maker's account public key.
	MakerTpub = "tpubDDwf2gdFxFahr9RUtDQCuZmsx34CfdZ7RALAirwC2FGeLBzW1TDiE" +
		"pqFeRdxLdZD7rfsbZHYwSaT6CLM3TAcYRw6xfRv4U6KCQt4Zuhvjkz"

	// TakerFingerprint is the master fingerprint of the taker.
	TakerFingerprint = "8dfc9b34"

	// TakerTprv is the taker's account private key.
	TakerTprv = "tprv8hqggcQFZL9VTHsAmqb6KdY2n1w66nmRRi7si2div2NGBZpn7zAFd" +
		"XhHHhkpDJf7h9jHng3dSUAgmdKfSE4JZW5sP9APcdiTWfyWSpnkAK6"

	// TakerTpub is the taker's account public key.
	TakerTpub = "tpubDEXiq2SVhhqALktxfVFgj3C9M3T2G7xL11iezYg2LJAf245YkNyqp" +
		"2K9TrvHABDCp2232k34UegU4aKEtUZNigit8EEqoLNe2JKMzMiLwYq"

	// FedFingerprint is the master fingerprint of the federation.
	FedFingerprint = "56c4fac3"

	// FedTprv is the federation's account private key.
	FedTprv = "tprv8hz1cRonbRPyyDiWhcAptWYi9n5Bn5vP8kTWqT6pgzCujBMDYyPWw2" +
		"hboGXVM4nTZXtdyFpoV3tvv7d3E3hExXBbzmGsEgz4FUdHPxJc2bR"

	// FedTpub is the federation's account public key.
	FedTpub = "tpubDEg3kqr2jo5ergkJbFqRHvCpiob7wR7Hi44J7y987G1JZfbzBND77X" +
		"KTyPZzGvh3uyDf8kexMJnFD9W8FuraJ4wLMsx6YuZVXRSRRcx6QdD"

	// EscrowOriginPath is the origin path of every escrow account key.
	EscrowOriginPath = "48'/1'/0'/2'"

	// SingleFingerprint is the master fingerprint of the single-key
	// wallet.
	SingleFingerprint = "83bfab59"

	// SingleTprv is the single-key wallet's account private key.
	SingleTprv = "tprv8gBC5Z78W77jCEdyWP73s3PgEYodt6dnkX44FYU5HckM49XAwSn5" +
		"s8dDTMc5RTWYw62h2Ly2Mgrss4BZnYv2tw7Cg2z6vVF61vic1DvNr5y"

	// SingleTpub is the single-key wallet's account public key.
	SingleTpub = "tpubDCsEDy9NeUoQ5hfmQ2meGT3noaKa3RphKpeqY4WNhtYjtdmwZqbg" +
		"3dF5dUMnYeb2bkA5UZKCEACHnZ8b37ghAVWJfiC9cMn9yFtr33qz3qz"

	// SingleOriginPath is the origin path of the single-key account.
	SingleOriginPath = "84'/1'/0'"

	// SingleWIF is the testnet WIF of the single-key wallet's key at
	// 0/0.
	SingleWIF = "cTSYwWnYPASfLkc3kB6XScFRAaqvs7tgZtkzmKFCr5kfvrNcX9nQ"

	// SinglePub00 is the compressed public key at 0/0 of the single-key
	// account.
	SinglePub00 = "02d2580fc1202dea83f2d0b3ec5c3ce63647f7a8f9808d6444a2c" +
		"568f29f828344"

	// FixedMakerPub, FixedTakerPub and FixedFedPub are the fixed escrow
	// keys of the quick-start example.
	FixedMakerPub = "032b8324c93575034047a52e9bca05a46d8347046b91a032eff07" +
		"d5de8d3f2730b"
	FixedTakerPub = "028bde91b10013e08949a318018fedbd896534a549a278e220169" +
		"ee2a36517c7aa"
	FixedFedPub = "038f47dcd43ba6d97fc9ed2e3bba09b175a45fac55f0683e8cf771e" +
		"8ced4572354"
)

// Signer selects which escrow participant contributes its private key to a
// descriptor.
type Signer uint8

const (
	// NoSigner renders every key in public form.
	NoSigner Signer = iota

	// Maker renders the maker's key in private form.
	Maker

	// Taker renders the taker's key in private form.
	Taker

	// Federation renders the federation's key in private form.
	Federation
)

// EscrowKeys returns the three escrow key expressions of branch (0 external,
// 1 internal) in maker, taker, federation order, with the signer's key in
// private form.
func EscrowKeys(branch string, signer Signer) []string {
	key := func(fp, pub, prv string, own bool) string {
		k := pub
		if own {
			k = prv
		}

		return "[" + fp + "/" + EscrowOriginPath + "]" + k + "/" +
			branch + "/*"
	}

	return []string{
		key(MakerFingerprint, MakerTpub, MakerTprv, signer == Maker),
		key(TakerFingerprint, TakerTpub, TakerTprv, signer == Taker),
		key(FedFingerprint, FedTpub, FedTprv, signer == Federation),
	}
}

// EscrowDescriptor returns the 2-of-3 wsh(sortedmulti) descriptor of branch
// without checksum.
func EscrowDescriptor(branch string, signer Signer) string {
	return "wsh(sortedmulti(2," +
		strings.Join(EscrowKeys(branch, signer), ",") + "))"
}

// SingleDescriptor returns the wpkh descriptor of branch without checksum,
// in private form when private is set.
func SingleDescriptor(branch string, private bool) string {
	key := SingleTpub
	if private {
		key = SingleTprv
	}

	return "wpkh([" + SingleFingerprint + "/" + SingleOriginPath + "]" +
		key + "/" + branch + "/*)"
}
