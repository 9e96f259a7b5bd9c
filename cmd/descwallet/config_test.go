package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/internal/testkeys"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/btcsuite/descwallet/pkg/btcunit"
	"github.com/stretchr/testify/require"
)

// writeConfigFile writes an ini config file into a temporary directory and
// returns its path.
func writeConfigFile(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), defaultConfigFilename)
	err := os.WriteFile(
		path, []byte("[Application Options]\n"+body), 0600,
	)
	require.NoError(t, err)

	return path
}

// TestLoadConfigDefaults checks the defaults of the escrow workflow.
func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "")
	dataDir := t.TempDir()

	cfg, err := loadConfig([]string{"-C", path, "--datadir", dataDir})
	require.NoError(t, err)

	require.Equal(t, &chaincfg.TestNet3Params, cfg.params)
	require.EqualValues(t, 50, cfg.StopGap)
	require.Equal(t, 5, cfg.BatchSize)
	require.EqualValues(t, 5_000, cfg.SendAmount)
	require.Equal(t, storeBolt, cfg.Store)
	require.Equal(t, backendEsplora, cfg.Backend)
	require.Equal(t, dataDir, cfg.DataDir)
}

// TestLoadConfigPrecedence checks that command line options override the
// config file, which overrides the defaults.
func TestLoadConfigPrecedence(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, "network=regtest\nstopgap=20\nbatchsize=2\n")

	cfg, err := loadConfig([]string{"-C", path, "--stopgap=30"})
	require.NoError(t, err)

	require.Equal(t, &chaincfg.RegressionNetParams, cfg.params)
	require.EqualValues(t, 30, cfg.StopGap)
	require.Equal(t, 2, cfg.BatchSize)
}

// TestLoadConfigMissingFile checks that an explicit config file must exist.
func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "missing.conf")

	_, err := loadConfig([]string{"-C", missing})

	var pathErr *os.PathError
	require.ErrorAs(t, err, &pathErr)
}

// TestConfigValidate checks the rejected option combinations.
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(cfg *config)
	}{
		{
			name:   "internal without external",
			modify: func(cfg *config) { cfg.Internal = "pkh(x)" },
		},
		{
			name: "secrets file and external",
			modify: func(cfg *config) {
				cfg.SecretsFile = "secrets"
				cfg.External = "pkh(x)"
			},
		},
		{
			name:   "postgres without dsn",
			modify: func(cfg *config) { cfg.Store = storePostgres },
		},
		{
			name: "bitcoind without host",
			modify: func(cfg *config) {
				cfg.Backend = backendBitcoind
				cfg.BitcoindHost = ""
			},
		},
		{
			name:   "zero send amount",
			modify: func(cfg *config) { cfg.SendAmount = 0 },
		},
		{
			name:   "zero batch size",
			modify: func(cfg *config) { cfg.BatchSize = 0 },
		},
		{
			name:   "zero stop gap",
			modify: func(cfg *config) { cfg.StopGap = 0 },
		},
		{
			name:   "unknown network",
			modify: func(cfg *config) { cfg.Network = "moonnet" },
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := defaultConfig()
			tc.modify(&cfg)

			require.Error(t, cfg.validate())
		})
	}
}

// TestConfigDescriptors checks where the wallet's descriptors come from.
func TestConfigDescriptors(t *testing.T) {
	t.Parallel()

	errRead := errors.New("wrong passphrase")

	tests := []struct {
		name     string
		cfg      config
		contents string
		readErr  error
		want     map[keychain.Kind]string
		wantErr  bool
	}{
		{
			name: "escrow default",
			want: map[keychain.Kind]string{
				keychain.External: escrowDescriptor(),
			},
		},
		{
			name: "flags",
			cfg:  config{External: "ext", Internal: "int"},
			want: map[keychain.Kind]string{
				keychain.External: "ext",
				keychain.Internal: "int",
			},
		},
		{
			name:     "secrets file",
			cfg:      config{SecretsFile: "secrets"},
			contents: "ext\nint\n",
			want: map[keychain.Kind]string{
				keychain.External: "ext",
				keychain.Internal: "int",
			},
		},
		{
			name:     "secrets file single descriptor",
			cfg:      config{SecretsFile: "secrets"},
			contents: "ext\n",
			want: map[keychain.Kind]string{
				keychain.External: "ext",
			},
		},
		{
			name:     "secrets file too many descriptors",
			cfg:      config{SecretsFile: "secrets"},
			contents: "a\nb\nc\n",
			wantErr:  true,
		},
		{
			name:    "unreadable secrets file",
			cfg:     config{SecretsFile: "secrets"},
			readErr: errRead,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			read := func(string) ([]byte, error) {
				return []byte(tc.contents), tc.readErr
			}

			descs, err := tc.cfg.descriptors(read)
			if tc.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.want, descs)
		})
	}
}

// TestEscrowDescriptor checks that the default wallet is a watch-only
// nested 2-of-3 multisig.
func TestEscrowDescriptor(t *testing.T) {
	t.Parallel()

	require.Equal(t, testkeys.FixedMakerPub, makerPubKey)
	require.Equal(t, testkeys.FixedTakerPub, takerPubKey)
	require.Equal(t, testkeys.FixedFedPub, federationPubKey)

	desc, err := descriptor.Parse(
		escrowDescriptor(), &chaincfg.TestNet3Params,
	)
	require.NoError(t, err)

	require.Equal(t, 2, desc.Threshold())
	require.Len(t, desc.Keys(), 3)
	require.False(t, desc.IsRange())
	require.False(t, desc.HasSecrets())

	addr, err := desc.AddressFor(0, &chaincfg.TestNet3Params)
	require.NoError(t, err)
	require.True(t, addr.IsForNet(&chaincfg.TestNet3Params))
}

// TestConfigFeeRate checks the conversion of the sat/vB fee rate option.
func TestConfigFeeRate(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	require.Zero(t, cfg.feeRate())

	cfg.FeeRate = 2
	require.Equal(t, btcunit.SatPerKWeight(500), cfg.feeRate())
}

// TestParseAndSetDebugLevels checks the debug level syntax.
func TestParseAndSetDebugLevels(t *testing.T) {
	require.NoError(t, parseAndSetDebugLevels("debug"))
	require.NoError(t, parseAndSetDebugLevels("WLLT=trace,CHAN=warn"))

	require.Error(t, parseAndSetDebugLevels("loud"))
	require.Error(t, parseAndSetDebugLevels("WLLT"))
	require.Error(t, parseAndSetDebugLevels("NOPE=info"))
	require.Error(t, parseAndSetDebugLevels("WLLT=loud"))

	require.NoError(t, parseAndSetDebugLevels("info"))
}
