// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/descwallet/keychain"
	"github.com/btcsuite/descwallet/pkg/btcunit"
	"github.com/btcsuite/descwallet/wallet"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "descwallet.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "descwallet.log"
	defaultNetwork        = "testnet"
	defaultBackend        = backendEsplora
	defaultStore          = storeBolt
	defaultEsploraURL     = "https://blockstream.info/testnet/api"
	defaultBitcoindHost   = "localhost:18332"
	defaultStopGap        = 50
	defaultBatchSize      = 5
	defaultSendAmount     = 5_000
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	boltDBName   = "wallet.db"
	sqliteDBName = "wallet.sqlite"
)

const (
	backendEsplora  = "esplora"
	backendBitcoind = "bitcoind"

	storeBolt     = "bolt"
	storeSQLite   = "sqlite"
	storePostgres = "postgres"
)

// The fixed keys of the escrow participants. Used when no descriptor is
// configured, they build a watch-only 2-of-3 wallet.
const (
	makerPubKey = "032b8324c93575034047a52e9bca05a46d8347046b91a032" +
		"eff07d5de8d3f2730b"
	takerPubKey = "028bde91b10013e08949a318018fedbd896534a549a278e2" +
		"20169ee2a36517c7aa"
	federationPubKey = "038f47dcd43ba6d97fc9ed2e3bba09b175a45fac55f0" +
		"683e8cf771e8ced4572354"
)

var (
	descwalletHomeDir = btcutil.AppDataDir("descwallet", false)
	defaultConfigFile = filepath.Join(
		descwalletHomeDir, defaultConfigFilename,
	)
	defaultDataDir = descwalletHomeDir
	defaultLogDir  = filepath.Join(descwalletHomeDir, defaultLogDirname)
)

// errNoPassphrase is returned when a secrets file is configured but no
// passphrase could be read.
var errNoPassphrase = errors.New("empty passphrase")

type config struct {
	// General application behavior.
	ConfigFile     string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir        string `short:"b" long:"datadir" description:"Directory to store the wallet"`
	LogDir         string `long:"logdir" description:"Directory to log output"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	Network        string `long:"network" description:"The bitcoin network" choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest"`

	// Wallet options.
	External     string        `long:"external" description:"Descriptor of the receive keychain (default: the escrow descriptor)"`
	Internal     string        `long:"internal" description:"Descriptor of the change keychain"`
	SecretsFile  string        `long:"secretsfile" description:"File holding the descriptors sealed under a passphrase, one per line, receive keychain first"`
	StopGap      uint32        `long:"stopgap" description:"Number of consecutive unused addresses after which a full scan stops"`
	BatchSize    int           `long:"batchsize" description:"Number of scripts queried in parallel during a full scan"`
	Lookahead    uint32        `long:"lookahead" description:"Number of scripts derived past the last revealed index"`
	FeeRate      uint64        `long:"feerate" description:"Fee rate in sat/vB (0 asks the backend for an estimate)"`
	ConfTarget   uint32        `long:"conftarget" description:"Confirmation target of the backend fee estimate"`
	SendAmount   int64         `long:"sendamount" description:"Amount in satoshis sent to the wallet's own next address"`
	NoSend       bool          `long:"nosend" description:"Do not build a transaction after syncing"`
	Watch        bool          `long:"watch" description:"Keep the wallet running and sync on every new block"`
	SyncInterval time.Duration `long:"syncinterval" description:"Interval between syncs in watch mode"`

	// Store options.
	Store       string `long:"store" description:"Wallet store" choice:"bolt" choice:"sqlite" choice:"postgres"`
	PostgresDSN string `long:"postgresdsn" description:"Connection string of the postgres store"`

	// Chain backend options.
	Backend      string `long:"backend" description:"Chain backend" choice:"esplora" choice:"bitcoind"`
	EsploraURL   string `long:"esplora.url" description:"Base URL of the Esplora API"`
	EsploraProxy string `long:"esplora.proxy" description:"SOCKS5 proxy for Esplora requests, e.g. 127.0.0.1:9050"`
	BitcoindHost string `long:"bitcoind.rpchost" description:"RPC address of the bitcoind node"`
	BitcoindUser string `long:"bitcoind.rpcuser" description:"RPC user of the bitcoind node"`
	BitcoindPass string `long:"bitcoind.rpcpass" default-mask:"-" description:"RPC password of the bitcoind node"`
	BitcoindZMQ  string `long:"bitcoind.zmqpubrawblock" description:"ZMQ rawblock endpoint of the bitcoind node"`

	params *chaincfg.Params
}

// netParams returns the chain parameters of a network name.
func netParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

// defaultConfig returns the config holding every default value.
func defaultConfig() config {
	return config{
		ConfigFile:     defaultConfigFile,
		DataDir:        defaultDataDir,
		LogDir:         defaultLogDir,
		DebugLevel:     defaultLogLevel,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		Network:        defaultNetwork,
		StopGap:        defaultStopGap,
		BatchSize:      defaultBatchSize,
		Lookahead:      wallet.DefaultLookahead,
		ConfTarget:     6,
		SendAmount:     defaultSendAmount,
		SyncInterval:   wallet.DefaultSyncInterval,
		Store:          defaultStore,
		Backend:        defaultBackend,
		EsploraURL:     defaultEsploraURL,
		BitcoindHost:   defaultBitcoindHost,
	}
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig(args []string) (*config, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	if _, err := preParser.ParseArgs(args); err != nil {
		return nil, err
	}

	// Load additional config from file. A missing default file is not an
	// error.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if configFileError != nil && preCfg.ConfigFile != defaultConfigFile {
		return nil, configFileError
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks the parsed options and resolves derived settings.
func (c *config) validate() error {
	params, err := netParams(c.Network)
	if err != nil {
		return err
	}
	c.params = params

	c.DataDir = cleanAndExpandPath(c.DataDir)
	c.LogDir = cleanAndExpandPath(c.LogDir)

	if c.Internal != "" && c.External == "" {
		return errors.New("--internal requires --external")
	}
	if c.SecretsFile != "" && c.External != "" {
		return errors.New("--secretsfile and --external are " +
			"exclusive")
	}
	if c.Store == storePostgres && c.PostgresDSN == "" {
		return errors.New("--postgresdsn required by the postgres " +
			"store")
	}
	if c.Backend == backendBitcoind && c.BitcoindHost == "" {
		return errors.New("--bitcoind.rpchost required by the " +
			"bitcoind backend")
	}
	if c.SendAmount <= 0 {
		return errors.New("--sendamount must be positive")
	}
	if c.BatchSize <= 0 {
		return errors.New("--batchsize must be positive")
	}
	if c.StopGap == 0 {
		return errors.New("--stopgap must be positive")
	}

	return nil
}

// feeRate returns the configured fee rate, zero when the backend is asked
// for an estimate.
func (c *config) feeRate() btcunit.SatPerKWeight {
	if c.FeeRate == 0 {
		return 0
	}

	return btcunit.NewSatPerVByte(btcutil.Amount(c.FeeRate)).FeePerKWeight()
}

// escrowDescriptor returns the watch-only 2-of-3 escrow descriptor of the
// fixed participant keys.
func escrowDescriptor() string {
	return "sh(wsh(sortedmulti(2," + makerPubKey + "," + takerPubKey +
		"," + federationPubKey + ")))"
}

// descriptors returns the receive and change descriptors to open the wallet
// with, keyed by keychain. The passphrase is read from the terminal when the
// descriptors come from a sealed file.
func (c *config) descriptors(readFile func(path string) ([]byte,
	error)) (map[keychain.Kind]string, error) {

	switch {
	case c.External != "":
		return map[keychain.Kind]string{
			keychain.External: c.External,
			keychain.Internal: c.Internal,
		}, nil

	case c.SecretsFile != "":
		plaintext, err := readFile(cleanAndExpandPath(c.SecretsFile))
		if err != nil {
			return nil, err
		}

		lines := strings.Fields(string(plaintext))
		if len(lines) == 0 || len(lines) > 2 {
			return nil, fmt.Errorf("secrets file holds %d "+
				"descriptors, want 1 or 2", len(lines))
		}

		descs := map[keychain.Kind]string{keychain.External: lines[0]}
		if len(lines) == 2 {
			descs[keychain.Internal] = lines[1]
		}

		return descs, nil

	default:
		return map[keychain.Kind]string{
			keychain.External: escrowDescriptor(),
		}, nil
	}
}

// cleanAndExpandPath expands environment variables and a leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(descwalletHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
