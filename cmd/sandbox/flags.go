package main

import (
	"os"
	"path/filepath"

	cli "gopkg.in/urfave/cli.v1"
)

var (
	homeFlag = cli.StringFlag{
		Name:  "home",
		Value: defaultHomeDir(),
		Usage: "directory holding config, root key and chain data",
	}
	addrFlag = cli.StringFlag{
		Name:  "addr",
		Usage: "RPC listen address (overrides listen_addr from config)",
	}
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "JSON or YAML config file used by init (defaults are used when empty)",
	}
	chainIDFlag = cli.Uint64Flag{
		Name:  "chain-id",
		Usage: "chain id written by init",
	}
	rootAccountFlag = cli.StringFlag{
		Name:  "root-account",
		Usage: "root account id written by init",
	}
	autoBlocksFlag = cli.BoolFlag{
		Name:  "auto-blocks",
		Usage: "produce an empty block every block_time_ms",
	}
	verbosityFlag = cli.StringFlag{
		Name:  "verbosity",
		Usage: "log level (debug|info|warn|error), overrides config",
	}
	keyTypeFlag = cli.StringFlag{
		Name:  "type",
		Value: "ed25519",
		Usage: "key type (ed25519|secp256k1)",
	}
	accountFlag = cli.StringFlag{
		Name:  "account",
		Usage: "account id recorded in the printed credentials",
	}
	passphraseFlag = cli.StringFlag{
		Name:   "passphrase",
		EnvVar: "SANDBOX_PASSPHRASE",
		Usage:  "seal written key files with this passphrase",
	}
	seedFlag = cli.StringFlag{
		Name:  "seed",
		Usage: "derive the key deterministically from this seed",
	}
)

func defaultHomeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".sandbox")
	}
	return ".sandbox"
}
