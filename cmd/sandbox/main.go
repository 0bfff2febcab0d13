// Command sandbox runs a persistent sandbox node that workspaces.Connect
// can attach to.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/sharding-experiment/sandbox/config"
	"github.com/sharding-experiment/sandbox/internal/keys"
	"github.com/sharding-experiment/sandbox/internal/logging"
	"github.com/sharding-experiment/sandbox/internal/node"
	"github.com/sharding-experiment/sandbox/internal/protocol"
	"github.com/sharding-experiment/sandbox/internal/rpc"
)

const (
	configFile  = "config.json"
	rootKeyFile = "root_key.json"
)

var (
	version   string
	gitCommit string
	release   = "dev"
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-commit%s", release, version, gitCommit)
	app.Name = "sandbox"
	app.Usage = "local EVM sandbox chain for contract tests"
	app.Commands = []cli.Command{
		{
			Name:   "init",
			Usage:  "write config, root key and genesis into the home directory",
			Flags:  []cli.Flag{homeFlag, configFlag, chainIDFlag, rootAccountFlag, passphraseFlag, verbosityFlag},
			Action: initAction,
		},
		{
			Name:   "run",
			Usage:  "open the chain in the home directory and serve RPC",
			Flags:  []cli.Flag{homeFlag, addrFlag, autoBlocksFlag, verbosityFlag},
			Action: runAction,
		},
		{
			Name:   "keygen",
			Usage:  "print a fresh key as credentials JSON",
			Flags:  []cli.Flag{keyTypeFlag, accountFlag, seedFlag, passphraseFlag},
			Action: keygenAction,
		},
	}
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(ctx *cli.Context, cfg *config.Config) (*zap.Logger, error) {
	level := cfg.LogLevel
	if v := ctx.String(verbosityFlag.Name); v != "" {
		level = v
	}
	log, err := logging.New(level, cfg.LogFormat)
	if err != nil {
		return nil, errors.Wrap(err, "init logger")
	}
	return log, nil
}

func initAction(ctx *cli.Context) error {
	home := ctx.String(homeFlag.Name)
	cfgPath := filepath.Join(home, configFile)
	if _, err := os.Stat(cfgPath); err == nil {
		return errors.Errorf("%s already exists", cfgPath)
	}

	cfg := config.Default()
	if path := ctx.String(configFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return errors.Wrap(err, "load config")
		}
		cfg = loaded
	}
	if v := ctx.Uint64(chainIDFlag.Name); v != 0 {
		cfg.ChainID = v
	}
	if v := ctx.String(rootAccountFlag.Name); v != "" {
		cfg.RootAccount = v
	}
	cfg.StorageDir = home
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config")
	}
	rootID, err := protocol.ParseAccountID(cfg.RootAccount)
	if err != nil {
		return errors.Wrap(err, "root account")
	}

	log, err := newLogger(ctx, cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	if err := os.MkdirAll(home, 0o700); err != nil {
		return errors.Wrap(err, "create home")
	}
	sk, err := keys.Generate(keys.ED25519)
	if err != nil {
		return errors.Wrap(err, "generate root key")
	}
	keyPath := filepath.Join(home, rootKeyFile)
	creds := keys.NewCredentials(rootID.String(), sk)
	if pass := ctx.String(passphraseFlag.Name); pass != "" {
		err = keys.SaveSealedCredentials(keyPath, creds, pass)
	} else {
		err = keys.WriteCredentials(keyPath, creds)
	}
	if err != nil {
		return errors.Wrap(err, "write root key")
	}

	n, err := node.New(cfg, node.Options{HomeDir: home, RootKey: sk.PublicKey(), Logger: log})
	if err != nil {
		return errors.Wrap(err, "genesis")
	}
	if err := n.Close(); err != nil {
		return errors.Wrap(err, "close node")
	}
	if err := cfg.Save(cfgPath); err != nil {
		return errors.Wrap(err, "write config")
	}

	log.Info("Sandbox home initialized",
		zap.String("home", home),
		zap.String("root", rootID.String()),
		zap.String("root_key", keyPath),
		zap.Bool("sealed", ctx.String(passphraseFlag.Name) != ""),
	)
	return nil
}

func runAction(ctx *cli.Context) error {
	home := ctx.String(homeFlag.Name)
	cfg, err := config.Load(filepath.Join(home, configFile))
	if err != nil {
		return errors.Wrap(err, "load config (run init first)")
	}
	if v := ctx.String(addrFlag.Name); v != "" {
		cfg.ListenAddr = v
	}
	if ctx.Bool(autoBlocksFlag.Name) {
		cfg.AutoBlocks = true
	}

	log, err := newLogger(ctx, cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	n, err := node.New(cfg, node.Options{HomeDir: home, Logger: log})
	if err != nil {
		return errors.Wrap(err, "open node")
	}
	defer n.Close()

	server := rpc.NewServer(n, log)
	url, err := server.Listen(cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "start RPC server")
	}
	log.Info("Sandbox running",
		zap.String("url", url),
		zap.String("root_key", filepath.Join(home, rootKeyFile)),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Got interrupt, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("RPC shutdown", zap.Error(err))
	}
	return nil
}

func keygenAction(ctx *cli.Context) error {
	typ := keys.KeyType(ctx.String(keyTypeFlag.Name))
	if typ != keys.ED25519 && typ != keys.SECP256K1 {
		return errors.Errorf("unknown key type %q", typ)
	}
	var (
		sk  keys.SecretKey
		err error
	)
	if seed := ctx.String(seedFlag.Name); seed != "" {
		sk, err = keys.FromSeed(typ, seed)
	} else {
		sk, err = keys.Generate(typ)
	}
	if err != nil {
		return errors.Wrap(err, "generate key")
	}
	account := ctx.String(accountFlag.Name)
	if account == "" {
		// implicit account derived from the public key
		addr := common.BytesToAddress(crypto.Keccak256(sk.PublicKey().Bytes())[12:])
		account = protocol.ImplicitAccountID(addr).String()
	} else if _, err := protocol.ParseAccountID(account); err != nil {
		return errors.Wrap(err, "account")
	}
	creds := keys.NewCredentials(account, sk)
	var out []byte
	if pass := ctx.String(passphraseFlag.Name); pass != "" {
		out, err = keys.SealCredentials(creds, pass)
	} else {
		out, err = json.MarshalIndent(creds, "", "  ")
	}
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
