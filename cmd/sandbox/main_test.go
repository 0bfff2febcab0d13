package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharding-experiment/sandbox/config"
	"github.com/sharding-experiment/sandbox/internal/keys"
	"github.com/sharding-experiment/sandbox/internal/node"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

func TestInitWritesHome(t *testing.T) {
	home := t.TempDir()
	args := []string{"sandbox", "init", "--home", home, "--chain-id", "4321", "--root-account", "root.test", "--verbosity", "error"}
	require.NoError(t, newApp().Run(args))

	cfg, err := config.Load(filepath.Join(home, configFile))
	require.NoError(t, err)
	assert.EqualValues(t, 4321, cfg.ChainID)
	assert.Equal(t, "root.test", cfg.RootAccount)

	creds, sk, err := keys.LoadCredentials(filepath.Join(home, rootKeyFile))
	require.NoError(t, err)
	assert.Equal(t, "root.test", creds.AccountID)

	n, err := node.New(cfg, node.Options{HomeDir: home})
	require.NoError(t, err)
	defer n.Close()
	key, err := n.ViewAccessKey(context.Background(), protocol.AccountID("root.test"), sk.PublicKey().String())
	require.NoError(t, err)
	assert.Zero(t, key.Nonce)

	// A second init must not clobber the home.
	assert.Error(t, newApp().Run(args))
}

func TestRunWithoutInit(t *testing.T) {
	err := newApp().Run([]string{"sandbox", "run", "--home", t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run init first")
}

func TestKeygenRejectsUnknownType(t *testing.T) {
	err := newApp().Run([]string{"sandbox", "keygen", "--type", "rsa"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key type")
}

func TestInitSealsRootKey(t *testing.T) {
	defer func(n int) { keys.ScryptN = n }(keys.ScryptN)
	keys.ScryptN = 1 << 10

	home := t.TempDir()
	require.NoError(t, newApp().Run([]string{"sandbox", "init", "--home", home, "--passphrase", "hunter2", "--verbosity", "error"}))

	path := filepath.Join(home, rootKeyFile)
	_, _, err := keys.ReadCredentials(path, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a passphrase")

	creds, sk, err := keys.ReadCredentials(path, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, config.Default().RootAccount, creds.AccountID)

	cfg, err := config.Load(filepath.Join(home, configFile))
	require.NoError(t, err)
	n, err := node.New(cfg, node.Options{HomeDir: home})
	require.NoError(t, err)
	defer n.Close()
	_, err = n.ViewAccessKey(context.Background(), protocol.AccountID(creds.AccountID), sk.PublicKey().String())
	assert.NoError(t, err)
}
