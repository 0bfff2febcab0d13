// Package workspaces is the test harness API: it starts sandbox networks (or
// connects to running ones) and drives accounts and contracts on them.
//
//	w, err := workspaces.Sandbox(ctx)
//	...
//	defer w.Close()
//	contract, err := w.DevDeploy(ctx, code)
//	res, err := contract.Call("increment()").Transact(ctx)
package workspaces

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"

	"github.com/sharding-experiment/sandbox/config"
	"github.com/sharding-experiment/sandbox/internal/artifact"
	"github.com/sharding-experiment/sandbox/internal/keys"
	"github.com/sharding-experiment/sandbox/internal/logging"
	"github.com/sharding-experiment/sandbox/internal/node"
	"github.com/sharding-experiment/sandbox/internal/protocol"
	"github.com/sharding-experiment/sandbox/internal/rpc"
	"github.com/sharding-experiment/sandbox/internal/spoon"
)

// ErrNoRootKey is returned by operations that need the root account when the
// worker was connected without its key.
var ErrNoRootKey = errors.New("worker has no root account key")

type options struct {
	cfg         *config.Config
	homeDir     string
	logger      *zap.Logger
	rootKey     keys.SecretKey
	rootKeyFile string
	passphrase  string
}

// Option configures Sandbox and Connect.
type Option func(*options)

// WithConfig replaces the default node configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithHomeDir persists the sandbox chain under dir.
func WithHomeDir(dir string) Option {
	return func(o *options) { o.homeDir = dir }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRootKey sets the root account key instead of generating one.
func WithRootKey(sk keys.SecretKey) Option {
	return func(o *options) { o.rootKey = sk }
}

// WithRootKeyFile loads the root account credentials, as written by
// "sandbox init", so a connected worker can create dev accounts.
func WithRootKeyFile(path string) Option {
	return func(o *options) { o.rootKeyFile = path }
}

// WithSealedRootKeyFile is WithRootKeyFile for a key file written by
// "sandbox init --passphrase".
func WithSealedRootKeyFile(path, passphrase string) Option {
	return func(o *options) {
		o.rootKeyFile = path
		o.passphrase = passphrase
	}
}

// Worker is a handle on one sandbox network.
type Worker struct {
	client *rpc.Client
	url    string
	cfg    *config.Config
	log    *zap.Logger
	root   *Account
	maxGas protocol.Gas

	// in-process sandbox only
	node   *node.Node
	server *rpc.Server

	keyMu   sync.Mutex
	keyLock map[string]*sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func buildOptions(opts []Option) (*options, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg == nil {
		o.cfg = config.Default()
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	o.logger = logging.OrNop(o.logger)
	if o.rootKeyFile != "" {
		_, sk, err := keys.ReadCredentials(o.rootKeyFile, o.passphrase)
		if err != nil {
			return nil, fmt.Errorf("root key: %w", err)
		}
		o.rootKey = sk
	}
	return o, nil
}

// Sandbox starts an in-process sandbox node with an RPC server on a free
// local port, and returns a worker holding its root key.
func Sandbox(ctx context.Context, opts ...Option) (*Worker, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	if o.rootKey.IsZero() {
		if o.rootKey, err = keys.Generate(keys.ED25519); err != nil {
			return nil, err
		}
	}
	n, err := node.New(o.cfg, node.Options{
		HomeDir: o.homeDir,
		RootKey: o.rootKey.PublicKey(),
		Logger:  o.logger,
	})
	if err != nil {
		return nil, err
	}
	server := rpc.NewServer(n, o.logger)
	url, err := server.Listen("127.0.0.1:0")
	if err != nil {
		n.Close()
		return nil, err
	}
	w, err := connect(ctx, url, o)
	if err != nil {
		server.Shutdown(context.Background())
		n.Close()
		return nil, err
	}
	w.node, w.server = n, server
	return w, nil
}

// Connect attaches to a running sandbox node at url.
func Connect(ctx context.Context, url string, opts ...Option) (*Worker, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return connect(ctx, url, o)
}

func connect(ctx context.Context, url string, o *options) (*Worker, error) {
	client, err := rpc.Dial(ctx, url, o.cfg.Network)
	if err != nil {
		return nil, err
	}
	status, err := client.Status(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sandbox status: %w", err)
	}
	w := &Worker{
		client:  client,
		url:     url,
		cfg:     o.cfg,
		log:     o.logger.Named("workspaces"),
		maxGas:  status.MaxGas,
		keyLock: make(map[string]*sync.Mutex),
	}
	if !o.rootKey.IsZero() {
		w.root = &Account{id: status.RootAccount, sk: o.rootKey, w: w}
	}
	w.log.Debug("Worker connected",
		zap.String("url", url),
		zap.Uint64("chain_id", status.ChainID),
		zap.Uint64("height", status.LatestBlock.Height),
	)
	return w, nil
}

// Close releases the connection and stops an in-process sandbox.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.client.Close()
		if w.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.server.Shutdown(ctx); err != nil {
				w.closeErr = err
			}
		}
		if w.node != nil {
			if err := w.node.Close(); err != nil && w.closeErr == nil {
				w.closeErr = err
			}
		}
	})
	return w.closeErr
}

// RPCAddr is the JSON-RPC endpoint of the network.
func (w *Worker) RPCAddr() string { return w.url }

// Config is the configuration the worker was built with.
func (w *Worker) Config() *config.Config { return w.cfg }

// RootAccount returns the registrar account.
func (w *Worker) RootAccount() (*Account, error) {
	if w.root == nil {
		return nil, ErrNoRootKey
	}
	return w.root, nil
}

// lockKey serializes transactions signed with one access key so nonces do
// not collide.
func (w *Worker) lockKey(id protocol.AccountID, publicKey string) func() {
	k := id.String() + "/" + publicKey
	w.keyMu.Lock()
	mu, ok := w.keyLock[k]
	if !ok {
		mu = new(sync.Mutex)
		w.keyLock[k] = mu
	}
	w.keyMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// NewDevAccountID returns a fresh dev-<yyyymmddhhmmss>-<14 digits> id.
func NewDevAccountID() protocol.AccountID {
	return protocol.AccountID(fmt.Sprintf("dev-%s-%014d",
		time.Now().UTC().Format("20060102150405"), rand.Int64N(100_000_000_000_000)))
}

// DevCreateAccount creates a funded top-level account with a fresh key.
func (w *Worker) DevCreateAccount(ctx context.Context) (*Account, error) {
	root, err := w.RootAccount()
	if err != nil {
		return nil, err
	}
	balance, err := protocol.ParseAmount(w.cfg.DevBalance)
	if err != nil {
		return nil, fmt.Errorf("dev balance: %w", err)
	}
	return root.createAccount(ctx, NewDevAccountID(), balance, keys.SecretKey{})
}

// DevDeploy deploys init code on a new dev account.
func (w *Worker) DevDeploy(ctx context.Context, code []byte) (*Contract, error) {
	acc, err := w.DevCreateAccount(ctx)
	if err != nil {
		return nil, err
	}
	return acc.Deploy(ctx, code)
}

// DevDeployArtifact deploys a compiled contract on a new dev account.
// args holds the constructor arguments as JSON and may be empty.
func (w *Worker) DevDeployArtifact(ctx context.Context, a *Artifact, args []byte) (*Contract, error) {
	acc, err := w.DevCreateAccount(ctx)
	if err != nil {
		return nil, err
	}
	return acc.DeployArtifact(ctx, a, args)
}

// CompileProject builds the contracts under dir with the configured solc.
func (w *Worker) CompileProject(ctx context.Context, dir string) (*Project, error) {
	return artifact.CompileProject(ctx, dir, artifact.WithSolc(w.cfg.SolcPath), artifact.WithLogger(w.log))
}

func (w *Worker) ViewAccount(ctx context.Context, id protocol.AccountID) (*protocol.AccountView, error) {
	return w.client.ViewAccount(ctx, id, protocol.Latest())
}

// ViewBlock returns the latest block.
func (w *Worker) ViewBlock(ctx context.Context) (*protocol.Block, error) {
	return w.client.Block(ctx, protocol.Latest())
}

// BlockAt returns the block at height, or the closest one below it.
func (w *Worker) BlockAt(ctx context.Context, height uint64) (*protocol.Block, error) {
	return w.client.Block(ctx, protocol.AtHeight(height))
}

// FastForward moves the chain delta blocks ahead in one step.
func (w *Worker) FastForward(ctx context.Context, delta uint64) (*protocol.Block, error) {
	return w.client.FastForward(ctx, delta)
}

// PatchState overwrites one storage slot of id.
func (w *Worker) PatchState(ctx context.Context, id protocol.AccountID, slot, value common.Hash) error {
	_, err := w.Patch(id).Storage(slot, value).Transact(ctx)
	return err
}

// PatchStates applies several patches in one block.
func (w *Worker) PatchStates(ctx context.Context, patches ...protocol.StatePatch) (*protocol.Block, error) {
	return w.client.PatchState(ctx, patches)
}

// Snapshot records the chain so Revert can return to it.
func (w *Worker) Snapshot(ctx context.Context) (string, error) {
	return w.client.Snapshot(ctx)
}

func (w *Worker) Revert(ctx context.Context, id string) (*protocol.Block, error) {
	return w.client.Revert(ctx, id)
}

func (w *Worker) Status(ctx context.Context) (*protocol.NodeStatus, error) {
	return w.client.Status(ctx)
}

// TxStatus looks up the outcome of an earlier transaction.
func (w *Worker) TxStatus(ctx context.Context, hash common.Hash) (*ExecutionResult, error) {
	out, err := w.client.TxStatus(ctx, hash)
	if err != nil {
		return nil, err
	}
	return newExecutionResult(out, nil, ""), nil
}

// DialArchival connects to a network to import contracts from.
func (w *Worker) DialArchival(ctx context.Context, url string) (*Fetcher, error) {
	return spoon.Dial(ctx, url, spoon.Options{
		CacheMB:  w.cfg.SpoonCacheMB,
		Parallel: w.cfg.SpoonParallel,
		Network:  w.cfg.Network,
		Logger:   w.log,
	})
}

// callGasLimit is the most gas one function call may request.
func (w *Worker) callGasLimit() protocol.Gas {
	if uint64(w.maxGas) <= params.TxGas {
		return 0
	}
	return w.maxGas - protocol.Gas(params.TxGas)
}
