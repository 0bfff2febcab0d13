// Package spoon imports contracts from another network: code, balance and
// selected storage of an account at a fixed block height, read over the
// standard eth JSON-RPC API of an archival node.
package spoon

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sharding-experiment/sandbox/config"
	"github.com/sharding-experiment/sandbox/internal/logging"
	"github.com/sharding-experiment/sandbox/internal/network"
)

// DefaultParallel bounds concurrent storage reads.
const DefaultParallel = 8

// Source is the archival state a Fetcher reads. *ethclient.Client implements it.
type Source interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
}

// Options configure a Fetcher.
type Options struct {
	// CacheDir persists fetched code; empty keeps it in memory.
	CacheDir string
	CacheMB  int
	Parallel int
	Network  config.NetworkConfig
	Logger   *zap.Logger
}

// Account is the state of one account at a height of the source network.
type Account struct {
	Address common.Address
	Height  uint64
	Code    []byte
	Balance *big.Int
	Nonce   uint64
}

// Fetcher reads accounts from a source network.
type Fetcher struct {
	src      Source
	codes    *CodeStore
	parallel int
	log      *zap.Logger
	closers  []func()

	chainOnce sync.Once
	chainID   *big.Int
	chainErr  error
}

// Dial connects to the archival node at url.
func Dial(ctx context.Context, url string, opts Options) (*Fetcher, error) {
	httpClient := network.NewHTTPClient(opts.Network, time.Duration(opts.Network.TimeoutMs)*time.Millisecond)
	rc, err := gethrpc.DialOptions(ctx, url, gethrpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial archival node %s: %w", url, err)
	}
	f, err := NewFetcher(ethclient.NewClient(rc), opts)
	if err != nil {
		rc.Close()
		return nil, err
	}
	f.closers = append(f.closers, rc.Close)
	f.log.Info("Connected to archival node", zap.String("url", url))
	return f, nil
}

// NewFetcher reads from src.
func NewFetcher(src Source, opts Options) (*Fetcher, error) {
	codes, err := OpenCodeStore(opts.CacheDir, opts.CacheMB)
	if err != nil {
		return nil, err
	}
	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = DefaultParallel
	}
	return &Fetcher{
		src:      src,
		codes:    codes,
		parallel: parallel,
		log:      logging.OrNop(opts.Logger).Named("spoon"),
	}, nil
}

// ChainID returns the chain id of the source network. It is fetched once.
func (f *Fetcher) ChainID(ctx context.Context) (*big.Int, error) {
	f.chainOnce.Do(func() {
		f.chainID, f.chainErr = f.src.ChainID(ctx)
	})
	if f.chainErr != nil {
		return nil, fmt.Errorf("source chain id: %w", f.chainErr)
	}
	return new(big.Int).Set(f.chainID), nil
}

// LatestHeight returns the head height of the source network.
func (f *Fetcher) LatestHeight(ctx context.Context) (uint64, error) {
	h, err := f.src.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("source head: %w", err)
	}
	return h, nil
}

// FetchCode returns the code of addr at height, served from the code store
// when it was fetched before.
func (f *Fetcher) FetchCode(ctx context.Context, addr common.Address, height uint64) ([]byte, error) {
	if code, ok := f.codes.Get(addr, height); ok {
		return code, nil
	}
	code, err := f.src.CodeAt(ctx, addr, new(big.Int).SetUint64(height))
	if err != nil {
		return nil, fmt.Errorf("code of %s at %d: %w", addr.Hex(), height, err)
	}
	if err := f.codes.Put(addr, height, code); err != nil {
		f.log.Warn("Failed to cache code", zap.Stringer("address", addr), zap.Error(err))
	}
	return code, nil
}

// FetchAccount reads code, balance and nonce of addr at height.
func (f *Fetcher) FetchAccount(ctx context.Context, addr common.Address, height uint64) (*Account, error) {
	code, err := f.FetchCode(ctx, addr, height)
	if err != nil {
		return nil, err
	}
	num := new(big.Int).SetUint64(height)
	balance, err := f.src.BalanceAt(ctx, addr, num)
	if err != nil {
		return nil, fmt.Errorf("balance of %s at %d: %w", addr.Hex(), height, err)
	}
	nonce, err := f.src.NonceAt(ctx, addr, num)
	if err != nil {
		return nil, fmt.Errorf("nonce of %s at %d: %w", addr.Hex(), height, err)
	}
	f.log.Debug("Fetched account",
		zap.Stringer("address", addr),
		zap.Uint64("height", height),
		zap.Int("code_size", len(code)),
	)
	return &Account{Address: addr, Height: height, Code: code, Balance: balance, Nonce: nonce}, nil
}

// FetchStorage reads slots of addr at height concurrently.
func (f *Fetcher) FetchStorage(ctx context.Context, addr common.Address, slots []common.Hash, height uint64) (map[common.Hash]common.Hash, error) {
	values := make([]common.Hash, len(slots))
	num := new(big.Int).SetUint64(height)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallel)
	for i, slot := range slots {
		i, slot := i, slot
		g.Go(func() error {
			raw, err := f.src.StorageAt(gctx, addr, slot, num)
			if err != nil {
				return fmt.Errorf("slot %s of %s at %d: %w", slot.Hex(), addr.Hex(), height, err)
			}
			values[i] = common.BytesToHash(raw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[common.Hash]common.Hash, len(slots))
	for i, slot := range slots {
		out[slot] = values[i]
	}
	return out, nil
}

// Close releases the code store and the connection opened by Dial.
func (f *Fetcher) Close() error {
	for _, c := range f.closers {
		c()
	}
	f.closers = nil
	return f.codes.Close()
}
