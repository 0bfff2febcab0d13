package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/sharding-experiment/sandbox/config"
	"github.com/sharding-experiment/sandbox/internal/network"
	"github.com/sharding-experiment/sandbox/internal/node"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

// Client talks to a sandbox node over JSON-RPC.
type Client struct {
	c *gethrpc.Client
}

// Dial connects to the node at url. The HTTP transport honours cfg's
// latency simulation and timeout.
func Dial(ctx context.Context, url string, cfg config.NetworkConfig) (*Client, error) {
	httpClient := network.NewHTTPClient(cfg, time.Duration(cfg.TimeoutMs)*time.Millisecond)
	c, err := gethrpc.DialOptions(ctx, url, gethrpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{c: c}, nil
}

// RPC exposes the underlying client, e.g. for ethclient.NewClient.
func (c *Client) RPC() *gethrpc.Client { return c.c }

func (c *Client) Close() { c.c.Close() }

// RemoteError is an error returned by the node. It unwraps to the matching
// protocol sentinel when the message names one.
type RemoteError struct {
	Code     int
	Message  string
	sentinel error
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return e.sentinel }

func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return convertError(c.c.CallContext(ctx, result, method, args...))
}

func convertError(err error) error {
	if err == nil {
		return nil
	}
	var re gethrpc.Error
	if !errors.As(err, &re) {
		return err
	}
	msg := err.Error()
	if re.ErrorCode() == CodeExecutionError {
		return &node.ExecutionError{Msg: strings.TrimPrefix(msg, "view call failed: ")}
	}
	out := &RemoteError{Code: re.ErrorCode(), Message: msg}
	for _, s := range protocol.Sentinels() {
		if strings.Contains(msg, s.Error()) {
			out.sentinel = s
			break
		}
	}
	return out
}

func (c *Client) Status(ctx context.Context) (*protocol.NodeStatus, error) {
	var out protocol.NodeStatus
	if err := c.call(ctx, &out, "sandbox_status"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Block(ctx context.Context, ref protocol.BlockRef) (*protocol.Block, error) {
	var out protocol.Block
	if err := c.call(ctx, &out, "sandbox_block", BlockQuery{Height: ref.Height}); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) (*protocol.Block, error) {
	var out protocol.Block
	if err := c.call(ctx, &out, "sandbox_block", BlockQuery{Hash: &hash}); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ProduceBlock(ctx context.Context) (*protocol.Block, error) {
	var out protocol.Block
	if err := c.call(ctx, &out, "sandbox_produceBlock"); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ViewAccount(ctx context.Context, id protocol.AccountID, ref protocol.BlockRef) (*protocol.AccountView, error) {
	var out protocol.AccountView
	if err := c.call(ctx, &out, "sandbox_viewAccount", id, ref); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ViewAccessKey(ctx context.Context, id protocol.AccountID, publicKey string) (*protocol.AccessKey, error) {
	var out protocol.AccessKey
	if err := c.call(ctx, &out, "sandbox_viewAccessKey", id, publicKey); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ViewCode(ctx context.Context, id protocol.AccountID, ref protocol.BlockRef) ([]byte, error) {
	var out hexutil.Bytes
	if err := c.call(ctx, &out, "sandbox_viewCode", id, ref); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ViewState(ctx context.Context, id protocol.AccountID, slots []common.Hash, withProof bool) (*protocol.ViewStateResult, error) {
	var out protocol.ViewStateResult
	if err := c.call(ctx, &out, "sandbox_viewState", id, ViewStateParams{Slots: slots, WithProof: withProof}); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CallFunction(ctx context.Context, id protocol.AccountID, input []byte, ref protocol.BlockRef) (*protocol.ViewResult, error) {
	var out protocol.ViewResult
	if err := c.call(ctx, &out, "sandbox_call", id, hexutil.Bytes(input), ref); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendTransaction(ctx context.Context, stx *protocol.SignedTransaction) (*protocol.FinalExecutionOutcome, error) {
	var out protocol.FinalExecutionOutcome
	if err := c.call(ctx, &out, "sandbox_sendTransaction", stx); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) TxStatus(ctx context.Context, hash common.Hash) (*protocol.FinalExecutionOutcome, error) {
	var out protocol.FinalExecutionOutcome
	if err := c.call(ctx, &out, "sandbox_txStatus", hash); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) PatchState(ctx context.Context, patches []protocol.StatePatch) (*protocol.Block, error) {
	var out protocol.Block
	if err := c.call(ctx, &out, "sandbox_patchState", patches); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FastForward(ctx context.Context, delta uint64) (*protocol.Block, error) {
	var out protocol.Block
	if err := c.call(ctx, &out, "sandbox_fastForward", delta); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Snapshot(ctx context.Context) (string, error) {
	var id string
	err := c.call(ctx, &id, "sandbox_snapshot")
	return id, err
}

func (c *Client) Revert(ctx context.Context, id string) (*protocol.Block, error) {
	var out protocol.Block
	if err := c.call(ctx, &out, "sandbox_revert", id); err != nil {
		return nil, err
	}
	return &out, nil
}
