// Package rpc exposes a sandbox node over JSON-RPC and provides the matching
// client. Besides the sandbox_* namespace the server answers the eth_* state
// reads needed to use one sandbox as the archival source of another.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// JSON-RPC error codes.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -32000
	// CodeExecutionError marks a contract failure of a view call (geth uses
	// the same code for reverted eth_call).
	CodeExecutionError = 3
)

type jsonRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// BlockQuery selects a block by height or hash; both empty means latest.
type BlockQuery struct {
	Height *uint64      `json:"height,omitempty"`
	Hash   *common.Hash `json:"hash,omitempty"`
}

// ViewStateParams is the single parameter of sandbox_viewState.
type ViewStateParams struct {
	Slots     []common.Hash `json:"slots,omitempty"`
	WithProof bool          `json:"with_proof,omitempty"`
}

var errMethodNotFound = errors.New("method not found")

// paramsError reports malformed request parameters (-32602).
type paramsError struct {
	msg string
}

func (e *paramsError) Error() string { return e.msg }

func invalidParams(format string, args ...any) error {
	return &paramsError{msg: fmt.Sprintf(format, args...)}
}

// decodeParams fills out from positional params. The first required params
// must be present; the rest are optional and keep their zero value.
func decodeParams(params []json.RawMessage, required int, out ...any) error {
	if len(params) < required {
		return invalidParams("missing value for required argument %d", len(params))
	}
	if len(params) > len(out) {
		return invalidParams("too many arguments, want at most %d", len(out))
	}
	for i, raw := range params {
		if len(raw) == 0 || string(raw) == "null" {
			if i < required {
				return invalidParams("missing value for required argument %d", i)
			}
			continue
		}
		if err := json.Unmarshal(raw, out[i]); err != nil {
			return invalidParams("invalid argument %d: %v", i, err)
		}
	}
	return nil
}
