package workspaces

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/sharding-experiment/sandbox/internal/artifact"
	"github.com/sharding-experiment/sandbox/internal/node"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

// ExecutionError is a transaction or view call that ran and failed.
type ExecutionError struct {
	TxHash common.Hash // zero for view calls
	Msg    string
}

func (e *ExecutionError) Error() string {
	if e.TxHash == (common.Hash{}) {
		return "view call failed: " + e.Msg
	}
	return fmt.Sprintf("transaction %s failed: %s", e.TxHash.Hex(), e.Msg)
}

// viewError turns a node execution failure into an ExecutionError.
func viewError(err error) error {
	var ee *node.ExecutionError
	if errors.As(err, &ee) {
		return &ExecutionError{Msg: ee.Msg}
	}
	return err
}

// ExecutionResult is the outcome of a transaction.
type ExecutionResult struct {
	outcome *protocol.FinalExecutionOutcome
	abi     *abi.ABI
	method  string
}

func newExecutionResult(o *protocol.FinalExecutionOutcome, contractABI *abi.ABI, method string) *ExecutionResult {
	return &ExecutionResult{outcome: o, abi: contractABI, method: method}
}

func (r *ExecutionResult) IsSuccess() bool { return r.outcome.Status.IsSuccess() }

func (r *ExecutionResult) IsFailure() bool { return !r.IsSuccess() }

// Err returns nil on success and an *ExecutionError otherwise.
func (r *ExecutionResult) Err() error {
	if r.IsSuccess() {
		return nil
	}
	return &ExecutionError{TxHash: r.outcome.TxHash, Msg: r.outcome.Status.Failure}
}

func (r *ExecutionResult) TxHash() common.Hash { return r.outcome.TxHash }

// Outcome is the full node outcome.
func (r *ExecutionResult) Outcome() *protocol.FinalExecutionOutcome { return r.outcome }

// Logs collects the logs of every receipt in order.
func (r *ExecutionResult) Logs() []protocol.Log {
	var out []protocol.Log
	for _, rc := range r.outcome.Receipts {
		out = append(out, rc.Logs...)
	}
	return out
}

// ReceiptFailures returns the receipt outcomes that failed.
func (r *ExecutionResult) ReceiptFailures() []protocol.ExecutionOutcome {
	var out []protocol.ExecutionOutcome
	for _, rc := range r.outcome.Receipts {
		if !rc.Status.IsSuccess() {
			out = append(out, rc)
		}
	}
	return out
}

func (r *ExecutionResult) TotalGasBurnt() protocol.Gas { return r.outcome.TotalGasBurnt }

// Raw is the return data of the last action.
func (r *ExecutionResult) Raw() []byte { return r.outcome.Status.Value() }

// JSON decodes the return data into v, through the contract ABI when known.
func (r *ExecutionResult) JSON(v interface{}) error {
	if err := r.Err(); err != nil {
		return err
	}
	return decodeReturn(r.abi, r.method, r.Raw(), v)
}

// ViewResult is the outcome of a read-only call.
type ViewResult struct {
	*protocol.ViewResult
	abi    *abi.ABI
	method string
}

func (r *ViewResult) Raw() []byte { return r.Result }

// JSON decodes the return data into v, through the contract ABI when known.
func (r *ViewResult) JSON(v interface{}) error {
	return decodeReturn(r.abi, r.method, r.Result, v)
}

func decodeReturn(contractABI *abi.ABI, method string, data []byte, v interface{}) error {
	if contractABI != nil {
		if _, ok := contractABI.Methods[method]; ok {
			js, err := artifact.DecodeJSON(*contractABI, method, data)
			if err != nil {
				return err
			}
			return json.Unmarshal(js, v)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("return value is not JSON and no ABI is known for %q: %w", method, err)
	}
	return nil
}
