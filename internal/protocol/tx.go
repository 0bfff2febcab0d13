package protocol

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// ActionKind enumerates what a single transaction action does.
type ActionKind uint8

const (
	ActionCreateAccount ActionKind = iota + 1
	ActionTransfer
	ActionAddKey
	ActionDeleteKey
	ActionDeployContract
	ActionFunctionCall
	ActionDeleteAccount
)

var actionKindNames = map[ActionKind]string{
	ActionCreateAccount:  "create_account",
	ActionTransfer:       "transfer",
	ActionAddKey:         "add_key",
	ActionDeleteKey:      "delete_key",
	ActionDeployContract: "deploy_contract",
	ActionFunctionCall:   "function_call",
	ActionDeleteAccount:  "delete_account",
}

func (k ActionKind) String() string {
	if name, ok := actionKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", uint8(k))
}

func (k ActionKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ActionKind) UnmarshalText(text []byte) error {
	for kind, name := range actionKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown action kind %q", string(text))
}

// Action is one step of a transaction. Only the fields relevant to Kind are set.
type Action struct {
	Kind        ActionKind    `json:"kind"`
	PublicKey   string        `json:"public_key,omitempty"`
	Code        hexutil.Bytes `json:"code,omitempty"`
	Method      string        `json:"method,omitempty"`
	Args        hexutil.Bytes `json:"args,omitempty"`
	Gas         Gas           `json:"gas,omitempty"`
	Deposit     Amount        `json:"deposit"`
	Beneficiary AccountID     `json:"beneficiary,omitempty"`
}

func CreateAccountAction() Action { return Action{Kind: ActionCreateAccount} }

func TransferAction(deposit Amount) Action {
	return Action{Kind: ActionTransfer, Deposit: deposit}
}

func AddKeyAction(publicKey string) Action {
	return Action{Kind: ActionAddKey, PublicKey: publicKey}
}

func DeleteKeyAction(publicKey string) Action {
	return Action{Kind: ActionDeleteKey, PublicKey: publicKey}
}

func DeployContractAction(code []byte) Action {
	return Action{Kind: ActionDeployContract, Code: code}
}

// FunctionCallAction calls the receiver's contract. Args is the raw calldata;
// Method is informational and shows up in logs and outcomes.
func FunctionCallAction(method string, args []byte, gas Gas, deposit Amount) Action {
	return Action{Kind: ActionFunctionCall, Method: method, Args: args, Gas: gas, Deposit: deposit}
}

func DeleteAccountAction(beneficiary AccountID) Action {
	return Action{Kind: ActionDeleteAccount, Beneficiary: beneficiary}
}

// Transaction is an ordered batch of actions signed by one access key.
type Transaction struct {
	SignerID   AccountID   `json:"signer_id"`
	PublicKey  string      `json:"public_key"`
	Nonce      uint64      `json:"nonce"`
	ReceiverID AccountID   `json:"receiver_id"`
	BlockHash  common.Hash `json:"block_hash"`
	Actions    []Action    `json:"actions"`
}

// Hash is keccak256 over the RLP encoding of the transaction.
func (tx *Transaction) Hash() common.Hash {
	data, err := rlp.EncodeToBytes(tx)
	if err != nil {
		// Every field is RLP encodable; failure here is a programming error.
		panic(fmt.Sprintf("rlp encode transaction: %v", err))
	}
	return crypto.Keccak256Hash(data)
}

// SignedTransaction carries the signer's signature over Transaction.Hash().
type SignedTransaction struct {
	Transaction Transaction   `json:"transaction"`
	Signature   hexutil.Bytes `json:"signature"`
}

func (stx *SignedTransaction) Hash() common.Hash { return stx.Transaction.Hash() }

// Log is a contract event emitted during execution.
type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// StorageWrite is one storage slot changed by an action.
type StorageWrite struct {
	Account AccountID   `json:"account"`
	Slot    common.Hash `json:"slot"`
	Value   common.Hash `json:"value"`
}

// ExecutionStatus is either a success carrying the return value or a failure message.
type ExecutionStatus struct {
	SuccessValue *hexutil.Bytes `json:"success_value,omitempty"`
	Failure      string         `json:"failure,omitempty"`
}

func Success(value []byte) ExecutionStatus {
	v := hexutil.Bytes(common.CopyBytes(value))
	if v == nil {
		v = hexutil.Bytes{}
	}
	return ExecutionStatus{SuccessValue: &v}
}

func Failure(format string, args ...any) ExecutionStatus {
	return ExecutionStatus{Failure: fmt.Sprintf(format, args...)}
}

func (s ExecutionStatus) IsSuccess() bool { return s.SuccessValue != nil && s.Failure == "" }

// Value returns the success value, nil on failure.
func (s ExecutionStatus) Value() []byte {
	if s.SuccessValue == nil {
		return nil
	}
	return *s.SuccessValue
}

// ExecutionOutcome describes the execution of the transaction itself or of one action.
type ExecutionOutcome struct {
	ID            common.Hash     `json:"id"`
	BlockHash     common.Hash     `json:"block_hash"`
	BlockHeight   uint64          `json:"block_height"`
	ExecutorID    AccountID       `json:"executor_id"`
	Action        ActionKind      `json:"action,omitempty"`
	Logs          []Log           `json:"logs"`
	GasBurnt      Gas             `json:"gas_burnt"`
	TokensBurnt   Amount          `json:"tokens_burnt"`
	Status        ExecutionStatus `json:"status"`
	StorageWrites []StorageWrite  `json:"storage_writes,omitempty"`
}

// FinalExecutionOutcome is the full result of a transaction: the transaction
// outcome plus one receipt outcome per action.
type FinalExecutionOutcome struct {
	TxHash        common.Hash        `json:"tx_hash"`
	Status        ExecutionStatus    `json:"status"`
	Transaction   ExecutionOutcome   `json:"transaction"`
	Receipts      []ExecutionOutcome `json:"receipts"`
	TotalGasBurnt Gas                `json:"total_gas_burnt"`
}

// DeepCopy returns a copy sharing no slices with o.
func (o *FinalExecutionOutcome) DeepCopy() *FinalExecutionOutcome {
	if o == nil {
		return nil
	}
	out := *o
	out.Status = o.Status.copy()
	out.Transaction = o.Transaction.deepCopy()
	if o.Receipts != nil {
		out.Receipts = make([]ExecutionOutcome, len(o.Receipts))
		for i := range o.Receipts {
			out.Receipts[i] = o.Receipts[i].deepCopy()
		}
	}
	return &out
}

func (s ExecutionStatus) copy() ExecutionStatus {
	if s.SuccessValue == nil {
		return s
	}
	v := hexutil.Bytes(common.CopyBytes(*s.SuccessValue))
	if v == nil {
		v = hexutil.Bytes{}
	}
	return ExecutionStatus{SuccessValue: &v, Failure: s.Failure}
}

func (o ExecutionOutcome) deepCopy() ExecutionOutcome {
	out := o
	out.Status = o.Status.copy()
	out.TokensBurnt = Wei(o.TokensBurnt.Big())
	if o.Logs != nil {
		out.Logs = make([]Log, len(o.Logs))
		for i, l := range o.Logs {
			out.Logs[i] = Log{
				Address: l.Address,
				Topics:  append([]common.Hash(nil), l.Topics...),
				Data:    common.CopyBytes(l.Data),
			}
		}
	}
	if o.StorageWrites != nil {
		out.StorageWrites = append([]StorageWrite(nil), o.StorageWrites...)
	}
	return out
}
