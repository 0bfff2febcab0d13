// Package artifact loads compiled contracts (forge, hardhat or plain
// .bin/.abi output), drives solc when only sources exist, and bridges JSON
// call arguments to the contract ABI.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrUnlinked reports bytecode that still carries library placeholders.
var ErrUnlinked = errors.New("bytecode has unlinked library references")

// Artifact is a compiled contract.
type Artifact struct {
	Name    string
	ABI     abi.ABI
	ABIJSON json.RawMessage
	// Bytecode is the init code; DeployedBytecode the runtime code, when known.
	Bytecode         []byte
	DeployedBytecode []byte
	Source           string
}

// InitCode returns the init code with ABI encoded constructor args appended.
func (a *Artifact) InitCode(args ...interface{}) ([]byte, error) {
	code := append([]byte(nil), a.Bytecode...)
	if len(args) == 0 {
		return code, nil
	}
	packed, err := a.ABI.Pack("", args...)
	if err != nil {
		return nil, fmt.Errorf("pack constructor of %s: %w", a.Name, err)
	}
	return append(code, packed...), nil
}

// InitCodeJSON is InitCode with constructor arguments given as JSON.
func (a *Artifact) InitCodeJSON(args json.RawMessage) ([]byte, error) {
	packed, err := EncodeArgs(a.ABI, "", args)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), a.Bytecode...), packed...), nil
}

// bytecodeField accepts "0x.." (hardhat) and {"object": "0x.."} (forge).
type bytecodeField string

func (b *bytecodeField) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*b = bytecodeField(s)
		return nil
	}
	var obj struct {
		Object string `json:"object"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("bytecode is neither a string nor an object: %w", err)
	}
	*b = bytecodeField(obj.Object)
	return nil
}

type artifactJSON struct {
	ContractName     string          `json:"contractName"`
	SourceName       string          `json:"sourceName"`
	ABI              json.RawMessage `json:"abi"`
	Bytecode         bytecodeField   `json:"bytecode"`
	DeployedBytecode bytecodeField   `json:"deployedBytecode"`
}

// Load reads a forge or hardhat JSON artifact, or a .bin file with an
// optional sibling .abi.
func Load(path string) (*Artifact, error) {
	if strings.EqualFold(filepath.Ext(path), ".bin") {
		return loadBin(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	a, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if a.Name == "" {
		a.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return a, nil
}

// Parse decodes a JSON build artifact.
func Parse(data []byte) (*Artifact, error) {
	var raw artifactJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if raw.Bytecode == "" {
		return nil, fmt.Errorf("artifact has no bytecode")
	}
	code, err := decodeHex(string(raw.Bytecode))
	if err != nil {
		return nil, fmt.Errorf("bytecode: %w", err)
	}
	var deployed []byte
	if raw.DeployedBytecode != "" {
		if deployed, err = decodeHex(string(raw.DeployedBytecode)); err != nil {
			return nil, fmt.Errorf("deployed bytecode: %w", err)
		}
	}
	a := &Artifact{
		Name:             raw.ContractName,
		Bytecode:         code,
		DeployedBytecode: deployed,
		Source:           raw.SourceName,
	}
	if err := a.setABI(raw.ABI); err != nil {
		return nil, err
	}
	return a, nil
}

func loadBin(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	code, err := decodeHex(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base := strings.TrimSuffix(path, filepath.Ext(path))
	a := &Artifact{Name: filepath.Base(base), Bytecode: code}

	abiData, err := os.ReadFile(base + ".abi")
	switch {
	case errors.Is(err, os.ErrNotExist):
		return a, nil
	case err != nil:
		return nil, err
	}
	if err := a.setABI(abiData); err != nil {
		return nil, fmt.Errorf("%s.abi: %w", base, err)
	}
	return a, nil
}

func (a *Artifact) setABI(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse abi: %w", err)
	}
	a.ABI = parsed
	a.ABIJSON = append(json.RawMessage(nil), data...)
	return nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "__") {
		return nil, ErrUnlinked
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	if s == "0x" {
		return []byte{}, nil
	}
	return hexutil.Decode(s)
}
