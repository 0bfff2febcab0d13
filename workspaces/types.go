package workspaces

import (
	"github.com/sharding-experiment/sandbox/internal/artifact"
	"github.com/sharding-experiment/sandbox/internal/keys"
	"github.com/sharding-experiment/sandbox/internal/protocol"
	"github.com/sharding-experiment/sandbox/internal/spoon"
)

// Types shared with the node, re-exported so callers can name them.
type (
	AccountID   = protocol.AccountID
	Amount      = protocol.Amount
	Gas         = protocol.Gas
	Block       = protocol.Block
	AccountView = protocol.AccountView
	StatePatch  = protocol.StatePatch
	Log         = protocol.Log
	Outcome     = protocol.ExecutionOutcome
	SecretKey   = keys.SecretKey
	Artifact    = artifact.Artifact
	Project     = artifact.Project
	Fetcher     = spoon.Fetcher
)

var (
	Ether      = protocol.Ether
	MilliEther = protocol.MilliEther
	Gwei       = protocol.Gwei
	Wei        = protocol.Wei
	KiloGas    = protocol.KiloGas

	ParseAmount    = protocol.ParseAmount
	ParseAccountID = protocol.ParseAccountID
	ParseSecretKey = keys.ParseSecretKey
	LoadArtifact   = artifact.Load
)

// Protocol errors, for errors.Is on values returned by the worker.
var (
	ErrAccountNotFound   = protocol.ErrAccountNotFound
	ErrAccountExists     = protocol.ErrAccountExists
	ErrInvalidAccountID  = protocol.ErrInvalidAccountID
	ErrInvalidNonce      = protocol.ErrInvalidNonce
	ErrInvalidSignature  = protocol.ErrInvalidSignature
	ErrAccessKeyNotFound = protocol.ErrAccessKeyNotFound
	ErrInsufficientFunds = protocol.ErrInsufficientFunds
	ErrNotAllowed        = protocol.ErrNotAllowed
	ErrNoContract        = protocol.ErrNoContract
	ErrUnknownBlock      = protocol.ErrUnknownBlock
	ErrUnknownSnapshot   = protocol.ErrUnknownSnapshot
	ErrSolcNotFound      = artifact.ErrSolcNotFound
)
