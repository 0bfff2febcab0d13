package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sharding-experiment/sandbox/config"
	"github.com/sharding-experiment/sandbox/internal/keys"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

const rootID = protocol.AccountID("test.near")

func newTestNode(t *testing.T, home string) (*Node, keys.SecretKey) {
	t.Helper()
	sk := keys.MustGenerate(keys.ED25519)
	n, err := New(config.Default(), Options{HomeDir: home, RootKey: sk.PublicKey()})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n, sk
}

// signer tracks the nonce of one key so tests can send several transactions.
type signer struct {
	id    protocol.AccountID
	sk    keys.SecretKey
	nonce uint64
}

func (s *signer) send(t *testing.T, n *Node, receiver protocol.AccountID, actions ...protocol.Action) *protocol.FinalExecutionOutcome {
	t.Helper()
	out, err := s.trySend(n, receiver, actions...)
	require.NoError(t, err)
	return out
}

func (s *signer) trySend(n *Node, receiver protocol.AccountID, actions ...protocol.Action) (*protocol.FinalExecutionOutcome, error) {
	stx := keys.SignTransaction(s.sk, protocol.Transaction{
		SignerID:   s.id,
		Nonce:      s.nonce + 1,
		ReceiverID: receiver,
		Actions:    actions,
	})
	out, err := n.SendTransaction(context.Background(), stx)
	if err == nil {
		s.nonce++
	}
	return out, err
}

// createAccount creates id from s with a fresh key and returns its signer.
func (s *signer) createAccount(t *testing.T, n *Node, id protocol.AccountID, balance protocol.Amount) *signer {
	t.Helper()
	sk := keys.MustGenerate(keys.ED25519)
	out := s.send(t, n, id,
		protocol.CreateAccountAction(),
		protocol.TransferAction(balance),
		protocol.AddKeyAction(sk.PublicKey().String()),
	)
	require.True(t, out.Status.IsSuccess(), out.Status.Failure)
	return &signer{id: id, sk: sk}
}
