package keys

import "github.com/sharding-experiment/sandbox/internal/protocol"

// SignTransaction fills in tx.PublicKey from sk and signs the transaction hash.
func SignTransaction(sk SecretKey, tx protocol.Transaction) *protocol.SignedTransaction {
	tx.PublicKey = sk.PublicKey().String()
	h := tx.Hash()
	return &protocol.SignedTransaction{
		Transaction: tx,
		Signature:   sk.Sign(h[:]),
	}
}
