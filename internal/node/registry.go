package node

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

// accountRecord is the named-account half of an account; balance, code and
// storage live in the EVM state under ID.Address().
type accountRecord struct {
	ID        protocol.AccountID   `json:"id"`
	Keys      []protocol.AccessKey `json:"keys"`
	CreatedAt uint64               `json:"created_at"`
}

func (r *accountRecord) copy() *accountRecord {
	out := *r
	out.Keys = append([]protocol.AccessKey(nil), r.Keys...)
	return &out
}

func (r *accountRecord) keyIndex(publicKey string) int {
	for i, k := range r.Keys {
		if k.PublicKey == publicKey {
			return i
		}
	}
	return -1
}

// Registry holds the named accounts of the chain and their access keys.
// It is not safe for concurrent use; the node lock guards it.
type Registry struct {
	accounts map[protocol.AccountID]*accountRecord
	byAddr   map[common.Address]protocol.AccountID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		accounts: make(map[protocol.AccountID]*accountRecord),
		byAddr:   make(map[common.Address]protocol.AccountID),
	}
}

// Clone returns a deep copy.
func (r *Registry) Clone() *Registry {
	out := &Registry{
		accounts: make(map[protocol.AccountID]*accountRecord, len(r.accounts)),
		byAddr:   make(map[common.Address]protocol.AccountID, len(r.byAddr)),
	}
	for id, rec := range r.accounts {
		out.accounts[id] = rec.copy()
	}
	for addr, id := range r.byAddr {
		out.byAddr[addr] = id
	}
	return out
}

func (r *Registry) Exists(id protocol.AccountID) bool {
	_, ok := r.accounts[id]
	return ok
}

func (r *Registry) get(id protocol.AccountID) (*accountRecord, error) {
	rec, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrAccountNotFound, id)
	}
	return rec, nil
}

// Create registers id with no keys.
func (r *Registry) Create(id protocol.AccountID, height uint64) error {
	if r.Exists(id) {
		return fmt.Errorf("%w: %s", protocol.ErrAccountExists, id)
	}
	r.accounts[id] = &accountRecord{ID: id, CreatedAt: height}
	r.byAddr[id.Address()] = id
	return nil
}

// Delete removes id and its keys.
func (r *Registry) Delete(id protocol.AccountID) error {
	if _, err := r.get(id); err != nil {
		return err
	}
	delete(r.accounts, id)
	delete(r.byAddr, id.Address())
	return nil
}

// AddKey registers a full-access key with nonce 0.
func (r *Registry) AddKey(id protocol.AccountID, publicKey string) error {
	rec, err := r.get(id)
	if err != nil {
		return err
	}
	if rec.keyIndex(publicKey) >= 0 {
		return fmt.Errorf("key %s already registered on %s", publicKey, id)
	}
	rec.Keys = append(rec.Keys, protocol.AccessKey{PublicKey: publicKey})
	return nil
}

// DeleteKey removes a key.
func (r *Registry) DeleteKey(id protocol.AccountID, publicKey string) error {
	rec, err := r.get(id)
	if err != nil {
		return err
	}
	i := rec.keyIndex(publicKey)
	if i < 0 {
		return fmt.Errorf("%w: %s on %s", protocol.ErrAccessKeyNotFound, publicKey, id)
	}
	rec.Keys = append(rec.Keys[:i], rec.Keys[i+1:]...)
	return nil
}

// SetKeys replaces every key of id, keeping the nonces of keys that stay.
func (r *Registry) SetKeys(id protocol.AccountID, publicKeys []string) error {
	rec, err := r.get(id)
	if err != nil {
		return err
	}
	keys := make([]protocol.AccessKey, 0, len(publicKeys))
	for _, pk := range publicKeys {
		var nonce uint64
		if i := rec.keyIndex(pk); i >= 0 {
			nonce = rec.Keys[i].Nonce
		}
		keys = append(keys, protocol.AccessKey{PublicKey: pk, Nonce: nonce})
	}
	rec.Keys = keys
	return nil
}

// AccessKey returns the key record of publicKey on id.
func (r *Registry) AccessKey(id protocol.AccountID, publicKey string) (protocol.AccessKey, error) {
	rec, err := r.get(id)
	if err != nil {
		return protocol.AccessKey{}, err
	}
	i := rec.keyIndex(publicKey)
	if i < 0 {
		return protocol.AccessKey{}, fmt.Errorf("%w: %s on %s", protocol.ErrAccessKeyNotFound, publicKey, id)
	}
	return rec.Keys[i], nil
}

// SetNonce records the last used nonce of a key. Missing accounts or keys
// are ignored: the transaction may have deleted them.
func (r *Registry) SetNonce(id protocol.AccountID, publicKey string, nonce uint64) {
	rec, ok := r.accounts[id]
	if !ok {
		return
	}
	if i := rec.keyIndex(publicKey); i >= 0 {
		rec.Keys[i].Nonce = nonce
	}
}

// Keys returns a copy of the keys of id.
func (r *Registry) Keys(id protocol.AccountID) ([]protocol.AccessKey, error) {
	rec, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return append([]protocol.AccessKey{}, rec.Keys...), nil
}

// Resolve maps an EVM address back to the account that owns it, falling
// back to the implicit ID of the address.
func (r *Registry) Resolve(addr common.Address) protocol.AccountID {
	if id, ok := r.byAddr[addr]; ok {
		return id
	}
	return protocol.ImplicitAccountID(addr)
}

// IDs returns every registered account, sorted.
func (r *Registry) IDs() []protocol.AccountID {
	ids := make([]protocol.AccountID, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Len() int { return len(r.accounts) }

func (r *Registry) MarshalJSON() ([]byte, error) {
	recs := make([]*accountRecord, 0, len(r.accounts))
	for _, id := range r.IDs() {
		recs = append(recs, r.accounts[id])
	}
	return json.Marshal(recs)
}

func (r *Registry) UnmarshalJSON(data []byte) error {
	var recs []*accountRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return err
	}
	*r = *NewRegistry()
	for _, rec := range recs {
		if rec.Keys == nil {
			rec.Keys = []protocol.AccessKey{}
		}
		r.accounts[rec.ID] = rec
		r.byAddr[rec.ID.Address()] = rec.ID
	}
	return nil
}
