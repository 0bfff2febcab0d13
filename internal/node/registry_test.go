package node

import (
	"encoding/json"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharding-experiment/sandbox/internal/keys"
	"github.com/sharding-experiment/sandbox/internal/protocol"
)

func TestRegistryKeys(t *testing.T) {
	r := NewRegistry()
	pk := keys.MustGenerate(keys.ED25519).PublicKey().String()

	require.NoError(t, r.Create("alice.test.near", 1))
	assert.ErrorIs(t, r.Create("alice.test.near", 2), protocol.ErrAccountExists)
	require.NoError(t, r.AddKey("alice.test.near", pk))
	assert.Error(t, r.AddKey("alice.test.near", pk))

	r.SetNonce("alice.test.near", pk, 7)
	k, err := r.AccessKey("alice.test.near", pk)
	require.NoError(t, err)
	assert.EqualValues(t, 7, k.Nonce)

	other := keys.MustGenerate(keys.SECP256K1).PublicKey().String()
	require.NoError(t, r.SetKeys("alice.test.near", []string{pk, other}))
	got, err := r.Keys("alice.test.near")
	require.NoError(t, err)
	want := []protocol.AccessKey{{PublicKey: pk, Nonce: 7}, {PublicKey: other}}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Errorf("keys after SetKeys (-want +got):\n%s", diff)
	}

	require.NoError(t, r.DeleteKey("alice.test.near", pk))
	_, err = r.AccessKey("alice.test.near", pk)
	assert.ErrorIs(t, err, protocol.ErrAccessKeyNotFound)
	assert.ErrorIs(t, r.DeleteKey("alice.test.near", pk), protocol.ErrAccessKeyNotFound)

	// Missing accounts are ignored.
	r.SetNonce("nobody.test.near", pk, 1)
}

func TestRegistryCloneIsDeep(t *testing.T) {
	r := NewRegistry()
	pk := keys.MustGenerate(keys.ED25519).PublicKey().String()
	require.NoError(t, r.Create("a.test.near", 0))
	require.NoError(t, r.AddKey("a.test.near", pk))

	c := r.Clone()
	c.SetNonce("a.test.near", pk, 3)
	require.NoError(t, c.Create("b.test.near", 0))

	k, _ := r.AccessKey("a.test.near", pk)
	assert.Zero(t, k.Nonce)
	assert.False(t, r.Exists("b.test.near"))
	assert.Equal(t, 2, c.Len())
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	id := protocol.AccountID("a.test.near")
	require.NoError(t, r.Create(id, 0))
	assert.Equal(t, id, r.Resolve(id.Address()))

	stranger := protocol.AccountID("b.test.near").Address()
	assert.True(t, r.Resolve(stranger).IsImplicit())

	require.NoError(t, r.Delete(id))
	assert.True(t, r.Resolve(id.Address()).IsImplicit())
	assert.ErrorIs(t, r.Delete(id), protocol.ErrAccountNotFound)
}

func TestRegistryJSON(t *testing.T) {
	r := NewRegistry()
	pk := keys.MustGenerate(keys.ED25519).PublicKey().String()
	require.NoError(t, r.Create("b.test.near", 4))
	require.NoError(t, r.Create("a.test.near", 2))
	require.NoError(t, r.AddKey("a.test.near", pk))

	data, err := json.Marshal(r)
	require.NoError(t, err)
	back := NewRegistry()
	require.NoError(t, json.Unmarshal(data, back))

	assert.Equal(t, r.IDs(), back.IDs())
	assert.Equal(t, protocol.AccountID("a.test.near"), back.Resolve(protocol.AccountID("a.test.near").Address()))
	keysBack, err := back.Keys("a.test.near")
	require.NoError(t, err)
	assert.Len(t, keysBack, 1)
}
