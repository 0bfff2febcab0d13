package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyType names a signature scheme.
type KeyType string

const (
	ED25519   KeyType = "ed25519"
	SECP256K1 KeyType = "secp256k1"
)

var ErrInvalidKey = errors.New("invalid key")

func parseKeyType(s string) (KeyType, error) {
	switch KeyType(s) {
	case ED25519, SECP256K1:
		return KeyType(s), nil
	}
	return "", fmt.Errorf("%w: unknown key type %q", ErrInvalidKey, s)
}

// splitKey splits "<type>:<base58>". A missing prefix means ed25519.
func splitKey(s string) (KeyType, []byte, error) {
	typ := ED25519
	body := s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		t, err := parseKeyType(s[:i])
		if err != nil {
			return "", nil, err
		}
		typ, body = t, s[i+1:]
	}
	data := base58.Decode(body)
	if len(data) == 0 {
		return "", nil, fmt.Errorf("%w: bad base58 payload", ErrInvalidKey)
	}
	return typ, data, nil
}

// SecretKey is a signing key. The zero value is not usable.
type SecretKey struct {
	typ KeyType
	ed  ed25519.PrivateKey
	k1  *btcec.PrivateKey
}

// Generate creates a random key of the given type.
func Generate(typ KeyType) (SecretKey, error) {
	switch typ {
	case ED25519:
		_, sk, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return SecretKey{}, err
		}
		return SecretKey{typ: ED25519, ed: sk}, nil
	case SECP256K1:
		sk, err := btcec.NewPrivateKey()
		if err != nil {
			return SecretKey{}, err
		}
		return SecretKey{typ: SECP256K1, k1: sk}, nil
	}
	return SecretKey{}, fmt.Errorf("%w: unknown key type %q", ErrInvalidKey, typ)
}

// MustGenerate is Generate for tests and tooling.
func MustGenerate(typ KeyType) SecretKey {
	sk, err := Generate(typ)
	if err != nil {
		panic(err)
	}
	return sk
}

// FromSeed derives a deterministic key from an arbitrary seed.
func FromSeed(typ KeyType, seed string) (SecretKey, error) {
	digest := sha256.Sum256([]byte(seed))
	switch typ {
	case ED25519:
		return SecretKey{typ: ED25519, ed: ed25519.NewKeyFromSeed(digest[:])}, nil
	case SECP256K1:
		sk, _ := btcec.PrivKeyFromBytes(digest[:])
		return SecretKey{typ: SECP256K1, k1: sk}, nil
	}
	return SecretKey{}, fmt.Errorf("%w: unknown key type %q", ErrInvalidKey, typ)
}

// ParseSecretKey parses "ed25519:<base58>" (64-byte seed||public or 32-byte seed)
// or "secp256k1:<base58>" (32-byte scalar).
func ParseSecretKey(s string) (SecretKey, error) {
	typ, data, err := splitKey(strings.TrimSpace(s))
	if err != nil {
		return SecretKey{}, err
	}
	switch typ {
	case ED25519:
		switch len(data) {
		case ed25519.PrivateKeySize:
			sk := ed25519.NewKeyFromSeed(data[:ed25519.SeedSize])
			if !bytes.Equal(sk[ed25519.SeedSize:], data[ed25519.SeedSize:]) {
				return SecretKey{}, fmt.Errorf("%w: ed25519 public half does not match seed", ErrInvalidKey)
			}
			return SecretKey{typ: ED25519, ed: sk}, nil
		case ed25519.SeedSize:
			return SecretKey{typ: ED25519, ed: ed25519.NewKeyFromSeed(data)}, nil
		}
		return SecretKey{}, fmt.Errorf("%w: ed25519 secret key has %d bytes", ErrInvalidKey, len(data))
	case SECP256K1:
		if len(data) != btcec.PrivKeyBytesLen {
			return SecretKey{}, fmt.Errorf("%w: secp256k1 secret key has %d bytes", ErrInvalidKey, len(data))
		}
		sk, _ := btcec.PrivKeyFromBytes(data)
		return SecretKey{typ: SECP256K1, k1: sk}, nil
	}
	return SecretKey{}, fmt.Errorf("%w: unknown key type %q", ErrInvalidKey, typ)
}

func (k SecretKey) Type() KeyType { return k.typ }

func (k SecretKey) IsZero() bool { return k.ed == nil && k.k1 == nil }

func (k SecretKey) bytes() []byte {
	switch k.typ {
	case ED25519:
		return []byte(k.ed)
	case SECP256K1:
		return k.k1.Serialize()
	}
	return nil
}

// String returns the "<type>:<base58>" form. It exposes the secret.
func (k SecretKey) String() string {
	if k.IsZero() {
		return ""
	}
	return string(k.typ) + ":" + base58.Encode(k.bytes())
}

func (k SecretKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *SecretKey) UnmarshalText(text []byte) error {
	sk, err := ParseSecretKey(string(text))
	if err != nil {
		return err
	}
	*k = sk
	return nil
}

// PublicKey returns the verifying half of k.
func (k SecretKey) PublicKey() PublicKey {
	switch k.typ {
	case ED25519:
		return PublicKey{typ: ED25519, data: []byte(k.ed.Public().(ed25519.PublicKey))}
	case SECP256K1:
		return PublicKey{typ: SECP256K1, data: k.k1.PubKey().SerializeCompressed()}
	}
	return PublicKey{}
}

// Sign signs msg. secp256k1 keys sign a 32-byte digest; longer messages are
// hashed with keccak256 first.
func (k SecretKey) Sign(msg []byte) []byte {
	switch k.typ {
	case ED25519:
		return ed25519.Sign(k.ed, msg)
	case SECP256K1:
		return ecdsa.Sign(k.k1, digest(msg)).Serialize()
	}
	return nil
}

func digest(msg []byte) []byte {
	if len(msg) == 32 {
		return msg
	}
	return crypto.Keccak256(msg)
}

// PublicKey is a verifying key.
type PublicKey struct {
	typ  KeyType
	data []byte
}

// ParsePublicKey parses "<type>:<base58>".
func ParsePublicKey(s string) (PublicKey, error) {
	typ, data, err := splitKey(strings.TrimSpace(s))
	if err != nil {
		return PublicKey{}, err
	}
	switch typ {
	case ED25519:
		if len(data) != ed25519.PublicKeySize {
			return PublicKey{}, fmt.Errorf("%w: ed25519 public key has %d bytes", ErrInvalidKey, len(data))
		}
	case SECP256K1:
		if _, err := btcec.ParsePubKey(data); err != nil {
			return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
	}
	return PublicKey{typ: typ, data: data}, nil
}

func (p PublicKey) Type() KeyType { return p.typ }

func (p PublicKey) Bytes() []byte { return append([]byte(nil), p.data...) }

func (p PublicKey) IsZero() bool { return len(p.data) == 0 }

func (p PublicKey) Equal(o PublicKey) bool { return p.typ == o.typ && bytes.Equal(p.data, o.data) }

func (p PublicKey) String() string {
	if p.IsZero() {
		return ""
	}
	return string(p.typ) + ":" + base58.Encode(p.data)
}

func (p PublicKey) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *PublicKey) UnmarshalText(text []byte) error {
	pk, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*p = pk
	return nil
}

// Verify checks sig over msg.
func (p PublicKey) Verify(msg, sig []byte) bool {
	switch p.typ {
	case ED25519:
		if len(p.data) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(p.data), msg, sig)
	case SECP256K1:
		pub, err := btcec.ParsePubKey(p.data)
		if err != nil {
			return false
		}
		s, err := ecdsa.ParseDERSignature(sig)
		if err != nil {
			return false
		}
		return s.Verify(digest(msg), pub)
	}
	return false
}

// VerifyString parses publicKey and checks sig over msg.
func VerifyString(publicKey string, msg, sig []byte) bool {
	pk, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	return pk.Verify(msg, sig)
}
