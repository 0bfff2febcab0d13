package keys

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const envelopeVersion = 1

var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key file")

// envelope is the encrypted form of a Credentials file.
type envelope struct {
	V         int    `json:"v"`
	AccountID string `json:"account_id"`
	PublicKey string `json:"public_key"`
	Salt      []byte `json:"salt"`
	N         int    `json:"scrypt_n"`
	R         int    `json:"scrypt_r"`
	P         int    `json:"scrypt_p"`
	Cipher    []byte `json:"cipher"`
}

// scrypt cost parameters; tests lower ScryptN.
var (
	ScryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// SealCredentials encrypts the secret key of c with a passphrase.
// Account and public key stay readable.
func SealCredentials(c *Credentials, passphrase string) ([]byte, error) {
	sk, err := c.Key()
	if err != nil {
		return nil, err
	}
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), salt[:], ScryptN, scryptR, scryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	// Zero nonce: the key is unique per salt.
	var nonce [chacha20poly1305.NonceSize]byte
	ct := aead.Seal(nil, nonce[:], []byte(sk.String()), []byte(c.AccountID))
	return json.MarshalIndent(envelope{
		V:         envelopeVersion,
		AccountID: c.AccountID,
		PublicKey: sk.PublicKey().String(),
		Salt:      salt[:],
		N:         ScryptN,
		R:         scryptR,
		P:         scryptP,
		Cipher:    ct,
	}, "", "  ")
}

// OpenCredentials decrypts data produced by SealCredentials.
func OpenCredentials(data []byte, passphrase string) (*Credentials, SecretKey, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, SecretKey{}, err
	}
	if env.V > envelopeVersion {
		return nil, SecretKey{}, fmt.Errorf("unsupported key file version %d", env.V)
	}
	key, err := scrypt.Key([]byte(passphrase), env.Salt, env.N, env.R, env.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, SecretKey{}, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, SecretKey{}, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], env.Cipher, []byte(env.AccountID))
	if err != nil {
		return nil, SecretKey{}, ErrWrongPassphrase
	}
	c := &Credentials{AccountID: env.AccountID, PublicKey: env.PublicKey, PrivateKey: string(pt)}
	sk, err := c.Key()
	if err != nil {
		return nil, SecretKey{}, err
	}
	return c, sk, nil
}

// SaveSealedCredentials writes an encrypted credentials file.
func SaveSealedCredentials(path string, c *Credentials, passphrase string) error {
	data, err := SealCredentials(c, passphrase)
	if err != nil {
		return err
	}
	return writeFile(path, data, 0o600)
}

// LoadSealedCredentials reads and decrypts an encrypted credentials file.
func LoadSealedCredentials(path, passphrase string) (*Credentials, SecretKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, SecretKey{}, err
	}
	return OpenCredentials(data, passphrase)
}

// ReadCredentials loads a credentials file, sealed when passphrase is set
// and plain otherwise.
func ReadCredentials(path, passphrase string) (*Credentials, SecretKey, error) {
	if passphrase != "" {
		return LoadSealedCredentials(path, passphrase)
	}
	c, sk, err := LoadCredentials(path)
	if err != nil {
		if data, rerr := os.ReadFile(path); rerr == nil && isSealed(data) {
			return nil, SecretKey{}, fmt.Errorf("%s is sealed and needs a passphrase", path)
		}
		return nil, SecretKey{}, err
	}
	return c, sk, nil
}

func isSealed(data []byte) bool {
	var env envelope
	return json.Unmarshal(data, &env) == nil && env.V > 0 && len(env.Cipher) > 0
}
