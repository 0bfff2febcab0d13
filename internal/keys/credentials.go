package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials is the on-disk account key file:
//
//	{"account_id": "...", "public_key": "ed25519:...", "private_key": "ed25519:..."}
//
// Some tools write "secret_key" instead of "private_key"; both are accepted.
type Credentials struct {
	AccountID  string `json:"account_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key,omitempty"`
	SecretKey  string `json:"secret_key,omitempty"`
}

// Key parses the secret key and checks it against the recorded public key.
func (c *Credentials) Key() (SecretKey, error) {
	raw := c.PrivateKey
	if raw == "" {
		raw = c.SecretKey
	}
	if raw == "" {
		return SecretKey{}, fmt.Errorf("%w: credentials for %q carry no secret key", ErrInvalidKey, c.AccountID)
	}
	sk, err := ParseSecretKey(raw)
	if err != nil {
		return SecretKey{}, err
	}
	if c.PublicKey != "" {
		pk, err := ParsePublicKey(c.PublicKey)
		if err != nil {
			return SecretKey{}, err
		}
		if !pk.Equal(sk.PublicKey()) {
			return SecretKey{}, fmt.Errorf("%w: public key does not match secret key for %q", ErrInvalidKey, c.AccountID)
		}
	}
	return sk, nil
}

// NewCredentials builds the credentials record of an account key.
func NewCredentials(accountID string, sk SecretKey) *Credentials {
	return &Credentials{
		AccountID:  accountID,
		PublicKey:  sk.PublicKey().String(),
		PrivateKey: sk.String(),
	}
}

// LoadCredentials reads a credentials file.
func LoadCredentials(path string) (*Credentials, SecretKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, SecretKey{}, fmt.Errorf("read credentials %s: %w", path, err)
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, SecretKey{}, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	if c.AccountID == "" {
		return nil, SecretKey{}, fmt.Errorf("credentials %s: missing account_id", path)
	}
	sk, err := c.Key()
	if err != nil {
		return nil, SecretKey{}, fmt.Errorf("credentials %s: %w", path, err)
	}
	return &c, sk, nil
}

// SaveCredentials writes <dir>/<account_id>.json with 0600 permissions and
// returns the file path.
func SaveCredentials(dir, accountID string, sk SecretKey) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, accountID+".json")
	if err := WriteCredentials(path, NewCredentials(accountID, sk)); err != nil {
		return "", err
	}
	return path, nil
}

// WriteCredentials writes c to path via a temp file then rename.
func WriteCredentials(path string, c *Credentials) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(path, b, 0o600)
}

func writeFile(path string, b []byte, mode os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, werr := f.Write(b)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, mode); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
