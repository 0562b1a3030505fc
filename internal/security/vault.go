package security

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const vaultVersion = 1

var vaultAAD = []byte("parley-vault-v1")

// vaultFile is the on-disk layout. The salt travels with the data so the
// key can be re-derived from the password alone.
type vaultFile struct {
	Version int    `json:"version"`
	Salt    string `json:"salt"`
	Data    string `json:"data"`
}

// Vault is a password-encrypted JSON map of secrets stored in one file.
type Vault struct {
	mu   sync.Mutex
	path string
	salt []byte
	key  []byte
}

// OpenVault opens the vault at path, creating the salt on first use.
// The password is verified against existing contents.
func OpenVault(path, password string) (*Vault, error) {
	if password == "" {
		return nil, errors.New("vault password is empty")
	}
	v := &Vault{path: path}

	file, err := v.read()
	switch {
	case errors.Is(err, os.ErrNotExist):
		salt, err := GenerateSalt()
		if err != nil {
			return nil, err
		}
		v.salt = salt
		v.key = DeriveKey(password, salt)
		return v, nil
	case err != nil:
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("vault %s: bad salt", path)
	}
	v.salt = salt
	v.key = DeriveKey(password, salt)
	if _, err := v.decode(file); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Vault) read() (*vaultFile, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return nil, err
	}
	var file vaultFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse vault: %w", err)
	}
	if file.Version != vaultVersion {
		return nil, fmt.Errorf("vault version %d not supported", file.Version)
	}
	return &file, nil
}

func (v *Vault) decode(file *vaultFile) (map[string]string, error) {
	plaintext, err := Decrypt(file.Data, v.key, vaultAAD)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	secrets := make(map[string]string)
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("parse vault contents: %w", err)
	}
	return secrets, nil
}

func (v *Vault) load() (map[string]string, error) {
	file, err := v.read()
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, err
	}
	return v.decode(file)
}

func (v *Vault) save(secrets map[string]string) error {
	data, err := json.Marshal(secrets)
	if err != nil {
		return err
	}
	sealed, err := Encrypt(data, v.key, vaultAAD)
	if err != nil {
		return err
	}
	out, err := json.Marshal(vaultFile{
		Version: vaultVersion,
		Salt:    base64.StdEncoding.EncodeToString(v.salt),
		Data:    sealed,
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0700); err != nil {
		return err
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, v.path)
}

func (v *Vault) Get(name string) (string, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	secrets, err := v.load()
	if err != nil {
		return "", false, err
	}
	val, ok := secrets[name]
	return val, ok, nil
}

func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	secrets, err := v.load()
	if err != nil {
		return err
	}
	secrets[name] = value
	return v.save(secrets)
}

func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	secrets, err := v.load()
	if err != nil {
		return err
	}
	if _, ok := secrets[name]; !ok {
		return nil
	}
	delete(secrets, name)
	return v.save(secrets)
}
