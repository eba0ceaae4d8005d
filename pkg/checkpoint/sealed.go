// pkg/checkpoint/sealed.go
//
// SealedStore is the encrypted-at-rest backing for locally cached secret
// values (the lifecycle manager needs the production token across daemon
// restarts to keep renewing it). Replaces the original deployment's ad-hoc
// plaintext token files.

package checkpoint

import (
	"crypto/rand"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	cerr "github.com/cockroachdb/errors"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/cloudya/vaultboot/pkg/credential"
	"github.com/cloudya/vaultboot/pkg/shared"
)

type SealedStore struct {
	Path    string
	KeyPath string
}

func NewSealedStore(path, keyPath string) *SealedStore {
	return &SealedStore{Path: path, KeyPath: keyPath}
}

// sealedRecord is what actually hits disk: metadata in the clear for
// debuggability, the secret only inside the box.
type sealedRecord struct {
	Accessor string `json:"accessor"`
	Kind     string `json:"kind"`
	Nonce    []byte `json:"nonce"`
	Box      []byte `json:"box"`
}

// Save seals the credential's secret value and writes the record with
// owner-only permissions via rename.
func (s *SealedStore) Save(cred *credential.Credential) error {
	key, err := s.loadOrCreateKey()
	if err != nil {
		return err
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return cerr.Wrap(err, "generate nonce")
	}
	box := secretbox.Seal(nil, []byte(cred.SecretValue), &nonce, key)

	data, err := json.Marshal(sealedRecord{
		Accessor: cred.Accessor,
		Kind:     string(cred.Kind),
		Nonce:    nonce[:],
		Box:      box,
	})
	if err != nil {
		return cerr.Wrap(err, "encode sealed record")
	}

	if err := os.MkdirAll(filepath.Dir(s.Path), shared.DirPerm); err != nil {
		return cerr.Wrap(err, "create secrets directory")
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, shared.SecretFilePerm); err != nil {
		return cerr.Wrap(err, "write sealed record")
	}
	return os.Rename(tmp, s.Path)
}

// Load opens the sealed record and returns the accessor, kind and secret.
func (s *SealedStore) Load() (accessor, kind, secret string, err error) {
	key, err := s.loadOrCreateKey()
	if err != nil {
		return "", "", "", err
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		return "", "", "", cerr.Wrap(err, "read sealed record")
	}
	var rec sealedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", "", "", cerr.Wrap(err, "decode sealed record")
	}
	if len(rec.Nonce) != 24 {
		return "", "", "", cerr.New("sealed record nonce malformed")
	}

	var nonce [24]byte
	copy(nonce[:], rec.Nonce)
	plain, ok := secretbox.Open(nil, rec.Box, &nonce, key)
	if !ok {
		return "", "", "", cerr.New("sealed record failed authentication")
	}
	return rec.Accessor, rec.Kind, string(plain), nil
}

// Wipe removes the cached secret, e.g. after revocation.
func (s *SealedStore) Wipe() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return cerr.Wrap(err, "remove sealed record")
	}
	return nil
}

func (s *SealedStore) loadOrCreateKey() (*[32]byte, error) {
	var key [32]byte

	data, err := os.ReadFile(s.KeyPath)
	switch {
	case err == nil:
		if len(data) != 32 {
			return nil, cerr.New("seal key has wrong length")
		}
		copy(key[:], data)
		return &key, nil
	case os.IsNotExist(err):
		if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
			return nil, cerr.Wrap(err, "generate seal key")
		}
		if err := os.MkdirAll(filepath.Dir(s.KeyPath), shared.DirPerm); err != nil {
			return nil, cerr.Wrap(err, "create key directory")
		}
		if err := os.WriteFile(s.KeyPath, key[:], shared.SecretFilePerm); err != nil {
			return nil, cerr.Wrap(err, "write seal key")
		}
		return &key, nil
	default:
		return nil, cerr.Wrap(err, "read seal key")
	}
}
