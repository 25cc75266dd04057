// Package secrets keeps workflow secrets encrypted at rest. Workflows declare
// the secrets they read under use.secrets; the engine resolves them into the
// $secret expression argument and never persists the plaintext.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"regexp"

	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

const (
	keySize           = 32
	defaultIterations = 100_000
)

var validName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// Vault stores and resolves named secrets.
type Vault interface {
	Resolve(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, value []byte) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// Config selects how the encryption key is obtained. MasterKey wins over
// Passphrase; a passphrase needs a Salt.
type Config struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int
}

// AESVault seals each value with AES-256-GCM under a random nonce before it
// reaches the store.
type AESVault struct {
	store store.SecretStore
	aead  cipher.AEAD
}

var _ Vault = (*AESVault)(nil)

// NewAESVault derives the key from cfg and returns a vault over s.
func NewAESVault(s store.SecretStore, cfg Config) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "aes cipher: %s", err.Error()).WithCause(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "gcm: %s", err.Error()).WithCause(err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func deriveKey(cfg Config) ([]byte, error) {
	switch {
	case len(cfg.MasterKey) > 0:
		if len(cfg.MasterKey) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"master key must be %d bytes, got %d", keySize, len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	case cfg.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeConfiguration, "secrets need a master key or a passphrase")
	case len(cfg.Salt) == 0:
		return nil, schema.NewError(schema.ErrCodeConfiguration, "a passphrase needs a salt")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, keySize)
}

func (v *AESVault) Put(ctx context.Context, name string, value []byte) error {
	if !validName.MatchString(name) {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid secret name %q", name)
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return schema.NewErrorf(schema.ErrCodeRuntime, "generate nonce: %s", err.Error()).WithCause(err)
	}
	return v.store.StoreSecret(ctx, name, v.aead.Seal(nonce, nonce, value, []byte(name)))
}

// Resolve returns the plaintext of name. A value moved to another name fails
// authentication since the name is bound as additional data.
func (v *AESVault) Resolve(ctx context.Context, name string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	n := v.aead.NonceSize()
	if len(sealed) < n {
		return nil, schema.NewErrorf(schema.ErrCodeRuntime, "secret %q is corrupt", name)
	}
	plain, err := v.aead.Open(nil, sealed[:n], sealed[n:], []byte(name))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRuntime, "decrypt secret %q: %s", name, err.Error()).WithCause(err)
	}
	return plain, nil
}

func (v *AESVault) Delete(ctx context.Context, name string) error {
	return v.store.DeleteSecret(ctx, name)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}
