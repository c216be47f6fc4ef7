package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowgrid/flowgrid/pkg/schema"
)

// VaultConfig configures the AES vault key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// AESVault encrypts credential fields with AES-256-GCM before persisting.
type AESVault struct {
	store CredentialStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault with AES-256-GCM encryption.
func NewAESVault(s CredentialStore, cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func deriveKey(cfg VaultConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrKindVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrKindVault, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrKindVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func (v *AESVault) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *AESVault) decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, schema.NewError(schema.ErrKindVault, "ciphertext too short")
	}
	nonce := ciphertext[:nonceSize]
	ct := ciphertext[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrKindVault, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

// GetCredentials fetches and decrypts the credential fields for one
// user/provider pair. A missing row surfaces as MISSING_CREDENTIALS so
// callers can fail the step without retrying.
func (v *AESVault) GetCredentials(ctx context.Context, userID, provider string) (*schema.Credential, error) {
	encrypted, err := v.store.GetCredential(ctx, userID, provider)
	if err != nil {
		var flowErr *schema.FlowError
		if errors.As(err, &flowErr) && flowErr.Kind == schema.ErrKindNotFound {
			return nil, schema.NewErrorf(schema.ErrKindMissingCredentials,
				"no credentials for provider %q and user %q", provider, userID)
		}
		return nil, err
	}
	plaintext, err := v.decrypt(encrypted)
	if err != nil {
		return nil, err
	}
	var fields map[string]string
	if err := json.Unmarshal(plaintext, &fields); err != nil {
		return nil, schema.NewErrorf(schema.ErrKindVault, "malformed credential payload: %s", err.Error())
	}
	return &schema.Credential{UserID: userID, Provider: provider, Fields: fields}, nil
}

func (v *AESVault) StoreCredentials(ctx context.Context, userID, provider string, fields map[string]string) error {
	plaintext, err := json.Marshal(fields)
	if err != nil {
		return schema.NewErrorf(schema.ErrKindVault, "marshal credential payload: %s", err.Error())
	}
	encrypted, err := v.encrypt(plaintext)
	if err != nil {
		return err
	}
	return v.store.StoreCredential(ctx, userID, provider, encrypted)
}

func (v *AESVault) DeleteCredentials(ctx context.Context, userID, provider string) error {
	return v.store.DeleteCredential(ctx, userID, provider)
}

var _ Vault = (*AESVault)(nil)
