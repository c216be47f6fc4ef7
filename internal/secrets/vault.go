// Package secrets provides encrypted at-rest storage for provider
// credentials. Credentials are decrypted in memory only, fetched fresh
// for each step invocation so rotations take effect mid-execution.
package secrets

import (
	"context"

	"github.com/flowgrid/flowgrid/pkg/schema"
)

// Vault stores and resolves per-user provider credentials.
type Vault interface {
	GetCredentials(ctx context.Context, userID, provider string) (*schema.Credential, error)
	StoreCredentials(ctx context.Context, userID, provider string, fields map[string]string) error
	DeleteCredentials(ctx context.Context, userID, provider string) error
}

// CredentialStore is the minimal persistence interface needed by the
// vault. Satisfied by store.Store; values are opaque ciphertext.
type CredentialStore interface {
	StoreCredential(ctx context.Context, userID, provider string, value []byte) error
	GetCredential(ctx context.Context, userID, provider string) ([]byte, error)
	DeleteCredential(ctx context.Context, userID, provider string) error
}
