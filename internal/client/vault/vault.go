// Package vault keeps per-account login secrets encrypted at rest.
//
// Ciphertexts live in the persistent KV store while the key that can open
// them lives only in session-scoped storage, so a vault copied off the disk
// is useless without the running session. Every failure degrades to "no
// usable credential": callers never see vault errors.
package vault

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dmitrijs2005/gophmarket/internal/client/storage"
	"github.com/dmitrijs2005/gophmarket/internal/logging"
)

// Key is the KV key of the ciphertext map.
const Key = "credentials"

// Encrypter is the encryption primitive the vault composes with.
type Encrypter interface {
	EncryptValue(ctx context.Context, plain []byte) (string, error)
	DecryptValue(ctx context.Context, encoded string) ([]byte, error)
	ClearEncryptionKey(ctx context.Context) error
}

type Credential struct {
	Email  string
	Secret string
}

type entry struct {
	Email  string `json:"email"`
	Secret string `json:"secret"`
}

type Vault struct {
	kv     storage.KV
	cipher Encrypter
	log    logging.Logger

	mu sync.Mutex
}

func New(kv storage.KV, cipher Encrypter, log logging.Logger) *Vault {
	return &Vault{kv: kv, cipher: cipher, log: log}
}

func (v *Vault) Save(ctx context.Context, accountID, email, secret string) {
	sealed, err := v.cipher.EncryptValue(ctx, []byte(secret))
	if err != nil {
		v.log.Warn(ctx, "vault: failed to encrypt credential", "account_id", accountID, "error", err)
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.modify(ctx, func(entries map[string]entry) bool {
		entries[accountID] = entry{Email: email, Secret: sealed}
		return true
	})
}

// Load returns the credential of accountID, or nil when it is absent or
// cannot be decrypted.
func (v *Vault) Load(ctx context.Context, accountID string) *Credential {
	v.mu.Lock()
	e, ok := v.read(ctx, v.kv)[accountID]
	v.mu.Unlock()
	if !ok {
		return nil
	}

	plain, err := v.cipher.DecryptValue(ctx, e.Secret)
	if err != nil {
		v.log.Debug(ctx, "vault: credential unreadable", "account_id", accountID, "error", err)
		return nil
	}
	return &Credential{Email: e.Email, Secret: string(plain)}
}

func (v *Vault) Remove(ctx context.Context, accountID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.modify(ctx, func(entries map[string]entry) bool {
		if _, ok := entries[accountID]; !ok {
			return false
		}
		delete(entries, accountID)
		return true
	})
}

// Clear drops every credential and the encryption key.
func (v *Vault) Clear(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.kv.Delete(ctx, Key); err != nil {
		v.log.Warn(ctx, "vault: failed to clear credentials", "error", err)
	}
	if err := v.cipher.ClearEncryptionKey(ctx); err != nil {
		v.log.Warn(ctx, "vault: failed to clear encryption key", "error", err)
	}
}

// modify applies fn to the stored entries in one transaction and writes them
// back when fn reports a change. It must be called with v.mu held.
func (v *Vault) modify(ctx context.Context, fn func(entries map[string]entry) bool) {
	err := storage.Atomic(ctx, v.kv, func(ctx context.Context, kv storage.KV) error {
		entries := v.read(ctx, kv)
		if !fn(entries) {
			return nil
		}
		return v.write(ctx, kv, entries)
	})
	if err != nil {
		v.log.Warn(ctx, "vault: failed to write credentials", "error", err)
	}
}

// read must be called with v.mu held. Corrupt data reads as empty.
func (v *Vault) read(ctx context.Context, kv storage.KV) map[string]entry {
	entries := make(map[string]entry)
	raw, err := kv.Get(ctx, Key)
	if err != nil {
		v.log.Warn(ctx, "vault: failed to read credentials", "error", err)
		return entries
	}
	if raw == nil {
		return entries
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		v.log.Warn(ctx, "vault: discarding corrupt credentials", "error", err)
		return make(map[string]entry)
	}
	return entries
}

func (v *Vault) write(ctx context.Context, kv storage.KV, entries map[string]entry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return kv.Set(ctx, Key, raw)
}
