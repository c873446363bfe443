// Package accounts persists the summaries of every account the user has
// signed in with on this device.
package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophmarket/internal/client/storage"
	"github.com/dmitrijs2005/gophmarket/internal/logging"
)

// Key is the KV key of the summary list.
const Key = "accounts"

type Kind string

const (
	KindIndividual    Kind = "individual"
	KindOrganization  Kind = "organization"
	KindAdministrator Kind = "administrator"
)

// Summary is the local projection of a profile used by the account switcher.
type Summary struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Kind       Kind      `json:"kind"`
	AvatarURL  string    `json:"avatar_url,omitempty"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Registry holds at most one Summary per account id.
type Registry struct {
	kv  storage.KV
	log logging.Logger

	mu sync.Mutex
}

func NewRegistry(kv storage.KV, log logging.Logger) *Registry {
	return &Registry{kv: kv, log: log}
}

// List returns summaries, most recently used first. Unreadable data is
// reported as an empty list.
func (r *Registry) List(ctx context.Context) []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.read(ctx, r.kv)
}

// Get returns the summary stored for id.
func (r *Registry) Get(ctx context.Context, id string) (Summary, bool) {
	for _, s := range r.List(ctx) {
		if s.ID == id {
			return s, true
		}
	}
	return Summary{}, false
}

// Upsert inserts s or overwrites the entry with the same id, and returns the
// updated list.
func (r *Registry) Upsert(ctx context.Context, s Summary) ([]Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var list []Summary
	err := storage.Atomic(ctx, r.kv, func(ctx context.Context, kv storage.KV) error {
		list = r.read(ctx, kv)
		replaced := false
		for i := range list {
			if list[i].ID == s.ID {
				list[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, s)
		}
		sortByUse(list)
		return r.write(ctx, kv, list)
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Remove deletes the entry of id if present and returns the updated list.
func (r *Registry) Remove(ctx context.Context, id string) ([]Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var kept []Summary
	err := storage.Atomic(ctx, r.kv, func(ctx context.Context, kv storage.KV) error {
		list := r.read(ctx, kv)
		kept = list[:0]
		for _, s := range list {
			if s.ID != id {
				kept = append(kept, s)
			}
		}
		if len(kept) == len(list) {
			return nil
		}
		return r.write(ctx, kv, kept)
	})
	if err != nil {
		return nil, err
	}
	return kept, nil
}

func (r *Registry) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.kv.Delete(ctx, Key); err != nil {
		return fmt.Errorf("clear accounts: %w", err)
	}
	return nil
}

func (r *Registry) read(ctx context.Context, kv storage.KV) []Summary {
	raw, err := kv.Get(ctx, Key)
	if err != nil {
		r.log.Warn(ctx, "accounts: failed to read registry", "error", err)
		return nil
	}
	if raw == nil {
		return nil
	}
	var list []Summary
	if err := json.Unmarshal(raw, &list); err != nil {
		r.log.Warn(ctx, "accounts: discarding corrupt registry", "error", err)
		return nil
	}
	return dedupe(list)
}

func (r *Registry) write(ctx context.Context, kv storage.KV, list []Summary) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}
	if err := kv.Set(ctx, Key, raw); err != nil {
		return fmt.Errorf("store accounts: %w", err)
	}
	return nil
}

// dedupe keeps the last entry written for every id.
func dedupe(list []Summary) []Summary {
	seen := make(map[string]int, len(list))
	out := make([]Summary, 0, len(list))
	for _, s := range list {
		if i, ok := seen[s.ID]; ok {
			out[i] = s
			continue
		}
		seen[s.ID] = len(out)
		out = append(out, s)
	}
	return out
}

func sortByUse(list []Summary) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastUsedAt.After(list[j].LastUsedAt)
	})
}
