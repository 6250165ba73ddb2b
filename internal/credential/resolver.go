// Package credential resolves the API key used to reach the vision collaborator.
//
// A key configured for the process at deploy time wins over a key the operator
// entered on the device. Every mutation bumps a generation counter so cached
// collaborator clients know when to rebuild.
package credential

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
)

// StoreKey is the key under which the operator-supplied credential is persisted.
const StoreKey = "gemini_api_key"

// ErrMissingCredential is returned when neither the process nor the store holds a usable key.
var ErrMissingCredential = errors.New("no API key configured")

// ErrEmptyCredential is returned when an operator submits a blank key.
var ErrEmptyCredential = errors.New("api key is required")

// ErrPlaceholderCredential is returned when an operator submits a sample-config value.
var ErrPlaceholderCredential = errors.New("api key is a placeholder")

// Source tells where a resolved credential came from.
type Source string

const (
	SourceProcess Source = "process"
	SourceStored  Source = "stored"
)

// Credential is a resolved API key.
type Credential struct {
	Key    string
	Source Source
}

var placeholders = map[string]struct{}{
	"placeholder_api_key": {},
	"your_api_key":        {},
	"your-api-key-here":   {},
	"changeme":            {},
}

// IsPlaceholder reports whether key is empty or one of the values shipped in sample configs.
func IsPlaceholder(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return true
	}
	_, ok := placeholders[key]
	return ok
}

// Resolver picks the credential to use for collaborator calls.
type Resolver struct {
	processKey string
	store      Store
	generation atomic.Uint64
}

// NewResolver creates a Resolver. processKey may be empty.
func NewResolver(processKey string, store Store) *Resolver {
	return &Resolver{
		processKey: strings.TrimSpace(processKey),
		store:      store,
	}
}

// Resolve returns the process-level key if usable, then the stored key if usable, else ErrMissingCredential.
func (r *Resolver) Resolve() (Credential, error) {
	if !IsPlaceholder(r.processKey) {
		return Credential{Key: r.processKey, Source: SourceProcess}, nil
	}

	if r.store != nil {
		stored, err := r.store.Get(StoreKey)
		if err != nil {
			slog.Warn("Failed to read stored credential", "error", err)
		} else if !IsPlaceholder(stored) {
			return Credential{Key: strings.TrimSpace(stored), Source: SourceStored}, nil
		}
	}

	return Credential{}, ErrMissingCredential
}

// Key returns just the resolved key.
func (r *Resolver) Key() (string, error) {
	cred, err := r.Resolve()
	if err != nil {
		return "", err
	}
	return cred.Key, nil
}

// HasCredential reports whether Resolve would succeed.
func (r *Resolver) HasCredential() bool {
	_, err := r.Resolve()
	return err == nil
}

// Set persists an operator-supplied key and invalidates cached clients.
func (r *Resolver) Set(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyCredential
	}
	if IsPlaceholder(key) {
		return ErrPlaceholderCredential
	}
	if r.store == nil {
		return fmt.Errorf("no credential store configured")
	}
	if err := r.store.Put(StoreKey, key); err != nil {
		return fmt.Errorf("saving credential: %w", err)
	}
	r.generation.Add(1)
	return nil
}

// Clear removes the stored key. The process-level key is untouched.
func (r *Resolver) Clear() error {
	if r.store != nil {
		if err := r.store.Delete(StoreKey); err != nil {
			return fmt.Errorf("clearing credential: %w", err)
		}
	}
	r.generation.Add(1)
	return nil
}

// Generation increases on every Set or Clear.
func (r *Resolver) Generation() uint64 {
	return r.generation.Load()
}
