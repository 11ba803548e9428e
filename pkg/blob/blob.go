// Package blob stores versioned JSON documents under string keys. Two
// backends are provided: plain files for interop-friendly snapshots and
// badger for crash-safe single-writer storage.
package blob

import "fmt"

// Store persists JSON documents by key.
type Store interface {
	// Load unmarshals the document at key into into. Returns false when the
	// key does not exist.
	Load(key string, into any) (bool, error)
	// Save marshals value and writes it at key, replacing any prior document.
	Save(key string, value any) error
	// Delete removes the document at key. Missing keys are not an error.
	Delete(key string) error
	Close() error
}

// Update runs a load-mutate-store cycle for the document at key. The zero
// value of T is passed to mutate when the key does not exist yet.
func Update[T any](store Store, key string, mutate func(value *T, found bool) error) error {
	var value T
	found, err := store.Load(key, &value)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if err := mutate(&value, found); err != nil {
		return err
	}
	if err := store.Save(key, value); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
