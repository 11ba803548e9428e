// Package replay tracks consumed envelope nonces until their expiry so a
// re-broadcast envelope is rejected inside its TTL.
package replay

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/meshdex/meshdex/pkg/blob"
)

// WindowVersion tags the persisted nonce blob.
const WindowVersion = "meshdex.nonces.v1"

// DefaultBlobKey is where the window persists itself.
const DefaultBlobKey = "meshdex_seen_nonces_v1"

type windowBlob struct {
	Version string           `json:"version"`
	Nonces  map[string]int64 `json:"nonces"`
}

// Window is the persisted replay window. Entries map nonce to expiry in ms
// and are compacted on every Consume.
type Window struct {
	mu     sync.Mutex
	store  blob.Store
	key    string
	logger *zap.Logger
	nonces map[string]int64
}

// NewWindow loads any previously persisted window from store.
func NewWindow(store blob.Store, logger *zap.Logger) (*Window, error) {
	w := &Window{
		store:  store,
		key:    DefaultBlobKey,
		logger: logger,
		nonces: make(map[string]int64),
	}
	var saved windowBlob
	found, err := store.Load(w.key, &saved)
	if err != nil {
		return nil, fmt.Errorf("load replay window: %w", err)
	}
	if found {
		for nonce, expiry := range saved.Nonces {
			if nonce != "" && expiry > 0 {
				w.nonces[nonce] = expiry
			}
		}
	}
	return w, nil
}

// Consume atomically prunes expired nonces, rejects an unexpired duplicate,
// and records the nonce until expiresAtMs. Returns false on replay.
func (w *Window) Consume(nonce string, expiresAtMs, nowMs int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, expiry := range w.nonces {
		if expiry <= nowMs {
			delete(w.nonces, key)
		}
	}
	if expiry, ok := w.nonces[nonce]; ok && expiry > nowMs {
		return false
	}
	w.nonces[nonce] = expiresAtMs
	w.persistLocked()
	return true
}

// Len reports the current number of tracked nonces.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.nonces)
}

// Clear drops all tracked nonces and the persisted blob.
func (w *Window) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nonces = make(map[string]int64)
	return w.store.Delete(w.key)
}

func (w *Window) persistLocked() {
	saved := windowBlob{Version: WindowVersion, Nonces: w.nonces}
	if err := w.store.Save(w.key, saved); err != nil {
		w.logger.Warn("replay window persist failed", zap.Error(err))
	}
}
