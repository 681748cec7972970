// Package identity remembers the last observed display name per user so name captures
// are only written for real changes.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/du-cki/Kana/internal/history"
)

// ErrMissingStore indicates a tracker constructed without a backing store.
var ErrMissingStore = errors.New("identity: name store required")

// NameStore resolves the most recently recorded name for a user.
type NameStore interface {
	LatestName(ctx context.Context, userID history.UserID) (string, bool, error)
}

// TrackerConfig describes the dependencies of a Tracker.
type TrackerConfig struct {
	Store NameStore
}

// Tracker caches last known names in memory and falls back to the store on a miss.
type Tracker struct {
	store NameStore
	cache sync.Map
}

// NewTracker constructs a Tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	return &Tracker{store: cfg.Store}, nil
}

// Last returns the last known name for the user.
func (t *Tracker) Last(ctx context.Context, userID history.UserID) (string, bool, error) {
	if cached, ok := t.cache.Load(userID); ok {
		if name, ok := cached.(string); ok {
			return name, true, nil
		}
	}
	name, found, err := t.store.LatestName(ctx, userID)
	if err != nil {
		return "", false, fmt.Errorf("identity: resolve latest name: %w", err)
	}
	if found {
		t.cache.Store(userID, name)
	}
	return name, found, nil
}

// Changed reports whether name differs from the last known name. Users never seen
// before count as changed.
func (t *Tracker) Changed(ctx context.Context, userID history.UserID, name string) (bool, error) {
	last, found, err := t.Last(ctx, userID)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return normalize(last) != normalize(name), nil
}

// Observe records name as the last known name once it has been persisted.
func (t *Tracker) Observe(userID history.UserID, name string) {
	t.cache.Store(userID, name)
}

// Forget drops the cached entry for the user.
func (t *Tracker) Forget(userID history.UserID) {
	t.cache.Delete(userID)
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
