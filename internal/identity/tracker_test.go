package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/du-cki/Kana/internal/history"
)

type stubNameStore struct {
	names map[history.UserID]string
	calls int
	err   error
}

func (s *stubNameStore) LatestName(_ context.Context, userID history.UserID) (string, bool, error) {
	s.calls++
	if s.err != nil {
		return "", false, s.err
	}
	name, ok := s.names[userID]
	return name, ok, nil
}

func TestTrackerFallsBackToStoreThenCaches(t *testing.T) {
	store := &stubNameStore{names: map[history.UserID]string{42: "kana"}}
	tracker := mustTracker(t, store)

	for attempt := 0; attempt < 2; attempt++ {
		name, found, err := tracker.Last(context.Background(), 42)
		if err != nil || !found || name != "kana" {
			t.Fatalf("attempt %d: unexpected result %q found=%v err=%v", attempt, name, found, err)
		}
	}
	if store.calls != 1 {
		t.Fatalf("expected one store lookup, got %d", store.calls)
	}
}

func TestTrackerChanged(t *testing.T) {
	store := &stubNameStore{names: map[history.UserID]string{42: "kana"}}
	tracker := mustTracker(t, store)

	changed, err := tracker.Changed(context.Background(), 42, " kana ")
	if err != nil || changed {
		t.Fatalf("expected unchanged name, changed=%v err=%v", changed, err)
	}
	changed, err = tracker.Changed(context.Background(), 42, "kanapy")
	if err != nil || !changed {
		t.Fatalf("expected changed name, changed=%v err=%v", changed, err)
	}
	changed, err = tracker.Changed(context.Background(), 7, "anyone")
	if err != nil || !changed {
		t.Fatalf("expected unknown user to count as changed, changed=%v err=%v", changed, err)
	}

	tracker.Observe(42, "kanapy")
	if changed, _ := tracker.Changed(context.Background(), 42, "kanapy"); changed {
		t.Fatalf("expected observed name to be current")
	}
	tracker.Forget(42)
	if changed, _ := tracker.Changed(context.Background(), 42, "kanapy"); !changed {
		t.Fatalf("expected store value to apply after forget")
	}
}

func TestTrackerSurfacesStoreErrors(t *testing.T) {
	storeErr := errors.New("database down")
	tracker := mustTracker(t, &stubNameStore{err: storeErr})
	if _, err := tracker.Changed(context.Background(), 42, "kana"); !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestNewTrackerRequiresStore(t *testing.T) {
	if _, err := NewTracker(TrackerConfig{}); !errors.Is(err, ErrMissingStore) {
		t.Fatalf("expected missing store error, got %v", err)
	}
}

func mustTracker(t *testing.T, store NameStore) *Tracker {
	t.Helper()
	tracker, err := NewTracker(TrackerConfig{Store: store})
	if err != nil {
		t.Fatalf("unexpected tracker error: %v", err)
	}
	return tracker
}
