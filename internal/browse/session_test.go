package browse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/du-cki/Kana/internal/history"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var baseTime = time.Unix(1700000000, 0).UTC()

type memoryPager struct {
	mu      sync.Mutex
	records []history.AvatarRecord
	fetches int
	offsets []int
	failAt  int
}

func newMemoryPager(count int) *memoryPager {
	pager := &memoryPager{failAt: -1}
	for index := 0; index < count; index++ {
		pager.append(baseTime.Add(time.Duration(index) * time.Minute))
	}
	return pager
}

func (p *memoryPager) append(changedAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, history.AvatarRecord{
		AvatarID:  fmt.Sprintf("avatar-%d", len(p.records)),
		UserID:    42,
		ChangedAt: changedAt,
	})
}

// truncate drops all but the newest keep rows, as if they were removed out of band.
func (p *memoryPager) truncate(keep int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = p.records[len(p.records)-keep:]
}

func (p *memoryPager) before(cutoff time.Time) []history.AvatarRecord {
	matching := make([]history.AvatarRecord, 0, len(p.records))
	for _, record := range p.records {
		if record.ChangedAt.Before(cutoff) {
			matching = append(matching, record)
		}
	}
	sort.Slice(matching, func(i, j int) bool {
		return matching[i].ChangedAt.After(matching[j].ChangedAt)
	})
	return matching
}

func (p *memoryPager) CountBefore(_ context.Context, _ history.UserID, cutoff time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.before(cutoff)), nil
}

func (p *memoryPager) FetchPage(_ context.Context, _ history.UserID, cutoff time.Time, limit, offset int) ([]history.AvatarRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	p.offsets = append(p.offsets, offset)
	if p.failAt >= 0 && p.fetches > p.failAt {
		return nil, errors.New("store unavailable")
	}
	matching := p.before(cutoff)
	if offset >= len(matching) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matching) {
		end = len(matching)
	}
	return append([]history.AvatarRecord(nil), matching[offset:end]...), nil
}

func TestSessionWalkRefetchesOncePerChunk(t *testing.T) {
	pager := newMemoryPager(25)
	session := mustSession(t, pager, 10)

	seen := []string{session.Current().AvatarID}
	for step := 1; step < 25; step++ {
		record, err := session.Next(context.Background())
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", step, err)
		}
		seen = append(seen, record.AvatarID)
	}
	if session.Fetches() != 3 {
		t.Fatalf("expected ceil(25/10)=3 fetches, got %d", session.Fetches())
	}
	if seen[0] != "avatar-24" || seen[24] != "avatar-0" {
		t.Fatalf("expected newest-first order, got first=%s last=%s", seen[0], seen[24])
	}
	wantOffsets := []int{0, 10, 20}
	for index, offset := range wantOffsets {
		if pager.offsets[index] != offset {
			t.Fatalf("fetch %d: expected offset %d, got %d", index, offset, pager.offsets[index])
		}
	}
}

func TestSessionTotalIgnoresLaterAppends(t *testing.T) {
	pager := newMemoryPager(5)
	cutoff := baseTime.Add(time.Hour)
	session, err := NewSession(context.Background(), SessionConfig{Pager: pager, UserID: 42, ChunkSize: 2, Cutoff: cutoff})
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}

	for index := 0; index < 3; index++ {
		pager.append(cutoff.Add(time.Duration(index+1) * time.Second))
	}

	if session.Total() != 5 {
		t.Fatalf("expected total fixed at 5, got %d", session.Total())
	}
	last, err := session.Last(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last.AvatarID != "avatar-0" {
		t.Fatalf("expected oldest snapshot row, got %s", last.AvatarID)
	}
	first, err := session.First(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.AvatarID != "avatar-4" {
		t.Fatalf("expected newest snapshot row, got %s", first.AvatarID)
	}
	if controls := session.Controls(); controls.Label != "1/5" {
		t.Fatalf("unexpected label %s", controls.Label)
	}
}

func TestSessionGotoRejectsOutOfRange(t *testing.T) {
	session := mustSession(t, newMemoryPager(3), 10)
	if _, err := session.Goto(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, target := range []int{-1, 3, 100} {
		if _, err := session.Goto(context.Background(), target); !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("target %d: expected out of range, got %v", target, err)
		}
		if session.Cursor() != 1 {
			t.Fatalf("target %d: cursor moved to %d", target, session.Cursor())
		}
	}
	if _, err := session.Prev(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := session.Prev(context.Background()); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected prev at first page to be rejected, got %v", err)
	}
}

func TestSessionJumpValidatesInput(t *testing.T) {
	pager := newMemoryPager(25)
	session := mustSession(t, pager, 10)

	for _, input := range []string{"0", "26", "abc", "", "-3"} {
		_, err := session.Jump(context.Background(), input)
		var rangeErr *RangeError
		if !errors.As(err, &rangeErr) {
			t.Fatalf("input %q: expected range error, got %v", input, err)
		}
		if rangeErr.Min != 1 || rangeErr.Max != 25 {
			t.Fatalf("input %q: unexpected range %d..%d", input, rangeErr.Min, rangeErr.Max)
		}
		if !errors.Is(err, ErrOutOfRange) {
			t.Fatalf("input %q: expected range error to match ErrOutOfRange", input)
		}
		if session.Cursor() != 0 {
			t.Fatalf("input %q: cursor moved", input)
		}
	}

	record, err := session.Jump(context.Background(), " 12 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.Cursor() != 11 || record.AvatarID != "avatar-13" {
		t.Fatalf("unexpected position cursor=%d record=%s", session.Cursor(), record.AvatarID)
	}
	if pager.offsets[len(pager.offsets)-1] != 10 {
		t.Fatalf("expected window refetched at offset 10, got %v", pager.offsets)
	}
}

func TestSessionControls(t *testing.T) {
	session := mustSession(t, newMemoryPager(3), 10)

	controls := session.Controls()
	if !controls.FirstDisabled || !controls.PrevDisabled || controls.NextDisabled || controls.LastDisabled {
		t.Fatalf("unexpected controls at first page %+v", controls)
	}
	if controls.Label != "1/3" {
		t.Fatalf("unexpected label %s", controls.Label)
	}

	if _, err := session.Next(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	controls = session.Controls()
	if controls.FirstDisabled || controls.PrevDisabled || controls.NextDisabled || controls.LastDisabled {
		t.Fatalf("expected all controls enabled mid-history %+v", controls)
	}

	if _, err := session.Last(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	controls = session.Controls()
	if controls.FirstDisabled || controls.PrevDisabled || !controls.NextDisabled || !controls.LastDisabled {
		t.Fatalf("unexpected controls at last page %+v", controls)
	}
	if controls.Label != "3/3" {
		t.Fatalf("unexpected label %s", controls.Label)
	}

	single := mustSession(t, newMemoryPager(1), 10)
	controls = single.Controls()
	if !controls.FirstDisabled || !controls.PrevDisabled || !controls.NextDisabled || !controls.LastDisabled {
		t.Fatalf("expected every control disabled for a single page %+v", controls)
	}
}

func TestSessionFetchFailureKeepsPosition(t *testing.T) {
	pager := newMemoryPager(15)
	session := mustSession(t, pager, 10)
	pager.failAt = 1

	if _, err := session.Goto(context.Background(), 12); err == nil {
		t.Fatalf("expected store failure to surface")
	}
	if session.Cursor() != 0 || session.Current().AvatarID != "avatar-14" {
		t.Fatalf("expected position unchanged after failure")
	}
}

func TestSessionShortWindowKeepsPosition(t *testing.T) {
	pager := newMemoryPager(15)
	session := mustSession(t, pager, 10)
	pager.truncate(12)

	_, err := session.Goto(context.Background(), 14)
	if !errors.Is(err, ErrShortWindow) {
		t.Fatalf("expected short window error, got %v", err)
	}
	if session.Cursor() != 0 || session.Current().AvatarID != "avatar-14" {
		t.Fatalf("expected position unchanged after short window, cursor=%d", session.Cursor())
	}
	controls := session.Controls()
	if controls.Label != "1/15" {
		t.Fatalf("unexpected label %s", controls.Label)
	}

	record, err := session.Goto(context.Background(), 5)
	if err != nil {
		t.Fatalf("expected an in-window move to still work, got %v", err)
	}
	if record.AvatarID != "avatar-9" || session.Current().AvatarID != "avatar-9" {
		t.Fatalf("unexpected record %s", record.AvatarID)
	}
}

func TestNewSessionWithoutHistory(t *testing.T) {
	if _, err := NewSession(context.Background(), SessionConfig{Pager: newMemoryPager(0), UserID: 42}); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("expected no history, got %v", err)
	}
}

func TestSessionAgainstStore(t *testing.T) {
	dsn := fmt.Sprintf("file:browse_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&history.AvatarRecord{}, &history.NameRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := history.NewStore(history.StoreConfig{Database: db, IDProvider: history.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}

	insert := func(index int, changedAt time.Time) {
		if _, err := store.InsertAvatar(context.Background(), history.AvatarInsert{
			UserID:      42,
			ChangedAt:   changedAt,
			ContentHash: fmt.Sprintf("hash-%d", index),
			Size:        1,
		}); err != nil {
			t.Fatalf("insert %d failed: %v", index, err)
		}
	}
	for index := 0; index < 7; index++ {
		insert(index, baseTime.Add(time.Duration(index)*time.Minute))
	}

	cutoff := baseTime.Add(time.Hour)
	session, err := NewSession(context.Background(), SessionConfig{Pager: store, UserID: 42, ChunkSize: 3, Cutoff: cutoff})
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	insert(100, cutoff.Add(time.Minute))

	if session.Total() != 7 {
		t.Fatalf("expected total 7, got %d", session.Total())
	}
	for step := 1; step < session.Total(); step++ {
		if _, err := session.Next(context.Background()); err != nil {
			t.Fatalf("step %d: unexpected error: %v", step, err)
		}
	}
	if session.Fetches() != 3 {
		t.Fatalf("expected 3 fetches, got %d", session.Fetches())
	}
	if !session.Current().ChangedAt.Equal(baseTime) {
		t.Fatalf("expected the oldest row last, got %v", session.Current().ChangedAt)
	}
}

func mustSession(t *testing.T, pager Pager, chunkSize int) *Session {
	t.Helper()
	session, err := NewSession(context.Background(), SessionConfig{
		Pager:     pager,
		UserID:    42,
		ChunkSize: chunkSize,
		Cutoff:    baseTime.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected session error: %v", err)
	}
	return session
}
