// Package browse pages through a user's avatar history against a snapshot taken when
// browsing starts, so rows appended later never shift page numbers.
package browse

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/du-cki/Kana/internal/history"
)

const defaultChunkSize = 10

var (
	// ErrOutOfRange rejects a page outside [0, total). The cursor does not move.
	ErrOutOfRange = errors.New("browse: page out of range")
	// ErrNoHistory indicates the user had no avatar rows when browsing started.
	ErrNoHistory = errors.New("browse: no history")
	// ErrShortWindow indicates the store returned fewer rows than the snapshot promised.
	ErrShortWindow = errors.New("browse: store returned a short window")

	errMissingPager = errors.New("browse: pager is required")
)

// RangeError rejects jump input, echoing the accepted 1-based range.
type RangeError struct {
	Input string
	Min   int
	Max   int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("page %q is not between %d and %d", e.Input, e.Min, e.Max)
}

// Is lets errors.Is match RangeError against ErrOutOfRange.
func (e *RangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// Pager is the store query surface pagination needs.
type Pager interface {
	CountBefore(ctx context.Context, userID history.UserID, cutoff time.Time) (int, error)
	FetchPage(ctx context.Context, userID history.UserID, cutoff time.Time, limit, offset int) ([]history.AvatarRecord, error)
}

// Snapshot fixes what a session browses. It never changes after creation.
type Snapshot struct {
	UserID history.UserID
	Cutoff time.Time
	Total  int
}

// Controls is the enabled state of the navigation affordances.
type Controls struct {
	FirstDisabled bool
	PrevDisabled  bool
	NextDisabled  bool
	LastDisabled  bool
	Label         string
}

// SessionConfig describes a Session.
type SessionConfig struct {
	Pager     Pager
	UserID    history.UserID
	ChunkSize int
	// Cutoff defaults to the current time.
	Cutoff time.Time
	Clock  func() time.Time
}

// Session is a cursor over a Snapshot with a cached window of at most ChunkSize rows.
type Session struct {
	mu           sync.Mutex
	pager        Pager
	snapshot     Snapshot
	chunkSize    int
	cursor       int
	windowOffset int
	window       []history.AvatarRecord
	fetches      int
}

// NewSession counts the rows before the cutoff, loads the first window and positions
// the cursor on the newest row.
func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.Pager == nil {
		return nil, errMissingPager
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	cutoff := cfg.Cutoff
	if cutoff.IsZero() {
		clock := cfg.Clock
		if clock == nil {
			clock = time.Now
		}
		cutoff = clock()
	}

	total, err := cfg.Pager.CountBefore(ctx, cfg.UserID, cutoff)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, ErrNoHistory
	}

	session := &Session{
		pager:     cfg.Pager,
		snapshot:  Snapshot{UserID: cfg.UserID, Cutoff: cutoff, Total: total},
		chunkSize: chunkSize,
	}
	window, err := session.load(ctx, 0)
	if err != nil {
		return nil, err
	}
	session.window = window
	return session, nil
}

// Snapshot returns the fixed browse parameters.
func (s *Session) Snapshot() Snapshot {
	return s.snapshot
}

// Total is the page count fixed at creation.
func (s *Session) Total() int {
	return s.snapshot.Total
}

// Cursor is the 0-based current page.
func (s *Session) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Fetches counts store round-trips made for windows.
func (s *Session) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// Current returns the record under the cursor.
func (s *Session) Current() history.AvatarRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window[s.cursor-s.windowOffset]
}

// Controls reports which affordances are disabled and the page label.
func (s *Session) Controls() Controls {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.snapshot.Total - 1
	return Controls{
		FirstDisabled: s.cursor == 0,
		PrevDisabled:  s.cursor == 0,
		NextDisabled:  s.cursor == last,
		LastDisabled:  s.cursor == last,
		Label:         fmt.Sprintf("%d/%d", s.cursor+1, s.snapshot.Total),
	}
}

// Goto moves the cursor to target. The window is refetched only when target falls
// outside it.
func (s *Session) Goto(ctx context.Context, target int) (history.AvatarRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if target < 0 || target >= s.snapshot.Total {
		return history.AvatarRecord{}, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, target, s.snapshot.Total)
	}
	window, windowOffset := s.window, s.windowOffset
	if target < windowOffset || target >= windowOffset+s.chunkSize {
		offset := (target / s.chunkSize) * s.chunkSize
		fetched, err := s.load(ctx, offset)
		if err != nil {
			return history.AvatarRecord{}, err
		}
		window, windowOffset = fetched, offset
	}
	if target-windowOffset >= len(window) {
		return history.AvatarRecord{}, fmt.Errorf("%w: want index %d of %d rows", ErrShortWindow, target-windowOffset, len(window))
	}
	// Window, offset and cursor change together so a failed move leaves the session intact.
	s.window = window
	s.windowOffset = windowOffset
	s.cursor = target
	return window[target-windowOffset], nil
}

// First moves to the newest row.
func (s *Session) First(ctx context.Context) (history.AvatarRecord, error) {
	return s.Goto(ctx, 0)
}

// Prev moves one row newer.
func (s *Session) Prev(ctx context.Context) (history.AvatarRecord, error) {
	return s.Goto(ctx, s.Cursor()-1)
}

// Next moves one row older.
func (s *Session) Next(ctx context.Context) (history.AvatarRecord, error) {
	return s.Goto(ctx, s.Cursor()+1)
}

// Last moves to the oldest row.
func (s *Session) Last(ctx context.Context) (history.AvatarRecord, error) {
	return s.Goto(ctx, s.snapshot.Total-1)
}

// Jump moves to a 1-based page number typed by a user.
func (s *Session) Jump(ctx context.Context, input string) (history.AvatarRecord, error) {
	trimmed := strings.TrimSpace(input)
	page, err := strconv.Atoi(trimmed)
	if err != nil || page < 1 || page > s.snapshot.Total {
		return history.AvatarRecord{}, &RangeError{Input: trimmed, Min: 1, Max: s.snapshot.Total}
	}
	return s.Goto(ctx, page-1)
}

func (s *Session) load(ctx context.Context, offset int) ([]history.AvatarRecord, error) {
	window, err := s.pager.FetchPage(ctx, s.snapshot.UserID, s.snapshot.Cutoff, s.chunkSize, offset)
	s.fetches++
	if err != nil {
		return nil, err
	}
	if len(window) == 0 {
		return nil, fmt.Errorf("%w: empty window at offset %d", ErrShortWindow, offset)
	}
	return window, nil
}
