// Package interactive keeps the live history browsers opened by platform commands.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/du-cki/Kana/internal/browse"
	"github.com/du-cki/Kana/internal/history"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultIdleTimeout = 180 * time.Second
	staticPathPrefix   = "/static/"
	// expired sessions are remembered this many idle periods so late presses get a clear answer.
	tombstoneIdlePeriods = 10
)

// Action is a navigation button.
type Action string

const (
	ActionFirst Action = "first"
	ActionPrev  Action = "prev"
	ActionNext  Action = "next"
	ActionLast  Action = "last"
	ActionStop  Action = "stop"
)

var (
	// ErrNotRequester rejects interactions from anyone but the user who opened the browser.
	ErrNotRequester = errors.New("interactive: only the requester may use this browser")
	// ErrSessionExpired indicates the browser timed out or was stopped.
	ErrSessionExpired = errors.New("interactive: session expired")
	// ErrUnknownSession indicates no browser with that id was ever opened here.
	ErrUnknownSession = errors.New("interactive: unknown session")
	// ErrUnknownAction rejects unsupported buttons.
	ErrUnknownAction = errors.New("interactive: unknown action")

	errMissingPager = errors.New("interactive: pager is required")
)

// View is a rendered browser page.
type View struct {
	SessionID string
	OwnerID   history.UserID
	TargetID  history.UserID
	AvatarID  string
	ImageURL  string
	ChangedAt time.Time
	Controls  browse.Controls
	Expired   bool
}

// RegistryConfig describes a Registry.
type RegistryConfig struct {
	Pager       browse.Pager
	ChunkSize   int
	IdleTimeout time.Duration
	// ImageBaseURL prefixes /static/<avatar_id> links. Empty keeps stored blob URLs.
	ImageBaseURL string
	// OnExpire receives the final view, with every control disabled, when a browser times out.
	OnExpire func(View)
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Registry owns the live browsers. Each browser is independent; interactions on one
// never wait on another.
type Registry struct {
	mu           sync.Mutex
	pager        browse.Pager
	chunkSize    int
	idleTimeout  time.Duration
	imageBaseURL string
	onExpire     func(View)
	logger       *zap.Logger
	clock        func() time.Time
	sessions     map[string]*entry
	tombstones   map[string]time.Time
}

type entry struct {
	mu         sync.Mutex
	id         string
	owner      history.UserID
	target     history.UserID
	session    *browse.Session
	timer      *time.Timer
	generation int
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Pager == nil {
		return nil, errMissingPager
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		pager:        cfg.Pager,
		chunkSize:    cfg.ChunkSize,
		idleTimeout:  idleTimeout,
		imageBaseURL: strings.TrimSuffix(cfg.ImageBaseURL, "/"),
		onExpire:     cfg.OnExpire,
		logger:       logger,
		clock:        clock,
		sessions:     make(map[string]*entry),
		tombstones:   make(map[string]time.Time),
	}, nil
}

// Open snapshots the target's history and starts a browser owned by requester.
func (r *Registry) Open(ctx context.Context, requester, target history.UserID) (View, error) {
	session, err := browse.NewSession(ctx, browse.SessionConfig{
		Pager:     r.pager,
		UserID:    target,
		ChunkSize: r.chunkSize,
		Clock:     r.clock,
	})
	if err != nil {
		return View{}, err
	}

	current := &entry{
		id:      uuid.NewString(),
		owner:   requester,
		target:  target,
		session: session,
	}

	r.mu.Lock()
	r.pruneTombstones()
	r.sessions[current.id] = current
	generation := current.generation
	current.timer = time.AfterFunc(r.idleTimeout, func() {
		r.expire(current.id, generation)
	})
	r.mu.Unlock()

	r.logger.Debug("browser opened",
		zap.String("session_id", current.id),
		zap.Int64("requester_id", requester.Int64()),
		zap.Int64("target_id", target.Int64()),
		zap.Int("total", session.Total()))

	current.mu.Lock()
	defer current.mu.Unlock()
	return r.render(current, false), nil
}

// Press applies a navigation button. Out-of-range presses leave the page unchanged.
func (r *Registry) Press(ctx context.Context, sessionID string, actor history.UserID, action Action) (View, error) {
	current, err := r.acquire(sessionID, actor)
	if err != nil {
		return View{}, err
	}
	if action == ActionStop {
		return r.stop(current), nil
	}
	defer current.mu.Unlock()

	switch action {
	case ActionFirst:
		_, err = current.session.First(ctx)
	case ActionPrev:
		_, err = current.session.Prev(ctx)
	case ActionNext:
		_, err = current.session.Next(ctx)
	case ActionLast:
		_, err = current.session.Last(ctx)
	default:
		return View{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err != nil && !errors.Is(err, browse.ErrOutOfRange) {
		return View{}, err
	}
	return r.render(current, false), nil
}

// Jump moves to a 1-based page typed by the requester. Invalid input yields a
// *browse.RangeError and no change.
func (r *Registry) Jump(ctx context.Context, sessionID string, actor history.UserID, input string) (View, error) {
	current, err := r.acquire(sessionID, actor)
	if err != nil {
		return View{}, err
	}
	defer current.mu.Unlock()

	if _, err := current.session.Jump(ctx, input); err != nil {
		return View{}, err
	}
	return r.render(current, false), nil
}

// Len reports how many browsers are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown stops every browser without invoking OnExpire.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, current := range r.sessions {
		current.timer.Stop()
		delete(r.sessions, id)
	}
}

// acquire resolves the session, checks the actor and resets the idle timer. The entry
// is returned locked.
func (r *Registry) acquire(sessionID string, actor history.UserID) (*entry, error) {
	r.mu.Lock()
	current, ok := r.sessions[sessionID]
	if !ok {
		_, expired := r.tombstones[sessionID]
		r.mu.Unlock()
		if expired {
			return nil, ErrSessionExpired
		}
		return nil, ErrUnknownSession
	}
	if current.owner != actor {
		r.mu.Unlock()
		return nil, ErrNotRequester
	}
	current.generation++
	generation := current.generation
	current.timer.Stop()
	current.timer = time.AfterFunc(r.idleTimeout, func() {
		r.expire(sessionID, generation)
	})
	r.mu.Unlock()

	current.mu.Lock()
	return current, nil
}

// stop ends a browser at the owner's request. current arrives locked.
func (r *Registry) stop(current *entry) View {
	view := r.render(current, true)
	current.mu.Unlock()

	r.mu.Lock()
	if _, ok := r.sessions[current.id]; ok {
		current.timer.Stop()
		delete(r.sessions, current.id)
		r.tombstones[current.id] = r.clock()
	}
	r.mu.Unlock()
	return view
}

func (r *Registry) expire(sessionID string, generation int) {
	r.mu.Lock()
	current, ok := r.sessions[sessionID]
	if !ok || current.generation != generation {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	r.tombstones[sessionID] = r.clock()
	r.mu.Unlock()

	current.mu.Lock()
	view := r.render(current, true)
	current.mu.Unlock()

	r.logger.Debug("browser expired", zap.String("session_id", sessionID))
	if r.onExpire != nil {
		r.onExpire(view)
	}
}

func (r *Registry) pruneTombstones() {
	horizon := r.clock().Add(-tombstoneIdlePeriods * r.idleTimeout)
	for id, expiredAt := range r.tombstones {
		if expiredAt.Before(horizon) {
			delete(r.tombstones, id)
		}
	}
}

// render builds the view for current, which must be locked.
func (r *Registry) render(current *entry, expired bool) View {
	record := current.session.Current()
	controls := current.session.Controls()
	if expired {
		controls.FirstDisabled = true
		controls.PrevDisabled = true
		controls.NextDisabled = true
		controls.LastDisabled = true
	}
	return View{
		SessionID: current.id,
		OwnerID:   current.owner,
		TargetID:  current.target,
		AvatarID:  record.AvatarID,
		ImageURL:  r.imageURL(record),
		ChangedAt: record.ChangedAt,
		Controls:  controls,
		Expired:   expired,
	}
}

func (r *Registry) imageURL(record history.AvatarRecord) string {
	if r.imageBaseURL == "" && record.BlobURL != "" {
		return record.BlobURL
	}
	return r.imageBaseURL + staticPathPrefix + record.AvatarID
}
