// Package capture turns platform notifications into history rows.
package capture

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/du-cki/Kana/internal/blobsink"
	"github.com/du-cki/Kana/internal/history"
	"github.com/du-cki/Kana/internal/platform"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Storage modes.
const (
	// ModeSink uploads bytes to the blob sink and stores the returned URL.
	ModeSink = "sink"
	// ModeInline stores bytes in the history row and bypasses the sink and limiter.
	ModeInline = "inline"
)

const (
	defaultSnapshotConcurrency = 4
	fallbackFormat             = "png"
	filenameHashPrefix         = 16
)

// Outcome summarises one avatar capture.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

var (
	// ErrFetchFailed aliases the platform fetch failure so callers need not import platform.
	ErrFetchFailed = platform.ErrFetchFailed

	errMissingFetcher = errors.New("capture: fetcher is required")
	errMissingStore   = errors.New("capture: store is required")
	errMissingNames   = errors.New("capture: name tracker is required")
	errMissingSink    = errors.New("capture: sink and limiter are required in sink mode")
	errUnknownMode    = errors.New("capture: unknown storage mode")
)

// AssetFetcher downloads avatar assets.
type AssetFetcher interface {
	Fetch(ctx context.Context, assetURL string) (platform.Asset, error)
}

// Waiter blocks until the key may proceed.
type Waiter interface {
	Wait(ctx context.Context, key string) (time.Duration, error)
}

// Sink uploads blobs.
type Sink interface {
	Upload(ctx context.Context, blob blobsink.Blob) (string, error)
	MaxBytes() int
}

// Store persists history rows.
type Store interface {
	InsertAvatar(ctx context.Context, insert history.AvatarInsert) (bool, error)
	InsertName(ctx context.Context, userID history.UserID, changedAt time.Time, name string) error
}

// NameTracker confirms a display name actually changed.
type NameTracker interface {
	Last(ctx context.Context, userID history.UserID) (string, bool, error)
	Changed(ctx context.Context, userID history.UserID, name string) (bool, error)
	Observe(userID history.UserID, name string)
}

// PipelineConfig describes a Pipeline.
type PipelineConfig struct {
	Mode                string
	Fetcher             AssetFetcher
	Limiter             Waiter
	Sink                Sink
	Store               Store
	Names               NameTracker
	Logger              *zap.Logger
	Clock               func() time.Time
	SnapshotConcurrency int
	// MaxBytes caps inline content. In sink mode the sink's ceiling applies.
	MaxBytes int
}

// Pipeline runs avatar and name captures.
type Pipeline struct {
	mode                string
	fetcher             AssetFetcher
	limiter             Waiter
	sink                Sink
	store               Store
	names               NameTracker
	logger              *zap.Logger
	clock               func() time.Time
	snapshotConcurrency int
	maxBytes            int
}

// NewPipeline validates configuration and returns a Pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeSink
	}
	if mode != ModeSink && mode != ModeInline {
		return nil, fmt.Errorf("%w: %q", errUnknownMode, cfg.Mode)
	}
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Names == nil {
		return nil, errMissingNames
	}
	if mode == ModeSink && (cfg.Sink == nil || cfg.Limiter == nil) {
		return nil, errMissingSink
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	concurrency := cfg.SnapshotConcurrency
	if concurrency <= 0 {
		concurrency = defaultSnapshotConcurrency
	}
	maxBytes := cfg.MaxBytes
	if mode == ModeSink {
		maxBytes = cfg.Sink.MaxBytes()
	}
	if maxBytes <= 0 {
		maxBytes = blobsink.DefaultMaxBytes
	}
	return &Pipeline{
		mode:                mode,
		fetcher:             cfg.Fetcher,
		limiter:             cfg.Limiter,
		sink:                cfg.Sink,
		store:               cfg.Store,
		names:               cfg.Names,
		logger:              logger,
		clock:               clock,
		snapshotConcurrency: concurrency,
		maxBytes:            maxBytes,
	}, nil
}

// CaptureAvatar fetches the asset and appends it to the user's avatar history unless it
// repeats the most recent entry. A failure abandons this capture only; nothing is retried.
func (p *Pipeline) CaptureAvatar(ctx context.Context, userID history.UserID, assetURL string, changedAt time.Time) (Outcome, error) {
	timer := prometheus.NewTimer(captureDuration.WithLabelValues("avatar"))
	defer timer.ObserveDuration()

	if changedAt.IsZero() {
		changedAt = p.clock()
	}
	logger := p.logger.With(zap.Int64("user_id", userID.Int64()))

	asset, err := p.fetcher.Fetch(ctx, assetURL)
	if err != nil {
		logger.Error("failed to fetch avatar", zap.String("asset_url", assetURL), zap.Error(err))
		return p.fail("fetch_failed", err)
	}

	digest := sha256.Sum256(asset.Data)
	fingerprint := hex.EncodeToString(digest[:])

	insert := history.AvatarInsert{
		UserID:      userID,
		ChangedAt:   changedAt,
		Format:      asset.Format,
		ContentHash: fingerprint,
		Size:        int64(len(asset.Data)),
	}

	switch p.mode {
	case ModeInline:
		if len(asset.Data) > p.maxBytes {
			logger.Error("avatar exceeds size ceiling", zap.Int("size", len(asset.Data)), zap.Int("max_bytes", p.maxBytes))
			return p.fail("oversize", fmt.Errorf("%w: %d > %d bytes", blobsink.ErrOversize, len(asset.Data), p.maxBytes))
		}
		insert.Avatar = asset.Data
	default:
		waited, err := p.limiter.Wait(ctx, fingerprint)
		if err != nil {
			logger.Warn("rate limit wait aborted", zap.Error(err))
			return p.fail("cancelled", err)
		}
		if waited > 0 {
			rateLimitWaitsTotal.Inc()
			logger.Debug("waited for rate limiter", zap.Duration("waited", waited))
		}

		url, err := p.sink.Upload(ctx, blobsink.Blob{
			Data:        asset.Data,
			Filename:    blobFilename(userID, fingerprint, asset.Format),
			ContentType: asset.ContentType,
			Message:     fmt.Sprintf("%s\n%d", userID, changedAt.Unix()),
		})
		if err != nil {
			if errors.Is(err, blobsink.ErrOversize) {
				return p.fail("oversize", err)
			}
			logger.Error("failed to upload avatar", zap.Error(err))
			return p.fail("upload_failed", err)
		}
		insert.BlobURL = url
	}

	inserted, err := p.store.InsertAvatar(ctx, insert)
	if err != nil {
		return p.fail("store_failed", err)
	}
	if !inserted {
		avatarCapturesTotal.WithLabelValues(string(OutcomeDuplicate)).Inc()
		logger.Debug("avatar matches latest entry", zap.String("fingerprint", fingerprint))
		return OutcomeDuplicate, nil
	}
	avatarCapturesTotal.WithLabelValues(string(OutcomeInserted)).Inc()
	logger.Info("avatar captured", zap.String("format", asset.Format), zap.Int("size", len(asset.Data)))
	return OutcomeInserted, nil
}

// CaptureName appends newName when it differs from oldName and from the last recorded
// name. When the user has no recorded names yet, oldName is kept first so the prior
// name is not lost.
func (p *Pipeline) CaptureName(ctx context.Context, userID history.UserID, oldName, newName string, changedAt time.Time) (bool, error) {
	newName = strings.TrimSpace(newName)
	oldName = strings.TrimSpace(oldName)
	if newName == "" || newName == oldName {
		return false, nil
	}
	if changedAt.IsZero() {
		changedAt = p.clock()
	}

	if oldName != "" {
		_, known, err := p.names.Last(ctx, userID)
		if err != nil {
			p.logger.Error("failed to resolve last name", zap.Int64("user_id", userID.Int64()), zap.Error(err))
			return false, err
		}
		if !known {
			if _, err := p.recordName(ctx, userID, oldName, changedAt); err != nil {
				return false, err
			}
		}
	}
	return p.recordName(ctx, userID, newName, changedAt)
}

func (p *Pipeline) recordName(ctx context.Context, userID history.UserID, name string, changedAt time.Time) (bool, error) {
	changed, err := p.names.Changed(ctx, userID, name)
	if err != nil {
		p.logger.Error("failed to resolve last name", zap.Int64("user_id", userID.Int64()), zap.Error(err))
		return false, err
	}
	if !changed {
		return false, nil
	}
	if err := p.store.InsertName(ctx, userID, changedAt, name); err != nil {
		return false, err
	}
	p.names.Observe(userID, name)
	nameCapturesTotal.Inc()
	return true, nil
}

// SnapshotReport counts what a bulk snapshot did.
type SnapshotReport struct {
	Considered int
	Skipped    int
	Inserted   int
	Duplicates int
	Names      int
	Failed     int
}

// CaptureSnapshot captures every member not already observed through another shared
// guild. Members are processed concurrently; one member failing never stops the rest.
func (p *Pipeline) CaptureSnapshot(ctx context.Context, members []platform.Member, observedAt time.Time) SnapshotReport {
	timer := prometheus.NewTimer(captureDuration.WithLabelValues("snapshot"))
	defer timer.ObserveDuration()

	if observedAt.IsZero() {
		observedAt = p.clock()
	}

	var (
		mu     sync.Mutex
		report SnapshotReport
		group  errgroup.Group
	)
	group.SetLimit(p.snapshotConcurrency)

	for _, member := range members {
		report.Considered++
		if member.IsSelf || member.SharedGuilds > 0 {
			report.Skipped++
			continue
		}
		userID, err := history.NewUserID(member.ID)
		if err != nil {
			p.logger.Warn("skipping member with invalid id", zap.String("member_id", member.ID), zap.Error(err))
			report.Failed++
			continue
		}

		group.Go(func() error {
			outcome, avatarErr := p.captureMemberAvatar(ctx, userID, member.AvatarURL, observedAt)
			nameRecorded := false
			var nameErr error
			if member.DisplayName != "" {
				nameRecorded, nameErr = p.recordName(ctx, userID, strings.TrimSpace(member.DisplayName), observedAt)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case avatarErr != nil:
				report.Failed++
			case outcome == OutcomeInserted:
				report.Inserted++
			case outcome == OutcomeDuplicate:
				report.Duplicates++
			}
			if nameErr != nil && avatarErr == nil {
				report.Failed++
			}
			if nameRecorded {
				report.Names++
			}
			return nil
		})
	}
	_ = group.Wait()

	p.logger.Info("snapshot captured",
		zap.Int("considered", report.Considered),
		zap.Int("skipped", report.Skipped),
		zap.Int("inserted", report.Inserted),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("failed", report.Failed))
	return report
}

func (p *Pipeline) captureMemberAvatar(ctx context.Context, userID history.UserID, assetURL string, observedAt time.Time) (Outcome, error) {
	if strings.TrimSpace(assetURL) == "" {
		return "", nil
	}
	return p.CaptureAvatar(ctx, userID, assetURL, observedAt)
}

func (p *Pipeline) fail(reason string, err error) (Outcome, error) {
	avatarCapturesTotal.WithLabelValues(reason).Inc()
	return OutcomeFailed, err
}

func blobFilename(userID history.UserID, fingerprint, format string) string {
	if format == "" {
		format = fallbackFormat
	}
	return fmt.Sprintf("%s-%s.%s", userID, fingerprint[:filenameHashPrefix], format)
}
