// Package blobsink uploads avatar blobs to a rotating pool of write-only endpoints.
package blobsink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxBytes is the smallest upload quota guaranteed across destination tiers.
const DefaultMaxBytes = 25 * 1024 * 1024

var (
	// ErrOversize rejects content above the pool ceiling before any network call.
	ErrOversize = errors.New("blobsink: content exceeds upload ceiling")
	// ErrUploadFailed wraps any endpoint failure.
	ErrUploadFailed = errors.New("blobsink: upload failed")
	// ErrNoEndpoints indicates a pool constructed without endpoints.
	ErrNoEndpoints = errors.New("blobsink: at least one endpoint is required")
)

// Blob is one upload.
type Blob struct {
	Data        []byte
	Filename    string
	ContentType string
	// Message travels with the upload where the endpoint supports it.
	Message string
}

// Endpoint stores a blob and returns a durable retrieval URL.
type Endpoint interface {
	Upload(ctx context.Context, blob Blob) (string, error)
	Name() string
}

// PoolConfig describes a Pool.
type PoolConfig struct {
	Endpoints []Endpoint
	MaxBytes  int
	Logger    *zap.Logger
	Metrics   Metrics
}

// Metrics observes upload results.
type Metrics interface {
	ObserveUpload(endpoint string, result string, size int)
}

// Pool round-robins uploads over its endpoints. Rotation ignores content: any
// endpoint may serve any upload.
type Pool struct {
	mu        sync.Mutex
	endpoints []Endpoint
	index     int
	maxBytes  int
	logger    *zap.Logger
	metrics   Metrics
}

// NewPool validates configuration and returns a Pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	for position, endpoint := range cfg.Endpoints {
		if endpoint == nil {
			return nil, fmt.Errorf("blobsink: endpoint %d is nil", position)
		}
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		endpoints: append([]Endpoint(nil), cfg.Endpoints...),
		maxBytes:  maxBytes,
		logger:    logger,
		metrics:   cfg.Metrics,
	}, nil
}

// MaxBytes returns the upload ceiling.
func (pool *Pool) MaxBytes() int {
	return pool.maxBytes
}

// Upload sends the blob to the next endpoint in rotation.
func (pool *Pool) Upload(ctx context.Context, blob Blob) (string, error) {
	if len(blob.Data) > pool.maxBytes {
		pool.logger.Error("blob exceeds upload ceiling",
			zap.Int("size", len(blob.Data)),
			zap.Int("max_bytes", pool.maxBytes),
			zap.String("filename", blob.Filename))
		pool.observe("", "oversize", len(blob.Data))
		return "", fmt.Errorf("%w: %d > %d bytes", ErrOversize, len(blob.Data), pool.maxBytes)
	}

	endpoint := pool.next()
	url, err := endpoint.Upload(ctx, blob)
	if err != nil {
		pool.logger.Warn("blob upload failed", zap.String("endpoint", endpoint.Name()), zap.Error(err))
		pool.observe(endpoint.Name(), "error", len(blob.Data))
		if errors.Is(err, ErrUploadFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %v", ErrUploadFailed, endpoint.Name(), err)
	}
	pool.observe(endpoint.Name(), "ok", len(blob.Data))
	return url, nil
}

func (pool *Pool) next() Endpoint {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.index >= len(pool.endpoints) {
		pool.index = 0
	}
	endpoint := pool.endpoints[pool.index]
	pool.index++
	return endpoint
}

func (pool *Pool) observe(endpoint, result string, size int) {
	if pool.metrics == nil {
		return
	}
	pool.metrics.ObserveUpload(endpoint, result, size)
}
