package bureau

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cachePrefix = "bureau:report"

// CachedProvider wraps a Provider with a Redis read-through cache and
// coalesces concurrent lookups for the same importer.
type CachedProvider struct {
	next   Provider
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewCachedProvider constructs CachedProvider. A nil client disables caching.
func NewCachedProvider(next Provider, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedProvider {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedProvider{next: next, client: client, ttl: ttl, logger: logger}
}

func cacheKey(importerID string) string {
	return fmt.Sprintf("%s:%s", cachePrefix, importerID)
}

// Report returns the cached report or loads it from the wrapped provider.
func (p *CachedProvider) Report(ctx context.Context, importerID string) (ScoreReport, error) {
	key := cacheKey(importerID)
	if report, ok := p.lookup(ctx, key); ok {
		return report, nil
	}
	ch := p.group.DoChan(key, func() (interface{}, error) {
		// A concurrent caller may have filled the cache meanwhile.
		if report, ok := p.lookup(ctx, key); ok {
			return report, nil
		}
		report, err := p.next.Report(ctx, importerID)
		if err != nil {
			return nil, err
		}
		p.store(ctx, key, report)
		return report, nil
	})
	select {
	case <-ctx.Done():
		return ScoreReport{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ScoreReport{}, res.Err
		}
		return res.Val.(ScoreReport), nil
	}
}

// Invalidate drops the cached report of an importer.
func (p *CachedProvider) Invalidate(ctx context.Context, importerID string) error {
	if p.client == nil {
		return nil
	}
	return p.client.Del(ctx, cacheKey(importerID)).Err()
}

func (p *CachedProvider) lookup(ctx context.Context, key string) (ScoreReport, bool) {
	if p.client == nil {
		return ScoreReport{}, false
	}
	raw, err := p.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			p.logger.Warn("bureau cache get", slog.String("key", key), slog.Any("error", err))
		}
		return ScoreReport{}, false
	}
	var report ScoreReport
	if err := json.Unmarshal(raw, &report); err != nil {
		p.logger.Warn("bureau cache decode", slog.String("key", key), slog.Any("error", err))
		return ScoreReport{}, false
	}
	return report, true
}

func (p *CachedProvider) store(ctx context.Context, key string, report ScoreReport) {
	if p.client == nil {
		return
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := p.client.Set(ctx, key, raw, p.ttl).Err(); err != nil {
		p.logger.Warn("bureau cache set", slog.String("key", key), slog.Any("error", err))
	}
}
