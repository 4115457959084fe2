package dashboard

import (
	"context"
	"time"

	"doorwatch/common/logger"
	"doorwatch/layout"
)

// PositionCache is the local position cache.
type PositionCache interface {
	SavePositions(ctx context.Context, positions []layout.Position, dirty bool) error
	MarkClean(ctx context.Context, positions []layout.Position) (int, error)
	DirtyPositions(ctx context.Context) ([]layout.Position, error)
	DeletePositions(ctx context.Context, keep []string) (int, error)
}

// RemotePositions persists positions on the backend.
type RemotePositions interface {
	SavePositions(ctx context.Context, positions []layout.Position) error
}

// cachingPersister writes positions to the local cache as dirty, then to the
// backend, and clears the dirty flag once the backend accepts them. Edits
// survive a restart even when the backend is unreachable.
type cachingPersister struct {
	remote RemotePositions
	cache  PositionCache
	log    logger.Interface
}

func newCachingPersister(remote RemotePositions, cache PositionCache, log logger.Interface) *cachingPersister {
	return &cachingPersister{remote: remote, cache: cache, log: logger.OrNop(log)}
}

func (p *cachingPersister) SavePositions(ctx context.Context, positions []layout.Position) error {
	if p.cache != nil {
		if err := p.cache.SavePositions(ctx, positions, true); err != nil {
			p.log.WarnRateLimited("cache_save", time.Minute, "Local position cache write failed", "error", err)
		}
	}

	if err := p.remote.SavePositions(ctx, positions); err != nil {
		return err
	}

	if p.cache != nil {
		if _, err := p.cache.MarkClean(ctx, positions); err != nil {
			p.log.WarnRateLimited("cache_clean", time.Minute, "Local position cache update failed", "error", err)
		}
	}
	return nil
}
