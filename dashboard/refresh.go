package dashboard

import (
	"context"
	"image"
	"time"

	"doorwatch/layout"
	"doorwatch/render"
)

const refreshTimeout = 30 * time.Second

// loadResult is state fetched off the loop, applied on it.
type loadResult struct {
	full bool

	records    []layout.Record
	recordsErr error

	positions    []layout.Position
	positionsErr error
	dirty      []layout.Position
	background image.Image
	bgLoaded   bool
	cursor     int64
}

// load fetches backend state. A full load also fetches positions, the
// background image and the cached dirty positions and cursor.
func (s *Session) load(ctx context.Context, full bool) loadResult {
	res := loadResult{full: full}

	res.records, res.recordsErr = s.backend.Doors(ctx)
	if res.recordsErr != nil {
		s.log.Error("Failed to load door list", "error", res.recordsErr)
	}
	if !full {
		return res
	}

	var err error
	res.positions, res.positionsErr = s.backend.Positions(ctx)
	if res.positionsErr != nil {
		s.log.Warn("Failed to load floor-plan positions, using defaults", "error", res.positionsErr)
	}

	res.background, res.bgLoaded = s.loadBackground(ctx)

	if s.cache != nil {
		if res.dirty, err = s.cache.DirtyPositions(ctx); err != nil {
			s.log.Warn("Failed to read unsaved positions from cache", "error", err)
		}
		if res.cursor, err = s.cache.Cursor(ctx); err != nil {
			s.log.Warn("Failed to read feed cursor from cache", "error", err)
		}
	}
	return res
}

// loadBackground resolves the background reference from the backend, or from
// the cache when the backend is unreachable.
func (s *Session) loadBackground(ctx context.Context) (image.Image, bool) {
	ref, err := s.backend.Background(ctx)
	fromCache := false
	if err != nil {
		s.log.Warn("Failed to load floor-plan background", "error", err)
		if s.cache == nil {
			return nil, false
		}
		if ref, err = s.cache.Background(ctx); err != nil {
			return nil, false
		}
		fromCache = true
	}
	if ref == "" {
		return nil, !fromCache
	}

	var img image.Image
	if render.IsDataURL(ref) {
		img, err = render.DecodeDataURL(ref)
	} else {
		var data []byte
		data, err = s.backend.FetchImage(ctx, ref)
		if err == nil {
			img, _, err = render.DecodeImage(data)
		}
	}
	if err != nil {
		s.log.Warn("Floor-plan background unusable, drawing without it", "error", err)
		return nil, false
	}

	if s.cache != nil && !fromCache {
		if err := s.cache.SetBackground(ctx, ref); err != nil {
			s.log.Debug("Background not cached", "error", err)
		}
	}
	return img, true
}

// apply merges a load into the engine. Runs on the loop.
func (s *Session) apply(res loadResult) {
	if res.full && res.bgLoaded {
		s.background = res.background
		s.refit()
	}

	if res.recordsErr == nil {
		_, removed := s.store.Sync(res.records)
		if removed > 0 && s.cache != nil {
			keep := make([]string, 0, len(res.records))
			for _, r := range res.records {
				keep = append(keep, r.ID)
			}
			s.spawn(func() {
				if _, err := s.cache.DeletePositions(s.workCtx, keep); err != nil {
					s.log.Debug("Stale cached positions not removed", "error", err)
				}
			})
		}
	}

	if res.full {
		s.store.LoadPositions(res.positions)
		if n := s.store.RestoreDirty(res.dirty); n > 0 {
			s.log.Info("Restored unsaved position changes", "count", n)
		}
		if res.cursor > s.cursor {
			s.manager.SetCursor(res.cursor)
			s.cursor = res.cursor
			s.cursorSaved = res.cursor
		}
		if res.recordsErr == nil && res.positionsErr == nil {
			s.positionsLoaded = true
		}
	}
	s.requestRedraw()
}

// refresh reloads the device list off the loop; full also reloads positions
// and the background. Until a full load has succeeded every refresh is full.
// Overlapping refreshes are skipped.
func (s *Session) refresh(full bool) {
	if s.refreshing {
		return
	}
	full = full || !s.positionsLoaded
	s.refreshing = true
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(s.workCtx, refreshTimeout)
		res := s.load(ctx, full)
		cancel()
		s.loop.Post(func() {
			s.refreshing = false
			s.apply(res)
			// A reachable backend ends the terminal Offline state.
			if res.recordsErr == nil {
				s.manager.Resume()
			}
		})
	})
}
