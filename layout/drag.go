package layout

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"
)

// Dragging returns the id of the device being dragged, if any.
func (s *Store) Dragging() (string, bool) {
	if s.drag == nil {
		return "", false
	}
	return s.drag.id, true
}

// BeginDrag starts dragging id. Only one drag may be active at a time.
func (s *Store) BeginDrag(id string) error {
	if s.drag != nil {
		return fmt.Errorf("%w: %s", ErrDragInProgress, s.drag.id)
	}
	d, ok := s.devices[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	s.drag = &dragState{id: id, pos: d.Position}
	return nil
}

// UpdateDrag moves the dragged device to world point p without committing.
func (s *Store) UpdateDrag(p r2.Vec) error {
	if s.drag == nil {
		return ErrNoDrag
	}
	s.drag.pos = p
	s.notify(Change{Kind: ChangeRedraw, ID: s.drag.id})
	return nil
}

// CancelDrag abandons the drag, leaving the committed position untouched.
func (s *Store) CancelDrag() {
	if s.drag == nil {
		return
	}
	id := s.drag.id
	s.drag = nil
	s.notify(Change{Kind: ChangeRedraw, ID: id})
}

// EndDrag commits the drag position locally and issues exactly one persist
// call for it. The local edit is kept whatever the outcome; a failed save
// leaves the device dirty and is reported as a ChangePersistFailed wrapping
// ErrPersistFailed.
func (s *Store) EndDrag(ctx context.Context) (Position, error) {
	if s.drag == nil {
		return Position{}, ErrNoDrag
	}
	drag := s.drag
	s.drag = nil

	d, ok := s.devices[drag.id]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrUnknownDevice, drag.id)
	}
	d.Position = drag.pos
	s.dirty[d.ID] = true
	s.notify(Change{Kind: ChangePosition, ID: d.ID})

	pos := Position{ID: d.ID, X: drag.pos.X, Y: drag.pos.Y}
	s.save(ctx, []Position{pos})
	return pos, nil
}

// SaveDirty retries every unsaved position in one persist call. It returns
// the number of positions submitted.
func (s *Store) SaveDirty(ctx context.Context) int {
	dirty := s.Dirty()
	if len(dirty) == 0 {
		return 0
	}
	s.save(ctx, dirty)
	return len(dirty)
}

func (s *Store) save(ctx context.Context, positions []Position) {
	if s.persist == nil {
		s.log.Warn("No position persister configured, keeping edits local", "count", len(positions))
		return
	}
	s.saves++
	exec := s.reg.Executor()
	timeout := s.opts.PersistTimeout
	s.opts.Spawn(func() {
		saveCtx, cancel := context.WithTimeout(ctx, timeout)
		err := s.persist.SavePositions(saveCtx, positions)
		cancel()
		exec.Post(func() { s.saved(positions, err) })
	})
}

func (s *Store) saved(positions []Position, err error) {
	ids := make([]string, 0, len(positions))
	for _, p := range positions {
		ids = append(ids, p.ID)
	}

	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrPersistFailed, err)
		s.log.Warn("Position save failed, edits kept locally", "devices", ids, "error", err)
		s.notify(Change{Kind: ChangePersistFailed, IDs: ids, Err: wrapped})
		return
	}

	for _, p := range positions {
		d, ok := s.devices[p.ID]
		// A device moved again while the save was in flight stays dirty.
		if ok && d.Position == p.Vec() {
			delete(s.dirty, p.ID)
		}
	}
	s.notify(Change{Kind: ChangePersisted, IDs: ids})
}
