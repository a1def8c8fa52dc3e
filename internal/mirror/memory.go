package mirror

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iceweasel13/monplace/internal/grid"
)

var _ Store = (*MemoryStore)(nil)

type actorRecord struct {
	mu          sync.Mutex
	lastWriteAt time.Time
	seen        bool
}

// MemoryStore keeps the mirror in process memory. Admissions lock only the
// actor's own record; cell writes take a short store-wide lock.
type MemoryStore struct {
	mu    sync.RWMutex
	cells map[grid.Coord]grid.Cell

	actorsMu sync.Mutex
	actors   map[string]*actorRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cells:  make(map[grid.Coord]grid.Cell),
		actors: make(map[string]*actorRecord),
	}
}

func (s *MemoryStore) actor(id string) *actorRecord {
	s.actorsMu.Lock()
	defer s.actorsMu.Unlock()
	rec, ok := s.actors[id]
	if !ok {
		rec = &actorRecord{}
		s.actors[id] = rec
	}
	return rec
}

func (s *MemoryStore) Cell(_ context.Context, c grid.Coord) (grid.Cell, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cell, ok := s.cells[c]
	return cell, ok, nil
}

func (s *MemoryStore) Snapshot(_ context.Context) ([]grid.Cell, error) {
	s.mu.RLock()
	out := make([]grid.Cell, 0, len(s.cells))
	for _, c := range s.cells {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out, nil
}

func (s *MemoryStore) LastWrite(_ context.Context, actor string) (time.Time, bool, error) {
	rec := s.actor(actor)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.lastWriteAt, rec.seen, nil
}

func (s *MemoryStore) Admit(ctx context.Context, w Optimistic, check CheckFunc) (grid.Cell, error) {
	if err := validWrite(w.Coord, w.ColorIndex); err != nil {
		return grid.Cell{}, err
	}
	rec := s.actor(w.Actor)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return grid.Cell{}, err
	}
	if err := check(rec.lastWriteAt, rec.seen); err != nil {
		return grid.Cell{}, err
	}

	s.mu.Lock()
	cur, exists := s.cells[w.Coord]
	next, _ := mergeOptimistic(cur, exists, w)
	s.cells[w.Coord] = next
	s.mu.Unlock()

	rec.lastWriteAt = laterOf(rec.lastWriteAt, w.At)
	rec.seen = true
	return next, nil
}

func (s *MemoryStore) ApplyEvent(_ context.Context, ev grid.PaintEvent) (grid.Cell, bool, error) {
	if err := validWrite(ev.Coord, ev.ColorIndex); err != nil {
		return grid.Cell{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.cells[ev.Coord]
	next, changed := mergeEvent(cur, exists, ev)
	if changed {
		s.cells[ev.Coord] = next
	}
	return next, changed, nil
}

func (s *MemoryStore) ExpireOptimistic(_ context.Context, cutoff time.Time) ([]grid.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changes []grid.Change
	for coord, cur := range s.cells {
		next, keep, expired := expireCell(cur, cutoff)
		if !expired {
			continue
		}
		if !keep {
			delete(s.cells, coord)
			changes = append(changes, clearedChange(coord))
			continue
		}
		s.cells[coord] = next
		changes = append(changes, grid.ChangeOf(next))
	}
	return changes, nil
}

func (s *MemoryStore) Close() error { return nil }
