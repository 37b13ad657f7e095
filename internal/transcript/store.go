package transcript

import (
	"math"
	"sort"
	"sync"

	"livenote/internal/domain"
)

// Store is the time-ordered transcript buffer for one session.
// Segments are kept sorted by StartMs regardless of arrival order and are never mutated.
type Store struct {
	mu       sync.RWMutex
	segments []domain.TranscriptSegment
	byID     map[string]domain.TranscriptSegment
}

func NewStore() *Store {
	return &Store{byID: make(map[string]domain.TranscriptSegment)}
}

// Insert places the segment by StartMs. Segments with equal StartMs keep arrival order.
// It reports false without error when the id is already stored.
func (s *Store) Insert(segment domain.TranscriptSegment) (bool, error) {
	if err := segment.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[segment.ID]; ok {
		return false, nil
	}

	index := sort.Search(len(s.segments), func(i int) bool {
		return s.segments[i].StartMs > segment.StartMs
	})
	s.segments = append(s.segments, domain.TranscriptSegment{})
	copy(s.segments[index+1:], s.segments[index:])
	s.segments[index] = segment
	s.byID[segment.ID] = segment
	return true, nil
}

// Range returns segments overlapping [fromMs, toMs] in StartMs order.
func (s *Store) Range(fromMs, toMs int64) []domain.TranscriptSegment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if toMs < fromMs {
		return nil
	}
	out := make([]domain.TranscriptSegment, 0)
	for _, segment := range s.segments {
		if segment.StartMs > toMs {
			break
		}
		if segment.EndMs < fromMs {
			continue
		}
		out = append(out, segment)
	}
	return out
}

// All returns every stored segment in StartMs order.
func (s *Store) All() []domain.TranscriptSegment {
	return s.Range(0, math.MaxInt64)
}

// Nearest returns the segment closest to timestampMs. A segment containing the
// timestamp has distance zero; ties go to the earlier segment.
func (s *Store) Nearest(timestampMs int64) (domain.TranscriptSegment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.segments) == 0 {
		return domain.TranscriptSegment{}, false
	}

	best := 0
	bestDistance := distance(s.segments[0], timestampMs)
	for i := 1; i < len(s.segments); i++ {
		d := distance(s.segments[i], timestampMs)
		if d < bestDistance {
			best, bestDistance = i, d
		}
	}
	return s.segments[best], true
}

func (s *Store) Get(id string) (domain.TranscriptSegment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	segment, ok := s.byID[id]
	return segment, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}

func distance(segment domain.TranscriptSegment, timestampMs int64) int64 {
	switch {
	case timestampMs < segment.StartMs:
		return segment.StartMs - timestampMs
	case timestampMs > segment.EndMs:
		return timestampMs - segment.EndMs
	default:
		return 0
	}
}
