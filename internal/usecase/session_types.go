package usecase

import (
	"context"
	"sync"
	"time"

	"livenote/internal/audio"
	"livenote/internal/domain"
	"livenote/internal/note"
	"livenote/internal/ports"
	"livenote/internal/risk"
	"livenote/internal/transcript"
)

// captureSpan is one RECORDING stretch: a chunker plus the pump draining it.
type captureSpan struct {
	chunker  *audio.Chunker
	pumpDone chan struct{}
}

type activeSession struct {
	id        string
	startedAt time.Time
	ctx       context.Context
	cancel    func()
	channel   ports.SessionChannel

	store   *transcript.Store
	notes   *note.Assembler
	monitor *risk.Monitor

	// applyMu serializes every mutation of the session's read models.
	applyMu sync.Mutex

	stateMu  sync.Mutex
	state    domain.SessionState
	degraded bool
	span     *captureSpan
	epoch    uint32
	offsetMs int64
	endedAt  time.Time
	export   *domain.SessionExport

	eventsDone  chan struct{}
	signalsDone chan struct{}
}

func (s *activeSession) setState(state domain.SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
}

func (s *activeSession) getState() domain.SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// transition moves from one state to another only if the session is still in from.
func (s *activeSession) transition(from, to domain.SessionState) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *activeSession) setDegraded(degraded bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.degraded = degraded
}

func (s *activeSession) currentSpan() *captureSpan {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.span
}

func (s *activeSession) takeSpan() *captureSpan {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	span := s.span
	s.span = nil
	return span
}

func (s *activeSession) exported() (domain.SessionExport, bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.export == nil {
		return domain.SessionExport{}, false
	}
	return *s.export, true
}
