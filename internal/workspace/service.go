package workspace

import (
	"log/slog"
	"sync"
)

// Service holds the single current workspace. Readers take the pointer and
// work through Workspace.View, so the service lock is never held while
// frames are in use.
type Service struct {
	maxRegions int
	logger     *slog.Logger

	mu      sync.Mutex
	current *Workspace
}

func NewService(maxRegions int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		maxRegions: maxRegions,
		logger:     logger,
		current:    New(maxRegions),
	}
}

func (s *Service) Current() *Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Replace makes ws current and closes the previous workspace.
func (s *Service) Replace(ws *Workspace) {
	s.mu.Lock()
	old := s.current
	s.current = ws
	s.mu.Unlock()
	if old != nil && old != ws {
		old.Close()
		s.logger.Debug("workspace replaced")
	}
}

// Fresh installs an empty workspace that keeps the regions and working
// distance of the current one, and returns it.
func (s *Service) Fresh() *Workspace {
	prev := s.Current()
	ws := New(s.maxRegions)
	if prev != nil {
		ws.SetWorkingDistance(prev.WorkingDistance())
		ws.regions = prev.Regions()
	}
	s.Replace(ws)
	return ws
}

func (s *Service) Close() {
	s.mu.Lock()
	old := s.current
	s.current = nil
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}
