package agent

import (
	"maps"
	"strings"
	"sync"
)

// State is the mutable data shared by the turns of one network run.
// Files is written only by the createOrUpdateFiles tool and Summary only by
// the completion hook.
type State struct {
	mu      sync.Mutex
	summary string
	files   map[string]string
}

// Snapshot is a point-in-time copy of State.
type Snapshot struct {
	Summary string            `json:"summary"`
	Files   map[string]string `json:"files"`
}

func NewState() *State {
	return &State{files: make(map[string]string)}
}

// MergeFiles records written files; later content for a path wins.
func (s *State) MergeFiles(files map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.files, files)
}

func (s *State) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Summary: s.summary, Files: maps.Clone(s.files)}
}

// DetectCompletion stores text as the summary when it carries marker.
// It reports whether the summary was set.
func DetectCompletion(s *State, text, marker string) bool {
	if marker == "" || text == "" || !strings.Contains(text, marker) {
		return false
	}
	s.mu.Lock()
	s.summary = text
	s.mu.Unlock()
	return true
}
