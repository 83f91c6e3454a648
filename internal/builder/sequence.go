package builder

import (
	"sync"

	"github.com/golang/glog"
)

// Sequence hands out the outstanding files of a manifest, each at most once
// per session. Files the filter rejects are marked omitted and skipped.
type Sequence struct {
	mu       sync.Mutex
	manifest *Manifest
	filter   func(FileInfo) bool
	pending  []uint64
	added    int
}

func NewSequence(m *Manifest, filter func(FileInfo) bool) *Sequence {
	return &Sequence{
		manifest: m,
		filter:   filter,
		pending:  m.Outstanding(),
	}
}

// Next returns the origin of the next file to insert. Once max files have
// been handed out it reports false; a max of zero means no limit.
func (s *Sequence) Next(max int) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) > 0 {
		if max > 0 && s.added >= max {
			return 0, false
		}
		origin := s.pending[0]
		s.pending = s.pending[1:]
		info := s.manifest.Get(origin)
		if info.Status != Outstanding {
			continue
		}
		if s.filter != nil && !s.filter(info) {
			glog.V(1).Infof("omitting %d - %s: no overlap", origin, info.Path)
			s.manifest.Set(origin, Omitted, "no overlap with the build bounds")
			continue
		}
		s.added++
		return origin, true
	}
	return 0, false
}

// Append queues origins added to the manifest after the sequence was made.
func (s *Sequence) Append(origins ...uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, origins...)
}

// Remaining is the number of queued files, omitted ones included.
func (s *Sequence) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
