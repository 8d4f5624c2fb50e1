package statushttp

import (
	"sync"
	"time"

	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

// State holds what the daemon launched and how the last background check
// ended. Safe for concurrent use.
type State struct {
	mu         sync.RWMutex
	launched   *LaunchInfo
	background *BackgroundInfo
	now        func() time.Time
}

func NewState() *State { return &State{now: time.Now} }

func (s *State) SetLaunched(u *updates.Update, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.launched = &LaunchInfo{
		UpdateID:   u.ID.String(),
		CommitTime: u.CommitTime.UTC(),
		Source:     source,
		LaunchedAt: s.now().UTC().Truncate(time.Second),
	}
}

// SetBackground records a finished remote check. u and err may be nil.
func (s *State) SetBackground(status string, u *updates.Update, err error) {
	b := &BackgroundInfo{Status: status}
	if u != nil {
		b.UpdateID = u.ID.String()
	}
	if err != nil {
		b.Error = err.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b.FinishedAt = s.now().UTC().Truncate(time.Second)
	s.background = b
}

func (s *State) snapshot() (*LaunchInfo, *BackgroundInfo) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var l *LaunchInfo
	var b *BackgroundInfo
	if s.launched != nil {
		c := *s.launched
		l = &c
	}
	if s.background != nil {
		c := *s.background
		b = &c
	}
	return l, b
}
