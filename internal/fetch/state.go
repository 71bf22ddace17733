package fetch

import "time"

// State is the resumable sub-state of one stream of a session. The partial
// file length on disk equals NextOffset whenever the fetch is not running.
type State struct {
	PartialPath  string
	NextOffset   int64
	Total        int64
	LastActivity time.Time
	Retries      int
}

// Apply folds a progress update into the state.
func (s *State) Apply(u Update, now time.Time) {
	s.LastActivity = now

	if u.Retry {
		s.Retries++

		return
	}

	if u.Total > 0 {
		s.Total = u.Total
	}

	s.NextOffset = u.Done
	if s.Total > 0 && s.NextOffset > s.Total {
		s.NextOffset = s.Total
	}
}
