package runner

// SourceStats counts one source's items within a cycle.
type SourceStats struct {
	SourceID string
	Total    int
	Saved    int
	Skipped  int
}

// Stats aggregates a cycle. Sources are in the order they first produced an item.
type Stats struct {
	Total   int
	Saved   int
	Skipped int
	Sources []SourceStats

	index map[string]int
}

func newStats() Stats {
	return Stats{index: make(map[string]int)}
}

func (s *Stats) add(sourceID string, saved bool) {
	i, ok := s.index[sourceID]
	if !ok {
		i = len(s.Sources)
		s.index[sourceID] = i
		s.Sources = append(s.Sources, SourceStats{SourceID: sourceID})
	}

	s.Total++
	s.Sources[i].Total++
	if saved {
		s.Saved++
		s.Sources[i].Saved++
		return
	}
	s.Skipped++
	s.Sources[i].Skipped++
}

// Source returns the counts for one source.
func (s Stats) Source(id string) (SourceStats, bool) {
	i, ok := s.index[id]
	if !ok {
		return SourceStats{}, false
	}
	return s.Sources[i], true
}
