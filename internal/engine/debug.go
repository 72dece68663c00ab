package engine

// SearchDebug is the structured breakdown returned by the traced search
// endpoint.
type SearchDebug struct {
	Query     string            `json:"query"`
	Backends  map[string]int    `json:"backends"` // hits per backend that answered
	Failed    map[string]string `json:"failed,omitempty"`
	Fused     int               `json:"fused"`
	Collapsed []CollapsedEntry  `json:"collapsed,omitempty"`
	Returned  []string          `json:"returned"`
	ElapsedMS map[string]int64  `json:"backend_elapsed_ms"`
	TimingMS  int64             `json:"timing_ms"`
}

// CollapsedEntry records one near-duplicate merged into a representative.
type CollapsedEntry struct {
	Identity   string  `json:"identity"`
	MergedInto string  `json:"merged_into"`
	Similarity float64 `json:"similarity"`
}

// BuildSearchDebug converts collected trace events into a SearchDebug.
func BuildSearchDebug(events []TraceEvent, elapsedMS int64) *SearchDebug {
	d := &SearchDebug{
		Backends:  make(map[string]int),
		ElapsedMS: make(map[string]int64),
		TimingMS:  elapsedMS,
	}
	for _, e := range events {
		switch e.Kind {
		case KindSearchStarted:
			d.Query = e.Query
		case KindBackendReturned:
			d.Backends[e.Backend] = e.Count
			d.ElapsedMS[e.Backend] = e.ElapsedMS
		case KindBackendFailed:
			if d.Failed == nil {
				d.Failed = make(map[string]string)
			}
			d.Failed[e.Backend] = e.Reason
			d.ElapsedMS[e.Backend] = e.ElapsedMS
		case KindFused:
			d.Fused++
		case KindDeduplicated:
			d.Collapsed = append(d.Collapsed, CollapsedEntry{
				Identity:   e.Identity,
				MergedInto: e.MergedInto,
				Similarity: e.Similarity,
			})
		case KindResultsReturned:
			d.Returned = e.IDs
		}
	}
	return d
}
