package crawl

// EndpointCounts tallies requests and items for one endpoint identity.
type EndpointCounts struct {
	Requests int `json:"requests"`
	Items    int `json:"items"`
}

// Stats holds crawl counters. Only the Engine mutates it.
type Stats struct {
	TotalRequests int                       `json:"total_requests"`
	TotalItems    int                       `json:"total_items"`
	TotalErrors   int                       `json:"total_errors"`
	AuthBlocked   bool                      `json:"auth_blocked"`
	Endpoints     map[string]EndpointCounts `json:"endpoint_stats"`
	// SinkFailures counts records that could not be persisted.
	SinkFailures int `json:"sink_failures"`
}

func newStats() Stats {
	return Stats{Endpoints: make(map[string]EndpointCounts)}
}

// TotalEndpoints is the number of endpoints that received at least one
// counted request.
func (s Stats) TotalEndpoints() int {
	return len(s.Endpoints)
}

func (s Stats) clone() Stats {
	out := s
	out.Endpoints = make(map[string]EndpointCounts, len(s.Endpoints))
	for k, v := range s.Endpoints {
		out.Endpoints[k] = v
	}
	return out
}
