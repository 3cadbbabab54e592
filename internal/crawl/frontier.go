package crawl

import (
	"github.com/JakeFAU/apimapper/internal/endpoint"
	"github.com/JakeFAU/apimapper/internal/metrics"
)

// Frontier is a FIFO queue of canonical URLs guarded by a bounded visited
// set. A URL is queued at most once for the lifetime of the frontier.
// Frontier is not safe for concurrent use; the Engine owns it.
type Frontier struct {
	queue   []string
	visited map[string]struct{}
	max     int
}

// NewFrontier returns an empty frontier that accepts at most maxURLs
// distinct URLs.
func NewFrontier(maxURLs int) *Frontier {
	return &Frontier{
		visited: make(map[string]struct{}),
		max:     maxURLs,
	}
}

// Enqueue canonicalizes rawURL and appends it when it is unseen and the
// visited set is below the ceiling. A false return is not an error.
func (f *Frontier) Enqueue(rawURL string) bool {
	canonical, err := endpoint.Canonicalize(rawURL)
	if err != nil {
		return false
	}
	if _, seen := f.visited[canonical]; seen || len(f.visited) >= f.max {
		return false
	}
	f.visited[canonical] = struct{}{}
	f.queue = append(f.queue, canonical)
	metrics.SetFrontierSize(len(f.queue))
	return true
}

// Pop removes and returns the head of the queue.
func (f *Frontier) Pop() (string, bool) {
	if len(f.queue) == 0 {
		return "", false
	}
	head := f.queue[0]
	f.queue[0] = ""
	f.queue = f.queue[1:]
	metrics.SetFrontierSize(len(f.queue))
	return head, true
}

// Len returns the number of queued URLs.
func (f *Frontier) Len() int { return len(f.queue) }

// Visited returns the number of distinct URLs ever accepted.
func (f *Frontier) Visited() int { return len(f.visited) }

// Full reports whether the visited set reached the ceiling.
func (f *Frontier) Full() bool { return len(f.visited) >= f.max }
