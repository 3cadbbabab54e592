// Package seed loads seed URL lists and merges them into an endpoint set.
package seed

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/apimapper/internal/endpoint"
)

// Filter decides whether a seed URL belongs to the mapped surface.
type Filter func(rawURL string) bool

// Loader reads seed files, drops lines the filter rejects and merges the
// rest into an endpoint set.
type Loader struct {
	filter Filter
	logger *zap.Logger
}

// NewLoader builds a Loader. A nil filter accepts every URL.
func NewLoader(filter Filter, logger *zap.Logger) *Loader {
	if filter == nil {
		filter = func(string) bool { return true }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{filter: filter, logger: logger}
}

// Read parses one URL per line. Blank lines and lines starting with # are
// skipped; so are URLs the filter rejects.
func (l *Loader) Read(r io.Reader) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !l.filter(line) {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan seeds: %w", err)
	}
	return urls, nil
}

// LoadFile reads the seed file at path.
func (l *Loader) LoadFile(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("open seeds %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only

	urls, err := l.Read(f)
	if err != nil {
		return nil, fmt.Errorf("read seeds %s: %w", path, err)
	}
	l.logger.Info("seed file loaded", zap.String("path", path), zap.Int("urls", len(urls)))
	return urls, nil
}

// LoadFiles reads every path and merges all URLs into a new set, keeping
// the first URL seen for each identity.
func (l *Loader) LoadFiles(paths []string) (*endpoint.Set, error) {
	set := endpoint.NewSet()
	for _, path := range paths {
		urls, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		l.Merge(set, urls)
	}
	return set, nil
}

// Merge adds urls to set and returns how many new identities were added.
// Unparseable URLs are logged and skipped.
func (l *Loader) Merge(set *endpoint.Set, urls []string) int {
	added := 0
	for _, raw := range urls {
		isNew, err := set.Add(raw)
		if err != nil {
			l.logger.Debug("skip unparseable seed", zap.String("url", raw), zap.Error(err))
			continue
		}
		if isNew {
			added++
		}
	}
	return added
}
