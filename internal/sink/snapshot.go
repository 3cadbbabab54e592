package sink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteDiscovered writes one formatted endpoint key per line to
// endpoints.discovered.txt under dir and returns the file path.
func WriteDiscovered(dir string, keys []string) (string, error) {
	path := filepath.Join(dir, DiscoveredFile)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('\n')
	}
	if err := writeFile(path, []byte(b.String())); err != nil {
		return "", err
	}
	return path, nil
}

// WriteClassified writes the classification map to endpoints.classified.json.
func WriteClassified(dir string, classifications any) (string, error) {
	path := filepath.Join(dir, ClassifiedFile)
	return path, WriteSnapshot(path, classifications)
}

// WriteStats writes the final statistics document to stats.json.
func WriteStats(dir string, stats any) (string, error) {
	path := filepath.Join(dir, StatsFile)
	return path, WriteSnapshot(path, stats)
}

// WriteSnapshot writes v as indented JSON, replacing any existing file.
func WriteSnapshot(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeFile(path, buf.Bytes())
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
