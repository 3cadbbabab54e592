package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Output file names.
const (
	ResponsesFile  = "responses.ndjson"
	ItemsFile      = "items.ndjson"
	ErrorsFile     = "errors.ndjson"
	DiscoveredFile = "endpoints.discovered.txt"
	ClassifiedFile = "endpoints.classified.json"
	StatsFile      = "stats.json"
)

type ndjsonStream struct {
	file *os.File
	enc  *json.Encoder
}

// NDJSONSink writes one JSON object per line into three files under a
// directory. Files are truncated when the sink is created.
type NDJSONSink struct {
	mu        sync.Mutex
	dir       string
	responses ndjsonStream
	items     ndjsonStream
	failures  ndjsonStream
	logger    *zap.Logger
}

// NewNDJSONSink creates dir if needed and truncates the three stream files.
func NewNDJSONSink(dir string, logger *zap.Logger) (*NDJSONSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", dir, err)
	}
	s := &NDJSONSink{dir: dir, logger: logger}
	var err error
	if s.responses, err = openStream(filepath.Join(dir, ResponsesFile)); err != nil {
		return nil, err
	}
	if s.items, err = openStream(filepath.Join(dir, ItemsFile)); err != nil {
		_ = s.responses.file.Close()
		return nil, err
	}
	if s.failures, err = openStream(filepath.Join(dir, ErrorsFile)); err != nil {
		_ = s.responses.file.Close()
		_ = s.items.file.Close()
		return nil, err
	}
	logger.Info("Record streams opened", zap.String("dir", dir))
	return s, nil
}

func openStream(path string) (ndjsonStream, error) {
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return ndjsonStream{}, fmt.Errorf("open %s: %w", path, err)
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return ndjsonStream{file: f, enc: enc}, nil
}

// Dir returns the directory the sink writes to.
func (s *NDJSONSink) Dir() string {
	return s.dir
}

// WriteResponse implements RecordSink.
func (s *NDJSONSink) WriteResponse(ctx context.Context, rec ResponseRecord) error {
	return s.write(ctx, &s.responses, rec)
}

// WriteItem implements RecordSink.
func (s *NDJSONSink) WriteItem(ctx context.Context, rec ItemRecord) error {
	return s.write(ctx, &s.items, rec)
}

// WriteError implements RecordSink.
func (s *NDJSONSink) WriteError(ctx context.Context, rec ErrorRecord) error {
	return s.write(ctx, &s.failures, rec)
}

func (s *NDJSONSink) write(ctx context.Context, stream *ndjsonStream, v any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stream.file == nil {
		return fmt.Errorf("sink closed")
	}
	if err := stream.enc.Encode(v); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(stream.file.Name()), err)
	}
	return nil
}

// Close flushes and closes all three files.
func (s *NDJSONSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, stream := range []*ndjsonStream{&s.responses, &s.items, &s.failures} {
		if stream.file == nil {
			continue
		}
		if err := stream.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", stream.file.Name(), err))
		}
		if err := stream.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", stream.file.Name(), err))
		}
		stream.file = nil
	}
	return errors.Join(errs...)
}
