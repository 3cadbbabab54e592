// Package archive uploads the artifacts of a finished run to a blob store.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/apimapper/internal/sink"
)

// BlobStore persists one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// RunFiles lists the artifacts a run may leave in its output directory.
var RunFiles = []string{
	sink.DiscoveredFile,
	sink.ClassifiedFile,
	sink.StatsFile,
	sink.ResponsesFile,
	sink.ItemsFile,
	sink.ErrorsFile,
}

// Archiver copies run artifacts to prefix/<run id>/<file>.
type Archiver struct {
	store  BlobStore
	prefix string
	logger *zap.Logger
}

// New builds an Archiver.
func New(store BlobStore, prefix string, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: store, prefix: strings.Trim(prefix, "/"), logger: logger}, nil
}

// ObjectPath returns the object name used for file within runID.
func (a *Archiver) ObjectPath(runID, file string) string {
	return path.Join(a.prefix, runID, file)
}

// Archive uploads every RunFiles entry present in dir and returns the
// resulting URIs keyed by file name. Missing files are skipped; dry runs
// never produce the NDJSON streams. Upload failures are joined and the
// remaining files are still attempted.
func (a *Archiver) Archive(ctx context.Context, runID, dir string) (map[string]string, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	uris := make(map[string]string, len(RunFiles))
	var errs []error
	for _, name := range RunFiles {
		if err := ctx.Err(); err != nil {
			return uris, fmt.Errorf("archive run %s: %w", runID, err)
		}
		uri, err := a.upload(ctx, filepath.Join(dir, name), a.ObjectPath(runID, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		uris[name] = uri
		a.logger.Debug("artifact archived", zap.String("file", name), zap.String("uri", uri))
	}
	a.logger.Info("run archived",
		zap.String("run_id", runID),
		zap.Int("objects", len(uris)),
		zap.Int("failures", len(errs)),
	)
	return uris, errors.Join(errs...)
}

func (a *Archiver) upload(ctx context.Context, localPath, objectPath string) (string, error) {
	f, err := os.Open(localPath) //nolint:gosec // path built from the run output dir
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck // read-only

	uri, err := a.store.PutObject(ctx, objectPath, ContentType(localPath), f)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filepath.Base(localPath), err)
	}
	return uri, nil
}

// ContentType maps an artifact name to its MIME type.
func ContentType(name string) string {
	switch filepath.Ext(name) {
	case ".ndjson":
		return "application/x-ndjson"
	case ".json":
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}
