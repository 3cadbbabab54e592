// Package sink persists crawl output as append-only record streams and
// point-in-time JSON snapshots.
package sink

import (
	"context"
	"encoding/json"
	"errors"
)

// ResponseRecord is one successful fetch. Page is set only for pages of a
// drained collection.
type ResponseRecord struct {
	EndpointKey string          `json:"endpoint_key"`
	URL         string          `json:"url"`
	Kind        string          `json:"kind"`
	Page        *int            `json:"page,omitempty"`
	Status      int             `json:"status"`
	Body        json.RawMessage `json:"body"`
}

// ItemRecord is one element of a collection. Exactly one of SourceURL and
// SourcePageURL is set: the page URL for drained collections, the plain URL
// for single-fetch arrays.
type ItemRecord struct {
	SourceEndpoint string `json:"source_endpoint"`
	SourceURL      string `json:"source_url,omitempty"`
	SourcePageURL  string `json:"source_page_url,omitempty"`
	Item           any    `json:"item"`
}

// Error types recorded in ErrorRecord.ErrorType.
const (
	ErrorTypeHTTP      = "http_error"
	ErrorTypeException = "exception"
)

// ErrorRecord is one failed fetch. Status is set for HTTP errors, Error for
// transport failures.
type ErrorRecord struct {
	URL         string `json:"url"`
	EndpointKey string `json:"endpoint_key"`
	Status      int    `json:"status,omitempty"`
	ErrorType   string `json:"error_type"`
	Error       string `json:"error,omitempty"`
}

// RecordSink receives crawl records in the order they are produced.
type RecordSink interface {
	WriteResponse(ctx context.Context, rec ResponseRecord) error
	WriteItem(ctx context.Context, rec ItemRecord) error
	WriteError(ctx context.Context, rec ErrorRecord) error
	Close() error
}

// MultiSink fans every record out to several sinks. A failure in one sink
// does not stop delivery to the others.
type MultiSink []RecordSink

// WriteResponse implements RecordSink.
func (m MultiSink) WriteResponse(ctx context.Context, rec ResponseRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.WriteResponse(ctx, rec))
	}
	return errors.Join(errs...)
}

// WriteItem implements RecordSink.
func (m MultiSink) WriteItem(ctx context.Context, rec ItemRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.WriteItem(ctx, rec))
	}
	return errors.Join(errs...)
}

// WriteError implements RecordSink.
func (m MultiSink) WriteError(ctx context.Context, rec ErrorRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.WriteError(ctx, rec))
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
