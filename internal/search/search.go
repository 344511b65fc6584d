// Package search talks to the search backend that holds the DOI index.
// It exposes a page-level Backend interface plus a resumable record
// stream built on top of it.
package search

import (
	"context"

	"github.com/openpid/doi-exporter/internal/bucket"
)

// Record is one document from the search index, as decoded JSON.
type Record map[string]any

// Str returns the record field as a string, or "" when absent or not a string.
func (r Record) Str(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

// Hit is one search result plus the sort values that define the resume cursor.
type Hit struct {
	Source Record
	Sort   []any
}

// MonthCount is one bucket of the month histogram aggregation.
type MonthCount struct {
	Key   bucket.Key
	Count int64
}

// Response is one page of query results.
type Response struct {
	// TimedOut is the backend-reported timeout flag. A timed-out page is
	// not an error at the transport level but carries no usable hits.
	TimedOut bool
	Total    int64
	Hits     []Hit
	Months   []MonthCount
}

// Backend executes a single page query against the index.
type Backend interface {
	Search(ctx context.Context, q *Query) (*Response, error)
}

// Count runs the query with hit tracking and no results, returning the
// authoritative record count for its filter.
func Count(ctx context.Context, b Backend, base *Query) (int64, error) {
	resp, err := b.Search(ctx, base.ForCount())
	if err != nil {
		return 0, err
	}
	return resp.Total, nil
}

// MonthHistogram returns the per-month record counts for the query's
// filter, plus the overall total.
func MonthHistogram(ctx context.Context, b Backend, base *Query) ([]MonthCount, int64, error) {
	resp, err := b.Search(ctx, base.ForHistogram())
	if err != nil {
		return nil, 0, err
	}
	return resp.Months, resp.Total, nil
}
