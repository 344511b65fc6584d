package search

import (
	"github.com/openpid/doi-exporter/internal/bucket"
)

// Query describes one filtered, sorted, paginated index query.
// The zero cursor means "from the beginning"; SearchAfter resumes
// exclusively after the last seen sort key.
type Query struct {
	Agencies    []string
	States      []string
	Month       *bucket.Key
	Includes    []string
	Size        int
	Sorted      bool
	TrackTotal  bool
	Histogram   bool
	SearchAfter []any
}

// NewQuery builds the base query matching all exportable records:
// filtered by agency and state, sorted by update timestamp then unique
// id so the resume cursor stays well-defined under timestamp ties.
func NewQuery(agencies, states []string, pageSize int) *Query {
	return &Query{
		Agencies: agencies,
		States:   states,
		Size:     pageSize,
		Sorted:   true,
	}
}

// WithMonth restricts the query to records updated within the month.
func (q *Query) WithMonth(key bucket.Key) *Query {
	q.Month = &key
	return q
}

// WithIncludes restricts result documents to the field allow-list.
func (q *Query) WithIncludes(fields []string) *Query {
	q.Includes = fields
	return q
}

// ForCount derives a total-count variant of the query: no hits, no
// sort, tracked totals.
func (q *Query) ForCount() *Query {
	c := q.clone()
	c.Size = 0
	c.Sorted = false
	c.TrackTotal = true
	c.Includes = nil
	c.SearchAfter = nil
	return c
}

// ForHistogram derives a month date-histogram variant of the query.
func (q *Query) ForHistogram() *Query {
	c := q.ForCount()
	c.Histogram = true
	return c
}

func (q *Query) clone() *Query {
	c := *q
	return &c
}

// Body renders the query as a search request body.
func (q *Query) Body() map[string]any {
	var filters []any
	if len(q.Agencies) > 0 {
		filters = append(filters, map[string]any{
			"terms": map[string]any{"agency": q.Agencies},
		})
	}
	if len(q.States) > 0 {
		filters = append(filters, map[string]any{
			"terms": map[string]any{"aasm_state": q.States},
		})
	}
	if q.Month != nil {
		filters = append(filters, map[string]any{
			"range": map[string]any{
				"updated": map[string]any{
					"gte": q.Month.Start(),
					"lte": q.Month.End(),
				},
			},
		})
	}

	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{"filter": filters},
		},
		"size":             q.Size,
		"track_total_hits": q.TrackTotal,
	}

	if q.Sorted {
		body["sort"] = []any{
			map[string]any{"updated": "asc"},
			map[string]any{"uid": "asc"},
		}
	}
	if len(q.Includes) > 0 {
		body["_source"] = map[string]any{"includes": q.Includes}
	}
	if len(q.SearchAfter) > 0 {
		body["search_after"] = q.SearchAfter
	}
	if q.Histogram {
		body["aggs"] = map[string]any{
			"updated": map[string]any{
				"date_histogram": map[string]any{
					"field":             "updated",
					"calendar_interval": "month",
					"format":            "yyyy-MM",
				},
			},
		}
	}
	return body
}

// ProjectedFields is the explicit allow-list of document fields carried
// into the export. Fields outside this list are dropped by the backend
// before serialization.
var ProjectedFields = []string{
	"uid",
	"prefix",
	"suffix",
	"identifiers",
	"creators",
	"titles",
	"publisher_obj",
	"container",
	"publication_year",
	"subjects",
	"contributors",
	"dates",
	"language",
	"types",
	"related_identifiers",
	"related_items",
	"sizes",
	"formats",
	"version_info",
	"rights_list",
	"descriptions",
	"geo_locations",
	"funding_references",
	"url",
	"content_url",
	"metadata_version",
	"schema_version",
	"source",
	"is_active",
	"aasm_state",
	"reason",
	"view_count",
	"views_over_time",
	"download_count",
	"downloads_over_time",
	"reference_count",
	"citation_count",
	"citations_over_time",
	"part_count",
	"part_of_count",
	"version_count",
	"version_of_count",
	"created",
	"registered",
	"published",
	"updated",
	"client_id",
	"provider_id",
	"media_ids",
	"reference_ids",
	"citation_ids",
	"part_ids",
	"part_of_ids",
	"version_ids",
	"version_of_ids",
}
