// Package serialize turns raw index records into the published output
// shapes: the JSON:API document written to the JSONL files and the
// denormalized row written to the summary CSV.
//
// Both transforms are total: malformed or absent fields degrade to
// empty containers instead of failing, so the output schema stays
// stable across heterogeneous records.
package serialize

import (
	"fmt"
	"strings"

	"github.com/openpid/doi-exporter/internal/search"
)

// CSVHeader is the column order of the per-bucket summary file.
var CSVHeader = []string{"doi", "state", "client_id", "updated"}

// CSVRow extracts the summary columns from a raw record.
func CSVRow(rec search.Record) []string {
	return []string{
		rec.Str("uid"),
		rec.Str("aasm_state"),
		rec.Str("client_id"),
		rec.Str("updated"),
	}
}

// arrayFields are attribute fields that must always be JSON arrays.
var arrayFields = []string{
	"creators", "contributors", "rightsList", "fundingReferences", "identifiers",
	"relatedIdentifiers", "relatedItems", "geoLocations", "dates", "subjects",
	"sizes", "titles", "descriptions", "formats",
}

// objectFields are attribute fields that must always be JSON objects.
var objectFields = []string{"container", "types"}

// relationIDFields maps relationship names to the raw index fields that
// carry the linked DOI ids.
var relationIDFields = []struct {
	Relation string
	Field    string
}{
	{"media", "media_ids"},
	{"references", "reference_ids"},
	{"citations", "citation_ids"},
	{"parts", "part_ids"},
	{"partOf", "part_of_ids"},
	{"versions", "version_ids"},
	{"versionOf", "version_of_ids"},
}

// JSONRecord normalizes a raw index record into the JSON:API document
// shape the REST API produces: renamed keys, camel-cased attributes,
// wrapped arrays, derived fields, and relationship linkage.
func JSONRecord(rec search.Record) map[string]any {
	attrs := make(map[string]any, len(rec))
	for k, v := range rec {
		attrs[k] = v
	}

	// Relationship ids live outside attributes.
	clientID := popString(attrs, "client_id")
	providerID := popString(attrs, "provider_id")
	relationIDs := make(map[string][]string, len(relationIDFields))
	for _, rf := range relationIDFields {
		relationIDs[rf.Relation] = popIDs(attrs, rf.Field)
	}

	// Keys with a different name in the index than in the API output.
	attrs["doi"] = pop(attrs, "uid")
	attrs["publisher"] = pop(attrs, "publisher_obj")
	attrs["version"] = pop(attrs, "version_info")
	attrs["state"] = pop(attrs, "aasm_state")

	camel := camelizeValue(attrs).(map[string]any)

	wrapArrayFields(camel)
	populateEmptyFields(camel)
	populatePublished(camel)
	populateIdentifiers(camel)
	populateAlternateIdentifiers(camel)
	convertIsActive(camel)

	relationships := map[string]any{
		"client": map[string]any{
			"data": map[string]any{"id": clientID, "type": "clients"},
		},
		"provider": map[string]any{
			"data": map[string]any{"id": providerID, "type": "providers"},
		},
	}
	for _, rf := range relationIDFields {
		data := make([]any, 0, len(relationIDs[rf.Relation]))
		for _, id := range relationIDs[rf.Relation] {
			data = append(data, map[string]any{"id": id, "type": "dois"})
		}
		relationships[rf.Relation] = map[string]any{"data": data}
	}

	return map[string]any{
		"id":            camel["doi"],
		"type":          "dois",
		"attributes":    camel,
		"relationships": relationships,
	}
}

// wrapArrayFields ensures that fields which should be arrays are.
// A scalar becomes a one-element array, an empty value an empty array.
func wrapArrayFields(attrs map[string]any) {
	for _, field := range arrayFields {
		v, ok := attrs[field]
		if !ok || v == nil {
			attrs[field] = []any{}
			continue
		}
		if _, isList := v.([]any); isList {
			continue
		}
		if isEmpty(v) {
			attrs[field] = []any{}
		} else {
			attrs[field] = []any{v}
		}
	}
}

// populateEmptyFields ensures object-valued fields exist.
func populateEmptyFields(attrs map[string]any) {
	for _, field := range objectFields {
		if v, ok := attrs[field]; !ok || isEmpty(v) {
			attrs[field] = map[string]any{}
		}
	}
}

// populatePublished derives the published date: the first date entry of
// type "Issued", else the publication year as a string.
func populatePublished(attrs map[string]any) {
	var published any

	if dates, ok := attrs["dates"].([]any); ok {
		for _, d := range dates {
			entry, ok := d.(map[string]any)
			if !ok {
				continue
			}
			if dt, _ := entry["dateType"].(string); dt == "Issued" || dt == "issued" {
				if date, ok := entry["date"]; ok {
					published = date
				}
				break
			}
		}
	}

	if published == nil || published == "" {
		if year, ok := attrs["publicationYear"]; ok && !isEmpty(year) {
			published = yearString(year)
		}
	}

	attrs["published"] = published
}

// populateIdentifiers drops identifier entries that duplicate the
// record's own doi or url.
func populateIdentifiers(attrs map[string]any) {
	doi := attrs["doi"]
	url := attrs["url"]

	in, _ := attrs["identifiers"].([]any)
	out := make([]any, 0, len(in))
	for _, item := range in {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if id := entry["identifier"]; id == doi || id == url {
			continue
		}
		out = append(out, item)
	}
	attrs["identifiers"] = out
}

// populateAlternateIdentifiers mirrors the filtered identifiers into
// the alternateIdentifier shape.
func populateAlternateIdentifiers(attrs map[string]any) {
	in, _ := attrs["identifiers"].([]any)
	out := make([]any, 0, len(in))
	for _, item := range in {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"alternateIdentifierType": entry["identifierType"],
			"alternateIdentifier":     entry["identifier"],
		})
	}
	attrs["alternateIdentifiers"] = out
}

// convertIsActive turns the index's byte-string flag into a boolean:
// true iff the first byte of the string is 1.
func convertIsActive(attrs map[string]any) {
	switch v := attrs["isActive"].(type) {
	case bool:
		// already converted upstream
	case string:
		attrs["isActive"] = len(v) > 0 && v[0] == 1
	default:
		attrs["isActive"] = false
	}
}

// camelizeValue recursively converts snake_case map keys to camelCase.
func camelizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[Camelize(k)] = camelizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = camelizeValue(val)
		}
		return out
	default:
		return v
	}
}

// Camelize converts a snake_case identifier to camelCase.
func Camelize(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	b.WriteString(parts[0])
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

func pop(m map[string]any, key string) any {
	v := m[key]
	delete(m, key)
	return v
}

func popString(m map[string]any, key string) string {
	v := pop(m, key)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func popIDs(m map[string]any, key string) []string {
	v := pop(m, key)
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case float64:
		return t == 0
	case int:
		return t == 0
	default:
		return false
	}
}

func yearString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	case int:
		return fmt.Sprintf("%d", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
