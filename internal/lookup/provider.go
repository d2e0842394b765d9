package lookup

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	pkgerrors "restosync/pkg/errors"
)

// ErrNotFound is returned when the provider has no match for the query.
// Providers return this exact value so callers can test it with errors.Is.
var ErrNotFound = pkgerrors.NewError("LOOKUP_NOT_FOUND", "no lookup match", http.StatusNotFound).AsFatal()

// Context narrows a search to one location.
type Context struct {
	EntityID string `json:"entity_id"`
	Slug     string `json:"slug"`
	MallSlug string `json:"mall_slug,omitempty"`
	// ForceRefresh bypasses cached results.
	ForceRefresh bool `json:"-"`
}

type Result struct {
	Name       string   `json:"name"`
	Rating     *float64 `json:"rating,omitempty"`
	Hours      string   `json:"hours,omitempty"`
	Closed     *bool    `json:"closed,omitempty"`
	PhotoRef   string   `json:"photo_ref,omitempty"`
	ExternalID string   `json:"external_id,omitempty"`
}

type Provider interface {
	Search(ctx context.Context, name string, qc Context) (*Result, error)
}

// resultFromFields builds a Result from CEL mapping output. Values of the
// wrong type are ignored.
func resultFromFields(fields map[string]interface{}) *Result {
	r := &Result{}
	if v, ok := fields["name"].(string); ok {
		r.Name = strings.TrimSpace(v)
	}
	if v, ok := toFloat(fields["rating"]); ok {
		r.Rating = &v
	}
	r.Hours = hoursString(fields["hours"])
	if v, ok := fields["closed"].(bool); ok {
		r.Closed = &v
	}
	if v, ok := fields["photo_ref"].(string); ok {
		r.PhotoRef = v
	}
	if v, ok := fields["external_id"]; ok && v != nil {
		r.ExternalID = fmt.Sprint(v)
	}
	return r
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// hoursString flattens weekday-text lists into one line.
func hoursString(v interface{}) string {
	switch h := v.(type) {
	case string:
		return h
	case []interface{}:
		parts := make([]string, 0, len(h))
		for _, p := range h {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, "; ")
	case []string:
		return strings.Join(h, "; ")
	}
	return ""
}
